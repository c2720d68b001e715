package config

// store.go - the persistent profile store.
//
// Profiles live in a single JSON document (profiles.json) under the
// config dir.  Secret fields inside it are opaque vault blobs; the
// store itself never sees plaintext.  Writes are optimistic: each
// profile carries a version counter and Save rejects stale bases with
// a ConflictError instead of silently overwriting.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	gterr "gotun/internal/errors"
	"gotun/util"
)

// storeFormatVersion tags profiles.json so the layout can evolve.
const storeFormatVersion = 1

type storeFile struct {
	Format   int        `json:"format"`
	Profiles []*Profile `json:"profiles"`
}

// Store persists connection profiles.  All operations are serialized
// by a store-level mutex; cross-process safety comes from the atomic
// file replace plus per-profile version counters.
type Store struct {
	dir    string
	logger *util.Logger

	mu sync.Mutex
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *util.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path() string { return filepath.Join(s.dir, "profiles.json") }

// Load returns all profiles in stored order.  Secrets stay sealed;
// decryption happens only when a Connect needs them.
func (s *Store) Load() ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(sf.Profiles))
	for _, p := range sf.Profiles {
		out = append(out, p.Clone())
	}
	return out, nil
}

// Get returns the profile with the given id.
func (s *Store) Get(id string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, p := range sf.Profiles {
		if p.ID == id {
			return p.Clone(), nil
		}
	}
	return nil, gterr.ErrProfileMissing
}

// GetByName returns the profile with the given unique name.
func (s *Store) GetByName(name string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return nil, err
	}
	for _, p := range sf.Profiles {
		if p.Name == name {
			return p.Clone(), nil
		}
	}
	return nil, gterr.ErrProfileMissing
}

// Save creates or updates a profile.  New profiles (empty ID) get a
// UUID and version 1.  Updates must carry the version they were
// loaded at; a stale base fails with ConflictError and leaves the
// stored profile untouched.
func (s *Store) Save(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return err
	}

	// Names are unique across profiles.
	for _, existing := range sf.Profiles {
		if existing.Name == p.Name && existing.ID != p.ID {
			return fmt.Errorf("profile name %q already in use", p.Name)
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
		p.Version = 1
		sf.Profiles = append(sf.Profiles, p.Clone())
		return s.write(sf)
	}

	for i, existing := range sf.Profiles {
		if existing.ID != p.ID {
			continue
		}
		if existing.Version != p.Version {
			return gterr.Conflict(p.ID, p.Version, existing.Version)
		}
		p.Version++
		sf.Profiles[i] = p.Clone()
		return s.write(sf)
	}
	return gterr.ErrProfileMissing
}

// Delete removes a profile by id.  Deleting an unknown id is an error
// so callers can distinguish a typo from success.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return err
	}
	for i, p := range sf.Profiles {
		if p.ID == id {
			sf.Profiles = append(sf.Profiles[:i], sf.Profiles[i+1:]...)
			return s.write(sf)
		}
	}
	return gterr.ErrProfileMissing
}

// Touch records a successful connect on the profile's last-used
// timestamp.  Unlike Save it bypasses the version check: the
// timestamp is engine metadata, not a user edit.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.read()
	if err != nil {
		return err
	}
	for _, p := range sf.Profiles {
		if p.ID == id {
			p.LastUsed = time.Now()
			return s.write(sf)
		}
	}
	return gterr.ErrProfileMissing
}

// ── file I/O ─────────────────────────────────────────────────────────

func (s *Store) read() (*storeFile, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Format: storeFormatVersion}, nil
		}
		return nil, fmt.Errorf("reading profile store: %w", err)
	}
	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parsing profile store: %w", err)
	}
	if sf.Format != storeFormatVersion {
		return nil, fmt.Errorf("unsupported profile store format %d", sf.Format)
	}
	return &sf, nil
}

func (s *Store) write(sf *storeFile) error {
	sf.Format = storeFormatVersion
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding profile store: %w", err)
	}
	if err := writeFileAtomic(s.path(), data); err != nil {
		return fmt.Errorf("writing profile store: %w", err)
	}
	s.logger.Debug("profile store written (%d profiles)", len(sf.Profiles))
	return nil
}
