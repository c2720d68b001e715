package config

// export.go - portable profile bundles.
//
// Exports re-encrypt every secret under an export-specific passphrase,
// never under the vault's master key, so a bundle can be shared and
// imported independently.  Each secret blob embeds its own KDF
// parameters (see package vault), making bundles self-describing.

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	gterr "gotun/internal/errors"
	"gotun/vault"
)

const exportFormatVersion = 1

type exportFile struct {
	Format     int        `yaml:"format"`
	ExportedAt time.Time  `yaml:"exported_at"`
	Profiles   []*Profile `yaml:"profiles"`
}

// Export bundles the selected profiles (all of them when ids is empty)
// into a portable YAML blob.  v opens the stored secrets; passphrase
// seals them again for transport.
func (s *Store) Export(ids []string, v *vault.Vault, passphrase []byte) ([]byte, error) {
	profiles, err := s.Load()
	if err != nil {
		return nil, err
	}

	selected := profiles
	if len(ids) > 0 {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		selected = make([]*Profile, 0, len(ids))
		for _, p := range profiles {
			if want[p.ID] {
				selected = append(selected, p)
			}
		}
		if len(selected) != len(ids) {
			return nil, gterr.ErrProfileMissing
		}
	}

	out := make([]*Profile, 0, len(selected))
	for _, p := range selected {
		cp := p.Clone()
		if err := reseal(cp, v.Open, func(pt []byte) ([]byte, error) {
			return vault.Encrypt(pt, passphrase)
		}); err != nil {
			return nil, fmt.Errorf("exporting %s: %w", p.Name, err)
		}
		// Runtime metadata doesn't travel.
		cp.LastUsed = time.Time{}
		cp.Version = 0
		out = append(out, cp)
	}

	return yaml.Marshal(&exportFile{
		Format:     exportFormatVersion,
		ExportedAt: time.Now().UTC(),
		Profiles:   out,
	})
}

// Import merges the profiles from an export blob into the store:
// an imported profile replaces the existing one with the same name,
// otherwise it is appended.  Secrets are re-sealed under the store's
// vault.  Returns the imported profiles as persisted.
func (s *Store) Import(blob []byte, passphrase []byte, v *vault.Vault) ([]*Profile, error) {
	var ef exportFile
	if err := yaml.Unmarshal(blob, &ef); err != nil {
		return nil, fmt.Errorf("parsing export bundle: %w", err)
	}
	if ef.Format != exportFormatVersion {
		return nil, fmt.Errorf("unsupported export format %d", ef.Format)
	}

	var imported []*Profile
	for _, p := range ef.Profiles {
		cp := p.Clone()
		if err := reseal(cp, func(b []byte) ([]byte, error) {
			return vault.Decrypt(b, passphrase)
		}, v.Seal); err != nil {
			return nil, fmt.Errorf("importing %s: %w", p.Name, err)
		}

		// Merge by name: replace in place or append.
		if existing, err := s.GetByName(cp.Name); err == nil {
			cp.ID = existing.ID
			cp.Version = existing.Version
		} else {
			cp.ID = ""
			cp.Version = 0
		}
		if err := s.Save(cp); err != nil {
			return nil, fmt.Errorf("saving imported profile %s: %w", cp.Name, err)
		}
		imported = append(imported, cp)
	}
	return imported, nil
}

// reseal runs every secret field through open then seal.
func reseal(p *Profile, open, seal func([]byte) ([]byte, error)) error {
	fields := []*[]byte{&p.Password, &p.PrivateKey, &p.Passphrase}
	for _, f := range fields {
		if len(*f) == 0 {
			continue
		}
		pt, err := open(*f)
		if err != nil {
			return err
		}
		sealed, err := seal(pt)
		if err != nil {
			return err
		}
		*f = sealed
	}
	return nil
}
