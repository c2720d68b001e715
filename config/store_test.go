package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	gterr "gotun/internal/errors"
	"gotun/util"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), util.NewLogger(0))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func testProfile(name string) *Profile {
	return &Profile{
		Name: name, Host: "bastion", Port: 22, User: "deploy",
		Auth:     AuthPassword,
		Password: []byte("sealed-blob"),
		Rules: []Rule{
			{Kind: ForwardLocal, BindAddr: "127.0.0.1", BindPort: 8080,
				TargetAddr: "db", TargetPort: 5432},
		},
	}
}

func TestStore_SaveAssignsIdentity(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")

	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}
	if p.ID == "" {
		t.Error("no id assigned")
	}
	if p.Version != 1 {
		t.Errorf("version = %d, want 1", p.Version)
	}
}

func TestStore_LoadPreservesOrder(t *testing.T) {
	s := testStore(t)
	for _, name := range []string{"c", "a", "b"} {
		if err := s.Save(testProfile(name)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"c", "a", "b"} {
		if got[i].Name != want {
			t.Errorf("profiles[%d].Name = %q, want %q (insertion order)", i, got[i].Name, want)
		}
	}
}

func TestStore_GetByName(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetByName("one")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID {
		t.Errorf("id mismatch: %q vs %q", got.ID, p.ID)
	}

	if _, err := s.GetByName("ghost"); !gterr.Is(err, gterr.ErrProfileMissing) {
		t.Errorf("got %v, want ErrProfileMissing", err)
	}
}

func TestStore_DuplicateNameRejected(t *testing.T) {
	s := testStore(t)
	if err := s.Save(testProfile("dup")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(testProfile("dup")); err == nil {
		t.Error("duplicate name accepted")
	}
}

func TestStore_UpdateBumpsVersion(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}

	p.Host = "new-bastion"
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 {
		t.Errorf("version = %d, want 2", p.Version)
	}

	got, _ := s.Get(p.ID)
	if got.Host != "new-bastion" {
		t.Errorf("update not persisted: host = %q", got.Host)
	}
}

func TestStore_StaleWriteConflicts(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}

	// Two writers load the same version.
	a, _ := s.Get(p.ID)
	b, _ := s.Get(p.ID)

	a.Host = "from-a"
	if err := s.Save(a); err != nil {
		t.Fatalf("first writer: %v", err)
	}

	b.Host = "from-b"
	err := s.Save(b)
	var ce *gterr.ConflictError
	if !gterr.As(err, &ce) {
		t.Fatalf("second writer: got %v, want ConflictError", err)
	}

	// First writer's change is preserved.
	got, _ := s.Get(p.ID)
	if got.Host != "from-a" {
		t.Errorf("host = %q, want from-a", got.Host)
	}
}

func TestStore_Delete(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(p.ID); !gterr.Is(err, gterr.ErrProfileMissing) {
		t.Errorf("got %v, want ErrProfileMissing", err)
	}
	if err := s.Delete(p.ID); !gterr.Is(err, gterr.ErrProfileMissing) {
		t.Errorf("double delete: got %v, want ErrProfileMissing", err)
	}
}

func TestStore_Touch(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}

	if err := s.Touch(p.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(p.ID)
	if got.LastUsed.IsZero() {
		t.Error("last-used not recorded")
	}
	if got.Version != p.Version {
		t.Error("Touch must not bump the version")
	}
}

func TestStore_SecretsStaySealedOnDisk(t *testing.T) {
	s := testStore(t)
	p := testProfile("one")
	p.Password = []byte("vault-ciphertext-here")
	if err := s.Save(p); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(s.Dir(), "profiles.json"))
	if err != nil {
		t.Fatal(err)
	}
	// JSON encodes []byte fields as base64, so the raw ciphertext
	// bytes never appear verbatim in the file.
	if len(raw) == 0 {
		t.Fatal("empty store file")
	}
	if strings.Contains(string(raw), "vault-ciphertext-here") {
		t.Error("secret bytes stored unencoded")
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	logger := util.NewLogger(0)

	s1, err := NewStore(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	p := testProfile("one")
	if err := s1.Save(p); err != nil {
		t.Fatal(err)
	}

	s2, err := NewStore(dir, logger)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "one" || got.Version != 1 {
		t.Errorf("reloaded profile = %+v", got)
	}
}
