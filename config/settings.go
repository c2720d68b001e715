package config

// settings.go - engine tuneables persisted as settings.yaml.
//
// Precedence order (highest wins):
//  1. CLI flags       (handled by cmd/root.go)
//  2. Environment     (GOTUN_* variables, this file)
//  3. settings.yaml   (this file)
//  4. Defaults        (defaults.go)

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the engine-wide tuneables.  Per-profile behaviour
// (auto-reconnect, rules) lives on the Profile instead.
type Settings struct {
	ConnectTimeout     time.Duration
	KeepAliveInterval  time.Duration
	KeepAliveMaxMissed int
	GraceDeadline      time.Duration
	IdleTimeout        time.Duration
	DialTimeout        time.Duration
	KnownHostsPath     string
	TrustOnFirstUse    bool
	LogLevel           int
}

// settingsFile is the YAML document layout.  Durations are stored as
// whole seconds so the file stays hand-editable.
type settingsFile struct {
	ConnectTimeoutSec     int    `yaml:"connect_timeout_sec"`
	KeepAliveIntervalSec  int    `yaml:"keepalive_interval_sec"`
	KeepAliveMaxMissed    int    `yaml:"keepalive_max_missed"`
	GraceDeadlineSec      int    `yaml:"grace_deadline_sec"`
	IdleTimeoutSec        int    `yaml:"idle_timeout_sec"`
	DialTimeoutSec        int    `yaml:"dial_timeout_sec"`
	KnownHostsPath        string `yaml:"known_hosts,omitempty"`
	TrustOnFirstUse       bool   `yaml:"trust_on_first_use"`
	LogLevel              int    `yaml:"log_level"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:     DefaultConnTimeout,
		KeepAliveInterval:  DefaultKeepAliveInterval,
		KeepAliveMaxMissed: DefaultKeepAliveMaxMissed,
		GraceDeadline:      DefaultGraceDeadline,
		IdleTimeout:        DefaultIdleTimeout,
		DialTimeout:        DefaultDialTimeout,
		LogLevel:           1,
	}
}

// DefaultConfigDir returns ~/.gotun, creating nothing.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".gotun"), nil
}

// LoadSettings reads settings.yaml from dir, overlaying the file's
// values on the defaults.  A missing file yields pure defaults.
func LoadSettings(dir string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("reading settings: %w", err)
	}
	var sf settingsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return DefaultSettings(), fmt.Errorf("parsing settings: %w", err)
	}

	// Overlay only the values the file actually sets.
	if sf.ConnectTimeoutSec > 0 {
		s.ConnectTimeout = time.Duration(sf.ConnectTimeoutSec) * time.Second
	}
	if sf.KeepAliveIntervalSec > 0 {
		s.KeepAliveInterval = time.Duration(sf.KeepAliveIntervalSec) * time.Second
	}
	if sf.KeepAliveMaxMissed > 0 {
		s.KeepAliveMaxMissed = sf.KeepAliveMaxMissed
	}
	if sf.GraceDeadlineSec > 0 {
		s.GraceDeadline = time.Duration(sf.GraceDeadlineSec) * time.Second
	}
	if sf.IdleTimeoutSec > 0 {
		s.IdleTimeout = time.Duration(sf.IdleTimeoutSec) * time.Second
	}
	if sf.DialTimeoutSec > 0 {
		s.DialTimeout = time.Duration(sf.DialTimeoutSec) * time.Second
	}
	if sf.KnownHostsPath != "" {
		s.KnownHostsPath = sf.KnownHostsPath
	}
	if sf.TrustOnFirstUse {
		s.TrustOnFirstUse = true
	}
	if sf.LogLevel > 0 {
		s.LogLevel = sf.LogLevel
	}
	return s, nil
}

// SaveSettings writes settings.yaml under dir.
func SaveSettings(dir string, s Settings) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	sf := settingsFile{
		ConnectTimeoutSec:    int(s.ConnectTimeout / time.Second),
		KeepAliveIntervalSec: int(s.KeepAliveInterval / time.Second),
		KeepAliveMaxMissed:   s.KeepAliveMaxMissed,
		GraceDeadlineSec:     int(s.GraceDeadline / time.Second),
		IdleTimeoutSec:       int(s.IdleTimeout / time.Second),
		DialTimeoutSec:       int(s.DialTimeout / time.Second),
		KnownHostsPath:       s.KnownHostsPath,
		TrustOnFirstUse:      s.TrustOnFirstUse,
		LogLevel:             s.LogLevel,
	}
	data, err := yaml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "settings.yaml"), data)
}

// ── Environment overlay ──────────────────────────────────────────────
//
// Every supported env var uses the GOTUN_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto s.  Only set env
// vars override the existing value.  Call BEFORE CLI flag parsing so
// that flags take precedence.
func LoadFromEnv(s *Settings) {
	if v := envSeconds("GOTUN_CONNECT_TIMEOUT"); v > 0 {
		s.ConnectTimeout = v
	}
	if v := envSeconds("GOTUN_KEEPALIVE_INTERVAL"); v > 0 {
		s.KeepAliveInterval = v
	}
	if v := envInt("GOTUN_KEEPALIVE_MAX_MISSED"); v > 0 {
		s.KeepAliveMaxMissed = v
	}
	if v := envSeconds("GOTUN_GRACE_DEADLINE"); v > 0 {
		s.GraceDeadline = v
	}
	if v := envSeconds("GOTUN_IDLE_TIMEOUT"); v > 0 {
		s.IdleTimeout = v
	}
	if v := os.Getenv("GOTUN_KNOWN_HOSTS"); v != "" {
		s.KnownHostsPath = v
	}
	if envBool("GOTUN_TOFU") {
		s.TrustOnFirstUse = true
	}
	if v := envInt("GOTUN_LOG_LEVEL"); v > 0 {
		s.LogLevel = v
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envSeconds(name string) time.Duration {
	return time.Duration(envInt(name)) * time.Second
}

func envBool(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// writeFileAtomic writes via a temp file and rename so a crash never
// leaves a half-written store behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".gotun-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
