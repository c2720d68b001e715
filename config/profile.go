// Package config defines connection profiles, tunnel rules, engine
// settings, and their persistent store.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gotun/util"
)

// AuthKind selects how a profile authenticates.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// ForwardKind is the tagged variant over the three forwarding modes.
type ForwardKind string

const (
	ForwardLocal   ForwardKind = "local"
	ForwardRemote  ForwardKind = "remote"
	ForwardDynamic ForwardKind = "dynamic"
)

// Rule is the declarative spec of one forwarding task.  Local and
// remote rules carry a target; dynamic rules resolve the target
// per-connection via the SOCKS handshake.
type Rule struct {
	Kind       ForwardKind `json:"kind" yaml:"kind"`
	BindAddr   string      `json:"bind_addr" yaml:"bind_addr"`
	BindPort   int         `json:"bind_port" yaml:"bind_port"`
	TargetAddr string      `json:"target_addr,omitempty" yaml:"target_addr,omitempty"`
	TargetPort int         `json:"target_port,omitempty" yaml:"target_port,omitempty"`
}

// BindString returns the rule's listen address as host:port.
func (r Rule) BindString() string {
	return util.FormatAddr(r.BindAddr, r.BindPort)
}

// TargetString returns the rule's target address as host:port.
func (r Rule) TargetString() string {
	return util.FormatAddr(r.TargetAddr, r.TargetPort)
}

// String renders the rule in the -L/-R/-D spec syntax.
func (r Rule) String() string {
	switch r.Kind {
	case ForwardDynamic:
		return fmt.Sprintf("D:%s:%d", r.BindAddr, r.BindPort)
	case ForwardRemote:
		return fmt.Sprintf("R:%s:%d:%s:%d", r.BindAddr, r.BindPort, r.TargetAddr, r.TargetPort)
	default:
		return fmt.Sprintf("L:%s:%d:%s:%d", r.BindAddr, r.BindPort, r.TargetAddr, r.TargetPort)
	}
}

// Validate checks the rule for internal consistency.
func (r Rule) Validate() error {
	switch r.Kind {
	case ForwardLocal, ForwardRemote, ForwardDynamic:
	default:
		return fmt.Errorf("unknown forward kind %q", r.Kind)
	}
	if r.BindPort < 0 || r.BindPort > 65535 {
		return fmt.Errorf("bind port %d out of range", r.BindPort)
	}
	if r.Kind == ForwardDynamic {
		if r.TargetAddr != "" || r.TargetPort != 0 {
			return fmt.Errorf("dynamic rules take no target")
		}
		return nil
	}
	if r.TargetAddr == "" {
		return fmt.Errorf("%s rule requires a target host", r.Kind)
	}
	if r.TargetPort < 1 || r.TargetPort > 65535 {
		return fmt.Errorf("target port %d out of range", r.TargetPort)
	}
	return nil
}

// Profile is one saved connection: endpoint, credentials (sealed by
// the vault), and the tunnel rules to start once connected.  A profile
// must not be edited while a session built from it is active.
type Profile struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	User string `json:"user" yaml:"user"`

	Auth AuthKind `json:"auth" yaml:"auth"`
	// Secret material is opaque vault ciphertext, never plaintext.
	Password   []byte `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey []byte `json:"private_key,omitempty" yaml:"private_key,omitempty"`
	Passphrase []byte `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`

	Rules []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`

	AutoReconnect bool `json:"auto_reconnect,omitempty" yaml:"auto_reconnect,omitempty"`
	MaxReconnects int  `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`

	LastUsed time.Time `json:"last_used,omitempty" yaml:"last_used,omitempty"`
	// Version is the optimistic-concurrency counter; Save rejects
	// writes whose base version is stale.
	Version int64 `json:"version" yaml:"version"`
}

// Addr returns the SSH endpoint as host:port.
func (p *Profile) Addr() string {
	return util.FormatAddr(p.Host, p.Port)
}

// Validate checks the profile and all of its rules.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Host == "" {
		return fmt.Errorf("profile %s: host is required", p.Name)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("profile %s: port %d out of range", p.Name, p.Port)
	}
	if p.User == "" {
		return fmt.Errorf("profile %s: user is required", p.Name)
	}
	switch p.Auth {
	case AuthPassword, AuthKey:
	default:
		return fmt.Errorf("profile %s: unknown auth kind %q", p.Name, p.Auth)
	}
	for i, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("profile %s: rule %d: %w", p.Name, i, err)
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can edit without aliasing the
// store's state.
func (p *Profile) Clone() *Profile {
	cp := *p
	cp.Password = append([]byte(nil), p.Password...)
	cp.PrivateKey = append([]byte(nil), p.PrivateKey...)
	cp.Passphrase = append([]byte(nil), p.Passphrase...)
	cp.Rules = append([]Rule(nil), p.Rules...)
	return &cp
}

// ── Spec parsers ─────────────────────────────────────────────────────

// hostRe matches [user@]host[:port].
var hostRe = regexp.MustCompile(`^(?:([^@]+)@)?([^@:]+)(?::(\d+))?$`)

// ParseHostSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseHostSpec(spec string) (user, host string, port int, err error) {
	m := hostRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid host spec %q, expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("host is required")
	}
	return user, host, port, nil
}

// ParseForwardSpec parses the CLI forward syntax into a Rule:
//
//	L:[bind:]port:target:tport   local forward
//	R:[bind:]port:target:tport   remote forward
//	D:[bind:]port                dynamic (SOCKS)
//
// The bind address defaults to 127.0.0.1 when omitted.
func ParseForwardSpec(spec string) (Rule, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return Rule{}, fmt.Errorf("invalid forward spec %q", spec)
	}

	var kind ForwardKind
	switch strings.ToUpper(parts[0]) {
	case "L":
		kind = ForwardLocal
	case "R":
		kind = ForwardRemote
	case "D":
		kind = ForwardDynamic
	default:
		return Rule{}, fmt.Errorf("invalid forward kind %q, expected L, R, or D", parts[0])
	}
	parts = parts[1:]

	rule := Rule{Kind: kind, BindAddr: DefaultBindAddress}

	// An optional leading bind address is recognised by its
	// non-numeric first field.
	if _, err := strconv.Atoi(parts[0]); err != nil {
		rule.BindAddr = parts[0]
		parts = parts[1:]
		if len(parts) == 0 {
			return Rule{}, fmt.Errorf("invalid forward spec %q: missing bind port", spec)
		}
	}

	bindPort, err := parsePort(parts[0])
	if err != nil {
		return Rule{}, fmt.Errorf("invalid forward spec %q: %w", spec, err)
	}
	rule.BindPort = bindPort
	parts = parts[1:]

	if kind == ForwardDynamic {
		if len(parts) != 0 {
			return Rule{}, fmt.Errorf("invalid forward spec %q: dynamic takes no target", spec)
		}
		return rule, nil
	}

	if len(parts) != 2 {
		return Rule{}, fmt.Errorf("invalid forward spec %q: expected target:port", spec)
	}
	rule.TargetAddr = parts[0]
	rule.TargetPort, err = parsePort(parts[1])
	if err != nil {
		return Rule{}, fmt.Errorf("invalid forward spec %q: %w", spec, err)
	}
	return rule, rule.Validate()
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}
