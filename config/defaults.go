package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the settings file, and environment variables.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultBindAddress is where forward listeners bind when the
	// rule doesn't say otherwise.
	DefaultBindAddress = "127.0.0.1"

	// DefaultConnTimeout bounds TCP dial plus SSH handshake.
	DefaultConnTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is the gap between SSH keepalive
	// requests.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultKeepAliveMaxMissed is how many consecutive keepalive
	// failures mark a session as failed.
	DefaultKeepAliveMaxMissed = 3

	// DefaultGraceDeadline is how long teardown waits for in-flight
	// streams to drain before force-closing them.
	DefaultGraceDeadline = 5 * time.Second

	// DefaultIdleTimeout closes relayed streams with no traffic in
	// either direction.  Zero disables the idle check.
	DefaultIdleTimeout = 0 * time.Second

	// DefaultMaxReconnects bounds the opt-in auto-reconnect attempts
	// per failure before a session goes permanently failed.
	DefaultMaxReconnects = 5

	// DefaultDialTimeout bounds the per-stream dial to a forward
	// target (remote rules dialling local services, SOCKS CONNECT).
	DefaultDialTimeout = 5 * time.Second
)
