// Package errors provides domain-specific error types for gotun.
//
// These types carry structured context (operation, address, retryability)
// so that callers can decide how to handle a failure: network errors may
// be retried, auth errors must not be, host-key errors require an
// explicit trust decision, and vault failures must be distinguishable
// from plain file corruption.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrVaultAuth is returned when a vault blob fails authenticated
	// decryption: wrong passphrase or tampered ciphertext.  Callers
	// should prompt for re-entry rather than treat the store as corrupt.
	ErrVaultAuth = errors.New("vault: wrong passphrase or tampered data")

	ErrNotConnected   = errors.New("session is not connected")
	ErrSessionClosed  = errors.New("session is closed")
	ErrProfileActive  = errors.New("profile has an active session")
	ErrTunnelStopped  = errors.New("tunnel is stopped")
	ErrProfileMissing = errors.New("profile not found")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError represents rejected credentials.  Never auto-retried.
type AuthError struct {
	User string
	Host string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s@%s: %v", e.User, e.Host, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// HostKeyError represents an unknown or mismatched host key.  The
// caller must make an explicit trust decision; it is never resolved
// automatically.
type HostKeyError struct {
	Host string
	Err  error
}

func (e *HostKeyError) Error() string {
	return fmt.Sprintf("host key %s: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

// BindError represents a failure to bind a local or remote listener.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ProtocolError represents a malformed request on a single stream,
// e.g. bad SOCKS handshake bytes.  It is contained to the offending
// stream and never escalates past it.
type ProtocolError struct {
	Proto string // "socks5", "vault"
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Proto, e.Msg)
}

// ConflictError represents a stale optimistic write to the profile
// store.  The caller's base version is outdated; reload and retry.
type ConflictError struct {
	ProfileID   string
	BaseVersion int64
	Current     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("profile %s: stale write (base version %d, current %d)",
		e.ProfileID, e.BaseVersion, e.Current)
}

// ── Constructors ─────────────────────────────────────────────────────

// WrapNet creates a NetworkError, automatically detecting retryability
// from the underlying error.
func WrapNet(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapAuth creates an AuthError.
func WrapAuth(user, host string, err error) *AuthError {
	return &AuthError{User: user, Host: host, Err: err}
}

// WrapHostKey creates a HostKeyError.
func WrapHostKey(host string, err error) *HostKeyError {
	return &HostKeyError{Host: host, Err: err}
}

// WrapBind creates a BindError.
func WrapBind(addr string, err error) *BindError {
	return &BindError{Addr: addr, Err: err}
}

// Protocol creates a ProtocolError.
func Protocol(proto, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Proto: proto, Msg: fmt.Sprintf(format, args...)}
}

// Conflict creates a ConflictError.
func Conflict(profileID string, base, current int64) *ConflictError {
	return &ConflictError{ProfileID: profileID, BaseVersion: base, Current: current}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.  Auth, host-key,
// bind, and conflict errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ae *AuthError
	var hk *HostKeyError
	var be *BindError
	var ce *ConflictError
	if errors.As(err, &ae) || errors.As(err, &hk) || errors.As(err, &be) || errors.As(err, &ce) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsVaultAuth reports whether err is a vault authentication failure,
// as opposed to an I/O or format error.
func IsVaultAuth(err error) bool {
	return errors.Is(err, ErrVaultAuth)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use gotun/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
