// Package session establishes and supervises authenticated SSH
// sessions, one per connection profile.
//
// The manager owns every session exclusively: it connects, runs the
// keepalive heartbeat, applies the per-profile reconnect policy, and
// cascades teardown to dependent tunnels through a callback.  Tunnel
// code never touches the SSH client directly; it sees only the [Conn]
// capability surface.
package session

import (
	"fmt"
	"net"
	"sync"

	"gotun/config"
)

// State is the session lifecycle label.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateActive        State = "active"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
	StateFailed        State = "failed"
)

// terminal reports whether no further transitions can happen.
func (s State) terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Secrets is decrypted credential material, alive only for the
// duration of a connect (plus reconnects while the profile opts in).
// Call Wipe as soon as the material is no longer needed.
type Secrets struct {
	Password   []byte
	PrivateKey []byte // PEM-encoded private key
	Passphrase []byte // optional key passphrase
}

// Wipe zeroes all secret bytes.
func (s *Secrets) Wipe() {
	for _, b := range [][]byte{s.Password, s.PrivateKey, s.Passphrase} {
		for i := range b {
			b[i] = 0
		}
	}
}

func (s *Secrets) clone() *Secrets {
	return &Secrets{
		Password:   append([]byte(nil), s.Password...),
		PrivateKey: append([]byte(nil), s.PrivateKey...),
		Passphrase: append([]byte(nil), s.Passphrase...),
	}
}

// Conn is the SSH capability surface the rest of the engine depends
// on: open a channel to a destination, request a remote listener, and
// check liveness.  Tests substitute fakes; production code wraps
// *ssh.Client (see ssh.go).
type Conn interface {
	// Dial opens a direct-tcpip channel to addr through the session.
	Dial(network, addr string) (net.Conn, error)

	// ListenRemote asks the server to bind addr:port and deliver the
	// forwarded connections.
	ListenRemote(addr string, port int) (net.Listener, error)

	// SendKeepalive sends one heartbeat request and waits for the
	// server's reply.
	SendKeepalive() error

	// Wait blocks until the underlying transport closes.
	Wait() error

	// Close tears the transport down.
	Close() error
}

// Session is one live authenticated transport bound to a profile.
// Identity is the profile id plus a monotonic counter, so the same
// profile can reconnect without ambiguity.
type Session struct {
	id      string
	profile *config.Profile

	mu    sync.Mutex
	state State
	conn  Conn
	// done is closed once the session reaches a terminal state.
	done chan struct{}
}

func newSession(profile *config.Profile, seq uint64) *Session {
	return &Session{
		id:      fmt.Sprintf("%s#%d", profile.ID, seq),
		profile: profile,
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// ID returns the session identity (profile id + connect counter).
func (s *Session) ID() string { return s.id }

// Profile returns the immutable profile this session was built from.
func (s *Session) Profile() *config.Profile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the SSH capability surface, or nil when not active.
func (s *Session) Conn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateAuthenticated {
		return nil
	}
	return s.conn
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// transition moves to next and reports whether the move happened
// (terminal states are sticky).
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.state = next
	if next.terminal() {
		close(s.done)
	}
	return true
}
