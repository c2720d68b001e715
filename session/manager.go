package session

// manager.go - session lifecycle supervision.
//
// One manager owns all sessions.  Connect enforces the one-session-
// per-profile rule, Disconnect is idempotent, and every session gets a
// supervisor goroutine that runs the keepalive heartbeat and, when the
// profile opts in, drives bounded reconnect attempts off a timer.

import (
	"context"
	"sync"
	"time"

	"gotun/config"
	gterr "gotun/internal/errors"
	"gotun/internal/retry"
	"gotun/status"
	"gotun/util"
)

// TeardownFunc is invoked when a session leaves the Active state for
// any reason, before any reconnect attempt.  The tunnel engine hooks
// its StopAll here so relays never outlive their transport.
type TeardownFunc func(sessionID string)

// dialFunc opens the authenticated transport.  Swapped in tests.
type dialFunc func(ctx context.Context, p *config.Profile, sec *Secrets, policy HostKeyPolicy, timeout time.Duration, logger *util.Logger) (Conn, error)

// Manager supervises every live session.
type Manager struct {
	settings config.Settings
	policy   HostKeyPolicy
	logger   *util.Logger
	registry *status.Registry
	onDown   TeardownFunc
	onUp     func(*Session)
	dial     dialFunc
	backoff  func() *retry.Backoff

	mu     sync.Mutex
	active map[string]*managed // keyed by profile ID
	seq    uint64
	closed bool
	wg     sync.WaitGroup
}

// managed pairs a session with the supervisor state the manager keeps
// for it.
type managed struct {
	sess    *Session
	profile *config.Profile
	secrets *Secrets
	cancel  context.CancelFunc
	manual  bool // Disconnect was requested; suppresses reconnect
}

// NewManager builds a session manager.  onDown may be nil.
func NewManager(settings config.Settings, registry *status.Registry, logger *util.Logger, onDown TeardownFunc) *Manager {
	return &Manager{
		settings: settings,
		policy: HostKeyPolicy{
			KnownHostsPath:  settings.KnownHostsPath,
			TrustOnFirstUse: settings.TrustOnFirstUse,
		},
		logger:   logger,
		registry: registry,
		onDown:   onDown,
		dial:     dialSSH,
		backoff:  retry.DefaultBackoff,
		active:   make(map[string]*managed),
	}
}

// Connect establishes a session for the profile.  At most one session
// per profile may be live; a second call returns ErrProfileActive
// while the first is anything but Closed or Failed.
//
// The secrets are copied; the caller may wipe its own copy as soon as
// Connect returns.  The manager keeps the copy only while the profile
// has auto-reconnect enabled, and wipes it on final teardown.
func (m *Manager) Connect(ctx context.Context, profile *config.Profile, sec *Secrets) (*Session, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, gterr.ErrSessionClosed
	}
	if cur, ok := m.active[profile.ID]; ok && !cur.sess.State().terminal() {
		m.mu.Unlock()
		return nil, gterr.ErrProfileActive
	}
	m.seq++
	sess := newSession(profile, m.seq)
	sctx, cancel := context.WithCancel(context.Background())
	mg := &managed{
		sess:    sess,
		profile: profile,
		secrets: sec.clone(),
		cancel:  cancel,
	}
	m.active[profile.ID] = mg
	m.mu.Unlock()

	m.registry.Register(sess.ID(), status.KindSession, string(StateConnecting))

	conn, err := m.dial(ctx, profile, mg.secrets, m.policy, m.settings.ConnectTimeout, m.logger)
	if err != nil {
		m.registry.RecordError(sess.ID(), err)
		m.registry.SetState(sess.ID(), string(StateFailed))
		sess.transition(StateFailed)
		m.drop(profile.ID, mg)
		return nil, err
	}

	sess.mu.Lock()
	sess.conn = conn
	sess.state = StateAuthenticated
	sess.mu.Unlock()
	m.registry.SetState(sess.ID(), string(StateAuthenticated))

	sess.transition(StateActive)
	m.registry.SetState(sess.ID(), string(StateActive))
	m.logger.Info("session %s: connected to %s", sess.ID(), profile.Addr())

	m.wg.Add(1)
	go m.supervise(sctx, mg, conn)

	return sess, nil
}

// OnReconnect registers a callback invoked with the replacement
// session after a successful automatic reconnect.  Callers use it to
// restart the tunnels that died with the old transport.  Must be set
// before Connect.
func (m *Manager) OnReconnect(fn func(*Session)) {
	m.onUp = fn
}

// Has reports whether the profile occupies a session slot in any
// state, including a failed session that is between reconnect
// attempts.
func (m *Manager) Has(profileID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[profileID]
	return ok
}

// Get returns the live session for a profile, if any.
func (m *Manager) Get(profileID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.active[profileID]
	if !ok || mg.sess.State().terminal() {
		return nil, false
	}
	return mg.sess, true
}

// Disconnect closes the profile's session.  Calling it on an unknown
// or already-closed profile is a no-op.
func (m *Manager) Disconnect(profileID string) error {
	m.mu.Lock()
	mg, ok := m.active[profileID]
	if ok {
		mg.manual = true
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// Cancel first so a pending reconnect wakes up and stops.
	mg.cancel()

	sess := mg.sess
	if !sess.transition(StateClosing) {
		return nil
	}
	m.registry.SetState(sess.ID(), string(StateClosing))
	m.logger.Info("session %s: disconnecting", sess.ID())

	if m.onDown != nil {
		m.onDown(sess.ID())
	}

	sess.mu.Lock()
	conn := sess.conn
	sess.conn = nil
	sess.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}

	sess.transition(StateClosed)
	m.registry.SetState(sess.ID(), string(StateClosed))
	m.drop(profileID, mg)
	return err
}

// Close disconnects every session and waits for the supervisors to
// drain, bounded by the grace deadline.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id) //nolint:errcheck
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.settings.GraceDeadline):
		m.logger.Warn("session manager: shutdown grace deadline expired")
	}
}

// drop removes mg from the active map (only if it is still the
// registered entry) and wipes its secrets.
func (m *Manager) drop(profileID string, mg *managed) {
	m.mu.Lock()
	if cur, ok := m.active[profileID]; ok && cur == mg {
		delete(m.active, profileID)
	}
	m.mu.Unlock()
	mg.secrets.Wipe()
}

// ── supervision ──────────────────────────────────────────────────────

// supervise runs the keepalive heartbeat, watches for transport death,
// and hands a failed session to the reconnect loop when the profile
// opts in.  The loop continues with the replacement session after a
// successful reconnect.
func (m *Manager) supervise(ctx context.Context, mg *managed, conn Conn) {
	defer m.wg.Done()

	for {
		err := m.heartbeat(ctx, mg.sess, conn)
		if ctx.Err() != nil || mg.sess.State().terminal() {
			// Manual disconnect already handled teardown.
			return
		}

		m.fail(mg, err)

		if !mg.profile.AutoReconnect || mg.manual {
			m.drop(mg.profile.ID, mg)
			return
		}

		next, nextConn, ok := m.reconnect(ctx, mg)
		if !ok {
			return
		}
		mg, conn = next, nextConn
	}
}

// heartbeat sends keepalives every interval and returns when the
// transport dies or misses too many replies in a row.
func (m *Manager) heartbeat(ctx context.Context, sess *Session, conn Conn) error {
	dead := make(chan error, 1)
	go func() { dead <- conn.Wait() }()

	interval := m.settings.KeepAliveInterval
	if interval <= 0 {
		select {
		case err := <-dead:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-dead:
			return err
		case <-ticker.C:
			if err := boundedKeepalive(conn, interval); err != nil {
				missed++
				m.logger.Warn("session %s: keepalive failed (%d/%d): %v",
					sess.ID(), missed, m.settings.KeepAliveMaxMissed, err)
				if missed >= m.settings.KeepAliveMaxMissed {
					return gterr.WrapNet("keepalive", sess.Profile().Addr(), err)
				}
				continue
			}
			missed = 0
			m.logger.Debug("session %s: keepalive OK", sess.ID())
		}
	}
}

// boundedKeepalive sends one keepalive and bounds the wait for its
// reply.  On a black-holed connection the request never errors and
// never returns, so a reply slower than the interval counts as a miss.
func boundedKeepalive(conn Conn, limit time.Duration) error {
	ch := make(chan error, 1)
	go func() { ch <- conn.SendKeepalive() }()

	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		return gterr.New("keepalive reply timed out")
	}
}

// fail marks the session Failed, cascades tunnel teardown, and closes
// the dead transport.
func (m *Manager) fail(mg *managed, cause error) {
	sess := mg.sess
	if !sess.transition(StateFailed) {
		return
	}
	if cause != nil {
		m.logger.Error("session %s: transport lost: %v", sess.ID(), cause)
		m.registry.RecordError(sess.ID(), cause)
	}
	m.registry.SetState(sess.ID(), string(StateFailed))

	if m.onDown != nil {
		m.onDown(sess.ID())
	}

	sess.mu.Lock()
	conn := sess.conn
	sess.conn = nil
	sess.mu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
}

// reconnectable reports whether a failed redial is worth another
// attempt.  Network trouble may clear up; credential and host-key
// problems will not.
func reconnectable(err error) bool {
	var ae *gterr.AuthError
	var hk *gterr.HostKeyError
	var be *gterr.BindError
	return !(gterr.As(err, &ae) || gterr.As(err, &hk) || gterr.As(err, &be))
}

// reconnect drives bounded reconnect attempts with exponential
// backoff.  Each attempt is a fresh session with its own identity; it
// returns the replacement on success and ok=false once the attempts
// are exhausted, a permanent error is hit, or teardown intervenes.
func (m *Manager) reconnect(ctx context.Context, mg *managed) (*managed, Conn, bool) {
	b := m.backoff()
	if mg.profile.MaxReconnects > 0 {
		b.MaxAttempts = mg.profile.MaxReconnects
	}

	for attempt := 1; ; attempt++ {
		delay := b.Delay(attempt)
		m.logger.Info("session: profile %s: reconnect %d/%d in %v",
			mg.profile.Name, attempt, b.MaxAttempts, delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			m.drop(mg.profile.ID, mg)
			return nil, nil, false
		case <-t.C:
		}

		m.mu.Lock()
		if m.closed || mg.manual {
			m.mu.Unlock()
			m.drop(mg.profile.ID, mg)
			return nil, nil, false
		}
		// A manual Connect may have claimed the slot while we were in
		// backoff (the failed session no longer blocks it).  The new
		// session wins; this attempt stands down.
		if cur, ok := m.active[mg.profile.ID]; !ok || cur != mg {
			m.mu.Unlock()
			m.logger.Info("session: profile %s: slot taken by a new session, stopping reconnect",
				mg.profile.Name)
			mg.secrets.Wipe()
			return nil, nil, false
		}
		m.seq++
		sess := newSession(mg.profile, m.seq)
		next := &managed{
			sess:    sess,
			profile: mg.profile,
			secrets: mg.secrets,
			cancel:  mg.cancel,
		}
		m.active[mg.profile.ID] = next
		m.mu.Unlock()

		m.registry.Register(sess.ID(), status.KindSession, string(StateConnecting))

		conn, err := m.dial(ctx, mg.profile, mg.secrets, m.policy, m.settings.ConnectTimeout, m.logger)
		if err != nil {
			m.registry.RecordError(sess.ID(), err)
			m.registry.SetState(sess.ID(), string(StateFailed))
			sess.transition(StateFailed)
			if !reconnectable(err) {
				m.logger.Error("session: profile %s: reconnect hit a permanent error: %v",
					mg.profile.Name, err)
				m.drop(mg.profile.ID, next)
				return nil, nil, false
			}
			if b.Exhausted(attempt) {
				m.logger.Error("session: profile %s: giving up after %d reconnect attempts",
					mg.profile.Name, attempt)
				m.drop(mg.profile.ID, next)
				return nil, nil, false
			}
			mg = next
			continue
		}

		sess.mu.Lock()
		sess.conn = conn
		sess.state = StateActive
		sess.mu.Unlock()
		m.registry.SetState(sess.ID(), string(StateActive))
		m.logger.Info("session %s: reconnected to %s", sess.ID(), mg.profile.Addr())

		if m.onUp != nil {
			m.onUp(sess)
		}
		return next, conn, true
	}
}
