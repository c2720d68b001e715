// Package tunnel runs forwarding tasks over established SSH sessions:
// local (-L), remote (-R), and dynamic SOCKS5 (-D) listeners, each an
// independently restartable relay with its own lifecycle.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gotun/config"
	gterr "gotun/internal/errors"
	"gotun/session"
	"gotun/status"
	"gotun/util"
)

// State is the forwarding task lifecycle label.
type State string

const (
	StateStarting  State = "starting"
	StateListening State = "listening"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Engine owns every forwarding task.  Tasks are independent: stopping
// or losing one never disturbs its siblings, and a task dies with its
// session via [Engine.StopAll].
type Engine struct {
	settings config.Settings
	logger   *util.Logger
	registry *status.Registry

	mu        sync.Mutex
	instances map[string]*Instance // keyed by instance ID
	closed    bool
}

// NewEngine builds a tunnel engine.
func NewEngine(settings config.Settings, registry *status.Registry, logger *util.Logger) *Engine {
	return &Engine{
		settings:  settings,
		logger:    logger,
		registry:  registry,
		instances: make(map[string]*Instance),
	}
}

// Instance is one live forwarding task bound to a session.
type Instance struct {
	id        string
	sessionID string
	rule      config.Rule

	eng      *Engine
	conn     session.Conn
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	state State
}

// ID returns the instance identity: session ID plus the rule spec.
func (in *Instance) ID() string { return in.id }

// Rule returns the rule this instance runs.
func (in *Instance) Rule() config.Rule { return in.rule }

// State returns the current lifecycle state.
func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Addr returns the bound listen address, useful when the rule asked
// for port 0.
func (in *Instance) Addr() net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.listener == nil {
		return nil
	}
	return in.listener.Addr()
}

func (in *Instance) setState(s State) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
	in.eng.registry.SetState(in.id, string(s))
}

// Start binds the rule's listener and begins relaying over conn.  The
// bind itself is synchronous so callers see BindError immediately;
// accepted connections are handled by a background loop.  Duplicate
// (session, rule) pairs are rejected.
func (e *Engine) Start(sessionID string, conn session.Conn, rule config.Rule) (*Instance, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, gterr.ErrNotConnected
	}

	id := fmt.Sprintf("%s/%s", sessionID, rule.String())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, gterr.ErrTunnelStopped
	}
	if _, dup := e.instances[id]; dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("tunnel %s already running", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &Instance{
		id:        id,
		sessionID: sessionID,
		rule:      rule,
		eng:       e,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateStarting,
	}
	e.instances[id] = in
	e.mu.Unlock()

	e.registry.Register(id, status.KindTunnel, string(StateStarting))

	listener, err := in.bind()
	if err != nil {
		in.setState(StateFailed)
		e.registry.RecordError(id, err)
		e.remove(id)
		cancel()
		return nil, err
	}

	in.mu.Lock()
	in.listener = listener
	in.mu.Unlock()
	in.setState(StateListening)
	e.logger.Info("tunnel %s: listening on %s", id, listener.Addr())

	// Unblock Accept when the instance is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	in.wg.Add(1)
	go in.acceptLoop()

	return in, nil
}

// bind creates the rule's listener.  Local and dynamic rules bind a
// local TCP socket; remote rules request the bind from the server.
func (in *Instance) bind() (net.Listener, error) {
	switch in.rule.Kind {
	case config.ForwardRemote:
		return in.conn.ListenRemote(in.rule.BindAddr, in.rule.BindPort)
	default:
		l, err := net.Listen("tcp", in.rule.BindString())
		if err != nil {
			return nil, gterr.WrapBind(in.rule.BindString(), err)
		}
		return l, nil
	}
}

// Get returns a running instance by ID.
func (e *Engine) Get(id string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[id]
	return in, ok
}

// List returns the running instances in no particular order.
func (e *Engine) List() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, in := range e.instances {
		out = append(out, in)
	}
	return out
}

// Stop shuts one instance down, draining live relays up to the grace
// deadline.  Stopping an unknown ID is a no-op.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	in, ok := e.instances[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	in.stop()
	e.remove(id)
	return nil
}

// StopAll stops every instance bound to the session.  The session
// manager calls this before tearing the transport down.
func (e *Engine) StopAll(sessionID string) {
	e.mu.Lock()
	var victims []*Instance
	for _, in := range e.instances {
		if in.sessionID == sessionID {
			victims = append(victims, in)
		}
	}
	e.mu.Unlock()

	for _, in := range victims {
		in.stop()
		e.remove(in.id)
	}
}

// Close stops everything.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	var all []*Instance
	for _, in := range e.instances {
		all = append(all, in)
	}
	e.mu.Unlock()

	for _, in := range all {
		in.stop()
		e.remove(in.id)
	}
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
}

// stop closes the listener, lets in-flight relays drain up to the
// grace deadline, then cancels to force-close whatever is left.
// Idempotent.
func (in *Instance) stop() {
	in.mu.Lock()
	if in.state == StateStopping || in.state == StateStopped {
		in.mu.Unlock()
		return
	}
	failed := in.state == StateFailed
	in.state = StateStopping
	listener := in.listener
	in.mu.Unlock()

	if !failed {
		in.eng.registry.SetState(in.id, string(StateStopping))
	}

	// Stop accepting new connections; live relays keep running.
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	grace := in.eng.settings.GraceDeadline
	if grace <= 0 {
		grace = config.DefaultGraceDeadline
	}
	select {
	case <-done:
	case <-time.After(grace):
		in.eng.logger.Warn("tunnel %s: grace deadline expired, force-closing relays", in.id)
	}
	in.cancel()

	final := StateStopped
	if failed {
		final = StateFailed
	}
	in.mu.Lock()
	in.state = final
	in.mu.Unlock()
	in.eng.registry.SetState(in.id, string(final))
	in.eng.logger.Info("tunnel %s: %s", in.id, final)
}

// acceptLoop takes connections off the listener and spawns a handler
// per connection.  A handler failure never stops the loop; a listener
// failure fails the whole instance.
func (in *Instance) acceptLoop() {
	defer in.wg.Done()

	for {
		clientConn, err := in.listener.Accept()
		if err != nil {
			if in.ctx.Err() != nil || util.IsHarmless(err) {
				return // clean shutdown
			}
			in.eng.logger.Error("tunnel %s: accept: %v", in.id, err)
			in.eng.registry.RecordError(in.id, err)
			in.mu.Lock()
			in.state = StateFailed
			in.mu.Unlock()
			in.eng.registry.SetState(in.id, string(StateFailed))
			return
		}

		in.eng.logger.Verbose("tunnel %s: connection from %s", in.id, clientConn.RemoteAddr())
		in.wg.Add(1)
		go in.handle(clientConn)
	}
}

// handle runs one client connection end to end.  Errors are contained
// to the stream: logged, counted, never fatal to the instance.
func (in *Instance) handle(clientConn net.Conn) {
	defer in.wg.Done()
	defer clientConn.Close()

	in.eng.registry.StreamOpened(in.id)
	defer in.eng.registry.StreamClosed(in.id)

	var upstream net.Conn
	var err error
	switch in.rule.Kind {
	case config.ForwardLocal:
		upstream, err = in.conn.Dial("tcp", in.rule.TargetString())
	case config.ForwardRemote:
		upstream, err = net.DialTimeout("tcp", in.rule.TargetString(), in.eng.settings.DialTimeout)
	case config.ForwardDynamic:
		upstream, err = in.socksHandshake(clientConn)
	}
	if err != nil {
		in.eng.logger.Warn("tunnel %s: %v", in.id, err)
		in.eng.registry.RecordError(in.id, err)
		return
	}
	defer upstream.Close()

	start := time.Now()
	inBytes, outBytes := in.relay(clientConn, upstream)
	in.eng.logger.Verbose("tunnel %s: %s closed after %v (in=%d out=%d)",
		in.id, clientConn.RemoteAddr(), time.Since(start).Truncate(time.Millisecond), inBytes, outBytes)
}
