package session

// ssh.go - the production Conn implementation over golang.org/x/crypto/ssh.
//
// dialSSH is the only place that touches the wire: TCP dial with a
// cancellable context, then the SSH handshake on top.  Failures are
// classified here so callers can tell "server unreachable" from "bad
// credentials" from "host key mismatch" without string matching.

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"gotun/config"
	gterr "gotun/internal/errors"
	"gotun/util"
)

// HostKeyPolicy controls how unknown and mismatched host keys are
// handled during the handshake.
type HostKeyPolicy struct {
	// KnownHostsPath is the known_hosts file to verify against.
	// Empty means ~/.ssh/known_hosts.
	KnownHostsPath string

	// TrustOnFirstUse appends previously unseen host keys to the
	// known_hosts file instead of rejecting them.  Mismatches with a
	// recorded key are always rejected.
	TrustOnFirstUse bool
}

func (p HostKeyPolicy) path() (string, error) {
	if p.KnownHostsPath != "" {
		return p.KnownHostsPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locating home directory: %w", err)
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// callback builds the ssh.HostKeyCallback implementing the policy.
func (p HostKeyPolicy) callback() (ssh.HostKeyCallback, error) {
	khFile, err := p.path()
	if err != nil {
		return nil, err
	}

	// knownhosts.New fails on a missing file; with TOFU enabled an
	// empty file is a valid starting point.
	if _, serr := os.Stat(khFile); serr != nil && p.TrustOnFirstUse {
		if werr := os.WriteFile(khFile, nil, 0o600); werr != nil {
			return nil, fmt.Errorf("creating %s: %w", khFile, werr)
		}
	}

	strict, err := knownhosts.New(khFile)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", khFile, err)
	}
	if !p.TrustOnFirstUse {
		return strict, nil
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := strict(hostname, remote, key)
		if err == nil {
			return nil
		}
		var kerr *knownhosts.KeyError
		if !gterr.As(err, &kerr) || len(kerr.Want) > 0 {
			// Recorded key differs - never auto-trust that.
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		f, ferr := os.OpenFile(khFile, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return fmt.Errorf("recording host key: %w", ferr)
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, werr := fmt.Fprintln(f, line); werr != nil {
			return fmt.Errorf("recording host key: %w", werr)
		}
		return nil
	}, nil
}

// buildAuthMethods assembles the ordered auth method list from the
// profile's decrypted secrets.  Key material comes from the vault, so
// unlike an interactive client there is no prompting here: an
// encrypted key whose passphrase is missing is an immediate error.
func buildAuthMethods(p *config.Profile, sec *Secrets) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	switch p.Auth {
	case config.AuthKey:
		if len(sec.PrivateKey) == 0 {
			return nil, fmt.Errorf("profile %s: key auth selected but no key stored", p.Name)
		}
		signer, err := ssh.ParsePrivateKey(sec.PrivateKey)
		if err != nil {
			if _, ok := err.(*ssh.PassphraseMissingError); ok {
				if len(sec.Passphrase) == 0 {
					return nil, fmt.Errorf("key is encrypted and no passphrase is stored")
				}
				signer, err = ssh.ParsePrivateKeyWithPassphrase(sec.PrivateKey, sec.Passphrase)
				if err != nil {
					return nil, fmt.Errorf("decrypting key: %w", err)
				}
			} else {
				return nil, fmt.Errorf("parsing key: %w", err)
			}
		}
		methods = append(methods, ssh.PublicKeys(signer))

	case config.AuthPassword:
		if len(sec.Password) == 0 {
			return nil, fmt.Errorf("profile %s: password auth selected but no password stored", p.Name)
		}
		pw := string(sec.Password)
		methods = append(methods, ssh.Password(pw))
		// Some servers only offer keyboard-interactive for what is
		// effectively password auth.
		methods = append(methods, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}))
	}

	// SSH agent as a fallback when available.
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available for profile %s", p.Name)
	}
	return methods, nil
}

// dialSSH opens the TCP transport and completes the SSH handshake,
// returning the live capability surface.
func dialSSH(ctx context.Context, p *config.Profile, sec *Secrets, policy HostKeyPolicy, timeout time.Duration, logger *util.Logger) (Conn, error) {
	methods, err := buildAuthMethods(p, sec)
	if err != nil {
		return nil, gterr.WrapAuth(p.User, p.Host, err)
	}

	hkCallback, err := policy.callback()
	if err != nil {
		return nil, gterr.WrapHostKey(p.Host, err)
	}

	cfg := &ssh.ClientConfig{
		User:            p.User,
		Auth:            methods,
		HostKeyCallback: hkCallback,
		Timeout:         timeout,
	}

	addr := p.Addr()
	logger.Debug("ssh: dialing %s as %s", addr, p.User)

	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, gterr.WrapNet("dial", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, cfg)
	if err != nil {
		tcpConn.Close()
		return nil, classifyHandshake(p, addr, err)
	}

	return &clientConn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// classifyHandshake splits handshake failures into the auth / host-key
// / network buckets.
func classifyHandshake(p *config.Profile, addr string, err error) error {
	var kerr *knownhosts.KeyError
	if gterr.As(err, &kerr) {
		return gterr.WrapHostKey(p.Host, err)
	}
	// x/crypto/ssh reports host key callback failures wrapped in a
	// plain error, and auth exhaustion with a fixed prefix.
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") {
		return gterr.WrapAuth(p.User, p.Host, err)
	}
	if strings.Contains(msg, "host key") {
		return gterr.WrapHostKey(p.Host, err)
	}
	return gterr.WrapNet("handshake", addr, err)
}

// ── clientConn ───────────────────────────────────────────────────────

// clientConn adapts *ssh.Client to the [Conn] surface.  Incoming
// forwarded-tcpip channels are claimed once per connection and handed
// to the matching listener, so any number of remote forwards can open,
// close, and reopen over the same transport.
type clientConn struct {
	client *ssh.Client

	fwdOnce sync.Once
	fwdMu   sync.Mutex
	fwds    map[fwdKey]*forwardListener
}

// fwdKey identifies one remote forward by its requested bind.
type fwdKey struct {
	addr string
	port uint32
}

func (c *clientConn) Dial(network, addr string) (net.Conn, error) {
	return c.client.Dial(network, addr)
}

func (c *clientConn) SendKeepalive() error {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *clientConn) Wait() error  { return c.client.Wait() }
func (c *clientConn) Close() error { return c.client.Close() }

// ListenRemote requests a remote bind and returns a listener fed by
// forwarded-tcpip channels.  ssh.Client.Listen keys incoming channels
// on the exact address string it sent and silently drops channels when
// the server echoes a different one, so the request and the channel
// handling are done by hand here.
func (c *clientConn) ListenRemote(bindAddr string, bindPort int) (net.Listener, error) {
	if err := c.initForwarding(); err != nil {
		return nil, err
	}

	l := &forwardListener{
		conn:     c,
		bindAddr: bindAddr,
		bindPort: uint32(bindPort),
		queue:    make(chan ssh.NewChannel, 16),
		done:     make(chan struct{}),
	}

	// Register before asking the server, so a channel that arrives
	// right after the reply has somewhere to go.
	key := fwdKey{addr: bindAddr, port: uint32(bindPort)}
	c.fwdMu.Lock()
	if _, dup := c.fwds[key]; dup {
		c.fwdMu.Unlock()
		return nil, gterr.WrapBind(util.FormatAddr(bindAddr, bindPort),
			gterr.New("remote forward already active"))
	}
	c.fwds[key] = l
	c.fwdMu.Unlock()

	msg := channelForwardMsg{Addr: bindAddr, Port: uint32(bindPort)}
	ok, _, err := c.client.SendRequest("tcpip-forward", true, ssh.Marshal(&msg))
	if err != nil {
		c.dropForward(l)
		return nil, gterr.WrapNet("tcpip-forward", util.FormatAddr(bindAddr, bindPort), err)
	}
	if !ok {
		c.dropForward(l)
		return nil, gterr.WrapBind(util.FormatAddr(bindAddr, bindPort),
			gterr.New("tcpip-forward request denied by peer"))
	}

	return l, nil
}

// initForwarding claims the connection's forwarded-tcpip channel
// stream and starts the demultiplexer.  Idempotent.
func (c *clientConn) initForwarding() error {
	c.fwdOnce.Do(func() {
		if incoming := c.client.HandleChannelOpen("forwarded-tcpip"); incoming != nil {
			c.fwds = make(map[fwdKey]*forwardListener)
			go c.demuxForwards(incoming)
		}
	})
	if c.fwds == nil {
		return gterr.Protocol("ssh", "forwarded-tcpip channels claimed by another consumer")
	}
	return nil
}

// demuxForwards routes incoming forwarded-tcpip channels to the
// listener whose bind they match, and wakes every listener when the
// transport dies.
func (c *clientConn) demuxForwards(incoming <-chan ssh.NewChannel) {
	for newCh := range incoming {
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
			newCh.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload") //nolint:errcheck
			continue
		}
		l := c.lookupForward(payload.Addr, payload.Port)
		if l == nil {
			newCh.Reject(ssh.Prohibited,
				"no active forward for "+util.FormatAddr(payload.Addr, int(payload.Port))) //nolint:errcheck
			continue
		}
		select {
		case l.queue <- newCh:
		case <-l.done:
			newCh.Reject(ssh.Prohibited, "forward closed") //nolint:errcheck
		}
	}

	c.fwdMu.Lock()
	for key, l := range c.fwds {
		close(l.queue)
		delete(c.fwds, key)
	}
	c.fwdMu.Unlock()
}

// lookupForward resolves the listener for a reported bind.  Servers
// echo their own notion of the bind address ("0.0.0.0", "::", or a
// hostname), so an exact miss falls back to matching the port alone
// when that is unambiguous.
func (c *clientConn) lookupForward(addr string, port uint32) *forwardListener {
	c.fwdMu.Lock()
	defer c.fwdMu.Unlock()
	if l, ok := c.fwds[fwdKey{addr: addr, port: port}]; ok {
		return l
	}
	var byPort *forwardListener
	for key, l := range c.fwds {
		if key.port == port {
			if byPort != nil {
				return nil
			}
			byPort = l
		}
	}
	return byPort
}

// dropForward unregisters a listener if it still owns its slot.
func (c *clientConn) dropForward(l *forwardListener) {
	key := fwdKey{addr: l.bindAddr, port: l.bindPort}
	c.fwdMu.Lock()
	if cur, ok := c.fwds[key]; ok && cur == l {
		delete(c.fwds, key)
	}
	c.fwdMu.Unlock()
}

// ── forwarded-tcpip wire format (RFC 4254) ───────────────────────────

// channelForwardMsg is the payload of the "tcpip-forward" and
// "cancel-tcpip-forward" global requests (RFC 4254 §7.1).
type channelForwardMsg struct {
	Addr string
	Port uint32
}

// forwardedTCPPayload is the channel-open payload for
// "forwarded-tcpip" (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// forwardListener implements [net.Listener] over the forwarded-tcpip
// channels the connection's demultiplexer routes to it.
type forwardListener struct {
	conn     *clientConn
	bindAddr string
	bindPort uint32
	queue    chan ssh.NewChannel
	done     chan struct{}
	once     sync.Once
}

func (l *forwardListener) Accept() (net.Conn, error) {
	select {
	case <-l.done:
		return nil, io.EOF
	case newCh, ok := <-l.queue:
		if !ok {
			return nil, io.EOF
		}
		ch, reqs, err := newCh.Accept()
		if err != nil {
			return nil, fmt.Errorf("channel accept: %w", err)
		}
		go ssh.DiscardRequests(reqs)

		var raddr net.Addr = &net.TCPAddr{}
		var payload forwardedTCPPayload
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err == nil {
			raddr = &net.TCPAddr{
				IP:   net.ParseIP(payload.OriginAddr),
				Port: int(payload.OriginPort),
			}
		}
		return &chanConn{Channel: ch, raddr: raddr}, nil
	}
}

// Close cancels the remote port forward, releases the bind for a
// later restart, and unblocks Accept.
func (l *forwardListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.conn.dropForward(l)
		// Best-effort cancel; the connection may already be gone.
		msg := channelForwardMsg{Addr: l.bindAddr, Port: l.bindPort}
		l.conn.client.SendRequest("cancel-tcpip-forward", true, ssh.Marshal(&msg)) //nolint:errcheck
	})
	return nil
}

func (l *forwardListener) Addr() net.Addr {
	return &net.TCPAddr{Port: int(l.bindPort)}
}

// chanConn wraps an [ssh.Channel] to satisfy [net.Conn].
type chanConn struct {
	ssh.Channel
	raddr net.Addr
}

func (c *chanConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *chanConn) RemoteAddr() net.Addr               { return c.raddr }
func (c *chanConn) SetDeadline(_ time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(_ time.Time) error { return nil }
