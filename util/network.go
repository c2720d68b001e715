package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// CloseWriter is implemented by connections that support half-close:
// shutting down the write side while leaving the read side open.
// Both *net.TCPConn and ssh.Channel satisfy it.
type CloseWriter interface {
	CloseWrite() error
}

// CloseWriteSide half-closes conn if it supports it, signalling EOF to
// the peer without tearing down the read direction.
func CloseWriteSide(conn io.Writer) {
	if cw, ok := conn.(CloseWriter); ok {
		cw.CloseWrite() //nolint:errcheck
	}
}

// IsHarmless returns true for errors that are expected during shutdown.
func IsHarmless(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	// net.OpError wrapping "use of closed network connection"
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, net.ErrClosed)
	}
	return false
}
