package tunnel

// socks.go - minimal SOCKS5 server side (RFC 1928) for dynamic
// forwarding.  CONNECT only, no authentication; the tunnel listener is
// expected to be loopback-bound.  A malformed handshake costs exactly
// one client connection and nothing else.

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	gterr "gotun/internal/errors"
)

const (
	socksVersion    = 0x05
	socksAuthNone   = 0x00
	socksAuthNoAcc  = 0xFF
	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksRepSuccess       = 0x00
	socksRepFailure       = 0x01
	socksRepHostUnreach   = 0x04
	socksRepRefused       = 0x05
	socksRepCmdUnsupp     = 0x07
	socksRepAddrUnsupp    = 0x08

	socksHandshakeTimeout = 10 * time.Second
)

// socksHandshake runs the server side of the SOCKS5 negotiation on
// conn and, for a CONNECT request, opens the target through the SSH
// session.  The success reply is written before the returned upstream
// is handed to the relay.
func (in *Instance) socksHandshake(conn net.Conn) (net.Conn, error) {
	conn.SetReadDeadline(time.Now().Add(socksHandshakeTimeout)) //nolint:errcheck
	defer conn.SetReadDeadline(time.Time{})                     //nolint:errcheck

	// Greeting: VER NMETHODS METHODS...
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, gterr.Protocol("socks5", "short greeting: %v", err)
	}
	if hdr[0] != socksVersion {
		return nil, gterr.Protocol("socks5", "unsupported version 0x%02x", hdr[0])
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return nil, gterr.Protocol("socks5", "short method list: %v", err)
	}
	ok := false
	for _, m := range methods {
		if m == socksAuthNone {
			ok = true
			break
		}
	}
	if !ok {
		conn.Write([]byte{socksVersion, socksAuthNoAcc}) //nolint:errcheck
		return nil, gterr.Protocol("socks5", "client offers no acceptable auth method")
	}
	if _, err := conn.Write([]byte{socksVersion, socksAuthNone}); err != nil {
		return nil, gterr.Protocol("socks5", "writing method reply: %v", err)
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	var req [4]byte
	if _, err := io.ReadFull(conn, req[:]); err != nil {
		return nil, gterr.Protocol("socks5", "short request: %v", err)
	}
	if req[0] != socksVersion {
		return nil, gterr.Protocol("socks5", "bad request version 0x%02x", req[0])
	}
	if req[1] != socksCmdConnect {
		writeSocksReply(conn, socksRepCmdUnsupp) //nolint:errcheck
		return nil, gterr.Protocol("socks5", "unsupported command 0x%02x", req[1])
	}

	var host string
	switch req[3] {
	case socksAtypIPv4:
		var a [4]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return nil, gterr.Protocol("socks5", "short IPv4 address: %v", err)
		}
		host = net.IP(a[:]).String()
	case socksAtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(conn, n[:]); err != nil {
			return nil, gterr.Protocol("socks5", "short domain length: %v", err)
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return nil, gterr.Protocol("socks5", "short domain name: %v", err)
		}
		host = string(name)
	case socksAtypIPv6:
		var a [16]byte
		if _, err := io.ReadFull(conn, a[:]); err != nil {
			return nil, gterr.Protocol("socks5", "short IPv6 address: %v", err)
		}
		host = net.IP(a[:]).String()
	default:
		writeSocksReply(conn, socksRepAddrUnsupp) //nolint:errcheck
		return nil, gterr.Protocol("socks5", "unsupported address type 0x%02x", req[3])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(conn, portBuf[:]); err != nil {
		return nil, gterr.Protocol("socks5", "short port: %v", err)
	}
	port := binary.BigEndian.Uint16(portBuf[:])

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	upstream, err := in.conn.Dial("tcp", target)
	if err != nil {
		writeSocksReply(conn, socksRepRefused) //nolint:errcheck
		return nil, gterr.WrapNet("socks-connect", target, err)
	}

	if err := writeSocksReply(conn, socksRepSuccess); err != nil {
		upstream.Close()
		return nil, gterr.Protocol("socks5", "writing reply: %v", err)
	}
	return upstream, nil
}

// writeSocksReply sends a reply with a zero BND address; clients
// ignore it for CONNECT.
func writeSocksReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
