// Package socks5 implements the minimal server-side half of SOCKS5
// (RFC 1928) needed by forward/reverse dynamic forwards (spec §4.5.3,
// §4.5.4): the no-auth greeting and a CONNECT request/reply, with no
// support for BIND or UDP ASSOCIATE and no authentication methods
// beyond "no auth required".
package socks5

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

const (
	version5 = 0x05

	methodNoAuth      = 0x00
	methodNoneOffered = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess             = 0x00
	repGeneralFailure      = 0x01
	repCommandNotSupported = 0x07
	repAddrNotSupported    = 0x08
)

// ErrNoAuthMethodOffered is returned when the client's greeting doesn't
// include "no auth required" among its offered methods.
var ErrNoAuthMethodOffered = errors.New("socks5: client did not offer the no-auth method")

// ErrUnsupportedCommand is returned for any request command other than
// CONNECT (spec §4.5.3: "only CONNECT is handled").
var ErrUnsupportedCommand = errors.New("socks5: only CONNECT is supported")

// ErrUnsupportedAddressType is returned for an ATYP other than IPv4,
// domain name, or IPv6.
var ErrUnsupportedAddressType = errors.New("socks5: unsupported address type")

// Target is the destination parsed out of a CONNECT request.
type Target struct {
	// Host is either a dotted IPv4 address, a bracket-free IPv6 address,
	// or a domain name, depending on which ATYP the client sent.
	Host string
	Port uint16
}

// Addr renders the target the way net.Dial expects: "host:port".
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Negotiate performs the SOCKS5 greeting over conn (RFC 1928 §3). If
// the client offers no-auth, it replies 05 00 and returns nil;
// otherwise it replies 05 FF and returns ErrNoAuthMethodOffered. A
// short read, a wrong version byte or an empty method list returns an
// error without any reply.
func Negotiate(conn io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return errors.Wrap(err, "socks5: read greeting header")
	}
	if hdr[0] != version5 {
		return errors.Errorf("socks5: unsupported protocol version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	if nmethods <= 0 {
		return errors.New("socks5: greeting advertised zero methods")
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return errors.Wrap(err, "socks5: read offered methods")
	}

	offered := false
	for _, m := range methods {
		if m == methodNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{version5, methodNoneOffered})
		return ErrNoAuthMethodOffered
	}
	if _, err := conn.Write([]byte{version5, methodNoAuth}); err != nil {
		return errors.Wrap(err, "socks5: write method selection")
	}
	return nil
}

// ReadConnectRequest reads and parses a CONNECT request following a
// successful Negotiate. An unsupported command or address type gets the
// matching failure reply (07 or 08) before the error is returned; a
// short read or a wrong version byte returns an error without a reply.
func ReadConnectRequest(conn io.ReadWriter) (Target, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return Target{}, errors.Wrap(err, "socks5: read request header")
	}
	if hdr[0] != version5 {
		return Target{}, errors.Errorf("socks5: unsupported protocol version %d", hdr[0])
	}
	if hdr[1] != cmdConnect {
		writeReply(conn, repCommandNotSupported, Target{})
		return Target{}, ErrUnsupportedCommand
	}

	switch hdr[3] {
	case atypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return Target{}, errors.Wrap(err, "socks5: read IPv4 address")
		}
		port, err := readPort(conn)
		if err != nil {
			return Target{}, err
		}
		return Target{Host: net.IP(b[:]).String(), Port: port}, nil

	case atypDomain:
		var lb [1]byte
		if _, err := io.ReadFull(conn, lb[:]); err != nil {
			return Target{}, errors.Wrap(err, "socks5: read domain length")
		}
		name := make([]byte, lb[0])
		if _, err := io.ReadFull(conn, name); err != nil {
			return Target{}, errors.Wrap(err, "socks5: read domain name")
		}
		port, err := readPort(conn)
		if err != nil {
			return Target{}, err
		}
		return Target{Host: string(name), Port: port}, nil

	case atypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return Target{}, errors.Wrap(err, "socks5: read IPv6 address")
		}
		port, err := readPort(conn)
		if err != nil {
			return Target{}, err
		}
		return Target{Host: net.IP(b[:]).String(), Port: port}, nil

	default:
		writeReply(conn, repAddrNotSupported, Target{})
		return Target{}, ErrUnsupportedAddressType
	}
}

func readPort(conn io.ReadWriter) (uint16, error) {
	var pb [2]byte
	if _, err := io.ReadFull(conn, pb[:]); err != nil {
		return 0, errors.Wrap(err, "socks5: read port")
	}
	return binary.BigEndian.Uint16(pb[:]), nil
}

// WriteSuccess replies that the CONNECT request succeeded. bindAddr is
// cosmetic per RFC 1928 (most clients ignore it); the tunnel has no
// real bound local address to report, so it reports the zero address.
func WriteSuccess(conn io.Writer) error {
	return writeReply(conn, repSuccess, Target{})
}

// WriteFailure replies that the CONNECT request failed to establish
// (spec §4.5.3/§4.5.4: dial failure on the agent side).
func WriteFailure(conn io.Writer) error {
	return writeReply(conn, repGeneralFailure, Target{})
}

func writeReply(w io.Writer, rep byte, _ Target) error {
	// Always IPv4/0.0.0.0:0 in BND.ADDR/BND.PORT: the tunnel doesn't
	// expose a meaningful bound address to the SOCKS5 client.
	reply := []byte{version5, rep, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	_, err := w.Write(reply)
	return errors.Wrap(err, "socks5: write reply")
}
