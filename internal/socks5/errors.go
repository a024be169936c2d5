package socks5

import (
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socksgate/internal/proxy"
)

var (
	// ErrProtocolViolation covers malformed or out-of-sequence messages. The
	// connection is closed without a reply.
	ErrProtocolViolation = errors.New("socks5: protocol violation")

	// ErrUnsupportedCapability covers IPv6 destinations, unknown address
	// types and commands other than CONNECT.
	ErrUnsupportedCapability = errors.New("socks5: unsupported capability")

	ErrPolicyDenied = errors.New("socks5: destination denied by policy")
	ErrResolution   = errors.New("socks5: domain resolution failed")
	ErrAuthFailed   = errors.New("socks5: authentication failed")

	ErrDestinationUnreachable = proxy.ErrDestinationUnreachable
)

// ReplyError is returned by the client helpers when the server answers a
// CONNECT request with a non-success status.
type ReplyError struct {
	Status byte
}

func (e *ReplyError) Error() string {
	return "socks5: connect failed: " + StatusText(e.Status)
}

// StatusText returns a description of a reply status code.
func StatusText(rep byte) string {
	switch rep {
	case txsocks5.RepSuccess:
		return "succeeded"
	case txsocks5.RepServerFailure:
		return "general server failure"
	case txsocks5.RepNotAllowed:
		return "connection not allowed by ruleset"
	case txsocks5.RepNetworkUnreachable:
		return "network unreachable"
	case txsocks5.RepHostUnreachable:
		return "host unreachable"
	case txsocks5.RepConnectionRefused:
		return "connection refused"
	case txsocks5.RepTTLExpired:
		return "TTL expired"
	case txsocks5.RepCommandNotSupported:
		return "command not supported"
	case txsocks5.RepAddressNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("status 0x%02x", rep)
	}
}
