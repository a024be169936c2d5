package proxy

import (
	"fmt"
	"io"
	"net"
)

// Transport is the capability a connection leg offers, whether it is a plain
// TCP connection or a TLS session layered on one.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// TransportKind selects plain or TLS framing for a leg.
type TransportKind int

const (
	Raw TransportKind = iota
	TLS
)

func (k TransportKind) String() string {
	switch k {
	case Raw:
		return "raw"
	case TLS:
		return "tls"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// ParseTransportKind parses "raw" or "tls".
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "raw":
		return Raw, nil
	case "tls":
		return TLS, nil
	default:
		return Raw, fmt.Errorf("unsupported transport %q", s)
	}
}
