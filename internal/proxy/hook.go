package proxy

import (
	"context"
	"net"
	"strconv"
)

// Decision is a Hook's answer to one inbound chunk.
type Decision struct {
	// Ready means the destination is known and should be dialed.
	Ready bool

	Host string
	Port uint16

	// Pending holds bytes that belong to the relayed stream rather than the
	// handshake. They are queued ahead of anything read afterwards.
	Pending []byte
}

// Address returns Host:Port.
func (d Decision) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// Hook supplies the protocol-specific part of a proxy server.
//
// All methods for one Session are called from that connection's own
// goroutine, one at a time, so a Hook may keep per-session state in
// Session.State without locking.
type Hook interface {
	// Next is called with each chunk read from the client until it returns a
	// ready Decision. A non-nil error tears the connection down; the hook is
	// responsible for any final response.
	Next(ctx context.Context, s *Session, chunk []byte) (Decision, error)

	// Connected is called once the destination leg is up, before any
	// buffered bytes are flushed to it.
	Connected(s *Session, dst net.Conn) error

	// ConnectFailed is called when the destination could not be reached.
	// The connection is torn down afterwards.
	ConnectFailed(s *Session, err error)
}
