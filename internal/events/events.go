// Package events defines the sinks the proxy reports to: a structured event
// sink for connection lifecycle and errors, and a statistics sink for byte
// counts.
//
// The proxy calls both unconditionally; Nop satisfies either when reporting
// is not wanted.
package events

import (
	"strings"

	"github.com/rs/zerolog"
)

// Event names emitted by the proxy.
const (
	ListenerStarted      = "listener.started"
	ListenerError        = "listener.error"
	ConnectionAccepted   = "connection.accepted"
	ConnectionReady      = "connection.ready"
	ConnectionError      = "connection.error"
	ConnectionClosed     = "connection.closed"
	DestinationConnected = "destination.connected"
	DestinationFailed    = "destination.failed"
	DomainResolved       = "domain.resolved"
	DomainFailed         = "domain.failed"
	AuthFailed           = "auth.failed"
	RequestRejected      = "request.rejected"
)

// Attrs are the attributes attached to an event.
type Attrs map[string]any

// Sink receives structured events.
type Sink interface {
	Emit(name string, attrs Attrs)
}

// Stats receives byte counts. Sent is client to destination, received is
// destination to client.
type Stats interface {
	RecordSent(n int)
	RecordReceived(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(string, Attrs) {}
func (Nop) RecordSent(int)     {}
func (Nop) RecordReceived(int) {}

// LogSink writes events to a zerolog.Logger.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink returns a Sink logging to l.
func NewLogSink(l zerolog.Logger) *LogSink {
	return &LogSink{Logger: l}
}

// Emit logs failures at warn level, listener events at info level and
// per-connection progress at debug level.
func (s *LogSink) Emit(name string, attrs Attrs) {
	var ev *zerolog.Event
	switch {
	case strings.HasSuffix(name, ".failed") || strings.HasSuffix(name, ".error") || name == RequestRejected:
		ev = s.Logger.Warn()
	case strings.HasPrefix(name, "listener."):
		ev = s.Logger.Info()
	default:
		ev = s.Logger.Debug()
	}
	if !ev.Enabled() {
		return
	}
	for k, v := range attrs {
		if err, ok := v.(error); ok {
			ev = ev.AnErr(k, err)
			continue
		}
		ev = ev.Interface(k, v)
	}
	ev.Msg(name)
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Emit(name string, attrs Attrs) {
	for _, s := range m {
		s.Emit(name, attrs)
	}
}
