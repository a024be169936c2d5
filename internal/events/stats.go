package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Counters keeps running byte totals and mirrors them into prometheus
// counters.
type Counters struct {
	sent     atomic.Uint64
	received atomic.Uint64

	sentCounter     prometheus.Counter
	receivedCounter prometheus.Counter
}

// NewCounters creates Counters and registers its prometheus collectors with
// reg. A nil reg skips registration.
func NewCounters(reg prometheus.Registerer) (*Counters, error) {
	c := &Counters{
		sentCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socksgate",
			Name:      "bytes_sent_total",
			Help:      "Bytes relayed from clients to destinations.",
		}),
		receivedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socksgate",
			Name:      "bytes_received_total",
			Help:      "Bytes relayed from destinations to clients.",
		}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.sentCounter, c.receivedCounter} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *Counters) RecordSent(n int) {
	if n <= 0 {
		return
	}
	c.sent.Add(uint64(n))
	c.sentCounter.Add(float64(n))
}

func (c *Counters) RecordReceived(n int) {
	if n <= 0 {
		return
	}
	c.received.Add(uint64(n))
	c.receivedCounter.Add(float64(n))
}

// Totals returns the bytes sent and received so far.
func (c *Counters) Totals() (sent, received uint64) {
	return c.sent.Load(), c.received.Load()
}

// Report logs the totals every interval until ctx is done, skipping intervals
// where nothing changed.
func (c *Counters) Report(ctx context.Context, l zerolog.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastSent, lastReceived uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sent, received := c.Totals()
			if sent == lastSent && received == lastReceived {
				continue
			}
			lastSent, lastReceived = sent, received
			l.Info().
				Uint64("total_bytes_sent", sent).
				Uint64("total_bytes_received", received).
				Msg("statistics")
		}
	}
}

// EventCounter is a Sink counting events by name in a prometheus counter
// vector.
type EventCounter struct {
	vec *prometheus.CounterVec
}

// NewEventCounter creates an EventCounter registered with reg. A nil reg
// skips registration.
func NewEventCounter(reg prometheus.Registerer) (*EventCounter, error) {
	c := &EventCounter{
		vec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socksgate",
			Name:      "events_total",
			Help:      "Proxy events by name.",
		}, []string{"event"}),
	}
	if reg != nil {
		if err := reg.Register(c.vec); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *EventCounter) Emit(name string, _ Attrs) {
	c.vec.WithLabelValues(name).Inc()
}
