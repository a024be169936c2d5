package proxy

import (
	"io"
	"sync/atomic"

	"github.com/die-net/socksgate/internal/events"
)

// countingWriter reports every successful write to stats and total.
type countingWriter struct {
	w     io.Writer
	stats events.Stats
	total *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.stats.RecordReceived(n)
		c.total.Add(int64(n))
	}
	return n, err
}

// copyToClient relays the destination leg to the client until either side
// fails or the destination reaches EOF.
func (s *Server) copyToClient(client io.Writer, dst io.Reader, total *atomic.Int64) error {
	bp := s.pool.Get()
	defer s.pool.Put(bp)

	_, err := io.CopyBuffer(countingWriter{w: client, stats: s.cfg.Stats, total: total}, dst, *bp)
	return err
}
