package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/socksgate/internal/events"
)

// ErrDestinationUnreachable wraps a failed destination dial.
var ErrDestinationUnreachable = errors.New("destination unreachable")

// Server accepts client connections and drives each through a Hook.
type Server struct {
	ctx      context.Context
	cfg      Config
	hook     Hook
	sessions *Registry
	pool     *bufferPool
}

// NewServer constructs a Server. Canceling ctx closes every connection the
// server is handling; the listener passed to Serve is the caller's to close.
func NewServer(ctx context.Context, cfg Config, hook Hook) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	return &Server{
		ctx:      ctx,
		cfg:      cfg,
		hook:     hook,
		sessions: NewRegistry(),
		pool:     newBufferPool(cfg.ReadBufferSize),
	}
}

// Sessions returns the registry of live sessions.
func (s *Server) Sessions() *Registry {
	return s.sessions
}

// Serve accepts connections on ln until the listener is closed. It returns
// nil if that happens after the server context ended. Other accept errors
// are reported and retried with backoff.
func (s *Server) Serve(ln net.Listener) error {
	s.cfg.Events.Emit(events.ListenerStarted, events.Attrs{"address": ln.Addr().String()})

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if s.ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}

			delay = acceptBackoff(delay)
			s.cfg.Events.Emit(events.ListenerError, events.Attrs{
				"address": ln.Addr().String(),
				"error":   err,
				"retry":   delay.String(),
			})
			t := time.NewTimer(delay)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			continue
		}
		delay = 0
		go s.handle(c)
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func acceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}

type dialResult struct {
	conn net.Conn
	err  error
}

// conn is the per-connection state. Everything except the legs, guarded by
// mu, is touched only by the goroutine running handle.
type conn struct {
	srv    *Server
	id     uuid.UUID
	client net.Conn
	start  time.Time

	sess   *Session
	buffer *PreConnectBuffer

	dialing chan dialResult
	relayed chan error

	sent     int64
	received atomic.Int64

	mu     sync.Mutex
	dst    net.Conn
	closed bool

	done chan struct{}
}

func (s *Server) handle(client net.Conn) {
	c := &conn{
		srv:    s,
		id:     uuid.New(),
		client: client,
		start:  time.Now(),
		done:   make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, c.closeLegs)

	s.cfg.Events.Emit(events.ConnectionAccepted, events.Attrs{
		"id":     c.id.String(),
		"client": addrString(client.RemoteAddr()),
	})

	var g errgroup.Group
	err := c.run(ctx, &g)
	c.teardown(err)

	stop()
	cancel()
	_ = g.Wait()

	// A dial that finished after teardown still owns a connection.
	if c.dialing != nil {
		if r := <-c.dialing; r.conn != nil {
			_ = r.conn.Close()
		}
	}

	s.cfg.Events.Emit(events.ConnectionClosed, events.Attrs{
		"id":             c.id.String(),
		"duration":       time.Since(c.start).String(),
		"bytes_sent":     c.sent,
		"bytes_received": c.received.Load(),
	})
}

func (c *conn) run(ctx context.Context, g *errgroup.Group) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	g.Go(func() error {
		c.readLoop(chunks, readErr)
		return nil
	})

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return <-readErr
			}
			if err := c.onChunk(ctx, g, chunk); err != nil {
				return err
			}
		case r := <-c.dialing:
			c.dialing = nil
			if err := c.onDial(g, r); err != nil {
				return err
			}
		case err := <-c.relayed:
			return err
		}
	}
}

// readLoop delivers client chunks in arrival order. It sends exactly one
// value on errc, nil for a clean EOF, unless the connection was torn down.
func (c *conn) readLoop(chunks chan<- []byte, errc chan<- error) {
	defer close(chunks)

	bp := c.srv.pool.Get()
	defer c.srv.pool.Put(bp)
	buf := *bp

	for {
		n, err := c.client.Read(buf)
		if n > 0 {
			select {
			case chunks <- bytes.Clone(buf[:n]):
			case <-c.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			errc <- err
			return
		}
	}
}

func (c *conn) onChunk(ctx context.Context, g *errgroup.Group, chunk []byte) error {
	s := c.srv
	s.cfg.Stats.RecordSent(len(chunk))
	c.sent += int64(len(chunk))

	if dst := c.destination(); dst != nil && c.buffer == nil {
		if _, err := dst.Write(chunk); err != nil {
			return fmt.Errorf("write destination: %w", err)
		}
		return nil
	}
	if c.buffer != nil {
		return c.buffer.Push(chunk)
	}

	if c.sess == nil {
		c.sess = &Session{
			ID:         c.id,
			Client:     c.client,
			ClientAddr: c.client.RemoteAddr(),
			CreatedAt:  c.start,
		}
		s.sessions.add(c.sess)
	}

	d, err := s.hook.Next(ctx, c.sess, chunk)
	if err != nil {
		return err
	}
	if !d.Ready {
		return nil
	}

	c.sess.Host, c.sess.Port = d.Host, d.Port
	c.buffer = &PreConnectBuffer{}
	if err := c.buffer.Push(d.Pending); err != nil {
		return err
	}

	s.cfg.Events.Emit(events.ConnectionReady, events.Attrs{
		"id":   c.id.String(),
		"host": d.Host,
		"port": d.Port,
	})

	addr := d.Address()
	dialing := make(chan dialResult, 1)
	c.dialing = dialing
	g.Go(func() error {
		dst, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
		dialing <- dialResult{conn: dst, err: err}
		return nil
	})
	return nil
}

func (c *conn) onDial(g *errgroup.Group, r dialResult) error {
	s := c.srv
	attrs := events.Attrs{
		"id":   c.id.String(),
		"host": c.sess.Host,
		"port": c.sess.Port,
	}

	if r.err != nil {
		c.buffer.Clear()
		c.buffer = nil
		attrs["error"] = r.err
		s.cfg.Events.Emit(events.DestinationFailed, attrs)
		s.hook.ConnectFailed(c.sess, r.err)
		return fmt.Errorf("%w: %w", ErrDestinationUnreachable, r.err)
	}

	if !c.setDestination(r.conn) {
		_ = r.conn.Close()
		return net.ErrClosed
	}
	attrs["remote"] = addrString(r.conn.RemoteAddr())
	s.cfg.Events.Emit(events.DestinationConnected, attrs)

	if err := s.hook.Connected(c.sess, r.conn); err != nil {
		return err
	}
	if _, err := c.buffer.Flush(r.conn); err != nil {
		return fmt.Errorf("flush pre-connect buffer: %w", err)
	}
	c.buffer = nil

	relayed := make(chan error, 1)
	c.relayed = relayed
	g.Go(func() error {
		relayed <- s.copyToClient(c.client, r.conn, &c.received)
		return nil
	})
	return nil
}

func (c *conn) destination() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dst
}

// setDestination records the destination leg unless the connection was
// already torn down.
func (c *conn) setDestination(dst net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.dst = dst
	return true
}

func (c *conn) closeLegs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.client.Close()
	if c.dst != nil {
		_ = c.dst.Close()
	}
}

func (c *conn) teardown(err error) {
	// Reported while the session is still registered and its legs open.
	if err != nil && !errors.Is(err, net.ErrClosed) {
		c.srv.cfg.Events.Emit(events.ConnectionError, events.Attrs{
			"id":    c.id.String(),
			"error": err,
		})
	}

	close(c.done)
	c.closeLegs()

	if c.buffer != nil {
		c.buffer.Clear()
		c.buffer = nil
	}
	if c.sess != nil {
		c.srv.sessions.remove(c.id)
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
