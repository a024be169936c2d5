package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/socksgate/internal/events"
	"github.com/die-net/socksgate/internal/testutil"
)

// lineHook reads a "host:port\n" header, then relays everything after it.
type lineHook struct {
	failed chan error
}

type lineState struct {
	buf []byte
}

func (h *lineHook) Next(_ context.Context, s *Session, chunk []byte) (Decision, error) {
	st, _ := s.State.(*lineState)
	if st == nil {
		st = &lineState{}
		s.State = st
	}
	st.buf = append(st.buf, chunk...)

	i := bytes.IndexByte(st.buf, '\n')
	if i < 0 {
		return Decision{}, nil
	}
	host, portStr, err := net.SplitHostPort(string(st.buf[:i]))
	if err != nil {
		return Decision{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Ready: true, Host: host, Port: uint16(port), Pending: st.buf[i+1:]}, nil
}

func (h *lineHook) Connected(s *Session, _ net.Conn) error {
	_, err := io.WriteString(s.Client, "OK\n")
	return err
}

func (h *lineHook) ConnectFailed(s *Session, err error) {
	_, _ = io.WriteString(s.Client, "FAIL\n")
	if h.failed != nil {
		h.failed <- err
	}
}

// gatedDialer holds every dial until gate is closed.
type gatedDialer struct {
	gate  chan struct{}
	calls atomic.Int32
}

func (d *gatedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.calls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, addr)
}

type recordingSink struct {
	mu    sync.Mutex
	names []string
	ch    chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan string, 64)}
}

func (r *recordingSink) Emit(name string, _ events.Attrs) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
	select {
	case r.ch <- name:
	default:
	}
}

func (r *recordingSink) wait(t *testing.T, name string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func (r *recordingSink) seen(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

type recordingStats struct {
	sent, received atomic.Int64
}

func (s *recordingStats) RecordSent(n int)     { s.sent.Add(int64(n)) }
func (s *recordingStats) RecordReceived(n int) { s.received.Add(int64(n)) }

func startServer(t *testing.T, ctx context.Context, cfg Config, hook Hook) (*Server, string) {
	t.Helper()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(ctx, cfg, hook)

	var wg sync.WaitGroup
	wg.Go(func() { _ = srv.Serve(ln) })
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return srv, ln.Addr().String()
}

func dialServer(t *testing.T, addr string) net.Conn {
	t.Helper()

	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

func expectLine(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	got, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading %q: %v", want, err)
	}
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestServerRelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoServer(t, ctx)
	_, addr := startServer(t, ctx, Config{}, &lineHook{})

	c := dialServer(t, addr)
	if _, err := io.WriteString(c, echo.Addr().String()+"\n"); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(c)
	expectLine(t, r, "OK\n")

	testutil.AssertEcho(t, c, r, []byte("hello"))
	testutil.AssertEcho(t, c, r, bytes.Repeat([]byte("x"), 100_000))
}

func TestServerPreservesOrderAcrossConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoServer(t, ctx)
	sink := newRecordingSink()
	d := &gatedDialer{gate: make(chan struct{})}
	srv, addr := startServer(t, ctx, Config{Dialer: d, Events: sink}, &lineHook{})

	c := dialServer(t, addr)
	if _, err := io.WriteString(c, echo.Addr().String()+"\nfirst,"); err != nil {
		t.Fatal(err)
	}
	sink.wait(t, events.ConnectionReady)

	if srv.Sessions().Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", srv.Sessions().Len())
	}
	var s *Session
	srv.Sessions().Range(func(sess *Session) bool {
		s = sess
		return false
	})
	if got, ok := srv.Sessions().Get(s.ID); !ok || got != s {
		t.Fatalf("Get(%s): got %v, %v", s.ID, got, ok)
	}
	if s.Host != "127.0.0.1" {
		t.Fatalf("session host: got %q", s.Host)
	}

	for _, part := range []string{"second,", "third"} {
		if _, err := io.WriteString(c, part); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(d.gate)

	r := bufio.NewReader(c)
	expectLine(t, r, "OK\n")

	want := "first,second,third"
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != want {
		t.Fatalf("got %q want %q", buf, want)
	}
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("expected 1 dial, got %d", n)
	}
}

func TestServerDialFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hook := &lineHook{failed: make(chan error, 1)}
	sink := newRecordingSink()
	srv, addr := startServer(t, ctx, Config{Events: sink}, hook)

	c := dialServer(t, addr)
	if _, err := io.WriteString(c, testutil.ClosedAddr(t)+"\nlost"); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(c)
	expectLine(t, r, "FAIL\n")
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after failure, got %v", err)
	}

	if err := <-hook.failed; err == nil {
		t.Fatal("expected dial error")
	}
	sink.wait(t, events.ConnectionClosed)
	if !sink.seen(events.DestinationFailed) {
		t.Fatal("expected destination.failed event")
	}
	if srv.Sessions().Len() != 0 {
		t.Fatalf("session leaked: %d live", srv.Sessions().Len())
	}
}

func TestServerHookErrorClosesWithoutDial(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &gatedDialer{}
	_, addr := startServer(t, ctx, Config{Dialer: d}, &lineHook{})

	c := dialServer(t, addr)
	if _, err := io.WriteString(c, "not an address\n"); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if n, err := c.Read(buf); n != 0 || err == nil {
		t.Fatalf("expected close with no bytes, got %d, %v", n, err)
	}
	if n := d.calls.Load(); n != 0 {
		t.Fatalf("expected no dial, got %d", n)
	}
}

func TestServerContextCancelClosesConnections(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoServer(t, context.Background())
	srvCtx, srvCancel := context.WithCancel(ctx)
	sink := newRecordingSink()
	_, addr := startServer(t, srvCtx, Config{Events: sink}, &lineHook{})

	c := dialServer(t, addr)
	if _, err := io.WriteString(c, echo.Addr().String()+"\n"); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(c)
	expectLine(t, r, "OK\n")

	srvCancel()
	if _, err := r.ReadByte(); err == nil {
		t.Fatal("expected connection to close")
	}
	sink.wait(t, events.ConnectionClosed)
}

func TestServerCountsBytes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoServer(t, ctx)
	sink := newRecordingSink()
	stats := &recordingStats{}
	_, addr := startServer(t, ctx, Config{Events: sink, Stats: stats}, &lineHook{})

	c := dialServer(t, addr)
	header := echo.Addr().String() + "\n"
	if _, err := io.WriteString(c, header); err != nil {
		t.Fatal(err)
	}
	r := bufio.NewReader(c)
	expectLine(t, r, "OK\n")
	testutil.AssertEcho(t, c, r, []byte("hello"))
	_ = c.Close()

	sink.wait(t, events.ConnectionClosed)
	if got, want := stats.sent.Load(), int64(len(header)+len("hello")); got != want {
		t.Errorf("sent: got %d want %d", got, want)
	}
	if got := stats.received.Load(); got != int64(len("hello")) {
		t.Errorf("received: got %d want %d", got, len("hello"))
	}
}

func TestServerReportsErrorWhileSessionLive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var srv atomic.Pointer[Server]
	live := make(chan int, 1)
	sink := sinkFunc(func(name string) {
		if name == events.ConnectionError {
			live <- srv.Load().Sessions().Len()
		}
	})
	s, addr := startServer(t, ctx, Config{Events: sink}, &lineHook{})
	srv.Store(s)

	c := dialServer(t, addr)
	if _, err := io.WriteString(c, "not an address\n"); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-live:
		if n != 1 {
			t.Fatalf("live sessions at error: got %d want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection.error")
	}
}

type sinkFunc func(name string)

func (f sinkFunc) Emit(name string, _ events.Attrs) { f(name) }

// flakyListener fails Accept with each of errs in turn, then reports closed.
type flakyListener struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if len(l.errs) == 0 {
		return nil, net.ErrClosed
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return nil, err
}

func (l *flakyListener) Close() error { return nil }

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServerRetriesAcceptErrors(t *testing.T) {
	t.Parallel()

	ln := &flakyListener{errs: []error{
		errors.New("too many open files"),
		errors.New("connection aborted"),
	}}
	sink := newRecordingSink()
	srv := NewServer(context.Background(), Config{Events: sink}, &lineHook{})

	err := srv.Serve(ln)
	if !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Serve: got %v want net.ErrClosed", err)
	}
	if ln.calls != 3 {
		t.Fatalf("Accept calls: got %d want 3", ln.calls)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	n := 0
	for _, name := range sink.names {
		if name == events.ListenerError {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("listener.error events: got %d want 2", n)
	}
}

func TestServerStopsRetryingOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make([]error, 100)
	for i := range errs {
		errs[i] = errors.New("too many open files")
	}
	srv := NewServer(ctx, Config{}, &lineHook{})

	done := make(chan error, 1)
	go func() { done <- srv.Serve(&flakyListener{errs: errs}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: got %v want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept retrying after cancel")
	}
}

func TestAcceptBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Duration
	}{
		{0, minAcceptDelay},
		{minAcceptDelay, 2 * minAcceptDelay},
		{600 * time.Millisecond, maxAcceptDelay},
		{maxAcceptDelay, maxAcceptDelay},
	}
	for _, tt := range tests {
		if got := acceptBackoff(tt.in); got != tt.want {
			t.Errorf("acceptBackoff(%v): got %v want %v", tt.in, got, tt.want)
		}
	}
}
