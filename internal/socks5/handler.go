package socks5

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/socksgate/internal/auth"
	"github.com/die-net/socksgate/internal/codec"
	"github.com/die-net/socksgate/internal/events"
	"github.com/die-net/socksgate/internal/policy"
	"github.com/die-net/socksgate/internal/proxy"
	"github.com/die-net/socksgate/internal/resolver"
)

// Phase is the position of a session in the handshake. It only moves
// forward.
type Phase int

const (
	AwaitingGreeting Phase = iota
	AwaitingAuth
	AwaitingConnectRequest
	Relaying
)

func (p Phase) String() string {
	switch p {
	case AwaitingGreeting:
		return "awaiting-greeting"
	case AwaitingAuth:
		return "awaiting-auth"
	case AwaitingConnectRequest:
		return "awaiting-connect-request"
	case Relaying:
		return "relaying"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// State is the per-session handshake state kept in proxy.Session.State.
type State struct {
	Phase  Phase
	Method byte

	// Host is the resolved IPv4 destination and Port its port.
	Host string
	Port uint16

	GreetingSent bool
	AuthSent     bool
	ConnectSent  bool

	authRejected bool

	// CONNECT request address, echoed in the reply.
	atyp byte
	addr []byte
	port []byte

	pending []byte
}

// Config configures a Handler.
type Config struct {
	// Auth defaults to a table that does not require authentication.
	Auth   *auth.Table
	Filter *policy.Filter

	// Resolver defaults to resolver.NewSystem().
	Resolver resolver.Resolver
	// ResolveTimeout bounds a domain lookup. Zero means no limit.
	ResolveTimeout time.Duration
	Events         events.Sink

	// LegacyAuthAdvance proceeds to the CONNECT request even after a failed
	// username/password check. The failure reply is still sent.
	LegacyAuthAdvance bool
}

// Handler is a proxy.Hook speaking the server side of SOCKS5.
type Handler struct {
	cfg Config
}

var _ proxy.Hook = (*Handler)(nil)

// NewHandler returns a Handler, filling unset Config fields with defaults.
func NewHandler(cfg Config) *Handler {
	if cfg.Auth == nil {
		cfg.Auth = auth.NewTable(false, nil)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.NewSystem()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	return &Handler{cfg: cfg}
}

// StateOf returns the handshake state of s, creating it on first use.
func StateOf(s *proxy.Session) *State {
	st, ok := s.State.(*State)
	if !ok {
		st = &State{}
		s.State = st
	}
	return st
}

// Next consumes as many complete handshake messages as chunk makes
// available.
func (h *Handler) Next(ctx context.Context, s *proxy.Session, chunk []byte) (proxy.Decision, error) {
	st := StateOf(s)
	st.pending = append(st.pending, chunk...)

	for {
		var (
			d        proxy.Decision
			progress bool
			err      error
		)
		switch st.Phase {
		case AwaitingGreeting:
			progress, err = h.greeting(s, st)
		case AwaitingAuth:
			progress, err = h.authenticate(s, st)
		case AwaitingConnectRequest:
			d, progress, err = h.request(ctx, s, st)
		default:
			return proxy.Decision{}, fmt.Errorf("%w: unexpected data in phase %v", ErrProtocolViolation, st.Phase)
		}
		if err != nil || d.Ready || !progress {
			return d, err
		}
	}
}

func (h *Handler) greeting(s *proxy.Session, st *State) (bool, error) {
	p := st.pending
	if len(p) < 1 {
		return false, nil
	}
	if p[0] != txsocks5.Ver {
		return false, fmt.Errorf("%w: greeting version %d", ErrProtocolViolation, p[0])
	}
	if len(p) < 2 {
		return false, nil
	}
	n := int(p[1])
	if n == 0 {
		return false, fmt.Errorf("%w: no authentication methods offered", ErrProtocolViolation)
	}
	if len(p) < 2+n {
		return false, nil
	}

	method := p[2]
	if h.cfg.Auth.RequiresAuth {
		method = txsocks5.MethodUsernamePassword
	}
	st.pending = p[2+n:]
	st.Method = method

	if err := writeMsg(s.Client, txsocks5.NewNegotiationReply(method)); err != nil {
		return false, fmt.Errorf("write method selection: %w", err)
	}
	st.GreetingSent = true

	if method == txsocks5.MethodUsernamePassword {
		st.Phase = AwaitingAuth
	} else {
		st.Phase = AwaitingConnectRequest
	}
	return true, nil
}

func (h *Handler) authenticate(s *proxy.Session, st *State) (bool, error) {
	p := st.pending
	if st.authRejected {
		if len(p) == 0 {
			return false, nil
		}
		return false, fmt.Errorf("%w: data after rejected authentication", ErrProtocolViolation)
	}

	if len(p) < 2 {
		return false, nil
	}
	ulen := int(p[1])
	if len(p) < 3+ulen {
		return false, nil
	}
	plen := int(p[2+ulen])
	end := 3 + ulen + plen
	if len(p) < end {
		return false, nil
	}

	ver := p[0]
	username := string(p[2 : 2+ulen])
	password := string(p[3+ulen : end])
	st.pending = p[end:]

	ok := h.cfg.Auth.Verify(username, password)
	status := txsocks5.UserPassStatusSuccess
	if !ok {
		status = txsocks5.UserPassStatusFailure
	}
	// The reply echoes whatever sub-negotiation version the client sent.
	rep := &txsocks5.UserPassNegotiationReply{Ver: ver, Status: status}
	if err := writeMsg(s.Client, rep); err != nil {
		return false, fmt.Errorf("write auth reply: %w", err)
	}
	st.AuthSent = true

	if !ok {
		h.cfg.Events.Emit(events.AuthFailed, events.Attrs{
			"id":       s.ID.String(),
			"username": username,
		})
		if !h.cfg.LegacyAuthAdvance {
			st.authRejected = true
			return true, nil
		}
	}
	st.Phase = AwaitingConnectRequest
	return true, nil
}

func (h *Handler) request(ctx context.Context, s *proxy.Session, st *State) (proxy.Decision, bool, error) {
	p := st.pending
	if len(p) < 1 {
		return proxy.Decision{}, false, nil
	}
	if p[0] != txsocks5.Ver {
		return proxy.Decision{}, false, fmt.Errorf("%w: request version %d", ErrProtocolViolation, p[0])
	}
	if len(p) < 4 {
		return proxy.Decision{}, false, nil
	}

	cmd, atyp := p[1], p[3]
	var addrLen int
	switch atyp {
	case txsocks5.ATYPIPv4:
		addrLen = net.IPv4len
	case txsocks5.ATYPDomain:
		if len(p) < 5 {
			return proxy.Decision{}, false, nil
		}
		addrLen = 1 + int(p[4])
	default:
		err := h.reject(s, txsocks5.RepAddressNotSupported, newReply(txsocks5.RepAddressNotSupported, atyp, nil, nil), "address type")
		if err == nil {
			err = fmt.Errorf("%w: address type %d", ErrUnsupportedCapability, atyp)
		}
		return proxy.Decision{}, false, err
	}

	end := 4 + addrLen + 2
	if len(p) < end {
		return proxy.Decision{}, false, nil
	}
	st.atyp = atyp
	st.addr = bytes.Clone(p[4 : 4+addrLen])
	st.port = bytes.Clone(p[4+addrLen : end])
	st.Port = codec.Port(st.port)
	st.pending = p[end:]

	if cmd != txsocks5.CmdConnect {
		err := h.reject(s, txsocks5.RepCommandNotSupported, st.echo(txsocks5.RepCommandNotSupported), "command")
		if err == nil {
			err = fmt.Errorf("%w: command %d", ErrUnsupportedCapability, cmd)
		}
		return proxy.Decision{}, false, err
	}

	ip := ""
	if atyp == txsocks5.ATYPIPv4 {
		ip = codec.IPv4String(st.addr)
	} else {
		name := string(st.addr[1:])
		var err error
		ip, err = h.lookup(ctx, name)
		if err != nil {
			h.cfg.Events.Emit(events.DomainFailed, events.Attrs{
				"id":     s.ID.String(),
				"domain": name,
				"error":  err,
			})
			// The failure reply carries no bound address.
			if werr := writeMsg(s.Client, newReply(txsocks5.RepHostUnreachable, txsocks5.ATYPDomain, nil, nil)); werr != nil {
				return proxy.Decision{}, false, fmt.Errorf("write reply: %w", werr)
			}
			st.ConnectSent = true
			return proxy.Decision{}, false, fmt.Errorf("%w: %s: %w", ErrResolution, name, err)
		}
		h.cfg.Events.Emit(events.DomainResolved, events.Attrs{
			"id":     s.ID.String(),
			"domain": name,
			"ip":     ip,
		})
	}
	st.Host = ip

	if err := h.cfg.Filter.Check(ip); err != nil {
		if werr := h.reject(s, txsocks5.RepNotAllowed, st.echo(txsocks5.RepNotAllowed), "policy"); werr != nil {
			return proxy.Decision{}, false, werr
		}
		return proxy.Decision{}, false, fmt.Errorf("%w: %s: %w", ErrPolicyDenied, ip, err)
	}

	pending := st.pending
	st.pending = nil
	return proxy.Decision{Ready: true, Host: ip, Port: st.Port, Pending: pending}, true, nil
}

func (h *Handler) lookup(ctx context.Context, name string) (string, error) {
	if h.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.ResolveTimeout)
		defer cancel()
	}
	return h.cfg.Resolver.LookupIPv4(ctx, name)
}

func (h *Handler) reject(s *proxy.Session, rep byte, r *txsocks5.Reply, reason string) error {
	st := StateOf(s)
	h.cfg.Events.Emit(events.RequestRejected, events.Attrs{
		"id":     s.ID.String(),
		"reason": reason,
		"status": StatusText(rep),
	})
	if err := writeMsg(s.Client, r); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	st.ConnectSent = true
	return nil
}

// echo builds a reply carrying the address and port of the CONNECT request.
func (st *State) echo(rep byte) *txsocks5.Reply {
	return newReply(rep, st.atyp, st.addr, st.port)
}

// Connected grants the request and moves the session to Relaying.
func (h *Handler) Connected(s *proxy.Session, _ net.Conn) error {
	st := StateOf(s)
	if err := writeMsg(s.Client, st.echo(txsocks5.RepSuccess)); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	st.ConnectSent = true
	st.Phase = Relaying
	return nil
}

// ConnectFailed reports the destination as unreachable.
func (h *Handler) ConnectFailed(s *proxy.Session, _ error) {
	st := StateOf(s)
	_ = writeMsg(s.Client, st.echo(txsocks5.RepHostUnreachable))
	st.ConnectSent = true
}

// NewServer returns a proxy.Server speaking SOCKS5. Handshake events go to
// the proxy's event sink unless cfg names its own.
func NewServer(ctx context.Context, pcfg proxy.Config, cfg Config) *proxy.Server {
	if cfg.Events == nil {
		cfg.Events = pcfg.Events
	}
	return proxy.NewServer(ctx, pcfg, NewHandler(cfg))
}
