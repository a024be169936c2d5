// Package forward implements a fixed-destination TCP forwarder on top of the
// proxy core. Either leg may be plain TCP or TLS.
package forward

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/die-net/socksgate/internal/dialer"
	"github.com/die-net/socksgate/internal/proxy"
)

// ErrUnsupportedMode is returned for a mode outside raw-raw, raw-tls,
// tls-raw and tls-tls.
var ErrUnsupportedMode = errors.New("unsupported forward mode")

// Mode selects the transport of the listener and destination legs.
type Mode struct {
	Listener    proxy.TransportKind
	Destination proxy.TransportKind
}

func (m Mode) String() string {
	return m.Listener.String() + "-" + m.Destination.String()
}

// ParseMode parses "<listener>-<destination>". An empty string is raw-raw.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Mode{Listener: proxy.Raw, Destination: proxy.Raw}, nil
	}

	l, d, ok := strings.Cut(s, "-")
	if !ok {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
	lk, err := proxy.ParseTransportKind(l)
	if err != nil {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
	dk, err := proxy.ParseTransportKind(d)
	if err != nil {
		return Mode{}, fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
	return Mode{Listener: lk, Destination: dk}, nil
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8080
)

// Config selects the fixed destination and the transport of each leg.
type Config struct {
	Host string
	Port uint16
	Mode Mode

	// DestinationTLS configures the destination leg in tls mode.
	DestinationTLS *tls.Config
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	return c
}

// Hook forwards every connection to one fixed destination. The whole first
// chunk is relayed, so the client speaks first.
type Hook struct {
	host string
	port uint16
}

var _ proxy.Hook = (*Hook)(nil)

// NewHook returns a Hook forwarding to host:port.
func NewHook(host string, port uint16) *Hook {
	return &Hook{host: host, port: port}
}

func (h *Hook) Next(_ context.Context, _ *proxy.Session, chunk []byte) (proxy.Decision, error) {
	return proxy.Decision{Ready: true, Host: h.host, Port: h.port, Pending: chunk}, nil
}

func (*Hook) Connected(*proxy.Session, net.Conn) error { return nil }

func (*Hook) ConnectFailed(*proxy.Session, error) {}

// NewServer returns a forwarding proxy.Server. The listener's TLS, if any, is
// the caller's; a tls destination wraps the dialer in a TLS client.
func NewServer(ctx context.Context, pcfg proxy.Config, cfg Config) *proxy.Server {
	cfg = cfg.withDefaults()
	if cfg.Mode.Destination == proxy.TLS {
		d := pcfg.Dialer
		if d == nil {
			d = &net.Dialer{}
		}
		pcfg.Dialer = dialer.WithTLS(d, cfg.DestinationTLS)
	}
	return proxy.NewServer(ctx, pcfg, NewHook(cfg.Host, cfg.Port))
}
