package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/socksgate/internal/auth"
	"github.com/die-net/socksgate/internal/socks5"
)

// SOCKS5ProxyDialer reaches destinations through an upstream SOCKS5 server.
type SOCKS5ProxyDialer struct {
	direct    Dialer
	proxyAddr string
	cred      *auth.Credential
}

// NewSOCKS5ProxyDialer returns a dialer chaining through proxyAddr. A nil
// cred offers only the no-auth method.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string, cred *auth.Credential) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{direct: NewDirectDialer(cfg), proxyAddr: proxyAddr, cred: cred}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := d.direct.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	err = socks5.ClientDial(conn, d.cred, address)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
