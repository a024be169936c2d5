package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

type tlsDialer struct {
	next Dialer
	cfg  *tls.Config
}

// WithTLS wraps every connection d returns in a TLS client session. The
// server name defaults to the host being dialed.
func WithTLS(d Dialer, cfg *tls.Config) Dialer {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &tlsDialer{next: d, cfg: cfg}
}

// ClientTLS returns the client configuration for a TLS destination leg.
func ClientTLS(insecure bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
}

func (d *tlsDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.next.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	cfg := d.cfg
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("tls dial %s: %w", address, err)
		}
		cfg = cfg.Clone()
		cfg.ServerName = host
	}

	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake %s: %w", address, err)
	}
	return tc, nil
}
