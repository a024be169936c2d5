package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
)

// ListenConfig describes a client-facing listener.
type ListenConfig struct {
	Network   string // defaults to "tcp"
	Address   string
	KeepAlive net.KeepAliveConfig

	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on the socket.
	ReusePort bool

	// Transport TLS wraps accepted connections with TLS, which requires TLS.
	Transport TransportKind
	TLS       *tls.Config
}

// Listen opens a listener per cfg. Accepted TCP connections get the
// configured keepalive.
func Listen(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}

	lc := net.ListenConfig{}
	if cfg.ReusePort {
		if !reusePortSupported {
			return nil, errors.New("listen: SO_REUSEPORT is not supported on this platform")
		}
		lc.Control = controlReusePort
	}

	var tlsConfig *tls.Config
	switch cfg.Transport {
	case Raw:
	case TLS:
		if cfg.TLS == nil {
			return nil, errors.New("listen: tls transport requires a certificate")
		}
		tlsConfig = cfg.TLS
	default:
		return nil, fmt.Errorf("listen: %v", cfg.Transport)
	}

	ln, err := lc.Listen(ctx, network, cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, cfg.Address, err)
	}

	ln = &KeepAliveListener{Listener: ln, KeepAliveConfig: cfg.KeepAlive}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	return Listen(context.Background(), ListenConfig{Network: network, Address: addr, KeepAlive: keepAliveConfig})
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}

// LoadServerTLS loads a PEM certificate and key for a TLS listener.
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
