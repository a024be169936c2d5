package proxy

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/die-net/socksgate/internal/testutil"
)

func TestListenReusePort(t *testing.T) {
	t.Parallel()

	if !reusePortSupported {
		t.Skip("SO_REUSEPORT not supported")
	}

	ctx := context.Background()
	a, err := Listen(ctx, ListenConfig{Address: "127.0.0.1:0", ReusePort: true})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := Listen(ctx, ListenConfig{Address: a.Addr().String(), ReusePort: true})
	if err != nil {
		t.Fatalf("second listener on %s: %v", a.Addr(), err)
	}
	defer b.Close()
}

func TestListenTLSRequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := Listen(context.Background(), ListenConfig{Address: "127.0.0.1:0", Transport: TLS}); err == nil {
		t.Fatal("expected error")
	}
}

func TestListenTLS(t *testing.T) {
	t.Parallel()

	cert := testutil.NewCert(t)
	ln, err := Listen(context.Background(), ListenConfig{
		Address:   "127.0.0.1:0",
		Transport: TLS,
		TLS:       &tls.Config{Certificates: []tls.Certificate{cert.TLS}, MinVersion: tls.VersionTLS12},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer c.Close()
		_, err = c.Write([]byte("hi"))
		done <- err
	}()

	c, err := tls.Dial("tcp", ln.Addr().String(), cert.ClientTLS())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	buf := make([]byte, 2)
	if _, err := c.Read(buf); err != nil || string(buf) != "hi" {
		t.Fatalf("got %q, %v", buf, err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestLoadServerTLS(t *testing.T) {
	t.Parallel()

	certFile, keyFile := testutil.NewCert(t).WriteFiles(t)
	cfg, err := LoadServerTLS(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("got %d certificates", len(cfg.Certificates))
	}
	if _, err := LoadServerTLS(keyFile, certFile); err == nil {
		t.Fatal("expected error for swapped files")
	}
}
