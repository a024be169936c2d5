// Package resolver turns SOCKS5 domain-name destinations into a single IPv4
// address.
//
// Lookups for the same name that overlap in time share one query. The first
// address the lookup returns is used; there is no round-robin.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// ErrNoAddress is returned when a name resolves but has no IPv4 address.
var ErrNoAddress = errors.New("no IPv4 address")

// Resolver resolves a host name to one IPv4 address in dotted form.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) (string, error)
}

type lookupFunc func(ctx context.Context, host string) (string, error)

// group wraps a lookup with literal short-circuiting and singleflight.
type group struct {
	lookup lookupFunc
	sf     singleflight.Group
}

func (g *group) LookupIPv4(ctx context.Context, host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if addr.Is4() {
			return addr.String(), nil
		}
		return "", fmt.Errorf("resolve %s: %w", host, ErrNoAddress)
	}

	// The shared lookup must outlive any one caller; each caller still
	// stops waiting when its own context ends.
	ch := g.sf.DoChan(host, func() (any, error) {
		return g.lookup(context.WithoutCancel(ctx), host)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("resolve %s: %w", host, res.Err)
		}
		return res.Val.(string), nil
	}
}

// NewSystem returns a Resolver backed by the operating system resolver.
func NewSystem() Resolver {
	r := net.DefaultResolver
	return &group{lookup: func(ctx context.Context, host string) (string, error) {
		ips, err := r.LookupIP(ctx, "ip4", host)
		if err != nil {
			return "", err
		}
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
		return "", ErrNoAddress
	}}
}

// NewDNS returns a Resolver that sends A queries to server (host:port, port
// 53 assumed when missing). A zero timeout uses the dns package default.
func NewDNS(server string, timeout time.Duration) (Resolver, error) {
	if server == "" {
		return nil, errors.New("dns resolver: missing server address")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}

	c := &dns.Client{Net: "udp", Timeout: timeout}
	return &group{lookup: func(ctx context.Context, host string) (string, error) {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), dns.TypeA)
		m.RecursionDesired = true

		r, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			return "", fmt.Errorf("dns exchange with %s: %w", server, err)
		}
		if r.Rcode != dns.RcodeSuccess {
			return "", fmt.Errorf("%w: %s", ErrNoAddress, dns.RcodeToString[r.Rcode])
		}
		for _, ans := range r.Answer {
			if a, ok := ans.(*dns.A); ok {
				return a.A.String(), nil
			}
		}
		return "", ErrNoAddress
	}}, nil
}
