package dnscache

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a hostname into candidate IP addresses for a TCP
// connection on port. Implementations return IP string literals; filtering
// (IPv6 availability) is the cache's job.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) ([]string, error)
}

// NewSystemResolver returns a Resolver backed by the OS resolver
// (the getaddrinfo path via net.DefaultResolver).
func NewSystemResolver() Resolver {
	return &systemResolver{r: net.DefaultResolver}
}

type systemResolver struct {
	r *net.Resolver
}

func (s *systemResolver) Resolve(ctx context.Context, host string, _ int) ([]string, error) {
	addrs, err := s.r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	ips := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP.String())
	}
	return ips, nil
}

const upstreamQueryTimeout = 5 * time.Second

// UpstreamResolver queries a specific DNS server directly instead of going
// through the system resolver, for deployments that pin the proxy to a
// particular recursor.
type UpstreamResolver struct {
	client *dns.Client
	server string
}

// NewUpstreamResolver builds a resolver for the given server address.
// A missing port defaults to 53.
func NewUpstreamResolver(server string) *UpstreamResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &UpstreamResolver{
		client: &dns.Client{Timeout: upstreamQueryTimeout},
		server: server,
	}
}

// Server returns the upstream server address queried by this resolver.
func (u *UpstreamResolver) Server() string {
	return u.server
}

func (u *UpstreamResolver) Resolve(ctx context.Context, host string, _ int) ([]string, error) {
	// IP literals need no query.
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	fqdn := dns.Fqdn(host)

	var (
		ips     []string
		lastErr error
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)

		in, _, err := u.client.ExchangeContext(ctx, m, u.server)
		if err != nil {
			lastErr = err
			continue
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A.String())
			case *dns.AAAA:
				ips = append(ips, a.AAAA.String())
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errors.New("no address records")
	}
	return ips, nil
}
