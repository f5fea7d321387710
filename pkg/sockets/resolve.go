package sockets

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/containerd/errdefs"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrResolve matches every error returned when a hostname passed to
// [Connect] could not be turned into an IPv4 address.
var ErrResolve = errors.New("hostname resolution failed")

// ResolveError is returned by [Dialer.Connect] when the hostname lookup
// fails or yields no IPv4 address. No connection is attempted in that case.
type ResolveError struct {
	Host string
	Err  error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrResolve) hold for every ResolveError.
func (e *ResolveError) Is(target error) bool { return target == ErrResolve }

// Resolver turns a hostname into IPv4 addresses.
type Resolver interface {
	LookupIPv4(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver uses the platform resolver.
type SystemResolver struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

// LookupIPv4 implements [Resolver].
func (r SystemResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	return res.LookupIP(ctx, "ip4", host)
}

const dnsTimeout = 3 * time.Second

// DNSResolver queries explicit name servers for A records, bypassing the
// platform resolver configuration.
type DNSResolver struct {
	// Servers are tried in order; a missing port defaults to 53.
	Servers []string
	Client  *dns.Client
}

// LookupIPv4 implements [Resolver].
func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) ([]net.IP, error) {
	if len(r.Servers) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no name servers configured")
	}
	c := r.Client
	if c == nil {
		c = &dns.Client{Timeout: dnsTimeout}
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range r.Servers {
		server = nameServerAddr(server)
		in, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = errors.Errorf("%s: %s", server, dns.RcodeToString[in.Rcode])
			continue
		}
		var ips []net.IP
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
		return ips, nil
	}
	return nil, lastErr
}

// nameServerAddr appends the default DNS port to a server given without one.
func nameServerAddr(server string) string {
	if _, _, err := net.SplitHostPort(server); err != nil {
		return net.JoinHostPort(server, "53")
	}
	return server
}

// Dialer connects handles, falling back to Resolver for hostnames.
type Dialer struct {
	Resolver Resolver
}

var defaultDialer = &Dialer{Resolver: SystemResolver{}}

// Connect connects h to address:port using the platform resolver for
// non-numeric addresses.
func Connect(h Handle, address, port string) error {
	return defaultDialer.Connect(context.Background(), h, address, port)
}

// Connect connects h to address:port. A dotted-quad address is used as is
// and never reaches the resolver; anything else is looked up and the first
// IPv4 result is used.
func (d *Dialer) Connect(ctx context.Context, h Handle, address, port string) error {
	p, err := parsePort(port)
	if err != nil {
		return err
	}
	ip, err := d.resolve(ctx, address)
	if err != nil {
		return err
	}
	return connect4(h, ip, p)
}

func (d *Dialer) resolve(ctx context.Context, address string) ([4]byte, error) {
	if addr, err := netip.ParseAddr(address); err == nil && addr.Is4() {
		return addr.As4(), nil
	}

	r := d.Resolver
	if r == nil {
		r = SystemResolver{}
	}
	ips, err := r.LookupIPv4(ctx, address)
	if err != nil {
		return [4]byte{}, &ResolveError{Host: address, Err: err}
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return [4]byte(ip4), nil
		}
	}
	return [4]byte{}, &ResolveError{
		Host: address,
		Err:  errors.Wrap(errdefs.ErrNotFound, "no IPv4 address"),
	}
}
