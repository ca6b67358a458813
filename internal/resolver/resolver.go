// Package resolver turns upstream hostnames into addresses, either through the
// system resolver or by querying configured nameservers directly.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/miekg/dns"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// ErrNoAddresses is returned when a lookup succeeds but yields nothing usable
// for the requested family.
var ErrNoAddresses = errors.New("no addresses")

// Resolver looks up the addresses of host restricted to family.
type Resolver interface {
	Resolve(ctx context.Context, host string, family model.IPFamily) ([]netip.Addr, error)
}

// New returns a nameserver resolver when nameservers are given, the system
// resolver otherwise.
func New(nameservers []string, timeout time.Duration) Resolver {
	if len(nameservers) == 0 {
		return &System{Timeout: timeout}
	}
	return NewDNS(nameservers, timeout)
}

// System uses the Go resolver (resolv.conf, nsswitch, /etc/hosts).
type System struct {
	Resolver *net.Resolver // nil => net.DefaultResolver
	Timeout  time.Duration
}

func (s *System) Resolve(ctx context.Context, host string, family model.IPFamily) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return literal(addr, host, family)
	}
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	addrs, err := r.LookupNetIP(ctx, family.Network(), host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	return filter(host, addrs, family)
}

// DNS queries A/AAAA records from explicit nameservers, trying them in order.
type DNS struct {
	Nameservers []string // host:port
	Timeout     time.Duration
	udp         *dns.Client
	tcp         *dns.Client
}

func NewDNS(nameservers []string, timeout time.Duration) *DNS {
	ns := make([]string, 0, len(nameservers))
	for _, s := range nameservers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		ns = append(ns, s)
	}
	return &DNS{
		Nameservers: ns,
		Timeout:     timeout,
		udp:         &dns.Client{Net: "udp", Timeout: timeout},
		tcp:         &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (d *DNS) Resolve(ctx context.Context, host string, family model.IPFamily) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return literal(addr, host, family)
	}
	var qtypes []uint16
	switch family {
	case model.IPFamilyV4:
		qtypes = []uint16{dns.TypeA}
	case model.IPFamilyV6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	var lastErr error
	for _, ns := range d.Nameservers {
		var addrs []netip.Addr
		var err error
		for _, qt := range qtypes {
			var got []netip.Addr
			got, err = d.query(ctx, ns, host, qt)
			if err != nil {
				break
			}
			addrs = append(addrs, got...)
		}
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return filter(host, addrs, family)
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers configured")
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}

func (d *DNS) query(ctx context.Context, ns, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := d.udp.ExchangeContext(ctx, m, ns)
	if err == nil && in.Truncated {
		in, _, err = d.tcp.ExchangeContext(ctx, m, ns)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", ns, dns.TypeToString[qtype], err)
	}
	switch in.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%s %s: %w", ns, dns.TypeToString[qtype], &net.DNSError{Err: "no such host", Name: host, Server: ns, IsNotFound: true})
	default:
		return nil, fmt.Errorf("%s %s: rcode %s", ns, dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var out []netip.Addr
	for _, rr := range in.Answer {
		var ip net.IP
		switch a := rr.(type) {
		case *dns.A:
			ip = a.A
		case *dns.AAAA:
			ip = a.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

func literal(addr netip.Addr, host string, family model.IPFamily) ([]netip.Addr, error) {
	return filter(host, []netip.Addr{addr}, family)
}

// filter drops addresses outside family, de-duplicates and sorts so equal
// answers produce equal snapshots.
func filter(host string, addrs []netip.Addr, family model.IPFamily) ([]netip.Addr, error) {
	seen := make(map[netip.Addr]bool, len(addrs))
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if !family.Allows(a) || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("resolve %s (%s): %w", host, family, ErrNoAddresses)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}
