package model

import (
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"time"
)

// MatchKind selects how a rule's pattern is tested against the request path.
type MatchKind int

const (
	MatchRegex  MatchKind = iota // pattern anchored against the full path
	MatchPrefix                  // case-sensitive literal prefix
)

func (k MatchKind) String() string {
	switch k {
	case MatchRegex:
		return "regex"
	case MatchPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Rewrite turns the matched path into the outbound path.
// A nil Pattern reuses the rule's match regex.
type Rewrite struct {
	Pattern      *regexp.Regexp // anchored; nil => rule.Regex
	Substitution string         // regexp.Expand template, e.g. "/$1"
}

// RateLimit is a per-rule token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// RouteRule is one immutable entry of the ordered routing table.
type RouteRule struct {
	Name         string
	Kind         MatchKind
	Pattern      string         // raw regex or literal prefix as configured
	Regex        *regexp.Regexp // compiled, anchored; set for MatchRegex
	Rewrite      *Rewrite       // optional
	Cluster      string         // Cluster.Name
	Timeout      time.Duration  // 0 => unlimited
	StripHeaders []string       // canonical header names
	HostRewrite  string         // empty => pass inbound Host through
	RateLimit    *RateLimit     // optional
}

// Resolution is how a cluster's endpoints are found.
type Resolution int

const (
	ResolveStatic Resolution = iota // fixed address/port
	ResolveDNS                      // hostname resolved and refreshed
)

func (r Resolution) String() string {
	if r == ResolveDNS {
		return "dns"
	}
	return "static"
}

// IPFamily restricts DNS answers.
type IPFamily string

const (
	IPFamilyAny IPFamily = "any"
	IPFamilyV4  IPFamily = "v4"
	IPFamilyV6  IPFamily = "v6"
)

// Network returns the net package network name for the family ("ip", "ip4", "ip6").
func (f IPFamily) Network() string {
	switch f {
	case IPFamilyV4:
		return "ip4"
	case IPFamilyV6:
		return "ip6"
	default:
		return "ip"
	}
}

// Allows reports whether addr belongs to the family.
func (f IPFamily) Allows(addr netip.Addr) bool {
	switch f {
	case IPFamilyV4:
		return addr.Unmap().Is4()
	case IPFamilyV6:
		return addr.Is6() && !addr.Is4In6()
	default:
		return true
	}
}

// TLS describes an upstream TLS session. ServerName is both the SNI and the
// name the certificate is verified against.
type TLS struct {
	ServerName         string
	CAFile             string
	InsecureSkipVerify bool
}

// Cluster is a named upstream: one of two resolution variants plus a transport.
type Cluster struct {
	Name       string
	Resolution Resolution
	Address    string   // static: IP or host; dns: hostname to resolve
	Port       uint16
	IPFamily   IPFamily // dns only
	TLS        *TLS     // nil => plain HTTP
	Proto      string   // "http1" | "auto"
}

// Scheme is the URL scheme used towards the cluster.
func (c Cluster) Scheme() string {
	if c.TLS != nil {
		return "https"
	}
	return "http"
}

// Endpoint is one resolved network destination of a cluster.
type Endpoint struct {
	Cluster string
	Addr    netip.AddrPort
	Host    string // set instead of Addr when a static address is a hostname
	Port    uint16
}

// DialAddress is the host:port to connect to.
func (e Endpoint) DialAddress() string {
	if e.Addr.IsValid() {
		return e.Addr.String()
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string { return e.DialAddress() }
