package config

import (
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabian4/lfs-gateway/internal/accesslog"
	"github.com/fabian4/lfs-gateway/internal/model"
	"github.com/fabian4/lfs-gateway/internal/router"
)

type rawConfig struct {
	EntryPoint []struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"entrypoint"`
	TLS struct {
		Enabled      bool `yaml:"enabled"`
		Certificates []struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"certificates"`
	} `yaml:"tls"`
	Admin struct {
		Address string `yaml:"address"`
	} `yaml:"admin"`
	DNS struct {
		Nameservers []string `yaml:"nameservers"`
		Timeout     string   `yaml:"timeout"`
		Refresh     string   `yaml:"refresh"`
	} `yaml:"dns"`
	AccessLog struct {
		Path     string   `yaml:"path"`
		Sampling *float64 `yaml:"sampling"`
		Fields   []string `yaml:"fields"`
		Buffer   int      `yaml:"buffer"`
	} `yaml:"access_log"`
	Clusters []rawCluster `yaml:"clusters"`
	Routes   []rawRoute   `yaml:"routes"`
	Timeouts struct {
		Read       string `yaml:"read"`
		ReadHeader string `yaml:"read_header"`
		Write      string `yaml:"write"`
		Idle       string `yaml:"idle"`
	} `yaml:"timeouts"`
}

type rawCluster struct {
	Name   string `yaml:"name"`
	Proto  string `yaml:"proto"`
	Static *struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
	} `yaml:"static"`
	DNS *struct {
		Hostname string `yaml:"hostname"`
		Port     int    `yaml:"port"`
		IPFamily string `yaml:"ip_family"`
	} `yaml:"dns"`
	TLS *struct {
		SNI                string `yaml:"sni"`
		CAFile             string `yaml:"ca_file"`
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	} `yaml:"tls"`
}

type rawRoute struct {
	Name  string `yaml:"name"`
	Match struct {
		Regex  string `yaml:"regex"`
		Prefix string `yaml:"prefix"`
	} `yaml:"match"`
	Rewrite *struct {
		Regex        string `yaml:"regex"`
		Substitution string `yaml:"substitution"`
	} `yaml:"rewrite"`
	Cluster      string   `yaml:"cluster"`
	Timeout      string   `yaml:"timeout"`
	StripHeaders []string `yaml:"strip_headers"`
	HostRewrite  string   `yaml:"host_rewrite"`
	RateLimit    *struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

const (
	defaultListen         = ":8080"
	defaultReadHeader     = 10 * time.Second
	defaultIdle           = 60 * time.Second
	defaultDNSTimeout     = 5 * time.Second
	defaultDNSRefresh     = 30 * time.Second
	defaultAccessLogQueue = 1024
)

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse validates a YAML config document.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	// listen
	listen := defaultListen
	if len(rc.EntryPoint) > 0 && strings.TrimSpace(rc.EntryPoint[0].Address) != "" {
		listen = strings.TrimSpace(rc.EntryPoint[0].Address)
	}

	clusters, err := parseClusters(rc.Clusters)
	if err != nil {
		return nil, err
	}
	routes, err := parseRoutes(rc.Routes, clusters)
	if err != nil {
		return nil, err
	}

	// timeouts
	var timeouts Timeouts
	if timeouts.Read, err = parseDuration("timeouts.read", rc.Timeouts.Read, 0); err != nil {
		return nil, err
	}
	if timeouts.ReadHeader, err = parseDuration("timeouts.read_header", rc.Timeouts.ReadHeader, defaultReadHeader); err != nil {
		return nil, err
	}
	if timeouts.Write, err = parseDuration("timeouts.write", rc.Timeouts.Write, 0); err != nil {
		return nil, err
	}
	if timeouts.Idle, err = parseDuration("timeouts.idle", rc.Timeouts.Idle, defaultIdle); err != nil {
		return nil, err
	}

	// dns
	dns := DNSConfig{Nameservers: rc.DNS.Nameservers}
	if dns.Timeout, err = parseDuration("dns.timeout", rc.DNS.Timeout, defaultDNSTimeout); err != nil {
		return nil, err
	}
	if dns.Refresh, err = parseDuration("dns.refresh", rc.DNS.Refresh, defaultDNSRefresh); err != nil {
		return nil, err
	}
	if dns.Refresh <= 0 {
		return nil, fmt.Errorf("dns.refresh: must be positive")
	}
	for i, ns := range dns.Nameservers {
		if strings.TrimSpace(ns) == "" {
			return nil, fmt.Errorf("dns.nameservers[%d]: empty", i)
		}
	}

	// access log
	al := AccessLogConfig{
		Path:     strings.TrimSpace(rc.AccessLog.Path),
		Sampling: 1.0,
		Fields:   rc.AccessLog.Fields,
		Buffer:   rc.AccessLog.Buffer,
	}
	if rc.AccessLog.Sampling != nil {
		al.Sampling = *rc.AccessLog.Sampling
	}
	if al.Sampling < 0 || al.Sampling > 1 {
		return nil, fmt.Errorf("access_log.sampling: must be within [0,1], got %v", al.Sampling)
	}
	if al.Buffer <= 0 {
		al.Buffer = defaultAccessLogQueue
	}
	if err := accesslog.ValidateFields(al.Fields); err != nil {
		return nil, fmt.Errorf("access_log.fields: %w", err)
	}

	var tlsCfg TLSConfig
	tlsCfg.Enabled = rc.TLS.Enabled
	for i, c := range rc.TLS.Certificates {
		if c.CertFile == "" || c.KeyFile == "" {
			return nil, fmt.Errorf("tls.certificates[%d]: cert_file and key_file are required", i)
		}
		tlsCfg.Certificates = append(tlsCfg.Certificates, CertKeyPair{CertFile: c.CertFile, KeyFile: c.KeyFile})
	}
	if tlsCfg.Enabled && len(tlsCfg.Certificates) == 0 {
		return nil, fmt.Errorf("tls: enabled without certificates")
	}

	return &Config{
		Listen:    listen,
		TLS:       tlsCfg,
		Admin:     AdminConfig{Address: strings.TrimSpace(rc.Admin.Address)},
		Clusters:  clusters,
		Routes:    routes,
		Timeouts:  timeouts,
		DNS:       dns,
		AccessLog: al,
	}, nil
}

func parseClusters(raw []rawCluster) (map[string]model.Cluster, error) {
	clusters := make(map[string]model.Cluster)
	for i, c := range raw {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("clusters[%d]: name is required", i)
		}
		if _, dup := clusters[name]; dup {
			return nil, fmt.Errorf("clusters: duplicate name %q", name)
		}
		proto := strings.ToLower(strings.TrimSpace(c.Proto))
		if proto == "" {
			proto = "http1"
		}
		switch proto {
		case "http1", "auto":
		default:
			return nil, fmt.Errorf("clusters[%d]: unknown proto %q", i, proto)
		}

		cl := model.Cluster{Name: name, Proto: proto}
		if c.TLS != nil {
			cl.TLS = &model.TLS{
				ServerName:         strings.TrimSpace(c.TLS.SNI),
				CAFile:             strings.TrimSpace(c.TLS.CAFile),
				InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			}
		}
		defaultPort := 80
		if cl.TLS != nil {
			defaultPort = 443
		}

		switch {
		case c.Static != nil && c.DNS != nil:
			return nil, fmt.Errorf("clusters[%d]: static and dns are mutually exclusive", i)
		case c.Static != nil:
			addr := strings.TrimSpace(c.Static.Address)
			if addr == "" {
				return nil, fmt.Errorf("clusters[%d]: static.address is required", i)
			}
			port, err := parsePort(fmt.Sprintf("clusters[%d].static.port", i), c.Static.Port, defaultPort)
			if err != nil {
				return nil, err
			}
			cl.Resolution = model.ResolveStatic
			cl.Address = addr
			cl.Port = port
		case c.DNS != nil:
			host := strings.ToLower(strings.TrimSpace(c.DNS.Hostname))
			if host == "" {
				return nil, fmt.Errorf("clusters[%d]: dns.hostname is required", i)
			}
			port, err := parsePort(fmt.Sprintf("clusters[%d].dns.port", i), c.DNS.Port, defaultPort)
			if err != nil {
				return nil, err
			}
			fam, err := ParseIPFamily(c.DNS.IPFamily)
			if err != nil {
				return nil, fmt.Errorf("clusters[%d]: %w", i, err)
			}
			cl.Resolution = model.ResolveDNS
			cl.Address = host
			cl.Port = port
			cl.IPFamily = fam
		default:
			return nil, fmt.Errorf("clusters[%d]: one of static or dns is required", i)
		}

		if cl.TLS != nil && cl.TLS.ServerName == "" {
			// SNI defaults to the name we resolve, never the client-facing Host.
			cl.TLS.ServerName = cl.Address
		}
		clusters[name] = cl
	}
	if len(clusters) == 0 {
		return nil, fmt.Errorf("clusters: at least one is required")
	}
	return clusters, nil
}

func parseRoutes(raw []rawRoute, clusters map[string]model.Cluster) ([]model.RouteRule, error) {
	var routes []model.RouteRule
	seen := make(map[string]bool)
	for i, r := range raw {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("route-%d", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("routes[%d]: duplicate name %q", i, name)
		}
		seen[name] = true

		rule := model.RouteRule{Name: name}
		switch {
		case r.Match.Regex != "" && r.Match.Prefix != "":
			return nil, fmt.Errorf("routes[%d]: match.regex and match.prefix are mutually exclusive", i)
		case r.Match.Regex != "":
			re, err := router.CompileAnchored(r.Match.Regex)
			if err != nil {
				return nil, fmt.Errorf("routes[%d]: match.regex: %w", i, err)
			}
			rule.Kind = model.MatchRegex
			rule.Pattern = r.Match.Regex
			rule.Regex = re
		case r.Match.Prefix != "":
			if !strings.HasPrefix(r.Match.Prefix, "/") {
				return nil, fmt.Errorf("routes[%d]: match.prefix must start with '/'", i)
			}
			rule.Kind = model.MatchPrefix
			rule.Pattern = r.Match.Prefix
		default:
			return nil, fmt.Errorf("routes[%d]: one of match.regex or match.prefix is required", i)
		}

		if r.Rewrite != nil {
			if r.Rewrite.Substitution == "" {
				return nil, fmt.Errorf("routes[%d]: rewrite.substitution is required", i)
			}
			rw := &model.Rewrite{Substitution: r.Rewrite.Substitution}
			if r.Rewrite.Regex != "" {
				re, err := router.CompileAnchored(r.Rewrite.Regex)
				if err != nil {
					return nil, fmt.Errorf("routes[%d]: rewrite.regex: %w", i, err)
				}
				rw.Pattern = re
			} else if rule.Kind != model.MatchRegex {
				return nil, fmt.Errorf("routes[%d]: rewrite.regex is required for prefix routes", i)
			}
			rule.Rewrite = rw
		}

		cluster := strings.TrimSpace(r.Cluster)
		if cluster == "" {
			return nil, fmt.Errorf("routes[%d]: cluster is required", i)
		}
		if _, ok := clusters[cluster]; !ok {
			return nil, fmt.Errorf("routes[%d]: cluster=%q not found in clusters", i, cluster)
		}
		rule.Cluster = cluster

		timeout, err := parseDuration(fmt.Sprintf("routes[%d].timeout", i), r.Timeout, 0)
		if err != nil {
			return nil, err
		}
		rule.Timeout = timeout

		for _, h := range r.StripHeaders {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			rule.StripHeaders = append(rule.StripHeaders, http.CanonicalHeaderKey(h))
		}
		rule.HostRewrite = strings.TrimSpace(r.HostRewrite)

		if r.RateLimit != nil {
			if r.RateLimit.RequestsPerSecond <= 0 {
				return nil, fmt.Errorf("routes[%d]: rate_limit.requests_per_second must be positive", i)
			}
			burst := r.RateLimit.Burst
			if burst <= 0 {
				burst = int(math.Ceil(r.RateLimit.RequestsPerSecond))
			}
			rule.RateLimit = &model.RateLimit{RequestsPerSecond: r.RateLimit.RequestsPerSecond, Burst: burst}
		}

		routes = append(routes, rule)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("routes: at least one is required")
	}
	return routes, nil
}

// parseDuration accepts Go durations plus "unlimited" (== 0).
func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return def, nil
	case "0", "unlimited", "none":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %v", field, d)
	}
	return d, nil
}

func parsePort(field string, port, def int) (uint16, error) {
	if port == 0 {
		port = def
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s: out of range: %d", field, port)
	}
	return uint16(port), nil
}

// ParseIPFamily accepts any/auto, v4/ipv4/ip4 and v6/ipv6/ip6.
func ParseIPFamily(s string) (model.IPFamily, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "auto":
		return model.IPFamilyAny, nil
	case "v4", "ipv4", "ip4":
		return model.IPFamilyV4, nil
	case "v6", "ipv6", "ip6":
		return model.IPFamilyV6, nil
	default:
		return "", fmt.Errorf("unknown ip_family %q", s)
	}
}
