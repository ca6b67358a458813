package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fabian4/lfs-gateway/internal/model"
	"github.com/fabian4/lfs-gateway/internal/router"
)

// Route patterns of the default GitHub Enterprise-style policy.
const (
	LFSPattern         = `(?:/[^/]+){2,}\.git/info/lfs(?:/.*)?`
	APIPattern         = `/api/v\d(?:/(.*)|$)`
	APISubstitution    = `/$1`
	DefaultHTTPTimeout = 3600 * time.Second
)

// Options are the knobs of the default three-rule policy.
type Options struct {
	Listen       string
	AdminListen  string
	LFSAddress   string
	LFSPort      uint16
	APIHost      string
	WebHost      string
	IPFamily     model.IPFamily
	LFSTimeout   time.Duration // 0 => unlimited
	HTTPTimeout  time.Duration // API and web routes
	StripHeaders []string      // applied to API and web routes
	Nameservers  []string
}

// DefaultOptions targets a local LFS backend and github.com.
func DefaultOptions() Options {
	return Options{
		Listen:       defaultListen,
		LFSAddress:   "127.0.0.1",
		LFSPort:      5000,
		APIHost:      "api.github.com",
		WebHost:      "github.com",
		IPFamily:     model.IPFamilyV4,
		HTTPTimeout:  DefaultHTTPTimeout,
		StripHeaders: []string{"X-Forwarded-Proto"},
	}
}

// Default builds the lfs → api → web routing table from opts.
func Default(opts Options) (*Config, error) {
	if opts.Listen == "" {
		opts.Listen = defaultListen
	}
	if opts.LFSAddress == "" || opts.LFSPort == 0 {
		return nil, fmt.Errorf("default: lfs address and port are required")
	}
	if opts.APIHost == "" || opts.WebHost == "" {
		return nil, fmt.Errorf("default: api and web hostnames are required")
	}
	if opts.IPFamily == "" {
		opts.IPFamily = model.IPFamilyAny
	}

	lfsRe, err := router.CompileAnchored(LFSPattern)
	if err != nil {
		return nil, err
	}
	apiRe, err := router.CompileAnchored(APIPattern)
	if err != nil {
		return nil, err
	}
	var strip []string
	for _, h := range opts.StripHeaders {
		if h = strings.TrimSpace(h); h != "" {
			strip = append(strip, http.CanonicalHeaderKey(h))
		}
	}

	clusters := map[string]model.Cluster{
		"lfs": {
			Name:       "lfs",
			Resolution: model.ResolveStatic,
			Address:    opts.LFSAddress,
			Port:       opts.LFSPort,
			Proto:      "http1",
		},
		"api": {
			Name:       "api",
			Resolution: model.ResolveDNS,
			Address:    opts.APIHost,
			Port:       443,
			IPFamily:   opts.IPFamily,
			TLS:        &model.TLS{ServerName: opts.APIHost},
			Proto:      "http1",
		},
		"web": {
			Name:       "web",
			Resolution: model.ResolveDNS,
			Address:    opts.WebHost,
			Port:       443,
			IPFamily:   opts.IPFamily,
			TLS:        &model.TLS{ServerName: opts.WebHost},
			Proto:      "http1",
		},
	}
	routes := []model.RouteRule{
		{
			Name:    "lfs",
			Kind:    model.MatchRegex,
			Pattern: LFSPattern,
			Regex:   lfsRe,
			Cluster: "lfs",
			Timeout: opts.LFSTimeout,
		},
		{
			Name:         "api",
			Kind:         model.MatchRegex,
			Pattern:      APIPattern,
			Regex:        apiRe,
			Rewrite:      &model.Rewrite{Substitution: APISubstitution},
			Cluster:      "api",
			Timeout:      opts.HTTPTimeout,
			StripHeaders: strip,
			HostRewrite:  opts.APIHost,
		},
		{
			Name:         "web",
			Kind:         model.MatchPrefix,
			Pattern:      "/",
			Cluster:      "web",
			Timeout:      opts.HTTPTimeout,
			StripHeaders: strip,
			HostRewrite:  opts.WebHost,
		},
	}

	return &Config{
		Listen:   opts.Listen,
		Admin:    AdminConfig{Address: opts.AdminListen},
		Clusters: clusters,
		Routes:   routes,
		Timeouts: Timeouts{ReadHeader: defaultReadHeader, Idle: defaultIdle},
		DNS: DNSConfig{
			Nameservers: opts.Nameservers,
			Timeout:     defaultDNSTimeout,
			Refresh:     defaultDNSRefresh,
		},
		AccessLog: AccessLogConfig{Sampling: 1.0, Buffer: defaultAccessLogQueue},
	}, nil
}
