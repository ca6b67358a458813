package config

import (
	"time"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// Config is the validated, immutable gateway configuration.
type Config struct {
	Listen    string
	TLS       TLSConfig
	Admin     AdminConfig
	Clusters  map[string]model.Cluster
	Routes    []model.RouteRule // declaration order == priority
	Timeouts  Timeouts
	DNS       DNSConfig
	AccessLog AccessLogConfig
}

// Timeouts of the inbound HTTP server. Per-route upstream timeouts live on the rules.
// Read and Write default to 0 so large LFS transfers are never cut by the server.
type Timeouts struct {
	Read       time.Duration
	ReadHeader time.Duration
	Write      time.Duration
	Idle       time.Duration
}

type TLSConfig struct {
	Enabled      bool
	Certificates []CertKeyPair
}

type CertKeyPair struct {
	CertFile string
	KeyFile  string
}

// AdminConfig serves /metrics, /healthz and /readyz. Empty Address disables it.
type AdminConfig struct {
	Address string
}

type DNSConfig struct {
	Nameservers []string      // host:port; empty => system resolver
	Timeout     time.Duration // per lookup
	Refresh     time.Duration // background re-resolution interval
}

type AccessLogConfig struct {
	Path     string   // "" or "-" => stdout
	Sampling float64  // 0..1
	Fields   []string // allow-list; empty => all
	Buffer   int      // queued entries before dropping
}
