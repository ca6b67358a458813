package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/fabian4/lfs-gateway/internal/model"
)

// Well-known transport protocols.
const (
	ProtoHTTP1 = "http1" // strictly HTTP/1.1 to upstream
	ProtoAuto  = "auto"  // ALPN, allow h2 over TLS when available
)

// Options tunes the per-cluster transports.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts. None of these bound body transfer; per-route timeouts do.
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	// RootCAs overrides the system pool for clusters without a CA file.
	RootCAs *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		MaxConnsPerHost:       0,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

type endpointKey struct{}

// WithEndpoint pins the endpoint the transport dials for this request.
func WithEndpoint(ctx context.Context, ep model.Endpoint) context.Context {
	return context.WithValue(ctx, endpointKey{}, ep)
}

// EndpointFrom returns the endpoint pinned by WithEndpoint.
func EndpointFrom(ctx context.Context) (model.Endpoint, bool) {
	ep, ok := ctx.Value(endpointKey{}).(model.Endpoint)
	return ep, ok
}

// Registry is a threadsafe map of per-cluster RoundTrippers.
type Registry struct {
	mu    sync.RWMutex
	store map[string]http.RoundTripper
	opts  Options
}

// NewDefaultRegistry builds an empty registry with DefaultOptions.
func NewDefaultRegistry() *Registry { return NewRegistry(DefaultOptions()) }

func NewRegistry(opts Options) *Registry {
	return &Registry{
		store: make(map[string]http.RoundTripper),
		opts:  opts,
	}
}

// Build creates and registers one transport per cluster.
func (r *Registry) Build(clusters []model.Cluster) error {
	for _, c := range clusters {
		tr, err := r.newTransport(c)
		if err != nil {
			return fmt.Errorf("cluster %q: %w", c.Name, err)
		}
		r.Register(c.Name, tr)
	}
	return nil
}

func (r *Registry) Get(name string) (http.RoundTripper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.store[name]
	return rt, ok && rt != nil
}

func (r *Registry) Register(name string, rt http.RoundTripper) {
	if name == "" || rt == nil {
		return
	}
	r.mu.Lock()
	r.store[name] = rt
	r.mu.Unlock()
}

// CloseIdle calls CloseIdleConnections on all http.Transport in the registry.
func (r *Registry) CloseIdle() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.store {
		if t, ok := rt.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}

// --- builders ---

func (r *Registry) newTransport(c model.Cluster) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   r.opts.DialTimeout,
		KeepAlive: r.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		// Never route through an environment proxy: the endpoint is chosen here.
		Proxy:                 nil,
		DialContext:           endpointDialer(dialer),
		ForceAttemptHTTP2:     c.Proto == ProtoAuto,
		// Accept-Encoding and Content-Encoding pass through untouched.
		DisableCompression:    true,
		MaxIdleConns:          r.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   r.opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       r.opts.IdleConnTimeout,
		MaxConnsPerHost:       r.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   r.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: r.opts.ExpectContinueTimeout,
	}
	if c.TLS != nil {
		tc, err := r.tlsConfig(c)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = tc
	}
	return tr, nil
}

// tlsConfig verifies the upstream certificate against the configured SNI,
// independent of whatever Host header the request carries.
func (r *Registry) tlsConfig(c model.Cluster) (*tls.Config, error) {
	tc := &tls.Config{
		ServerName:         c.TLS.ServerName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
		RootCAs:            r.opts.RootCAs,
	}
	if c.Proto != ProtoAuto {
		tc.NextProtos = []string{"http/1.1"}
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s: no certificates found", c.TLS.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// endpointDialer connects to the endpoint pinned on the request context and
// falls back to the URL address when none is pinned.
func endpointDialer(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if ep, ok := EndpointFrom(ctx); ok {
			addr = ep.DialAddress()
		}
		return d.DialContext(ctx, network, addr)
	}
}
