package handler

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fabian4/lfs-gateway/internal/accesslog"
	"github.com/fabian4/lfs-gateway/internal/config"
	fwd "github.com/fabian4/lfs-gateway/internal/forward"
	"github.com/fabian4/lfs-gateway/internal/metrics"
	"github.com/fabian4/lfs-gateway/internal/model"
)

// fakeResolver answers every known host with loopback.
type fakeResolver struct {
	mu    sync.Mutex
	hosts map[string]bool
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, host string, _ model.IPFamily) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !f.hosts[host] {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
}

type seenRequest struct {
	Host string
	URI  string
	XFP  string
	SNI  string
	UA   string
	AE   []string
	Body string
}

// upstreamRecorder is a fake upstream that remembers what reached it.
type upstreamRecorder struct {
	name string
	mu   sync.Mutex
	reqs []seenRequest
	// gone receives once a /hang request sees its context end
	gone chan struct{}
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s := seenRequest{
		Host: r.Host,
		URI:  r.RequestURI,
		XFP:  r.Header.Get("X-Forwarded-Proto"),
		UA:   r.Header.Get("User-Agent"),
		AE:   r.Header.Values("Accept-Encoding"),
		Body: string(body),
	}
	if r.TLS != nil {
		s.SNI = r.TLS.ServerName
	}
	u.mu.Lock()
	u.reqs = append(u.reqs, s)
	u.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/hang"):
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
			if u.gone != nil {
				u.gone <- struct{}{}
			}
		}
		return
	case strings.HasSuffix(r.URL.Path, ".gz"):
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(gzipped)))
		_, _ = w.Write(gzipped)
		return
	}

	switch r.URL.Path {
	case "/slow":
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		return
	case "/slow-body":
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		return
	}
	w.Header().Set("X-Upstream", u.name)
	_, _ = io.WriteString(w, "ok:"+u.name)
}

var gzipped = func() []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(strings.Repeat("0123456789", 10)))
	_ = zw.Close()
	return buf.Bytes()
}()

func (u *upstreamRecorder) last(t *testing.T) seenRequest {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.reqs) == 0 {
		t.Fatalf("upstream %s saw no request", u.name)
	}
	return u.reqs[len(u.reqs)-1]
}

func (u *upstreamRecorder) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.reqs)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

type harness struct {
	gw       *Gateway
	srv      *httptest.Server
	lfs      *upstreamRecorder
	api      *upstreamRecorder
	web      *upstreamRecorder
	lfsURL   *url.URL
	resolver *fakeResolver
	metrics  *metrics.Registry
	log      *syncBuffer
	al       *accesslog.Logger
	opts     RuntimeOptions
	once     sync.Once
}

func port(t *testing.T, rawURL string) uint16 {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url %q: %v", rawURL, err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("port of %q: %v", rawURL, err)
	}
	return uint16(p)
}

// newHarness runs the default policy against three local upstreams. The API
// cluster is reached as api.example.com but verified with SNI example.com,
// the only name the httptest certificate carries.
func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	h := &harness{
		lfs:      &upstreamRecorder{name: "lfs", gone: make(chan struct{}, 1)},
		api:      &upstreamRecorder{name: "api"},
		web:      &upstreamRecorder{name: "web"},
		resolver: &fakeResolver{hosts: map[string]bool{"api.example.com": true, "example.com": true}},
		metrics:  metrics.NewRegistry(),
		log:      &syncBuffer{},
	}
	lfsSrv := httptest.NewServer(h.lfs)
	apiSrv := httptest.NewTLSServer(h.api)
	webSrv := httptest.NewTLSServer(h.web)
	t.Cleanup(lfsSrv.Close)
	t.Cleanup(apiSrv.Close)
	t.Cleanup(webSrv.Close)
	h.lfsURL, _ = url.Parse(lfsSrv.URL)

	opts := config.DefaultOptions()
	opts.LFSAddress = "127.0.0.1"
	opts.LFSPort = port(t, lfsSrv.URL)
	opts.APIHost = "api.example.com"
	opts.WebHost = "example.com"
	cfg, err := config.Default(opts)
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	api := cfg.Clusters["api"]
	api.Port = port(t, apiSrv.URL)
	api.TLS = &model.TLS{ServerName: "example.com"}
	cfg.Clusters["api"] = api
	web := cfg.Clusters["web"]
	web.Port = port(t, webSrv.URL)
	cfg.Clusters["web"] = web
	if mutate != nil {
		mutate(cfg)
	}

	pool := x509.NewCertPool()
	pool.AddCert(apiSrv.Certificate())
	pool.AddCert(webSrv.Certificate())
	topts := fwd.DefaultOptions()
	topts.RootCAs = pool

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.opts = RuntimeOptions{Resolver: h.resolver, Transport: topts, Metrics: h.metrics, Logger: logger}
	rt, err := NewRuntime(cfg, h.opts)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	h.al = accesslog.New(h.log, accesslog.Options{})
	h.gw = NewGateway(rt, h.al, h.metrics, logger)
	h.srv = httptest.NewServer(h.gw)
	t.Cleanup(h.close)
	return h
}

// close waits for in-flight handlers so the access log and metrics are final.
func (h *harness) close() {
	h.once.Do(func() {
		h.srv.Close()
		_ = h.al.Close()
		h.gw.Runtime().Stop()
	})
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader, hdr map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, string(b)
}

func (h *harness) accessLog(t *testing.T) []map[string]any {
	t.Helper()
	h.close()
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(h.log.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("access log line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestGateway_LFSBatchGoesToBackendUnchanged(t *testing.T) {
	h := newHarness(t, nil)

	body := `{"operation":"download","objects":[{"oid":"abc","size":3}]}`
	res, got := h.do(t, "POST", "/org/repo.git/info/lfs/objects/batch", strings.NewReader(body), map[string]string{
		"X-Forwarded-Proto": "https",
		"Authorization":     "Basic dTpw",
		"Content-Type":      "application/vnd.git-lfs+json",
	})
	if res.StatusCode != 200 || got != "ok:lfs" {
		t.Fatalf("response: got %d %q", res.StatusCode, got)
	}
	seen := h.lfs.last(t)
	if seen.URI != "/org/repo.git/info/lfs/objects/batch" {
		t.Errorf("path: got %q", seen.URI)
	}
	if seen.XFP != "https" {
		t.Errorf("X-Forwarded-Proto: got %q, want passed through", seen.XFP)
	}
	if want := strings.TrimPrefix(h.srv.URL, "http://"); seen.Host != want {
		t.Errorf("Host: got %q, want inbound %q", seen.Host, want)
	}
	if seen.Body != body {
		t.Errorf("body: got %q", seen.Body)
	}
	if h.api.count()+h.web.count() != 0 {
		t.Error("LFS request leaked to another cluster")
	}
}

func TestGateway_APIRewriteHostAndSNI(t *testing.T) {
	h := newHarness(t, nil)

	res, got := h.do(t, "GET", "/api/v3/repos/org/repo?per_page=1", nil, map[string]string{"X-Forwarded-Proto": "https"})
	if res.StatusCode != 200 || got != "ok:api" {
		t.Fatalf("response: got %d %q", res.StatusCode, got)
	}
	seen := h.api.last(t)
	if seen.URI != "/repos/org/repo?per_page=1" {
		t.Errorf("path: got %q", seen.URI)
	}
	if seen.Host != "api.example.com" {
		t.Errorf("Host: got %q, want api.example.com", seen.Host)
	}
	if seen.SNI != "example.com" {
		t.Errorf("SNI: got %q, want example.com", seen.SNI)
	}
	if seen.XFP != "" {
		t.Errorf("X-Forwarded-Proto must be stripped, got %q", seen.XFP)
	}

	h.do(t, "GET", "/api/v3", nil, nil)
	if seen := h.api.last(t); seen.URI != "/" {
		t.Errorf("bare version path: got %q, want /", seen.URI)
	}
}

func TestGateway_WebIdentity(t *testing.T) {
	h := newHarness(t, nil)

	res, got := h.do(t, "GET", "/org/repo/pulls", nil, map[string]string{"User-Agent": "git/2.44"})
	if res.StatusCode != 200 || got != "ok:web" {
		t.Fatalf("response: got %d %q", res.StatusCode, got)
	}
	seen := h.web.last(t)
	if seen.URI != "/org/repo/pulls" || seen.Host != "example.com" || seen.SNI != "example.com" {
		t.Errorf("web request: got %+v", seen)
	}
	if seen.UA != "git/2.44" {
		t.Errorf("User-Agent: got %q", seen.UA)
	}
}

func TestGateway_DNSFailureIs502(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.mu.Lock()
	h.resolver.err = errors.New("SERVFAIL")
	h.resolver.mu.Unlock()

	res, got := h.do(t, "GET", "/org/repo", nil, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", res.StatusCode)
	}
	if strings.Contains(got, "ok:") || h.web.count() != 0 {
		t.Fatal("no upstream content may reach the client")
	}

	lines := h.accessLog(t)
	if len(lines) != 1 || lines[0]["error"] != "upstream_unreachable" || lines[0]["rule"] != "web" {
		t.Fatalf("access log: %v", lines)
	}
}

func TestGateway_NoRoute(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Routes = c.Routes[:2] })

	res, _ := h.do(t, "GET", "/org/repo", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", res.StatusCode)
	}
	lines := h.accessLog(t)
	if len(lines) != 1 || lines[0]["rule"] != "unmatched" || lines[0]["error"] != "no_route" {
		t.Fatalf("access log: %v", lines)
	}
}

func TestGateway_RewriteFailureIs500(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Routes[1].Rewrite = &model.Rewrite{Pattern: regexp.MustCompile(`^/never$`), Substitution: "/"}
	})

	res, _ := h.do(t, "GET", "/api/v3/user", nil, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", res.StatusCode)
	}
	if h.api.count() != 0 {
		t.Fatal("original path must not be forwarded when the rewrite fails")
	}
}

func TestGateway_TimeoutIs504(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Routes[1].Timeout = 50 * time.Millisecond })

	start := time.Now()
	res, _ := h.do(t, "GET", "/api/v3/slow", nil, nil)
	if res.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status: got %d, want 504", res.StatusCode)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
}

func TestGateway_TimeoutAfterHeadersAbortsConnection(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Routes[1].Timeout = 80 * time.Millisecond })

	res, err := http.Get(h.srv.URL + "/api/v3/slow-body")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		t.Fatalf("status: got %d, want upstream 200", res.StatusCode)
	}
	if _, err := io.ReadAll(res.Body); err == nil {
		t.Fatal("want truncated body after upstream timeout")
	}

	lines := h.accessLog(t)
	if len(lines) != 1 || lines[0]["status"] != float64(http.StatusGatewayTimeout) || lines[0]["error"] != "upstream_timeout" {
		t.Fatalf("access log: %v", lines)
	}
	rr := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	want := `lfsgw_requests_total{cluster="api",method="GET",rule="api",status="504"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestGateway_ClientDisconnectCancelsUpstream(t *testing.T) {
	h := newHarness(t, nil)
	if rule := h.gw.Runtime().Table.Rules()[0]; rule.Name != "lfs" || rule.Timeout != 0 {
		t.Fatalf("want the unlimited lfs rule first, got %+v", rule)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "GET", h.srv.URL+"/org/repo.git/info/lfs/objects/hang", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(100*time.Millisecond, cancel)
	if res, err := http.DefaultClient.Do(req); err == nil {
		res.Body.Close()
		t.Fatal("want the client request to be cancelled")
	}

	select {
	case <-h.lfs.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request still open after the client went away")
	}

	lines := h.accessLog(t)
	if len(lines) != 1 || lines[0]["rule"] != "lfs" || lines[0]["error"] != "upstream_unreachable" {
		t.Fatalf("access log: %v", lines)
	}
}

func TestGateway_ContentEncodingPassesThrough(t *testing.T) {
	h := newHarness(t, nil)

	// a client that neither asks for nor decodes gzip
	client := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	defer client.CloseIdleConnections()
	res, err := client.Get(h.srv.URL + "/org/repo.git/info/lfs/objects/blob.gz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	if seen := h.lfs.last(t); len(seen.AE) != 0 {
		t.Errorf("upstream saw Accept-Encoding %v, want none", seen.AE)
	}
	if got := res.Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding: got %q, want gzip", got)
	}
	if !bytes.Equal(body, gzipped) {
		t.Errorf("body altered in transit: %d bytes, want %d", len(body), len(gzipped))
	}
}

func TestNewRuntime_Defaults(t *testing.T) {
	cfg, err := config.Default(config.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Routes[1].RateLimit = &model.RateLimit{RequestsPerSecond: 10, Burst: 5}

	rt, err := NewRuntime(cfg, RuntimeOptions{Resolver: &fakeResolver{}})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	defer rt.Stop()
	if rt.Limiter.Len() != 1 {
		t.Errorf("limiter buckets: got %d, want 1", rt.Limiter.Len())
	}
	for _, c := range []string{"lfs", "api", "web"} {
		tr, ok := rt.Transports.Get(c)
		if !ok {
			t.Fatalf("no transport for %s", c)
		}
		if !tr.(*http.Transport).DisableCompression {
			t.Errorf("%s transport decodes gzip", c)
		}
	}
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Routes[0].RateLimit = &model.RateLimit{RequestsPerSecond: 0.001, Burst: 1}
	})

	path := "/org/repo.git/info/lfs/locks"
	if res, _ := h.do(t, "GET", path, nil, nil); res.StatusCode != 200 {
		t.Fatalf("first request: got %d", res.StatusCode)
	}
	res, _ := h.do(t, "GET", path, nil, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", res.StatusCode)
	}
	if res.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	// other rules have their own budget
	if res, _ := h.do(t, "GET", "/org/repo", nil, nil); res.StatusCode != 200 {
		t.Fatalf("web request: got %d", res.StatusCode)
	}
}

func TestGateway_AccessLogAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, "GET", "/org/repo.git/info/lfs/objects/abc", nil, map[string]string{"User-Agent": "git-lfs/3.5"})

	lines := h.accessLog(t)
	if len(lines) != 1 {
		t.Fatalf("access log lines: got %d, want 1", len(lines))
	}
	e := lines[0]
	for k, want := range map[string]any{
		"rule":          "lfs",
		"cluster":       "lfs",
		"method":        "GET",
		"path":          "/org/repo.git/info/lfs/objects/abc",
		"status":        float64(200),
		"upstream":      h.lfsURL.Host,
		"user_agent":    "git-lfs/3.5",
		"remote_ip":     "127.0.0.1",
		"bytes_written": float64(len("ok:lfs")),
	} {
		if e[k] != want {
			t.Errorf("%s: got %v, want %v", k, e[k], want)
		}
	}
	if _, ok := e["error"]; ok {
		t.Errorf("unexpected error field: %v", e["error"])
	}

	rr := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	want := `lfsgw_requests_total{cluster="lfs",method="GET",rule="lfs",status="200"} 1`
	if !strings.Contains(rr.Body.String(), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestGateway_SwapRuntime(t *testing.T) {
	h := newHarness(t, nil)

	cfg, err := config.Default(config.Options{
		LFSAddress: "127.0.0.1",
		LFSPort:    port(t, "http://"+h.lfsURL.Host),
		APIHost:    "api.example.com",
		WebHost:    "example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	// everything to the LFS backend
	cfg.Routes = []model.RouteRule{{Name: "all", Kind: model.MatchPrefix, Pattern: "/", Cluster: "lfs"}}
	rt, err := NewRuntime(cfg, h.opts)
	if err != nil {
		t.Fatal(err)
	}
	old := h.gw.Swap(rt)
	old.Stop()

	if _, got := h.do(t, "GET", "/org/repo", nil, nil); got != "ok:lfs" {
		t.Fatalf("after swap: got %q, want ok:lfs", got)
	}
	if h.web.count() != 0 {
		t.Fatal("old runtime still routing")
	}
}

func TestGateway_Ready(t *testing.T) {
	h := newHarness(t, nil)
	if h.gw.Ready() {
		t.Fatal("DNS clusters are unresolved before first use")
	}
	rt := h.gw.Runtime()
	for _, c := range []string{"api", "web"} {
		if err := rt.Selector.Refresh(context.Background(), c); err != nil {
			t.Fatalf("refresh %s: %v", c, err)
		}
	}
	if !h.gw.Ready() {
		t.Fatal("want ready after resolution")
	}
}
