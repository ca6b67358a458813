package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fabian4/lfs-gateway/internal/accesslog"
	"github.com/fabian4/lfs-gateway/internal/metrics"
	"github.com/fabian4/lfs-gateway/internal/model"
	"github.com/fabian4/lfs-gateway/internal/proxy"
	"github.com/fabian4/lfs-gateway/internal/router"
)

// Gateway routes every inbound request through match, rewrite, endpoint
// selection and forwarding, then records the outcome.
type Gateway struct {
	runtime   atomic.Pointer[Runtime]
	Forwarder *proxy.Forwarder
	AccessLog *accesslog.Logger
	Metrics   *metrics.Registry
	Logger    *slog.Logger
}

var _ http.Handler = (*Gateway)(nil)

func NewGateway(rt *Runtime, al *accesslog.Logger, m *metrics.Registry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		Forwarder: proxy.NewForwarder(logger),
		AccessLog: al,
		Metrics:   m,
		Logger:    logger,
	}
	g.runtime.Store(rt)
	return g
}

// Swap installs rt for new requests and returns the previous runtime.
// In-flight requests keep the runtime they started with.
func (g *Gateway) Swap(rt *Runtime) *Runtime { return g.runtime.Swap(rt) }

func (g *Gateway) Runtime() *Runtime { return g.runtime.Load() }

// Ready reports whether every cluster currently has an endpoint.
func (g *Gateway) Ready() bool {
	rt := g.runtime.Load()
	return rt != nil && rt.Selector.Ready()
}

// outcome accumulates what the access log and metrics need.
type outcome struct {
	rule     string
	cluster  string
	upstream string
	err      error
	abort    bool
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := g.runtime.Load()
	start := time.Now()
	lw := &loggingResponseWriter{ResponseWriter: w}
	out := outcome{rule: accesslog.Unmatched}
	defer func() {
		g.finish(r, lw, start, &out)
		if out.abort {
			// the status line is gone; only a torn connection tells the client
			panic(http.ErrAbortHandler)
		}
	}()

	path := r.URL.EscapedPath()
	m, ok := rt.Table.Match(path)
	if !ok {
		g.fail(lw, &out, fmt.Errorf("%w: %s", model.ErrNoRoute, path))
		return
	}
	rule := m.Rule
	out.rule, out.cluster = rule.Name, rule.Cluster
	g.Metrics.IncInFlight(rule.Name)
	defer g.Metrics.DecInFlight(rule.Name)

	outPath, outHost, err := router.Rewrite(m, r.Host)
	if err != nil {
		g.Logger.Error("rewrite failed", "rule", rule.Name, "path", path, "error", err)
		g.fail(lw, &out, err)
		return
	}

	if !rt.Limiter.Allow(rule.Name) {
		g.fail(lw, &out, fmt.Errorf("%w: rule %q", model.ErrRateLimited, rule.Name))
		return
	}

	ep, err := rt.Selector.Pick(r.Context(), rule.Cluster)
	if err != nil {
		g.Logger.Warn("no upstream endpoint", "rule", rule.Name, "cluster", rule.Cluster, "error", err)
		g.fail(lw, &out, err)
		return
	}
	out.upstream = ep.String()
	cluster, _ := rt.Selector.Cluster(rule.Cluster)
	tr, ok := rt.Transports.Get(rule.Cluster)
	if !ok {
		g.fail(lw, &out, fmt.Errorf("%w: no transport for cluster %q", model.ErrUpstreamUnreachable, rule.Cluster))
		return
	}

	res := g.Forwarder.Forward(lw, r, proxy.Target{
		Rule:      rule,
		Cluster:   cluster,
		Endpoint:  ep,
		Host:      outHost,
		Path:      outPath,
		Transport: tr,
	})
	if res.Err == nil {
		return
	}
	g.Logger.Warn("upstream request failed",
		"rule", rule.Name, "cluster", rule.Cluster, "upstream", out.upstream,
		"headers_sent", res.HeadersSent, "error", res.Err)
	if !res.HeadersSent {
		g.fail(lw, &out, res.Err)
		return
	}
	out.err, out.abort = res.Err, true
}

// fail synthesizes the error response for err.
func (g *Gateway) fail(w http.ResponseWriter, out *outcome, err error) {
	out.err = err
	status := model.StatusFor(err)
	if errors.Is(err, model.ErrRateLimited) {
		w.Header().Set("Retry-After", "1")
	}
	http.Error(w, http.StatusText(status), status)
}

func (g *Gateway) finish(r *http.Request, lw *loggingResponseWriter, start time.Time, out *outcome) {
	status := lw.statusCode
	switch {
	case out.abort:
		// the client saw the upstream status, the outcome is the gateway's
		status = model.StatusFor(out.err)
	case status == 0:
		status = http.StatusOK
	}
	duration := time.Since(start)

	g.AccessLog.Record(accesslog.Entry{
		Time:         start,
		Rule:         out.rule,
		Method:       r.Method,
		Path:         r.URL.EscapedPath(),
		Protocol:     r.Proto,
		Cluster:      out.cluster,
		Upstream:     out.upstream,
		Status:       status,
		Duration:     duration.Milliseconds(),
		Error:        model.KindOf(out.err),
		RemoteIP:     remoteIP(r.RemoteAddr),
		UserAgent:    r.UserAgent(),
		Referer:      r.Referer(),
		BytesWritten: lw.bytes,
	})

	g.Metrics.IncRequest(out.rule, out.cluster, r.Method, strconv.Itoa(status))
	if out.cluster != "" {
		g.Metrics.ObserveLatency(out.rule, out.cluster, duration)
	}
}

func remoteIP(addr string) string {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *loggingResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
