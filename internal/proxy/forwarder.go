// Package proxy relays one matched request to its selected upstream endpoint
// and streams the response back.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/fabian4/lfs-gateway/internal/forward"
	"github.com/fabian4/lfs-gateway/internal/model"
)

const copyBufferSize = 32 << 10

// Target is everything the forwarder needs to know about where a request goes.
type Target struct {
	Rule      *model.RouteRule
	Cluster   model.Cluster
	Endpoint  model.Endpoint
	Host      string // outbound Host header
	Path      string // outbound path, escaped form
	Transport http.RoundTripper
}

// Result describes how far a forward got.
type Result struct {
	Status      int
	Bytes       int64
	HeadersSent bool
	Err         error
}

// Forwarder is a minimal, hand-rolled reverse proxy (no httputil.ReverseProxy).
type Forwarder struct {
	Logger *slog.Logger
}

func NewForwarder(logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{Logger: logger}
}

// Forward relays r to t. When Result.HeadersSent is false nothing has been
// written to w and the caller owns the error response. When it is true and
// Err is set the response is truncated and the connection must be aborted.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, t Target) Result {
	ctx := r.Context()
	if t.Rule != nil && t.Rule.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Rule.Timeout)
		defer cancel()
	}
	ctx = forward.WithEndpoint(ctx, t.Endpoint)

	var strip []string
	if t.Rule != nil {
		strip = t.Rule.StripHeaders
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, "", nil)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, err)}
	}
	outReq.URL = upstreamURL(t, r.URL.RawQuery)
	outReq.Host = t.Host
	outReq.Header = outboundHeader(r.Header, strip)
	outReq.ContentLength = r.ContentLength
	outReq.Body = r.Body
	if r.ContentLength == 0 || r.Body == nil {
		outReq.Body = http.NoBody
	}
	outReq.Trailer = r.Trailer

	resUp, err := t.Transport.RoundTrip(outReq)
	if err != nil {
		return Result{Err: classify(ctx, err)}
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.Logger.Debug("close upstream body", "error", err)
		}
	}(resUp.Body)

	dropHopByHop(resUp.Header)
	copyHeaders(w.Header(), resUp.Header)
	announceTrailers(w.Header(), resUp.Trailer)
	w.WriteHeader(resUp.StatusCode)

	res := Result{Status: resUp.StatusCode, HeadersSent: true}
	res.Bytes, err = copyBody(w, resUp.Body, resUp.ContentLength < 0)
	if err != nil {
		res.Err = classify(ctx, err)
		return res
	}

	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return res
}

// upstreamURL addresses the endpoint directly so pooled connections are kept
// per endpoint. The escaped path travels verbatim as RawPath.
func upstreamURL(t Target, rawQuery string) *url.URL {
	u := &url.URL{
		Scheme:   t.Cluster.Scheme(),
		Host:     t.Endpoint.DialAddress(),
		RawQuery: rawQuery,
	}
	if p, err := url.PathUnescape(t.Path); err == nil {
		u.Path = p
		u.RawPath = t.Path
	} else {
		u.Path = t.Path
	}
	return u
}

// copyBody streams src to w. Responses of unknown length are flushed after
// every read so chunked downloads reach the client as they arrive.
func copyBody(w http.ResponseWriter, src io.Reader, flush bool) (int64, error) {
	flusher, _ := w.(http.Flusher)
	if flusher == nil {
		flush = false
	} else {
		// headers go out now so the client sees the status without waiting for the body
		flusher.Flush()
	}
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flush {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", model.ErrUpstreamUnreachable, err)
}
