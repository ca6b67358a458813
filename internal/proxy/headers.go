package proxy

import (
	"net/http"
	"net/textproto"
	"strings"
)

// hop-by-hop headers, RFC 9110 section 7.6.1
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// dropHopByHop removes the fixed hop-by-hop set and every header named in
// Connection. "TE: trailers" survives on requests.
func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			k = textproto.TrimString(k)
			if k != "" {
				h.Del(k)
			}
		}
	}
	keepTE := h.Get("Te") == "trailers"
	for _, k := range hopByHop {
		h.Del(k)
	}
	if keepTE {
		h.Set("Te", "trailers")
	}
}

// outboundHeader builds the upstream request header. The gateway adds nothing
// of its own: no X-Forwarded-*, no Via and no default User-Agent.
func outboundHeader(in http.Header, strip []string) http.Header {
	h := cloneHeader(in)
	dropHopByHop(h)
	for _, k := range strip {
		h.Del(k)
	}
	if _, ok := h["User-Agent"]; !ok {
		// an empty value stops net/http from sending its own
		h.Set("User-Agent", "")
	}
	return h
}

// announceTrailers lists the upstream trailer keys before the status line.
func announceTrailers(dst http.Header, trailer http.Header) {
	if len(trailer) == 0 {
		return
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	dst.Set("Trailer", strings.Join(keys, ","))
}
