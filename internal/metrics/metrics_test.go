package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_IncRequest(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("api", "api", "GET", "200")
	r.IncRequest("api", "api", "GET", "200")
	r.IncRequest("lfs", "lfs", "POST", "502")

	if got := testutil.ToFloat64(r.requests.WithLabelValues("api", "api", "GET", "200")); got != 2 {
		t.Errorf("api GET 200: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.requests.WithLabelValues("lfs", "lfs", "POST", "502")); got != 1 {
		t.Errorf("lfs POST 502: got %v, want 1", got)
	}
}

func TestRegistry_InFlight(t *testing.T) {
	r := NewRegistry()
	r.IncInFlight("lfs")
	r.IncInFlight("lfs")
	r.DecInFlight("lfs")

	if got := testutil.ToFloat64(r.inFlight.WithLabelValues("lfs")); got != 1 {
		t.Errorf("in flight: got %v, want 1", got)
	}
}

func TestRegistry_ObserveLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveLatency("web", "web", 100*time.Millisecond)

	if n := testutil.CollectAndCount(r.latency, "lfsgw_upstream_latency_seconds"); n != 1 {
		t.Fatalf("latency series: got %d, want 1", n)
	}
}

func TestRegistry_ResolutionAndEndpoints(t *testing.T) {
	r := NewRegistry()
	r.ObserveResolution("api", nil)
	r.ObserveResolution("api", errors.New("boom"))
	r.SetClusterEndpoints("api", 3)

	if got := testutil.ToFloat64(r.resolutions.WithLabelValues("api", "failure")); got != 1 {
		t.Errorf("failures: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.clusterEndpoints.WithLabelValues("api")); got != 3 {
		t.Errorf("endpoints: got %v, want 3", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.IncRequest("web", "web", "GET", "200")
	r.IncAccessLogDropped()
	r.IncReload(false)

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	out := string(body)

	for _, want := range []string{
		`lfsgw_requests_total{cluster="web",method="GET",rule="web",status="200"} 1`,
		`lfsgw_access_log_dropped_total 1`,
		`lfsgw_config_reloads_total{result="failure"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.IncRequest("a", "b", "GET", "200")
	r.ObserveLatency("a", "b", time.Second)
	r.IncInFlight("a")
	r.DecInFlight("a")
	r.ObserveResolution("a", nil)
	r.SetClusterEndpoints("a", 1)
	r.IncAccessLogDropped()
	r.IncReload(true)
}
