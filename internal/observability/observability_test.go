package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	logx "gitwatch/pkg/logx"
)

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.CycleDone("ok", time.Second)
	m.FetchError("not_found")
	m.DeliveryJob("sent")
	m.SetDeliveryWorkers(3)
	m.DeltaEvent("stars")
	if m.Registry() != nil {
		t.Fatal("nil metrics must have nil registry")
	}
}

func TestMetricsCount(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.DeliveryJob("sent")
	m.DeliveryJob("sent")
	m.DeliveryJob("failed")
	m.SetDeliveryWorkers(4)
	m.DeltaEvent("forks")

	if got := testutil.ToFloat64(m.deliveryJobs.WithLabelValues("sent")); got != 2 {
		t.Fatalf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.workers); got != 4 {
		t.Fatalf("workers = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.deltaEvents.WithLabelValues("forks")); got != 1 {
		t.Fatalf("forks = %v, want 1", got)
	}
}

func TestHandlerAuthAndRoutes(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.CycleDone("ok", 2*time.Second)
	s := NewServer(Config{}, m, logx.Nop())
	ts := httptest.NewServer(s.Handler(Config{Token: "secret", Pprof: true, PprofPrefix: "dbg"}))
	defer ts.Close()

	cases := []struct {
		name   string
		path   string
		bearer string
		want   int
		body   string
	}{
		{name: "no token", path: "/healthz", want: http.StatusUnauthorized},
		{name: "query token", path: "/healthz?token=secret", want: http.StatusOK, body: "ok"},
		{name: "wrong query token", path: "/healthz?token=nope", bearer: "secret", want: http.StatusUnauthorized},
		{name: "bearer", path: "/metrics", bearer: "secret", want: http.StatusOK, body: "gitwatch_watchdog_cycles_total"},
		{name: "pprof prefix", path: "/dbg/", bearer: "secret", want: http.StatusOK},
		{name: "default pprof path absent", path: "/debug/pprof/", bearer: "secret", want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, ts.URL+tc.path, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			if tc.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			resp, err := ts.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if tc.body != "" && !strings.Contains(string(b), tc.body) {
				t.Fatalf("body %q does not contain %q", b, tc.body)
			}
		})
	}
}

func TestServerStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewServer(Config{}, NewMetrics(), logx.Nop())
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	t.Cleanup(func() { s.Stop(context.Background()) })

	addr := waitAddr(ctx, t, s)
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if got := s.Addr(); got != "" {
		t.Fatalf("addr after disable = %q", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"":              "/debug/pprof/",
		"dbg":           "/dbg/",
		"/x/y":          "/x/y/",
		" /debug/pprof": "/debug/pprof/",
	} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func waitAddr(ctx context.Context, t *testing.T, s *Server) string {
	t.Helper()
	for {
		if a := s.Addr(); a != "" {
			return a
		}
		select {
		case <-ctx.Done():
			t.Fatal("server did not bind")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
