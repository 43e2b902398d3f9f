package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "foremanbot/pkg/logx"
)

func TestHandlerAuthAndStatus(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func(context.Context) any {
		return map[string]int{"sessions": 3}
	}, logx.Nop())
	h := s.Handler(Config{Token: "sekret"})

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"healthz is open", "/healthz", "", http.StatusOK},
		{"status needs token", "/status", "", http.StatusUnauthorized},
		{"wrong bearer", "/status", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/status", "Bearer sekret", http.StatusOK},
		{"query token", "/status?token=sekret", "", http.StatusOK},
		{"pprof off", "/debug/pprof/", "Bearer sekret", http.StatusNotFound},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: status %d, want %d", tc.name, rec.Code, tc.want)
		}
		if tc.path == "/status?token=sekret" {
			var body map[string]int
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["sessions"] != 3 {
				t.Fatalf("status body = %q (%v)", rec.Body.String(), err)
			}
		}
	}
}

func TestHandlerSweep(t *testing.T) {
	t.Parallel()
	var calls int
	var fail error
	s := New(Config{}, nil, logx.Nop())
	s.OnSweep(func() error {
		calls++
		return fail
	})
	h := s.Handler(Config{Token: "sekret"})

	do := func(method, header string) int {
		req := httptest.NewRequest(method, "/sweep", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if got := do(http.MethodPost, ""); got != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", got)
	}
	if got := do(http.MethodGet, "Bearer sekret"); got != http.StatusMethodNotAllowed {
		t.Fatalf("GET: status %d", got)
	}
	if got := do(http.MethodPost, "Bearer sekret"); got != http.StatusAccepted {
		t.Fatalf("POST: status %d", got)
	}
	fail = errors.New("engine: queue full")
	if got := do(http.MethodPost, "Bearer sekret"); got != http.StatusServiceUnavailable {
		t.Fatalf("POST while full: status %d", got)
	}
	if calls != 2 {
		t.Fatalf("sweep calls = %d, want 2", calls)
	}

	bare := New(Config{}, nil, logx.Nop()).Handler(Config{})
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sweep", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("sweep without hook: status %d", rec.Code)
	}
}

func TestHandlerPprof(t *testing.T) {
	t.Parallel()
	h := New(Config{}, nil, logx.Nop()).Handler(Config{Pprof: true})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof index status %d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	err := s.serve(t.Context(), Config{Enabled: true, Addr: "0.0.0.0:0"})
	if !errors.Is(err, errInsecureBind) {
		t.Fatalf("serve err = %v", err)
	}
}

func TestReconfigureStartsAndStops(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := New(Config{}, nil, logx.Nop())

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	first := s.Supervisor()
	if first == nil {
		t.Fatal("not started")
	}
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	if s.Supervisor() != first {
		t.Fatal("unchanged config restarted the server")
	}
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	if sup := s.Supervisor(); sup == nil || sup == first {
		t.Fatal("changed config did not restart the server")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{})
	if s.Supervisor() != nil {
		t.Fatal("disabled config left the server running")
	}
}
