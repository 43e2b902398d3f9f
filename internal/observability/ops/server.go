// Package ops serves the operator HTTP endpoint: liveness, a JSON status
// snapshot, a manual sweep trigger and, optionally, pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	rtsup "foremanbot/internal/runtime/supervisor"
	logx "foremanbot/pkg/logx"
)

// Config controls the optional ops server. Binding to a non-loopback
// address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

const defaultAddr = "127.0.0.1:6060"

// StatusFunc produces the body of GET /status.
type StatusFunc func(ctx context.Context) any

// TriggerFunc starts an out-of-schedule sweep and returns once it is queued.
type TriggerFunc func() error

type Service struct {
	log    logx.Logger
	status StatusFunc
	sweep  TriggerFunc

	// life serializes Start, Stop and Reconfigure.
	life sync.Mutex
	mu   sync.Mutex
	cfg  Config
	sup  *rtsup.Supervisor
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, status: status, log: log}
}

// OnSweep enables POST /sweep. Call it before Start.
func (s *Service) OnSweep(fn TriggerFunc) {
	s.mu.Lock()
	s.sweep = fn
	s.mu.Unlock()
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Reconfigure applies cfg during hot reload, restarting the listener only
// when something it depends on changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	changed := s.cfg != cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.halt(ctx)
		running = false
	}
	if !running && cfg.Enabled {
		s.launch(ctx)
	}
}

// Start runs the server under its own supervisor until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()
	s.launch(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()
	s.halt(ctx)
}

func (s *Service) launch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, cfg) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Service) halt(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("ops server stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("ops server stopped")
}

// errInsecureBind is returned when a non-loopback address has no token and
// allow_insecure is off.
var errInsecureBind = errors.New("ops: non-loopback addr requires token or allow_insecure")

// serve runs one listener for cfg until ctx is cancelled.
func (s *Service) serve(ctx context.Context, cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	log := s.log.With(logx.String("addr", addr))
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			log.Error("ops server refused to start", logx.Err(errInsecureBind))
			return errInsecureBind
		}
		log.Warn("ops server has no token on a non-loopback addr")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	log.Info("ops server started", logx.Bool("pprof", cfg.Pprof), logx.Bool("token_set", cfg.Token != ""))

	select {
	case err := <-served:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			err = errors.New("ops server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
		<-served
		return context.Canceled
	}
}

// Handler builds the mux for cfg.
func (s *Service) Handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", wrap(func(w http.ResponseWriter, r *http.Request) {
		var body any = struct{}{}
		if s.status != nil {
			body = s.status(r.Context())
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(body); err != nil {
			s.log.Warn("encode status failed", logx.Err(err))
		}
	}))
	s.mu.Lock()
	sweep := s.sweep
	s.mu.Unlock()
	if sweep != nil {
		mux.HandleFunc("POST /sweep", wrap(func(w http.ResponseWriter, _ *http.Request) {
			if err := sweep(); err != nil {
				s.log.Warn("manual sweep rejected", logx.Err(err))
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			s.log.Info("manual sweep queued")
			w.WriteHeader(http.StatusAccepted)
		}))
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return otelhttp.NewHandler(mux, "ops")
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
