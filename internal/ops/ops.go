// Package ops serves the operator surface: liveness and readiness probes,
// Prometheus metrics, and read-only status JSON. It binds to loopback by
// default and carries none of the tool-calling surface.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metamcp/internal/broker"
	"metamcp/internal/logging"
	"metamcp/internal/session"
	"metamcp/internal/types"
)

// DefaultAddr is used when policy leaves listen_ops empty.
const DefaultAddr = "127.0.0.1:9115"

// StatusSource is the broker surface the handlers read. broker.Broker
// satisfies it.
type StatusSource interface {
	Health() broker.Health
	Sessions() []session.State
	Status(id string) (broker.SessionStatus, error)
}

// Config wires the ops server.
type Config struct {
	// Addr is the listen address; empty falls back to DefaultAddr.
	Addr     string
	Source   StatusSource
	Gatherer prometheus.Gatherer
}

// Server is the ops HTTP server.
type Server struct {
	addr     string
	source   StatusSource
	gatherer prometheus.Gatherer

	ln  net.Listener
	srv *http.Server
}

// New builds the server without binding the port.
func New(cfg Config) (*Server, error) {
	if cfg.Source == nil || cfg.Gatherer == nil {
		return nil, types.NewError(types.ErrInternal, "ops server needs a status source and a metrics gatherer")
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{addr: addr, source: cfg.Source, gatherer: cfg.Gatherer}, nil
}

// Routes builds the router. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	r.Get("/sessions", s.sessions)
	r.Get("/sessions/{id}", s.sessionByID)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// Start binds the listener and serves in the background. The bind error is
// returned synchronously so boot can react to a taken port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return types.WrapError(types.ErrInternal, fmt.Sprintf("ops listener on %s", s.addr), err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.BootError("ops server stopped: %v", err)
		}
	}()
	logging.Metrics("ops endpoint listening on %s", ln.Addr())
	return nil
}

// Addr reports the bound address, useful when the config asked for :0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	logging.Metrics("ops endpoint closed")
	return err
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	h := s.source.Health()
	code := http.StatusOK
	if h.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Health())
}

func (s *Server) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Sessions())
}

func (s *Server) sessionByID(w http.ResponseWriter, r *http.Request) {
	st, err := s.source.Status(chi.URLParam(r, "id"))
	if err != nil {
		code := http.StatusInternalServerError
		if types.KindOf(err) == types.ErrNoSuchSession {
			code = http.StatusNotFound
		}
		e, ok := types.AsError(err)
		if !ok {
			e = types.Internal("status lookup failed", err)
		}
		writeJSON(w, code, e)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.MetricsDebug("ops response encode failed: %v", err)
	}
}

// requestLog traces each ops request at debug level, keyed by the chi
// request id.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.WithRequestID(logging.CategoryMetrics, middleware.GetReqID(r.Context())).
			Debug("%s %s -> %d in %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Microsecond))
	})
}
