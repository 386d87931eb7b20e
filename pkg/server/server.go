// Package server exposes the orchestrator over HTTP: starting a task streams
// its events, approvals and cancellations arrive as separate requests.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/approval"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/metrics"
	"devopsagent/pkg/orchestrator"
	"devopsagent/pkg/persistence"
)

const defaultShutdownTimeout = 10 * time.Second

// TaskReader reads persisted tasks. *persistence.Store satisfies it.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
	ListTasks(ctx context.Context, limit int) ([]*persistence.Task, error)
	ListMessages(ctx context.Context, taskID string) ([]llm.CompletionMessage, error)
}

// Options configure a Server. Manager and Approvals are required.
type Options struct {
	Manager   *orchestrator.Manager
	Approvals *approval.Registry

	Store       TaskReader
	EventLogDir string
	Usage       metrics.Source
	Gatherer    prometheus.Gatherer
	// Breakers reports circuit breaker states for the health endpoint.
	Breakers func() map[string]string

	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Server is the HTTP surface of the agent.
type Server struct {
	opts   Options
	logger *logx.Logger
}

// NewServer validates opts and creates a server.
func NewServer(opts Options) (*Server, error) {
	if opts.Manager == nil || opts.Approvals == nil {
		return nil, errors.New("server: manager and approval registry are required")
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{opts: opts, logger: logx.NewLogger("server")}, nil
}

// RegisterRoutes sets up the HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/run-automation", s.handleRunAutomation)
	mux.HandleFunc("/approve-action", s.handleApproveAction)
	mux.HandleFunc("/cancel-automation", s.handleCancelAutomation)
	mux.HandleFunc("/get-llm-output/{task_id}", s.handleLLMOutput)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/{task_id}", s.handleTask)
	mux.HandleFunc("/api/tasks/{task_id}/events", s.handleTaskEvents)
	mux.HandleFunc("/api/tasks/{task_id}/usage", s.handleTaskUsage)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/healthz", s.handleHealth)

	if s.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.cors(mux)
}

// Serve listens on addr until ctx ends, then shuts down gracefully. Running
// tasks are not cancelled here; the request contexts of their streams end
// with the connections.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting HTTP server on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("http server shutdown: %w", err)
	}
	<-errCh
	return nil
}

// cors answers preflight requests and tags responses for allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			h := w.Header()
			if s.wildcardOrigin() {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Expose-Headers", "X-Task-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) wildcardOrigin() bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}
