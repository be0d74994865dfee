// Package admin exposes the poller's small operational HTTP surface: a
// health endpoint for orchestrators and a manual poll trigger for
// operators. It is never exposed publicly and carries no authentication.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"formrelay/internal/types"
)

// healthCheckTimeout is the maximum time allowed for all health probes to
// complete. A probe exceeding it reports unhealthy.
const healthCheckTimeout = 2 * time.Second

// Trigger starts a reconciliation pass in the background and returns the
// ID the pass logs under. A trigger while a pass is in flight joins that
// pass and returns its ID (see reconcile.Runner).
type Trigger interface {
	TriggerPass(ctx context.Context) string
}

// HealthProbe checks one critical dependency.
type HealthProbe interface {
	// Name identifies the probe in the health response ("ledger", "forms").
	Name() string

	// Check returns an error when the subsystem is unhealthy. It must
	// respect the context deadline.
	Check(ctx context.Context) error
}

// ServerConfig holds the configuration for creating an admin Server.
type ServerConfig struct {
	Port    string
	Trigger Trigger
	Probes  []HealthProbe
	Logger  *slog.Logger
}

// Server serves the admin endpoints.
type Server struct {
	port    string
	trigger Trigger
	probes  []HealthProbe
	logger  *slog.Logger
}

// NewServer creates an admin Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:    cfg.Port,
		trigger: cfg.Trigger,
		probes:  cfg.Probes,
		logger:  logger,
	}
}

// Handler builds the router. Split from Run so tests can drive it with
// httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/poll", s.handlePoll)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestID tags every admin request with a correlation ID, echoed back in
// the X-Request-Id header and propagated to outgoing calls.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(types.WithPassID(r.Context(), id)))
	})
}

// componentStatus is the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON body of GET /health.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleHealth runs all probes concurrently under one short deadline.
// 200 when every probe passes, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu         sync.Mutex
		components = make(map[string]componentStatus, len(s.probes))
		wg         sync.WaitGroup
	)

	for _, probe := range s.probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			status := componentStatus{Status: "healthy"}
			if err := p.Check(ctx); err != nil {
				status = componentStatus{Status: "unhealthy", Message: err.Error()}
			}
			mu.Lock()
			components[p.Name()] = status
			mu.Unlock()
		}(probe)
	}
	wg.Wait()

	resp := healthResponse{Status: "healthy", Components: components}
	code := http.StatusOK
	for _, c := range components {
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, resp)
}

// pollResponse is the JSON body of POST /v1/poll.
type pollResponse struct {
	Status string `json:"status"`
	PassID string `json:"pass_id"`
}

// handlePoll schedules a pass and returns immediately: passes can take
// minutes and the operator only needs the pass ID to grep the logs. The
// pass runs on a background context so it survives the HTTP request. A
// fresh pass logs under the request's correlation ID; a trigger that lands
// on an in-flight pass reports that pass's ID instead.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	passID := s.trigger.TriggerPass(context.WithoutCancel(r.Context()))

	s.logger.InfoContext(r.Context(), "manual poll triggered", "pass_id", passID)
	writeJSON(w, http.StatusAccepted, pollResponse{
		Status: "accepted",
		PassID: passID,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
