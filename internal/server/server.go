// Package server is the network boundary of fleetlink: the device and
// observer websockets and the command submission API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/fleetlink/internal/dispatch"
	"github.com/markus-barta/fleetlink/internal/fleet"
	"github.com/markus-barta/fleetlink/internal/identity"
	"github.com/markus-barta/fleetlink/internal/relay"
	"github.com/markus-barta/fleetlink/internal/session"
	"github.com/rs/zerolog"
)

// Store is the read side of storage used by the API.
type Store interface {
	GetDevice(ctx context.Context, id string) (*fleet.Device, error)
	ListDevices(ctx context.Context) ([]*fleet.Device, error)
	GetCommand(ctx context.Context, id string) (*fleet.QueuedCommand, error)
	ListCommands(ctx context.Context, deviceID string) ([]*fleet.QueuedCommand, error)
	ListRecords(ctx context.Context, commandID string) ([]*fleet.ExecutionRecord, error)
}

// Settings tunes the websocket transport.
type Settings struct {
	AllowedOrigins []string
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxFrameBytes  int64
}

// DefaultSettings returns transport defaults.
func DefaultSettings() Settings {
	return Settings{
		PongWait:      60 * time.Second,
		PingPeriod:    54 * time.Second,
		WriteWait:     10 * time.Second,
		MaxFrameBytes: 1 << 20,
	}
}

// Deps are the components the server routes to.
type Deps struct {
	Store      Store
	Registry   *session.Registry
	Relay      *relay.Relay
	Dispatcher *dispatch.Dispatcher
	Verifier   *identity.Verifier
}

// Server is the HTTP server.
type Server struct {
	log      zerolog.Logger
	cfg      Settings
	deps     Deps
	router   *chi.Mux
	upgrader websocket.Upgrader

	// devices tracks device connection handlers; they outlive http.Server
	// shutdown because hijacked connections are not waited for.
	devices sync.WaitGroup
}

// New creates a server.
func New(log zerolog.Logger, cfg Settings, deps Deps) *Server {
	s := &Server{
		log:  log.With().Str("component", "server").Logger(),
		cfg:  cfg,
		deps: deps,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Devices authenticate with their bearer token inside the handler.
	r.Get("/ws/device", s.handleDevice)

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Verifier.Middleware)

		r.Get("/ws/devices/{deviceID}/observe", s.handleObserve)

		r.Route("/api", func(r chi.Router) {
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{deviceID}/commands", s.handleListCommands)
			r.Post("/devices/{deviceID}/commands", s.handleSubmit)
			r.Put("/devices/{deviceID}/maintenance", s.handleMaintenance)
			r.Get("/commands/{commandID}", s.handleGetCommand)
			r.Post("/commands/{commandID}/retry", s.handleRetry)
		})
	})

	s.router = r
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until every device connection handler has unregistered its
// connection, or ctx is done. Close the connections first (see
// session.Registry.CloseAll).
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.devices.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for device handlers: %w", ctx.Err())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"live":   len(s.deps.Registry.LiveDevices()),
	})
}

// checkOrigin accepts clients without an Origin header (devices, tooling),
// the configured origins, or the request's own host when none are set.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) > 0 {
		return slices.Contains(s.cfg.AllowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// ═══════════════════════════════════════════════════════════════════════════
// RESPONSES
// ═══════════════════════════════════════════════════════════════════════════

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, fleet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
