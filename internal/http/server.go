// Package httpapi exposes the ride core over HTTP and websockets. Callers are
// identified by the X-User-ID and X-User-Role headers set by the gateway in
// front of the service.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-rides/internal/bus"
	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/rating"
	"github.com/example/campus-rides/internal/rides"
	"github.com/example/campus-rides/internal/storage"
	"github.com/example/campus-rides/internal/tracking"
)

// Deps are the collaborators a Server routes to. Pool, Dispatch and Health
// are optional.
type Deps struct {
	Store     storage.Store
	Bus       *bus.Bus
	Rides     *rides.Service
	Ratings   *rating.Service
	Drivers   *directory.Directory
	Pool      *matcher.Service
	Locations tracking.LocationSink
	WS        *dispatch.WSRegistry
	Dispatch  *dispatch.Dispatcher
	Health    func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router

	// streams parents every websocket session; CloseStreams cancels it.
	streams     context.Context
	stopStreams context.CancelFunc

	// LongPollMax caps the wait parameter of the location endpoint.
	LongPollMax time.Duration
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.WS == nil {
		deps.WS = dispatch.NewWSRegistry()
	}
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter(), LongPollMax: 30 * time.Second}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/location", s.handleReportLocation).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/location", s.handleGetLocation).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/rating", s.handleRate).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleDriverProfile).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/rating", s.handleDriverRating).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/pool", s.handleDriverPool).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws", s.handleRideUpdatesWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/rides/{id}/location", s.handleLocationWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// CloseStreams ends every open websocket session. http.Server.Shutdown does
// not track hijacked connections, so register this with RegisterOnShutdown.
func (s *Server) CloseStreams() { s.stopStreams() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Health(ctx); err != nil {
			s.logger.Warn("health_check_failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
