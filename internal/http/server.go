package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/parking-match/internal/auth"
	"github.com/example/parking-match/internal/broadcast"
	"github.com/example/parking-match/internal/matching"
)

const defaultNearbyRadius = 5000.0

type Server struct {
	matching *matching.Service
	events   *broadcast.Broadcaster
	tokens   *auth.JWTService
	logger   *slog.Logger

	defaultRadius float64
	health        func(context.Context) error

	mux *mux.Router
}

type Option func(*Server)

// WithDefaultRadius sets the nearby-driver radius used when the query omits one.
func WithDefaultRadius(meters float64) Option {
	return func(s *Server) {
		if meters > 0 {
			s.defaultRadius = meters
		}
	}
}

// WithHealthCheck makes /healthz report 503 while check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

func NewServer(m *matching.Service, events *broadcast.Broadcaster, tokens *auth.JWTService, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		matching:      m,
		events:        events,
		tokens:        tokens,
		logger:        logger,
		defaultRadius: defaultNearbyRadius,
		mux:           mux.NewRouter(),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.mux.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/reservations", s.handleCreateReservation).Methods(http.MethodPost)
	api.HandleFunc("/reservations", s.handleListMine).Methods(http.MethodGet)
	api.HandleFunc("/reservations/active", s.handleListActive).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id}", s.handleGetReservation).Methods(http.MethodGet)
	api.HandleFunc("/reservations/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/reservations/{id}/status", s.handleUpdateStatus).Methods(http.MethodPut)

	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/profile", s.handleDriverProfile).Methods(http.MethodGet)
	api.HandleFunc("/drivers/location", s.handleDriverLocation).Methods(http.MethodPut)
	api.HandleFunc("/drivers/availability", s.handleDriverAvailability).Methods(http.MethodPut)
	api.HandleFunc("/drivers/vehicle", s.handleDriverVehicle).Methods(http.MethodPut)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn("health_check_failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
