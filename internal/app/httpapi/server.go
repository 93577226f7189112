// Package httpapi wires the admission REST surface, the player and
// spectator WebSocket upgrades, and the operator surface into one
// gorilla/mux router backed by the running Application.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clawline/clawctl/infrastructure/metrics"
	"github.com/clawline/clawctl/infrastructure/middleware"
	"github.com/clawline/clawctl/infrastructure/service"
	"github.com/clawline/clawctl/internal/app"
)

// Server owns the router and every handler's dependencies.
type Server struct {
	app       *app.Application
	router    *mux.Router
	upgrader  websocket.Upgrader
	health    *service.DeepHealthChecker
	joinLimit *middleware.RateLimiter
	startedAt time.Time
}

// NewServer builds the router and registers every route. It does not
// start listening; callers own the *http.Server and its lifecycle.
func NewServer(a *app.Application) *Server {
	s := &Server{
		app:       a,
		router:    mux.NewRouter(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		health:    service.NewDeepHealthChecker(5 * time.Second),
		joinLimit: middleware.NewRateLimiterWithWindow(6, time.Minute, 2, a.Log),
		startedAt: time.Now(),
	}
	s.registerHealthChecks()
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

// Router returns the assembled handler for an *http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) registerMiddleware() {
	log := s.app.Log
	s.router.Use(middleware.NewTracingMiddleware(log).Handler)
	s.router.Use(middleware.NewSecurityHeadersMiddleware(middleware.DefaultSecurityHeaders()).Handler)
	if metrics.Enabled() {
		s.router.Use(middleware.MetricsMiddleware("clawctl-server", metrics.Global()))
		s.router.Handle("/metrics", promhttp.Handler())
	}
	cors := middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins:         []string{"*"},
		AllowCredentials:       false,
		RejectDisallowedOrigin: false,
	})
	s.router.Use(cors.Handler)
	s.router.Use(middleware.NewTimeoutMiddleware(30 * time.Second).Handler)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)

	s.router.Handle("/join", s.joinLimit.Handler(http.HandlerFunc(s.handleJoin))).Methods(http.MethodPost)
	s.router.HandleFunc("/leave", s.handleLeave).Methods(http.MethodPost)
	s.router.HandleFunc("/session/me", s.handleSessionMe).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/play", s.handlePlayWS).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/spectate", s.handleSpectateWS).Methods(http.MethodGet)

	op := s.router.PathPrefix("/operator").Subrouter()
	op.Use(s.operatorAuth)
	op.HandleFunc("/advance", s.handleOperatorAdvance).Methods(http.MethodPost)
	op.HandleFunc("/pause", s.handleOperatorPause).Methods(http.MethodPost)
	op.HandleFunc("/resume", s.handleOperatorResume).Methods(http.MethodPost)
	op.HandleFunc("/emergency_stop", s.handleOperatorEmergencyStop).Methods(http.MethodPost)
	op.HandleFunc("/unlock", s.handleOperatorUnlock).Methods(http.MethodPost)
	op.HandleFunc("/dashboard", s.handleOperatorDashboard).Methods(http.MethodGet)
	op.HandleFunc("/services", s.handleOperatorServices).Methods(http.MethodGet)
	op.HandleFunc("/config", s.handleOperatorGetConfig).Methods(http.MethodGet)
	op.HandleFunc("/config", s.handleOperatorPatchConfig).Methods(http.MethodPatch)
	op.HandleFunc("/kick/{entry_id}", s.handleOperatorKick).Methods(http.MethodPost)
	op.HandleFunc("/events/{entry_id}", s.handleOperatorEventHistory).Methods(http.MethodGet)
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
