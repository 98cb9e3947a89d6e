package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/identitylabs/samlgate/internal/bridge"
)

// Server is the HTTP server hosting the SAML endpoints.
type Server struct {
	config  *Config
	handler *bridge.Handler
	router  chi.Router
}

// NewServer creates a new server instance
func NewServer(cfg *Config, handler *bridge.Handler) *Server {
	s := &Server{
		config:  cfg,
		handler: handler,
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestLogger)
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The login and ACS endpoints are browser-facing and burst-prone on an
	// IdP outage; rate limit by IP.
	rateLimiter := NewRateLimiter(100, time.Minute)
	r.Use(rateLimiter.Limit)

	// Health check
	r.Get("/health", s.handleHealth)

	// SAML endpoints
	s.handler.RegisterRoutes(r)

	s.router = r
}

// Health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: "1.0.0",
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helper functions
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
