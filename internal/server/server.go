package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/proofroom/proofroom/internal/auth"
	"github.com/proofroom/proofroom/internal/content"
	"github.com/proofroom/proofroom/internal/ratelimit"
	"github.com/proofroom/proofroom/internal/security"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Pinger         Pinger
	CachePinger    Pinger
	Content        *content.Handler
	SecurityEvents *security.Log
	Limiter        *ratelimit.Limiter
	ShareRule      ratelimit.Rule
	Metrics        http.Handler
	JWTSecret      string
	BaseURL        string
}

// DefaultShareRule bounds the share API per client IP, on top of the
// per-endpoint limits inside the content handler.
var DefaultShareRule = ratelimit.Rule{
	Window:      time.Minute,
	MaxRequests: 120,
	Message:     "too many share requests, slow down",
}

type Server struct {
	router      chi.Router
	pinger      Pinger
	cachePinger Pinger
	authHandler *auth.Handler
	content     *content.Handler
	events      *security.Log
	limiter     *ratelimit.Limiter
	shareRule   ratelimit.Rule
	metrics     http.Handler
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(slogMiddleware)
	r.Use(securityHeaders(SecurityConfig{BaseURL: cfg.BaseURL}))

	shareRule := cfg.ShareRule
	if shareRule.MaxRequests == 0 {
		shareRule = DefaultShareRule
	}

	s := &Server{
		router:      r,
		pinger:      cfg.Pinger,
		cachePinger: cfg.CachePinger,
		content:     cfg.Content,
		events:      cfg.SecurityEvents,
		limiter:     cfg.Limiter,
		shareRule:   shareRule,
		metrics:     cfg.Metrics,
	}

	if cfg.Content != nil || cfg.SecurityEvents != nil {
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET is required; set the environment variable")
		}
		s.authHandler = auth.NewHandler(cfg.JWTSecret)
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics)
	}

	if s.content != nil {
		s.router.Group(func(r chi.Router) {
			r.Use(s.authHandler.OptionalUser)

			r.Get("/content/{token}", s.content.Content)
			r.Head("/content/{token}", s.content.Content)
			r.Get("/content/archive/{token}", s.content.Archive)
			r.Head("/content/archive/{token}", s.content.Archive)

			r.Route("/api/share/{projectId}", func(r chi.Router) {
				r.Use(s.limiter.Middleware(s.shareRule, "share_api"))
				r.Post("/session", s.content.StartSession)
				r.Post("/password", s.content.VerifyPassword)
				r.Post("/videos/{videoId}/access", s.content.GrantVideo)
				r.Post("/archive", s.content.GrantArchive)
			})
		})
	}

	if s.events != nil {
		s.router.Route("/api/admin", func(r chi.Router) {
			r.Use(s.authHandler.Middleware)
			r.Get("/security-events", s.events.List)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	if s.cachePinger != nil {
		if err := s.cachePinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"cache unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
