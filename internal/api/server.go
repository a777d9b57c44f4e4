package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/auth"
	"github.com/lorawan-server/loraedge-tracker/internal/config"
	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/internal/pipeline"
	"github.com/lorawan-server/loraedge-tracker/internal/router"
	"github.com/lorawan-server/loraedge-tracker/internal/solver"
	"github.com/lorawan-server/loraedge-tracker/internal/storage"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
)

// Pipeline is the processing surface the API exposes
type Pipeline interface {
	HandleUplink(ctx context.Context, ev *models.UplinkEvent) (*pipeline.Result, error)
	HandleSolverResponse(ctx context.Context, key models.SessionKey, resp *solver.Response) (*router.Outcome, error)
	Session(ctx context.Context, key models.SessionKey) (*models.DeviceSession, error)
}

type claimsKey struct{}

// RESTServer represents the REST API server
type RESTServer struct {
	config   *config.Config
	pipeline Pipeline
	evidence storage.EvidenceStore
	auth     *auth.JWTManager
	router   chi.Router
	server   *http.Server
	started  time.Time
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, p Pipeline, evidence storage.EvidenceStore) *RESTServer {
	s := &RESTServer{
		config:   cfg,
		pipeline: p,
		evidence: evidence,
		auth:     auth.NewJWTManager(&cfg.JWT),
		router:   chi.NewRouter(),
		started:  time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	origins := s.config.API.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root HTTP handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs each request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// authMiddleware is the operator authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// webhookMiddleware checks the shared ingress token when one is configured
func (s *RESTServer) webhookMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.config.Webhook.TokenHash
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Webhook-Token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" || !crypto.VerifyToken(token, hash) {
			s.respondError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
