package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/able/internal/api/handler"
	"github.com/xela07ax/able/internal/engine"
	"github.com/xela07ax/able/internal/infra/auth"
)

// Deps собирает все, что нужно API. Revoker может быть nil: тогда роуты издателей не монтируются.
type Deps struct {
	Authority handler.AuthorityService
	Gate      handler.Gate
	Traces    handler.TraceReader
	Revoker   handler.IssuerRevoker
	Validator auth.TokenValidator
	Health    func() error // nil: всегда здоров
}

type APIServer struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps

	authorityHandler *handler.AuthorityHandler // /v1/authority
	executeHandler   *handler.ExecuteHandler   // /v1/execute
	traceHandler     *handler.TraceHandler     // /v1/traces
	issuerHandler    *handler.IssuerHandler    // /v1/issuers
}

func NewAPIServer(deps Deps, logger *zap.Logger) *APIServer {
	s := &APIServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("api"),
		deps:             deps,
		authorityHandler: handler.NewAuthorityHandler(deps.Authority, logger),
		executeHandler:   handler.NewExecuteHandler(deps.Gate),
		traceHandler:     handler.NewTraceHandler(deps.Traces),
	}
	if deps.Revoker != nil {
		s.issuerHandler = handler.NewIssuerHandler(deps.Revoker)
	}

	s.routes()
	return s
}

func (s *APIServer) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(engine.CorrelationMiddleware)

	// --- 2. Публичные роуты ---
	r.Get("/health", s.health)

	// --- 3. Защищенный периметр (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.deps.Validator, s.logger))

		r.Route("/v1/authority", func(r chi.Router) {
			r.With(auth.RequireScope(auth.ScopeIssue)).Post("/", s.authorityHandler.Issue)
			r.With(auth.RequireScope(auth.ScopeAudit)).Get("/{id}", s.authorityHandler.Get)
		})

		r.With(auth.RequireScope(auth.ScopeExecute)).Post("/v1/execute", s.executeHandler.Execute)
		r.With(auth.RequireScope(auth.ScopeAudit)).Get("/v1/traces", s.traceHandler.List)

		// Отзыв издателей (аналог kill-switch)
		if s.issuerHandler != nil {
			r.Route("/v1/issuers/{id}", func(r chi.Router) {
				r.Use(auth.RequireScope(auth.ScopeAdmin))
				r.Get("/", s.issuerHandler.Get)
				r.Post("/revoke", s.issuerHandler.Revoke)
				r.Post("/restore", s.issuerHandler.Restore)
			})
		}
	})
}

func (s *APIServer) health(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// requestLogger пишет access-лог через zap вместо stdlog из middleware.Logger.
func (s *APIServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// ServeHTTP позволяет использовать APIServer как стандартный http.Handler
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
