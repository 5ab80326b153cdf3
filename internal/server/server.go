package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"jobescrow/internal/config"
	"jobescrow/internal/hmacauth"
	"jobescrow/internal/idempotency"
	"jobescrow/internal/operation"
)

// Operations runs escrow commands to a terminal result.
type Operations interface {
	Handle(ctx context.Context, op operation.Operation) operation.Result
}

type Deps struct {
	Operations Operations
	Store      idempotency.Store
	Metrics    *Metrics
	Logger     *slog.Logger
	// RPCHealth is optional; nil reports the endpoint as not configured.
	RPCHealth func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	ops         Operations
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	limiter     *clientLimiter
	metrics     *Metrics
	logger      *slog.Logger
	router      chi.Router
	httpServer  *http.Server
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &Server{
		cfg:   cfg,
		ops:   deps.Operations,
		store: deps.Store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		limiter:     newClientLimiter(cfg.Service.RateLimitRPS, cfg.Service.RateLimitBurst),
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		rpcHealthFn: deps.RPCHealth,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.middleware)
		r.Use(s.hmac.Middleware)
		r.Post("/fund-escrow", s.handleFund)
		r.Post("/release-funds", s.handleRelease)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
