package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assetescrow/gateway/middleware"
	"assetescrow/native/escrow"
	"assetescrow/observability/auditlog"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine        *escrow.Engine
	Audit         *auditlog.Store
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	LogRequests   bool
	Logger        *slog.Logger
	// RequestTimeout bounds each engine call. Zero means 15 seconds.
	RequestTimeout time.Duration
}

// Server exposes the escrow engine over HTTP JSON.
type Server struct {
	engine  *escrow.Engine
	audit   *auditlog.Store
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	logger  *slog.Logger
	timeout time.Duration

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("escrow engine required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = middleware.NewRateLimiter(middleware.RateLimit{}, logger)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	srv := &Server{
		engine:  cfg.Engine,
		audit:   cfg.Audit,
		auth:    cfg.Authenticator,
		limiter: cfg.RateLimiter,
		obs:     middleware.NewObservability(middleware.ObservabilityConfig{LogRequests: cfg.LogRequests}, logger),
		cors:    cfg.CORS,
		logger:  logger,
		timeout: cfg.RequestTimeout,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)

		api.Group(func(read chi.Router) {
			read.Use(s.limiter.Middleware("read"))
			read.Get("/payments/{id}", s.handleGetPayment)
			read.Get("/payments/{id}/state", s.handlePaymentState)
			read.Get("/payments/{id}/refundable", s.handleAcceptsRefunds)
			read.Get("/accounts/{address}/balances", s.handleBalances)
			read.Get("/accounts/{address}/funding", s.handleFunding)
			read.Get("/sellers/{address}", s.handleSellerStatus)
			read.Get("/universes/{universe}", s.handleUniverse)
			read.Get("/params", s.handleParams)
			read.Get("/fees", s.handleFee)
			read.Get("/events", s.handleEvents)
		})

		api.Group(func(write chi.Router) {
			write.Use(s.limiter.Middleware("write"))
			write.Use(s.requireCaller)
			write.Use(s.idempotent)
			write.Post("/payments", s.handlePay)
			write.Post("/payments/relayed", s.handleRelayedPay)
			write.Post("/payments/{id}/finalize", s.handleFinalize)
			write.Post("/payments/{id}/refund", s.handleRefund)
			write.Post("/withdrawals", s.handleWithdraw)
			write.Post("/sellers", s.handleRegisterSeller)

			write.Route("/admin", func(admin chi.Router) {
				admin.Put("/payment-window", s.handleSetPaymentWindow)
				admin.Put("/registration-required", s.handleSetRegistrationRequired)
				admin.Put("/owner", s.handleTransferOwnership)
				admin.Put("/default-operator", s.handleSetDefault(escrow.RoleOperator))
				admin.Put("/default-fees-collector", s.handleSetDefault(escrow.RoleFeesCollector))
				admin.Put("/universes/{universe}/operator", s.handleSetUniverse(escrow.RoleOperator))
				admin.Delete("/universes/{universe}/operator", s.handleRemoveUniverse(escrow.RoleOperator))
				admin.Put("/universes/{universe}/fees-collector", s.handleSetUniverse(escrow.RoleFeesCollector))
				admin.Delete("/universes/{universe}/fees-collector", s.handleRemoveUniverse(escrow.RoleFeesCollector))
			})
		})
	})
	return r
}

// Run serves srv until ctx is cancelled. A nil srv.Handler defaults to the
// escrow router.
func (s *Server) Run(ctx context.Context, srv *http.Server) error {
	if srv.Handler == nil {
		srv.Handler = s.router
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("escrowd: http server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.audit != nil {
		if err := s.audit.Ping(r.Context()); err != nil {
			status["status"] = "degraded"
			status["auditLog"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := middleware.CallerFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, errors.New("caller identity required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) callCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func caller(r *http.Request) common.Address {
	addr, _ := middleware.CallerFromContext(r.Context())
	return addr
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("request body required")
		}
		return badRequest("invalid JSON payload: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
