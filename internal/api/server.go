package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"DACTP-Chain/internal/auth"
	"DACTP-Chain/internal/lending"
	"DACTP-Chain/internal/observability/metrics"
	"DACTP-Chain/internal/registry"
	"DACTP-Chain/internal/reputation"
	"DACTP-Chain/internal/state"
	"DACTP-Chain/internal/token"
	"DACTP-Chain/pkg/logger"
)

// Services 汇集 API 暴露的组件。
type Services struct {
	Host     *state.Host
	Registry *registry.Registry
	Ledger   *reputation.Ledger
	Engine   *lending.Engine
	Token    *token.Token
}

// Server 负责暴露 REST 接口，供代理、所有者与运维方调用核心操作。
type Server struct {
	addr     string
	svc      Services
	verifier *auth.Verifier
	logger   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithVerifier 指定签名校验器。
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.verifier == nil {
		s.verifier = auth.NewVerifier()
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/health/live", s.handleLive)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Post("/agents", s.handleRegisterAgent)
		r.Get("/agents/{agent}", s.handleGetAgent)
		r.Get("/agents/{agent}/authorized", s.handleIsAuthorized)
		r.Post("/agents/{agent}/revoke", s.handleRevokeAgent)

		r.Get("/reputation/tiers", s.handleTiers)
		r.Post("/reputation/initialize", s.handleInitializeLedger)
		r.Post("/reputation/callers", s.handleApproveCaller)
		r.Delete("/reputation/callers/{caller}", s.handleRemoveCaller)
		r.Get("/reputation/{agent}", s.handleGetScore)
		r.Get("/reputation/{agent}/tier", s.handleGetTier)
		r.Post("/reputation/{agent}/delta", s.handleUpdateScore)
		r.Post("/reputation/{agent}/freeze", s.handleFreeze)

		r.Post("/lending/initialize", s.handleInitializeLending)
		r.Get("/pool", s.handlePool)
		r.Post("/loans", s.handleRequestLoan)
		r.Get("/loans/{agent}", s.handleGetLoan)
		r.Post("/loans/{agent}/repay", s.handleRepayLoan)
		r.Post("/loans/{agent}/overdue", s.handleMarkOverdue)

		r.Post("/token/initialize", s.handleInitializeToken)
		r.Post("/token/mint", s.handleMint)
		r.Post("/token/transfer", s.handleTransfer)
		r.Get("/token/supply", s.handleTotalSupply)
		r.Get("/token/{addr}", s.handleBalance)

		r.Get("/nonces/{addr}", s.handleNonce)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 以路由模板为维度记录请求指标，避免地址参数放大标签基数。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
