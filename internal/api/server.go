package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"basilisk-escrow/internal/auth"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/events"
	"basilisk-escrow/internal/vault"
	"basilisk-escrow/internal/web3"
	"basilisk-escrow/pkg/logger"
)

// HTTPObserver 接收每个请求的指标。
type HTTPObserver interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// ChainReporter 报告区块时钟状态。
type ChainReporter interface {
	Snapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// Pinger 检查存储是否可用。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server 负责暴露 REST 接口，供外部驱动托管状态机。
type Server struct {
	machine *escrow.Machine
	ledger  vault.Store
	auth    *auth.Service
	codec   *events.LogCodec
	metrics HTTPObserver
	chain   ChainReporter
	storage Pinger
	logger  *slog.Logger

	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option 配置 Server。
type Option func(*Server)

// WithAddress 设置监听地址与超时。
func WithAddress(addr string, read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		s.addr = addr
		s.readTimeout = read
		s.writeTimeout = write
		s.shutdownTimeout = shutdown
	}
}

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m HTTPObserver) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogCodec 启用 format=evm 的事件输出。
func WithLogCodec(codec *events.LogCodec) Option {
	return func(s *Server) { s.codec = codec }
}

// WithChain 在健康检查中报告区块时钟。
func WithChain(chain ChainReporter) Option {
	return func(s *Server) { s.chain = chain }
}

// WithStoragePing 在健康检查中探测存储。
func WithStoragePing(p Pinger) Option {
	return func(s *Server) { s.storage = p }
}

// NewServer 构造 API 服务实例。authSvc 为 nil 时信任 X-Escrow-Actor 请求头。
func NewServer(machine *escrow.Machine, ledger vault.Store, authSvc *auth.Service, opts ...Option) *Server {
	s := &Server{
		machine:         machine,
		ledger:          ledger,
		auth:            authSvc,
		logger:          logger.Named("api"),
		addr:            ":8080",
		readTimeout:     15 * time.Second,
		writeTimeout:    15 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware(auth.MiddlewareConfig{OnError: s.writeError}))

		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handleInitialize)
		r.Patch("/config", s.handleUpdateConfig)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/stats", s.handleStats)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Use(s.withJobID)
			r.Get("/", s.handleGetJob)
			r.Post("/accept", s.handleAccept)
			r.Post("/submit", s.handleSubmit)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
			r.Post("/cancel", s.handleCancel)
			r.Post("/resolve", s.handleResolve)
		})

		r.Get("/events", s.handleEvents)
		r.Get("/balances/{owner}/{asset}", s.handleBalance)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录请求指标，handler 标签使用路由模板以避免高基数。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logger.WithContext(r.Context(), slog.String("request_id", id)))
		}
		next.ServeHTTP(ww, r)
		if s.metrics == nil {
			return
		}
		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if s.storage != nil {
		if err := s.storage.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.chain != nil {
		snap, err := s.chain.Snapshot(ctx)
		if err != nil {
			body["status"] = "degraded"
			body["chain"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["chain"] = snap
		}
	}
	writeJSON(w, status, body)
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
