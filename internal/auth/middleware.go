package auth

import (
	"log/slog"
	"net/http"
	"time"

	xerrors "basilisk-escrow/internal/errors"
	loggerpkg "basilisk-escrow/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// OnError 负责输出认证失败的响应，为空时写出纯文本状态。
	OnError func(w http.ResponseWriter, r *http.Request, err error)
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，认证通过后将调用方地址写入请求上下文。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		audit := loggerpkg.Audit()
		if s != nil && s.audit != nil {
			audit = s.audit
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := s.AuthenticateRequest(r.Context(), r)
			if err != nil {
				audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"code", string(xerrors.CodeOf(err)),
					"error", err.Error(),
				)
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
					return
				}
				status := http.StatusUnauthorized
				if xerrors.KindOf(err) != xerrors.KindAuthentication {
					status = http.StatusBadRequest
				}
				http.Error(w, http.StatusText(status), status)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := loggerpkg.WithContext(WithActor(r.Context(), actor), slog.String("actor", actor.Hex()))
			next.ServeHTTP(aw, r.WithContext(ctx))
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return
			}
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"actor", actor.Hex(),
			)
		})
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
