package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	xerrors "basilisk-escrow/internal/errors"
	"basilisk-escrow/internal/escrow"
	"basilisk-escrow/internal/vault"
)

type errorBody struct {
	Code     xerrors.Code      `json:"code"`
	Kind     xerrors.Kind      `json:"kind"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// statusFor 将错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case escrow.CodeJobNotFound, vault.CodeAccountNotFound:
		return http.StatusNotFound
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindAuthentication:
		return http.StatusUnauthorized
	case xerrors.KindAuthorization:
		return http.StatusForbidden
	case xerrors.KindState:
		return http.StatusConflict
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindArithmetic, xerrors.KindAssetBinding:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{
		Code: xerrors.CodeOf(err),
		Kind: xerrors.KindOf(err),
	}
	if typed, ok := xerrors.From(err); ok {
		body.Message = typed.Message()
		body.Metadata = typed.Metadata()
	} else {
		body.Message = err.Error()
	}

	attrs := []any{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("code", string(body.Code)),
	}
	if status >= http.StatusInternalServerError {
		// 内部错误不向调用方暴露细节。
		body.Message = xerrors.AttributesOf(body.Code).Message
		body.Metadata = nil
		s.logger.ErrorContext(r.Context(), "请求处理失败", append(attrs, slog.Any("error", err))...)
	} else {
		s.logger.DebugContext(r.Context(), "请求被拒绝", append(attrs, slog.String("error", err.Error()))...)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func badRequest(message string, cause error) error {
	if cause == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, message)
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, cause, message)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("请求体解析失败", err)
	}
	return nil
}
