package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	xerrors "PayRelay/internal/errors"
	"PayRelay/pkg/logger"
)

// Authenticate 返回认证中间件：校验令牌并把主体写入请求上下文。
// 关闭认证时从 DevCallerHeader 读取调用方身份，并授予全部角色。
func (s *Service) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s == nil || s.mode == ModeDisabled {
			subject := &Subject{ID: strings.TrimSpace(r.Header.Get(DevCallerHeader)), Roles: []string{RoleAdmin}}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
			return
		}
		subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.auditLog().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.String("error", err.Error()),
			)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}

// RequireRoles 返回授权中间件，要求主体至少具备其中一个角色。
func (s *Service) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := SubjectFromContext(r.Context())
			if s.Mode() == ModeDisabled && subject != nil {
				next.ServeHTTP(w, r)
				return
			}
			if err := subject.Authorize(roles...); err != nil {
				id := ""
				if subject != nil {
					id = subject.ID
				}
				s.auditLog().Warn("permission_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("subject", id),
					slog.String("error", err.Error()),
				)
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) auditLog() *slog.Logger {
	if s == nil || s.audit == nil {
		return logger.Audit()
	}
	return s.audit
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(xerrors.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": xerrors.MessageOf(err),
		},
	})
}
