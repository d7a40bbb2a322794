package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "PayRelay/internal/errors"
	"PayRelay/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

// DevCallerHeader 在关闭认证时携带调用方身份，仅用于本地开发。
const DevCallerHeader = "X-PayRelay-Caller"

// Service 负责签发与校验访问令牌。
type Service struct {
	mode   Mode
	secret []byte
	opts   JWTOptions
	now    func() time.Time
	audit  *slog.Logger
}

// claims 是访问令牌的声明结构。
type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 替换签发和校验使用的时钟。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造认证服务。
func NewService(cfg Config, opts ...ServiceOption) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, opts: cfg.JWT, now: time.Now, audit: logger.Audit()}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.JWT.Secret) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "jwt secret must be configured")
		}
		if svc.opts.AccessTTL <= 0 {
			svc.opts.AccessTTL = 3600
		}
		svc.secret = []byte(cfg.JWT.Secret)
		return svc, nil
	}
	return nil, xerrors.Newf(xerrors.CodeInitializationFailure, "unsupported auth mode: %s", cfg.Mode)
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// IssueToken 为主体签发 HS256 访问令牌。ttl 为 0 时使用配置的有效期。
func (s *Service) IssueToken(subject *Subject, ttl time.Duration) (string, error) {
	if s == nil || s.mode != ModeJWT {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "jwt mode is not enabled")
	}
	if subject == nil || strings.TrimSpace(subject.ID) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "subject id is required")
	}
	if ttl <= 0 {
		ttl = time.Duration(s.opts.AccessTTL) * time.Second
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: append([]string(nil), subject.Roles...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strings.TrimSpace(subject.ID),
			Issuer:    s.opts.Issuer,
			Audience:  jwt.ClaimStrings(s.opts.Audience),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "签发令牌失败")
	}
	s.audit.Info("访问令牌已签发",
		slog.String("subject", subject.ID),
		slog.String("roles", strings.Join(subject.Roles, ",")),
		slog.Time("expires_at", now.Add(ttl)),
	)
	return signed, nil
}

// AuthenticateRequest 校验 Authorization 头中的 Bearer 令牌并返回主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "authentication disabled")
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(raw)
}

// Verify 校验令牌签名、有效期、签发方与受众。
func (s *Service) Verify(raw string) (*Subject, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Duration(s.opts.Leeway) * time.Second),
	}
	if s.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(s.opts.Issuer))
	}
	if len(s.opts.Audience) > 0 {
		parserOpts = append(parserOpts, jwt.WithAudience(s.opts.Audience[0]))
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, xerrors.Wrap(CodeUnauthenticated, ErrInvalidToken, fmt.Sprintf("invalid token: %v", err))
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Subject{ID: parsed.Subject, Roles: parsed.Roles}, nil
}
