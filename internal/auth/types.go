package auth

import (
	"net/http"
	"strings"

	xerrors "PayRelay/internal/errors"
)

const (
	CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"
	CodeForbidden       xerrors.Code = "FORBIDDEN"
)

// 认证子系统返回的通用错误。
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid token")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "permission denied")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:    "authentication required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodeForbidden, xerrors.Attributes{
		Message:    "permission denied",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
}

// 预定义角色。RoleAdmin 拥有全部权限。
const (
	RoleAdmin    = "admin"
	RoleRelayer  = "relayer"
	RoleOwner    = "owner"
	RoleOperator = "operator"
)

// Subject 是令牌中携带的调用方身份，ID 即 sub 声明。
// relayer 的 ID 为中继标识，owner 的 ID 为其 EVM 地址。
type Subject struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole 判断主体是否具备指定角色。
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	role = strings.ToLower(strings.TrimSpace(role))
	for _, r := range s.Roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// Authorize 要求主体至少具备 roles 中的一个，roles 为空时只要求已认证。
func (s *Subject) Authorize(roles ...string) error {
	if s == nil || strings.TrimSpace(s.ID) == "" {
		return ErrInvalidToken
	}
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if s.HasRole(role) {
			return nil
		}
	}
	return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, "caller lacks role "+strings.Join(roles, "|"))
}

// Clone 返回主体的拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	return &Subject{ID: s.ID, Roles: append([]string(nil), s.Roles...)}
}

// Mode 枚举支持的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config 配置认证服务。
type Config struct {
	Mode Mode       `yaml:"mode"`
	JWT  JWTOptions `yaml:"jwt"`
}

// JWTOptions 配置本地 HS256 令牌的签发与校验。
type JWTOptions struct {
	Secret   string   `yaml:"secret"`
	Issuer   string   `yaml:"issuer"`
	Audience []string `yaml:"audience"`
	// AccessTTL 为签发令牌的有效期（秒）。
	AccessTTL int64 `yaml:"access_ttl"`
	// Leeway 为校验过期时间时允许的时钟偏差（秒）。
	Leeway int64 `yaml:"leeway"`
}
