package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"PayRelay/internal/auth"
)

// runToken 按配置中的 JWT 密钥签发访问令牌并输出到标准输出。
//
//	payrelayd token -sub relayer-1 -roles relayer -ttl 24h
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("sub", "", "令牌主体，即调用方身份")
	roles := fs.String("roles", "", "逗号分隔的角色列表: admin,relayer,owner,operator")
	ttl := fs.Duration("ttl", 0, "有效期，0 表示使用配置的 access_ttl")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := issueToken(cfg.Auth, *subject, *roles, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func issueToken(cfg auth.Config, subject, roles string, ttl time.Duration) (string, error) {
	svc, err := auth.NewService(cfg)
	if err != nil {
		return "", err
	}
	return svc.IssueToken(&auth.Subject{ID: subject, Roles: splitRoles(roles)}, ttl)
}

func splitRoles(raw string) []string {
	var out []string
	for _, role := range strings.Split(raw, ",") {
		if role = strings.ToLower(strings.TrimSpace(role)); role != "" {
			out = append(out, role)
		}
	}
	return out
}
