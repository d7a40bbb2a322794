package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"PayRelay/internal/custody"
	"PayRelay/internal/custody/ethereum"
)

// Registry 按部署域名称管理托管实现。
type Registry struct {
	mu            sync.RWMutex
	defaultDomain string
	custodians    map[string]custody.Custodian
}

// New 使用已构造的托管实现创建注册表，主要用于测试与内存部署。
func New(defaultDomain string, custodians map[string]custody.Custodian) (*Registry, error) {
	if len(custodians) == 0 {
		return nil, errors.New("未配置任何托管域")
	}
	clone := make(map[string]custody.Custodian, len(custodians))
	for name, c := range custodians {
		clone[name] = c
	}
	if defaultDomain == "" {
		defaultDomain = firstName(clone)
	}
	if _, ok := clone[defaultDomain]; !ok {
		return nil, fmt.Errorf("默认托管域 %s 未在配置中找到", defaultDomain)
	}
	return &Registry{defaultDomain: defaultDomain, custodians: clone}, nil
}

// Load 读取部署域配置并实例化具体托管实现。
func Load(ctx context.Context, defs custody.DomainDefinitions) (*Registry, error) {
	custodians := make(map[string]custody.Custodian)
	closeAll := func() {
		for _, c := range custodians {
			c.Close()
		}
	}
	for name, def := range defs.Domains {
		domainType := strings.ToLower(strings.TrimSpace(def.Type))
		if domainType == "" {
			domainType = "evm"
		}
		switch domainType {
		case "evm":
			c, err := ethereum.NewCustodian(ctx, ethereum.Config{
				Name:           name,
				RPCURL:         def.RPCURL,
				ChainID:        def.ChainID,
				Token:          def.Token,
				TokenDecimals:  def.TokenDecimals,
				PrivateKey:     def.PrivateKey,
				GasLimit:       def.GasLimit,
				ReceiptTimeout: def.ReceiptTimeout,
				PollInterval:   def.PollInterval,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化托管域 %s 失败: %w", name, err)
			}
			custodians[name] = c
		case "memory":
			custodians[name] = custody.NewMemoryCustodian(name, def.Escrow)
		default:
			closeAll()
			return nil, fmt.Errorf("托管域 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}
	reg, err := New(defs.DefaultDomain, custodians)
	if err != nil {
		closeAll()
		return nil, err
	}
	return reg, nil
}

// Default 返回默认托管域的实现。
func (r *Registry) Default() (custody.Custodian, error) {
	return r.Resolve("")
}

// Resolve 返回指定部署域的实现，domain 为空时使用默认域。
func (r *Registry) Resolve(domain string) (custody.Custodian, error) {
	if r == nil {
		return nil, custody.ErrDomainNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if strings.TrimSpace(domain) == "" {
		domain = r.defaultDomain
	}
	c, ok := r.custodians[domain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", custody.ErrDomainNotFound, domain)
	}
	return c, nil
}

// Register 添加或替换部署域实现。
func (r *Registry) Register(domain string, c custody.Custodian) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custodians[domain] = c
}

// DefaultDomain 返回默认部署域名称。
func (r *Registry) DefaultDomain() string {
	if r == nil {
		return ""
	}
	return r.defaultDomain
}

// Domains 返回已注册的部署域名称。
func (r *Registry) Domains() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.custodians))
	for name := range r.custodians {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 释放所有托管实现持有的资源。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.custodians {
		if c != nil {
			c.Close()
		}
		delete(r.custodians, name)
	}
}

func firstName(m map[string]custody.Custodian) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}
