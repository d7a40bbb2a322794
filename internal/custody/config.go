package custody

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DomainDefinitions 对应 configs/domains.yaml 的结构。
type DomainDefinitions struct {
	DefaultDomain string                      `yaml:"default_domain"`
	Domains       map[string]DomainDefinition `yaml:"domains"`
}

// DomainDefinition 描述单个部署域的托管端点。
type DomainDefinition struct {
	// Type 取值 evm 或 memory，默认 evm。
	Type           string        `yaml:"type"`
	RPCURL         string        `yaml:"rpc_url"`
	ChainID        int64         `yaml:"chain_id"`
	Token          string        `yaml:"token"`
	TokenDecimals  int32         `yaml:"token_decimals"`
	PrivateKey     string        `yaml:"private_key"`
	Escrow         string        `yaml:"escrow"`
	GasLimit       uint64        `yaml:"gas_limit"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Description    string        `yaml:"description"`
}

// LoadDomainDefinitions 解析部署域配置文件，支持 ${ENV} 形式的环境变量引用。
func LoadDomainDefinitions(path string) (DomainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return DomainDefinitions{Domains: map[string]DomainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return DomainDefinitions{}, fmt.Errorf("读取托管域配置失败: %w", err)
	}
	return ParseDomainDefinitions(content)
}

// ParseDomainDefinitions 解析 YAML 内容。
func ParseDomainDefinitions(content []byte) (DomainDefinitions, error) {
	expanded := os.ExpandEnv(string(content))
	var defs DomainDefinitions
	if err := yaml.Unmarshal([]byte(expanded), &defs); err != nil {
		return DomainDefinitions{}, fmt.Errorf("解析托管域配置失败: %w", err)
	}
	if defs.Domains == nil {
		defs.Domains = map[string]DomainDefinition{}
	}
	return defs, nil
}
