package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PayRelay/internal/auth"

	"gopkg.in/yaml.v3"
)

// Config 描述了 PayRelay 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Custody  CustodyConfig  `yaml:"custody"`
	Groups   GroupsConfig   `yaml:"groups"`
	Auth     auth.Config    `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metrics_address"`
}

// RelayConfig 描述执行器的固定参数。
type RelayConfig struct {
	// Relayer 为唯一被允许提交执行请求的中继方标识，对应令牌的 sub 声明。
	Relayer     string `yaml:"relayer"`
	DomainTag   string `yaml:"domain_tag"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// StorageConfig 描述持久化后端。Driver 取值 memory、sqlite 或 mysql。
type StorageConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `yaml:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最大存活时间。
func (s StorageConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接最大空闲时间。
func (s StorageConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(s.ConnMaxIdleTimeSeconds) * time.Second
}

// QueueConfig 描述事件队列与结算组恢复队列。Driver 取值 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver        string         `yaml:"driver"`
	Worker        int            `yaml:"worker"`
	EventsQueue   string         `yaml:"events_queue"`
	RecoveryQueue string         `yaml:"recovery_queue"`
	Redis         RedisConfig    `yaml:"redis"`
	RabbitMQ      RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// BlockWait 为 BRPOP 的阻塞秒数。
	BlockWait int `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Confirm    bool   `yaml:"confirm"`
}

// CustodyConfig 指向部署域定义文件。
type CustodyConfig struct {
	DomainsFile string `yaml:"domains_file"`
}

// GroupsConfig 控制结算组恢复任务。SweepIntervalSeconds 为负数时关闭定期扫描。
type GroupsConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	StaleAfterSeconds    int `yaml:"stale_after_seconds"`
	RetryDelaySeconds    int `yaml:"retry_delay_seconds"`
}

// LoggingConfig 描述日志输出。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	AddSource   bool        `yaml:"add_source"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 描述审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AlertingConfig 描述告警渠道，未配置的渠道不启用。
type AlertingConfig struct {
	DingTalkWebhook string `yaml:"dingtalk_webhook"`
	SlackWebhook    string `yaml:"slack_webhook"`
	SlackChannel    string `yaml:"slack_channel"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析配置内容，展开环境变量但不设置默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Relay.MaxAttempts <= 0 {
		c.Relay.MaxAttempts = 3
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(baseDir, "data", "payrelay.db")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 1
	}
	if c.Queue.EventsQueue == "" {
		c.Queue.EventsQueue = "payrelay.events"
	}
	if c.Queue.RecoveryQueue == "" {
		c.Queue.RecoveryQueue = "payrelay.group_recovery"
	}
	if c.Queue.Redis.BlockWait <= 0 {
		c.Queue.Redis.BlockWait = 5
	}

	if c.Custody.DomainsFile == "" {
		c.Custody.DomainsFile = filepath.Join(baseDir, "domains.yaml")
	} else if !filepath.IsAbs(c.Custody.DomainsFile) {
		c.Custody.DomainsFile = filepath.Join(baseDir, c.Custody.DomainsFile)
	}

	if c.Groups.SweepIntervalSeconds < 0 {
		c.Groups.SweepIntervalSeconds = 0
	} else if c.Groups.SweepIntervalSeconds == 0 {
		c.Groups.SweepIntervalSeconds = 60
	}
	if c.Groups.StaleAfterSeconds <= 0 {
		c.Groups.StaleAfterSeconds = 300
	}
	if c.Groups.RetryDelaySeconds <= 0 {
		c.Groups.RetryDelaySeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
}
