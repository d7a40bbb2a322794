package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"PayRelay/internal/api"
	"PayRelay/internal/auth"
	"PayRelay/internal/config"
	"PayRelay/internal/custody"
	"PayRelay/internal/custody/provider"
	"PayRelay/internal/events"
	"PayRelay/internal/grant"
	"PayRelay/internal/group"
	"PayRelay/internal/observability/alerting"
	"PayRelay/internal/observability/metrics"
	"PayRelay/internal/queue"
	"PayRelay/internal/relay"
	"PayRelay/internal/signature"
	"PayRelay/internal/split"
	"PayRelay/internal/storage/sqldb"
	"PayRelay/pkg/logger"

	"github.com/joho/godotenv"
)

// main 是 PayRelay 守护进程的入口。
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			log.Fatalf("签发令牌失败: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("payrelayd 运行失败: %v", err)
	}
}

func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("PAYRELAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "payrelay.yaml")
	}
	return config.Load(configPath)
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AddSource:   cfg.Logging.AddSource,
		Service:     "payrelayd",
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	l := logger.Named("payrelayd")

	authSvc, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		l.Warn("鉴权已关闭，调用方身份取自请求头", "header", auth.DevCallerHeader)
	}

	stores, err := openStores(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer stores.Close()

	domains, err := loadDomains(ctx, cfg.Custody.DomainsFile)
	if err != nil {
		return err
	}
	defer domains.Close()
	custodian, err := domains.Default()
	if err != nil {
		return err
	}
	l.Info("托管域已加载", "default", domains.DefaultDomain(), "domains", domains.Domains())

	eventQueue, err := openQueue(ctx, cfg.Queue, cfg.Queue.EventsQueue)
	if err != nil {
		return err
	}
	defer closeQueue(eventQueue, cfg.Queue.EventsQueue)
	recoveryQueue, err := openQueue(ctx, cfg.Queue, cfg.Queue.RecoveryQueue)
	if err != nil {
		return err
	}
	defer closeQueue(recoveryQueue, cfg.Queue.RecoveryQueue)

	alerts := buildAlerts(cfg.Alerting)
	publisher := events.NewPublisher(eventQueue)

	registry := grant.NewRegistry(stores.grants)
	splits := split.NewService(stores.splits,
		split.WithCustodian(custodian),
		split.WithAlerts(alerts),
	)
	executor, err := relay.NewExecutor(
		relay.Config{
			Relayer:     cfg.Relay.Relayer,
			DomainTag:   cfg.Relay.DomainTag,
			MaxAttempts: cfg.Relay.MaxAttempts,
		},
		registry,
		signature.NewVerifier(),
		custodian,
		stores.payments,
		relay.WithSplits(splits),
		relay.WithEvents(publisher),
		relay.WithAlerts(alerts),
	)
	if err != nil {
		return err
	}

	coordinator := group.NewCoordinator(stores.groups, group.NewCustodyLegExecutor(domains),
		group.WithRecoveryQueue(recoveryQueue),
		group.WithEvents(publisher),
		group.WithAlerts(alerts),
		group.WithClaimTimeout(time.Duration(cfg.Groups.StaleAfterSeconds)*time.Second),
	)
	worker := group.NewWorker(coordinator, stores.groups, recoveryQueue,
		group.WithWorkerCount(cfg.Queue.Worker),
		group.WithSweep(
			time.Duration(cfg.Groups.SweepIntervalSeconds)*time.Second,
			time.Duration(cfg.Groups.StaleAfterSeconds)*time.Second,
		),
		group.WithRetryDelay(time.Duration(cfg.Groups.RetryDelaySeconds)*time.Second),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go func() {
		if err := worker.Start(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
			l.Error("结算组恢复任务异常退出", "error", err)
		}
	}()

	// 内存队列没有外部订阅方，事件在进程内消费并写入日志。
	if cfg.Queue.Driver == "memory" {
		go func() {
			if err := events.Subscribe(bgCtx, eventQueue, 1, events.LogHandler(nil)); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("事件消费异常退出", "error", err)
			}
		}()
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(bgCtx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				l.Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Executor: executor,
		Grants:   registry,
		Splits:   splits,
		Groups:   coordinator,
		Auth:     authSvc,
	})
	l.Info("PayRelay 启动", "address", cfg.Server.Address, "relayer", cfg.Relay.Relayer, "domain_tag", cfg.Relay.DomainTag)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type storeSet struct {
	grants   grant.Store
	payments relay.Store
	splits   split.Store
	groups   group.Store
	db       *sqldb.DB
}

func (s *storeSet) Close() {
	if s != nil && s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.L().Warn("关闭数据库失败", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*storeSet, error) {
	switch cfg.Driver {
	case "", "memory":
		return &storeSet{
			grants:   grant.NewMemoryStore(),
			payments: relay.NewMemoryStore(),
			splits:   split.NewMemoryStore(),
			groups:   group.NewMemoryStore(),
		}, nil
	case "sqlite", "mysql":
		if cfg.Driver == "sqlite" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
		db, err := sqldb.Open(ctx, sqldb.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
		})
		if err != nil {
			return nil, err
		}
		return &storeSet{
			grants:   grant.NewSQLStore(db),
			payments: relay.NewSQLStore(db),
			splits:   split.NewSQLStore(db),
			groups:   group.NewSQLStore(db),
			db:       db,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

// loadDomains 读取托管域配置；文件不存在时退回单个内存托管域。
func loadDomains(ctx context.Context, path string) (*provider.Registry, error) {
	defs, err := custody.LoadDomainDefinitions(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if len(defs.Domains) == 0 {
		logger.L().Warn("未配置托管域，使用内存托管", "path", path)
		return provider.New("local", map[string]custody.Custodian{
			"local": custody.NewMemoryCustodian("local", ""),
		})
	}
	return provider.Load(ctx, defs)
}

func openQueue(ctx context.Context, cfg config.QueueConfig, name string) (queue.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return queue.NewMemoryQueue(name, 1024), nil
	case "redis":
		return queue.NewRedisQueue(ctx, queue.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     name,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      name,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
			Confirm:    cfg.RabbitMQ.Confirm,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func closeQueue(q queue.Queue, name string) {
	if q == nil {
		return
	}
	if err := q.Close(); err != nil {
		logger.L().Warn("关闭队列失败", "queue", name, "error", err)
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: &alerting.WebhookSender{URL: cfg.DingTalkWebhook},
		})
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    &alerting.SlackWebhook{WebhookSender: alerting.WebhookSender{URL: cfg.SlackWebhook}},
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
