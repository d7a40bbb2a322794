package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config 描述进程日志的级别、格式与输出位置。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	// Service 非空时附加到每条记录。
	Service string
	Audit   AuditConfig
}

// AuditConfig 控制审计日志。关闭时审计记录写入主日志并带 audit=true 标记。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// 日志里出现这些键时只输出占位符，签名与密钥材料不落盘。
var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"private_key":   {},
	"secret":        {},
	"signature":     {},
	"token":         {},
}

const redacted = "[REDACTED]"

type state struct {
	main    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *state
)

// Init 按配置构建全局日志器。重复调用会替换并关闭上一次打开的输出。
func Init(cfg Config) error {
	next, err := build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	prev := current
	current = next
	mu.Unlock()
	if prev != nil {
		return closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (*state, error) {
	st := &state{}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redact,
	}

	writer, closers, err := openSinks(cfg.OutputPaths)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, closers...)
	st.main = slog.New(newHandler(writer, cfg.Format, opts))
	if cfg.Service != "" {
		st.main = st.main.With(slog.String("service", cfg.Service))
	}

	if !cfg.Audit.Enabled {
		st.audit = st.main.With(slog.Bool("audit", true))
		return st, nil
	}
	if cfg.Audit.Path == "" {
		_ = closeAll(st.closers)
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	rotating, err := newRotatingWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
	if err != nil {
		_ = closeAll(st.closers)
		return nil, err
	}
	st.closers = append(st.closers, rotating)
	st.audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redact,
	}))
	if cfg.Service != "" {
		st.audit = st.audit.With(slog.String("service", cfg.Service))
	}
	return st, nil
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// openSinks 解析输出列表，stdout/stderr 为保留名，其余视为追加写入的文件。
func openSinks(paths []string) (io.Writer, []io.Closer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil, nil
	}
	var (
		writers []io.Writer
		closers []io.Closer
	)
	for _, raw := range paths {
		path := strings.TrimSpace(raw)
		switch strings.ToLower(path) {
		case "", "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				_ = closeAll(closers)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				_ = closeAll(closers)
				return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			writers = append(writers, file)
			closers = append(closers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], closers, nil
	}
	return io.MultiWriter(writers...), closers, nil
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

func loaded() *state {
	mu.RLock()
	st := current
	mu.RUnlock()
	if st != nil {
		return st
	}
	// 未初始化时退回默认的 stdout JSON 输出。
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		st, _ := build(Config{})
		current = st
	}
	return current
}

// L 返回主日志器。
func L() *slog.Logger {
	return loaded().main
}

// Audit 返回审计日志器，用于记录授权、执行与结算等业务结果。
func Audit() *slog.Logger {
	return loaded().audit
}

// Named 返回带 component 属性的子日志器。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync 关闭所有文件输出，应在进程退出前调用。
func Sync() error {
	mu.Lock()
	st := current
	var closers []io.Closer
	if st != nil {
		closers = st.closers
		st.closers = nil
	}
	mu.Unlock()
	return closeAll(closers)
}

// Discard 返回丢弃全部记录的日志器。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
