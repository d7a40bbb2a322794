package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestRotatingWriterCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	writer, err := newRotatingWriter(path, 0, 0, 0)
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	defer writer.Close()

	if writer.MaxSize != 100 || writer.MaxBackups != 7 || writer.MaxAge != 30 {
		t.Fatalf("unexpected defaults: %+v", writer)
	}
	if _, err := writer.Write([]byte("{\"msg\":\"ok\"}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected audit file: %v", err)
	}
}

func TestRotatingWriterRequiresPath(t *testing.T) {
	if _, err := newRotatingWriter("", 1, 1, 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(newHandler(&buf, "json", &slog.HandlerOptions{ReplaceAttr: redact}))
	l.Info("execute", slog.String("payment_id", "pay-1"), slog.String("signature", "0xdeadbeef"), slog.String("Token", "abc"))

	out := buf.String()
	if strings.Contains(out, "deadbeef") || strings.Contains(out, "abc") {
		t.Fatalf("sensitive values leaked: %s", out)
	}
	if !strings.Contains(out, "pay-1") || !strings.Contains(out, redacted) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestInitRoutesAuditToFile(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{
		OutputPaths: []string{mainPath},
		Service:     "payrelay-test",
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("relay").Info("started")
	Audit().Info("payment executed", slog.String("payment_id", "pay-2"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	mainLog, err := os.ReadFile(mainPath)
	if err != nil {
		t.Fatalf("read main log: %v", err)
	}
	auditLog, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(mainLog), `"component":"relay"`) || strings.Contains(string(mainLog), "pay-2") {
		t.Fatalf("unexpected main log: %s", mainLog)
	}
	if !strings.Contains(string(auditLog), "pay-2") || !strings.Contains(string(auditLog), `"service":"payrelay-test"`) {
		t.Fatalf("unexpected audit log: %s", auditLog)
	}

	if err := Init(Config{}); err != nil {
		t.Fatalf("reset: %v", err)
	}
}
