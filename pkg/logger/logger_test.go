package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditRecords(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	appPath := filepath.Join(dir, "app.log")

	if err := Init(Config{
		Service:     "dactpd-test",
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{appPath},
		Rotation:    Rotation{MaxSizeMB: 1},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("registry").Debug("agent registered", "agent", "0xabc")
	Audit().Info("operation_committed", "operation", "register_agent")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	for _, want := range []string{`"component":"registry"`, `"service":"dactpd-test"`} {
		if !strings.Contains(string(app), want) {
			t.Fatalf("expected %s in %s", want, app)
		}
	}
	if strings.Contains(string(app), "operation_committed") {
		t.Fatalf("audit record leaked into the application log: %s", app)
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), "operation_committed") || !strings.Contains(string(audit), `"stream":"audit"`) {
		t.Fatalf("expected audit record in %s", audit)
	}
}

func TestInitReplacesPreviousLoggers(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	if err := Init(Config{OutputPaths: []string{first}}); err != nil {
		t.Fatalf("first init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })
	if err := Init(Config{OutputPaths: []string{second}}); err != nil {
		t.Fatalf("second init: %v", err)
	}
	L().Info("after reinit")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(second)
	if err != nil || !strings.Contains(string(content), "after reinit") {
		t.Fatalf("second output missing record: %s %v", content, err)
	}
	if content, _ := os.ReadFile(first); strings.Contains(string(content), "after reinit") {
		t.Fatalf("record written to replaced output")
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	if err := Init(Config{Level: "verbose"}); err == nil {
		t.Fatalf("unknown level must fail")
	}
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("enabled audit without path must fail")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info+2":  slog.LevelInfo + 2,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		if err != nil || got != want {
			t.Fatalf("parseLevel(%q)=%v,%v want %v", in, got, err, want)
		}
	}
}
