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

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the node's loggers are built.
type Config struct {
	// Service is attached to every record as the "service" attribute.
	Service     string
	Level       string
	Format      string
	OutputPaths []string
	Rotation    Rotation
	Audit       AuditConfig
}

// Rotation bounds the size and age of every file-backed log stream.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig routes committed operations and alerts to a dedicated stream.
type AuditConfig struct {
	Enabled bool
	Path    string
}

type loggers struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	mu      sync.RWMutex
	current *loggers
)

// Init builds the application and audit loggers and installs them globally.
// Calling Init again replaces the previous loggers and closes their files.
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

func build(cfg Config) (*loggers, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	rotation := cfg.Rotation.withDefaults()
	out := &loggers{}

	writer, err := out.openOutputs(cfg.OutputPaths, rotation)
	if err != nil {
		_ = closeAll(out.closers)
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}
	out.app = slog.New(newHandler(cfg.Format, writer, opts))
	if cfg.Service != "" {
		out.app = out.app.With("service", cfg.Service)
	}

	out.audit = out.app.With("stream", "audit")
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			_ = closeAll(out.closers)
			return nil, errors.New("audit log path cannot be empty when enabled")
		}
		file, err := out.rotating(cfg.Audit.Path, rotation)
		if err != nil {
			_ = closeAll(out.closers)
			return nil, err
		}
		// 审计流始终为 JSON，且不受应用日志级别影响。
		out.audit = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelInfo})).With("stream", "audit")
		if cfg.Service != "" {
			out.audit = out.audit.With("service", cfg.Service)
		}
	}
	return out, nil
}

func (l *loggers) openOutputs(paths []string, rotation Rotation) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(strings.TrimSpace(path)) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			file, err := l.rotating(path, rotation)
			if err != nil {
				return nil, err
			}
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

// rotating 打开一个按大小轮转的日志文件。
func (l *loggers) rotating(path string, rotation Rotation) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", path, err)
	}
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}
	l.closers = append(l.closers, file)
	return file, nil
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel accepts slog level names plus the "warning" alias; empty means info.
func parseLevel(raw string) (slog.Level, error) {
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

func installed() *loggers {
	mu.RLock()
	l := current
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// L returns the application logger, initialising a stdout JSON logger on first use.
func L() *slog.Logger {
	return installed().app
}

// Audit returns the audit stream.
func Audit() *slog.Logger {
	return installed().audit
}

// Sync closes every file-backed stream. Loggers keep working afterwards;
// lumberjack reopens its file on the next write.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return nil
	}
	return closeAll(current.closers)
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
