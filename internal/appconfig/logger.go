package appconfig

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger builds the process-wide structured logger from cfg and installs
// it as slog's default.
func InitLogger(cfg *LoggingConfig) (*slog.Logger, error) {
	level := parseLogLevel(cfg.Level)

	if cfg.File == "" {
		cfg.File = filepath.Join(DataDir(), "kestrel.log")
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	var writer io.Writer
	if cfg.File != "" {
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	} else {
		writer = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	default:
		isConsole := cfg.File == ""
		if cfg.Color && isConsole {
			handler = NewColoredTextHandler(writer, opts)
		} else {
			handler = slog.NewTextHandler(writer, opts)
		}
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// ColoredTextHandler wraps slog.TextHandler, adding ANSI color by level when
// writing to an attached terminal.
type ColoredTextHandler struct {
	handler slog.Handler
	writer  io.Writer
	opts    *slog.HandlerOptions
}

// NewColoredTextHandler builds a ColoredTextHandler over w.
func NewColoredTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColoredTextHandler {
	return &ColoredTextHandler{
		handler: slog.NewTextHandler(w, opts),
		writer:  w,
		opts:    opts,
	}
}

// Handle renders the record through a plain text handler, then colors the
// level prefix before writing.
func (h *ColoredTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf strings.Builder
	if err := slog.NewTextHandler(&buf, h.opts).Handle(ctx, r); err != nil {
		return err
	}
	_, err := h.writer.Write([]byte(h.addColor(buf.String(), r.Level.String())))
	return err
}

func (h *ColoredTextHandler) addColor(line, level string) string {
	var colorFunc func(string) string
	switch level {
	case "DEBUG":
		colorFunc = func(s string) string { return "\033[90m" + s + "\033[0m" }
	case "INFO":
		colorFunc = func(s string) string { return "\033[32m" + s + "\033[0m" }
	case "WARN":
		colorFunc = func(s string) string { return "\033[33m" + s + "\033[0m" }
	case "ERROR":
		colorFunc = func(s string) string { return "\033[31m" + s + "\033[0m" }
	default:
		return line
	}
	parts := strings.SplitN(line, " ", 2)
	if len(parts) >= 2 {
		return colorFunc(parts[0]) + " " + parts[1]
	}
	return colorFunc(line)
}

// WithAttrs implements slog.Handler.
func (h *ColoredTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColoredTextHandler{handler: h.handler.WithAttrs(attrs), writer: h.writer, opts: h.opts}
}

// WithGroup implements slog.Handler.
func (h *ColoredTextHandler) WithGroup(name string) slog.Handler {
	return &ColoredTextHandler{handler: h.handler.WithGroup(name), writer: h.writer, opts: h.opts}
}

// Enabled implements slog.Handler.
func (h *ColoredTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
