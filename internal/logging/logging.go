package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"treeeval/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text". Logs go to w so stdout stays free for the
// progress lines.
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging on stderr with optional daily log files.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("treeeval-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "treeeval-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	var logger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		logger = New(io.MultiWriter(writers...), cfg.Logging.Level, "json")
	} else {
		logger = slog.New(&TraditionalHandler{
			logger: log.New(io.MultiWriter(writers...), "", log.LstdFlags),
			level:  level,
		})
	}

	slog.SetDefault(logger)

	logger.Debug("treeeval logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// [LEVEL] message
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogRunStart logs the beginning of an evaluation run
func LogRunStart(logger *slog.Logger, runID, root, report string, platforms string) {
	logger.Info("evaluation started",
		"run", runID,
		"root", root,
		"report", report,
		"platforms", platforms,
	)
}

// LogRunComplete logs a finished run with its counters
func LogRunComplete(logger *slog.Logger, runID string, duration time.Duration, written, skipped, malformed int) {
	logger.Info("evaluation completed",
		"run", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"written", written,
		"skipped", skipped,
		"malformed", malformed,
	)
}

// LogRunError logs a run stopped by a fatal condition
func LogRunError(logger *slog.Logger, runID string, duration time.Duration, err error) {
	logger.Error("evaluation failed",
		"run", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogPairingSkipped logs a plot/capture pairing that produced no row
func LogPairingSkipped(logger *slog.Logger, plot, capture, reason string) {
	logger.Debug("pairing skipped",
		"plot", plot,
		"capture", capture,
		"reason", reason,
	)
}

// LogPairingWritten logs an appended report row
func LogPairingWritten(logger *slog.Logger, count int, capture, platform string, duration time.Duration) {
	logger.Debug("pairing written",
		"count", count,
		"capture", capture,
		"platform", platform,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}

// LogPairingStart logs an importer invocation for one capture
func LogPairingStart(logger *slog.Logger, plot, capture, platform string) {
	logger.Debug("pairing started",
		"plot", plot,
		"capture", capture,
		"platform", platform,
	)
}
