// Package logger provides the structured logger used throughout the union
// filesystem: a thin wrapper over log/slog with a TRACE level below DEBUG
// and a switchable JSON or text handler.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// levelTrace sits one step below slog.LevelDebug, giving us a fifth
// severity (TRACE, DEBUG, INFO, WARNING, ERROR) without forking slog.
const levelTrace = slog.LevelDebug - 4

var severityNames = map[slog.Leveler]string{
	levelTrace:       "TRACE",
	slog.LevelDebug:  "DEBUG",
	slog.LevelInfo:   "INFO",
	slog.LevelWarn:   "WARNING",
	slog.LevelError:  "ERROR",
}

type loggerFactory struct {
	prefix string
}

var defaultLoggerFactory = &loggerFactory{}

var defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, new(slog.LevelVar), ""))

// Format controls the handler kind chosen by Init.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config describes how to initialize the package-level logger, mirroring
// cfg.LoggingConfig's fields.
type Config struct {
	Format   Format
	Severity string
	FilePath string
}

// Init (re)configures the package-level logger: a single mutable
// defaultLogger swapped under a level var, so that severity can be
// changed at runtime (e.g. via a SIGHUP or a config-reload RPC) without
// restarting the process.
func Init(cfg Config) error {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w = f
	}

	level := new(slog.LevelVar)
	setLoggingLevel(cfg.Severity, level)

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = defaultLoggerFactory.createJsonHandler(w, level)
	} else {
		handler = defaultLoggerFactory.createTextHandler(w, level)
	}

	defaultLogger = slog.New(handler)
	return nil
}

func setLoggingLevel(severity string, level *slog.LevelVar) {
	switch severity {
	case "TRACE":
		level.Set(levelTrace)
	case "DEBUG":
		level.Set(slog.LevelDebug)
	case "WARNING":
		level.Set(slog.LevelWarn)
	case "ERROR":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return f.createTextHandlerWithPrefix(w, level, prefix)
}

func (f *loggerFactory) createTextHandler(w io.Writer, level *slog.LevelVar) slog.Handler {
	return f.createTextHandlerWithPrefix(w, level, f.prefix)
}

func (f *loggerFactory) createTextHandlerWithPrefix(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	return &textHandler{w: w, level: level, prefix: prefix}
}

func (f *loggerFactory) createJsonHandler(w io.Writer, level *slog.LevelVar) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				t := a.Value.Time()
				return slog.Attr{Key: "timestamp", Value: slog.GroupValue(
					slog.Int64("seconds", t.Unix()),
					slog.Int64("nanos", int64(t.Nanosecond())),
				)}
			case slog.LevelKey:
				return slog.String("severity", severityName(a.Value))
			case slog.MessageKey:
				return slog.String("message", a.Value.String())
			}
			return a
		},
	})
}

func severityName(v slog.Value) string {
	lvl := slog.Level(v.Any().(slog.Level))
	if name, ok := severityNames[lvl]; ok {
		return name
	}
	return lvl.String()
}

// textHandler renders `time="..." severity=LEVEL message="<prefix><msg>"`.
type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	sev := "INFO"
	if name, ok := severityNames[r.Level]; ok {
		sev = name
	}
	ts := r.Time.Format("2006/01/02 15:04:05.000000")
	_, err := io.WriteString(h.w, "time=\""+ts+"\" severity="+sev+" message=\""+h.prefix+r.Message+"\"\n")
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(name string) slog.Handler       { return h }

func log(level slog.Level, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	defaultLogger.Log(context.Background(), level, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Tracef logs at TRACE, the noisiest level (per-op fan-out tracing).
func Tracef(format string, args ...any) { log(levelTrace, format, args...) }

// Debugf logs at DEBUG.
func Debugf(format string, args ...any) { log(slog.LevelDebug, format, args...) }

// Infof logs at INFO.
func Infof(format string, args ...any) { log(slog.LevelInfo, format, args...) }

// Warnf logs at WARNING.
func Warnf(format string, args ...any) { log(slog.LevelWarn, format, args...) }

// Errorf logs at ERROR.
func Errorf(format string, args ...any) { log(slog.LevelError, format, args...) }
