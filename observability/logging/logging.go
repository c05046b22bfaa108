package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink describes an optional rotating log file written alongside stdout.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	return SetupWithFile(service, env, nil)
}

// SetupWithFile behaves like Setup and additionally tees every line into a
// rotating file when sink is non-nil and names a path.
func SetupWithFile(service, env string, sink *FileSink) *slog.Logger {
	var out io.Writer = os.Stdout
	if sink != nil && strings.TrimSpace(sink.Path) != "" {
		out = io.MultiWriter(os.Stdout, sink.writer())
	}
	return setup(out, service, env)
}

func (s *FileSink) writer() io.Writer {
	maxSize := s.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return &lumberjack.Logger{
		Filename:   strings.TrimSpace(s.Path),
		MaxSize:    maxSize,
		MaxBackups: s.MaxBackups,
		MaxAge:     s.MaxAgeDays,
		Compress:   s.Compress,
	}
}

func setup(out io.Writer, service, env string) *slog.Logger {
	handler := NewHandler(out)

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(service)),
	}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Bridge the standard library logger so existing packages continue to work.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// NewHandler returns the JSON handler used by every service, with the
// timestamp, severity and message keys renamed.
func NewHandler(out io.Writer) slog.Handler {
	return slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})
}
