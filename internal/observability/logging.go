// Package observability provides structured logging and Prometheus metrics
// for the tether gateway.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	// JSON is recommended for production; text for development.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// defaultRedactPatterns masks common secrets before they reach the log sink.
// Bot tokens and API keys travel through config and error strings, so every
// string attribute is filtered.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`),
	regexp.MustCompile(`\b\d{8,10}:[a-zA-Z0-9_-]{35}\b`), // telegram bot token
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)[\s:=]+["']?[^\s"']{8,}`),
}

// NewLogger creates a structured slog.Logger with level parsing, output
// format selection, and secret redaction applied to string attributes.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// Redact masks known secret shapes in s.
func Redact(s string) string {
	for _, re := range defaultRedactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
