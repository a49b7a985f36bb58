package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// LoggingConfig configures the production logger.
type LoggingConfig struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string `json:"level" yaml:"level"`

	// Format is "json" (log aggregation) or "text" (local development).
	Format string `json:"format" yaml:"format"`

	// Output is "stdout" or "stderr".
	Output string `json:"output" yaml:"output"`
}

// DefaultLoggingConfig returns production defaults: info-level JSON to
// stdout.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// ProductionLogger is the default Logger implementation: level-filtered,
// JSON or text formatted, component-scoped, with trace correlation on the
// *WithContext variants. Safe for concurrent use.
type ProductionLogger struct {
	mu          sync.Mutex
	level       int
	format      string
	out         io.Writer
	serviceName string
	component   string
}

// NewProductionLogger creates a logger for a named service.
func NewProductionLogger(cfg LoggingConfig, serviceName string) Logger {
	level, ok := levelRank[strings.ToLower(cfg.Level)]
	if !ok {
		level = levelRank["info"]
	}
	out := io.Writer(os.Stdout)
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	format := cfg.Format
	if format != "text" {
		format = "json"
	}
	return &ProductionLogger{
		level:       level,
		format:      format,
		out:         out,
		serviceName: serviceName,
	}
}

// WithComponent implements ComponentAwareLogger.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		level:       l.level,
		format:      l.format,
		out:         l.out,
		serviceName: l.serviceName,
		component:   component,
	}
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log("debug", msg, fields)
}
func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log("info", msg, fields)
}
func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("warn", msg, fields)
}
func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log("error", msg, fields)
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("debug", msg, withTrace(ctx, fields))
}
func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("info", msg, withTrace(ctx, fields))
}
func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("warn", msg, withTrace(ctx, fields))
}
func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log("error", msg, withTrace(ctx, fields))
}

// withTrace copies fields and attaches trace/span ids when the context
// carries a recording span.
func withTrace(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged["trace_id"] = sc.TraceID().String()
	merged["span_id"] = sc.SpanID().String()
	return merged
}

func (l *ProductionLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "json" {
		entry := make(map[string]interface{}, len(fields)+5)
		for k, v := range fields {
			entry[k] = v
		}
		entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
		entry["level"] = level
		entry["message"] = msg
		entry["service"] = l.serviceName
		if l.component != "" {
			entry["component"] = l.component
		}
		data, err := json.Marshal(entry)
		if err != nil {
			// Fields may contain unmarshalable values; degrade to text.
			fmt.Fprintf(l.out, "%s %s %s (unmarshalable fields: %v)\n",
				time.Now().UTC().Format(time.RFC3339), strings.ToUpper(level), msg, err)
			return
		}
		l.out.Write(append(data, '\n'))
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(level))
	if l.component != "" {
		b.WriteString(" [")
		b.WriteString(l.component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(fmt.Sprintf(" %s=%v", k, fields[k]))
		}
	}
	b.WriteString("\n")
	l.out.Write([]byte(b.String()))
}
