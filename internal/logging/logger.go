package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single access log entry
type RequestLog struct {
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id"`
	TraceID         string    `json:"trace_id,omitempty"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	Status          int       `json:"status"`
	DurationMs      int64     `json:"duration_ms"`
	ClientIP        string    `json:"client_ip,omitempty"`
	Caller          string    `json:"caller,omitempty"`
	Tenant          string    `json:"tenant,omitempty"`
	PrivateCloud    bool      `json:"private_cloud,omitempty"`
	RateLimitPolicy string    `json:"rate_limit_policy,omitempty"`
	Encrypted       bool      `json:"encrypted,omitempty"`
}

type requestLogKey struct{}

// WithRequestLog stores entry so inner middleware can annotate it.
func WithRequestLog(ctx context.Context, entry *RequestLog) context.Context {
	return context.WithValue(ctx, requestLogKey{}, entry)
}

// RequestLogFromContext returns the entry being built for this request, or nil.
func RequestLogFromContext(ctx context.Context) *RequestLog {
	e, _ := ctx.Value(requestLogKey{}).(*RequestLog)
	return e
}

// Logger writes access log entries
type Logger struct {
	mu      sync.Mutex
	file    io.WriteCloser
	console io.Writer
}

var defaultLogger = &Logger{}

// Default returns the default access logger
func Default() *Logger {
	return defaultLogger
}

// Enabled reports whether any output is configured.
func (l *Logger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file != nil || l.console != nil
}

// SetOutput sets the JSON-lines access log file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open access log: %w", err)
	}
	l.file = f
	return nil
}

// SetConsole sets a writer for human-readable lines; nil disables it.
func (l *Logger) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// Log writes an access log entry
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console != nil {
		tenant := ""
		if entry.Tenant != "" {
			tenant = " tenant=" + entry.Tenant
			if entry.PrivateCloud {
				tenant += " [private]"
			}
		}
		policy := ""
		if entry.RateLimitPolicy != "" {
			policy = " [" + entry.RateLimitPolicy + "]"
		}
		fmt.Fprintf(l.console, "[access] %s %d %s %s %dms%s%s\n",
			entry.RequestID, entry.Status, entry.Method, entry.Path, entry.DurationMs, tenant, policy)
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
