package util

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// responseMeter remembers what the handler sent so the access log can
// report it after the fact.
type responseMeter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (m *responseMeter) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeter) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (m *responseMeter) Unwrap() http.ResponseWriter { return m.ResponseWriter }

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// WithRequestLog writes one access log line per request through the
// request-scoped logger. Health checks are logged at debug.
func WithRequestLog(service string, trusted *TrustedProxies, next http.Handler) http.Handler {
	if service = strings.TrimSpace(service); service == "" {
		service = "unknown"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		began := time.Now()
		meter := &responseMeter{ResponseWriter: w}
		next.ServeHTTP(meter, r)

		status := meter.status
		if status == 0 {
			status = http.StatusOK
		}
		level := levelForStatus(status)
		if r.URL.Path == "/healthz" && level == slog.LevelInfo {
			level = slog.LevelDebug
		}
		LoggerFromContext(r.Context()).LogAttrs(r.Context(), level, "http_request",
			slog.String("service", service),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("bytes", meter.bytes),
			slog.Int64("duration_ms", time.Since(began).Milliseconds()),
			slog.String("client_ip", ClientIP(r, trusted)),
		)
	})
}
