package refresher

import (
	"log/slog"
	"net/http"
	"time"
)

// NewLoggingTransport wraps next (http.DefaultTransport when nil) and logs each
// round trip. Only method, host and path are logged, never headers.
func NewLoggingTransport(next http.RoundTripper, log *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if log == nil {
		log = slog.Default()
	}
	return &loggingTransport{next: next, log: log}
}

type loggingTransport struct {
	next http.RoundTripper
	log  *slog.Logger
}

func (t *loggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(r)
	took := time.Since(start).Milliseconds()

	if err != nil {
		t.log.LogAttrs(r.Context(), slog.LevelWarn, "http.client.fail",
			slog.String("method", r.Method),
			slog.String("host", r.URL.Host),
			slog.String("path", r.URL.Path),
			slog.Int64("duration_ms", took),
			slog.Any("err", err),
		)
		return nil, err
	}

	level, result := requestLogMeta(resp.StatusCode)
	t.log.LogAttrs(r.Context(), level, "http.client.request",
		slog.String("method", r.Method),
		slog.String("host", r.URL.Host),
		slog.String("path", r.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("status_class", statusClass(resp.StatusCode)),
		slog.Int64("duration_ms", took),
		slog.String("result", result),
	)
	return resp, nil
}

func requestLogMeta(status int) (slog.Level, string) {
	switch {
	case status >= 500:
		return slog.LevelError, "server_error"
	case status >= 400:
		return slog.LevelWarn, "client_error"
	case status >= 300:
		return slog.LevelInfo, "redirect"
	default:
		return slog.LevelInfo, "success"
	}
}

func statusClass(status int) string {
	switch {
	case status >= 100 && status <= 599:
		return string(rune('0'+status/100)) + "xx"
	default:
		return "unknown"
	}
}
