package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// HTTPRecorder receives one observation per completed request
type HTTPRecorder interface {
	RecordHTTPRequest(endpoint string, statusCode int, duration time.Duration)
}

// statusWriter captures the response status. It forwards Hijack so
// WebSocket upgrades keep working behind the logger.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// Logger logs one line per request
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return Observe(logger, nil)
}

// Observe logs one line per request and feeds the recorder when set
func Observe(logger zerolog.Logger, recorder HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			if sw.status == 0 {
				sw.status = http.StatusOK
			}
			duration := time.Since(start)

			event := logger.Info()
			if sw.status >= http.StatusInternalServerError {
				event = logger.Error()
			}
			if reqID := chimw.GetReqID(r.Context()); reqID != "" {
				event = event.Str("request_id", reqID)
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", duration).
				Msg("request completed")

			if recorder != nil {
				recorder.RecordHTTPRequest(r.URL.Path, sw.status, duration)
			}
		})
	}
}
