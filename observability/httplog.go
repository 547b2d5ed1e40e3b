package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type ctxKey int

const requestErrorKey ctxKey = 0

// requestError carries a late-bound failure message: streaming handlers
// learn about job failure long after the 200 header went out, so the record
// is mutable until the request finishes.
type requestError struct {
	mu  sync.Mutex
	msg string
}

// SetRequestError records a failure on the current request's log record.
// No-op outside the RequestLogger middleware.
func SetRequestError(ctx context.Context, msg string) {
	if re, ok := ctx.Value(requestErrorKey).(*requestError); ok {
		re.mu.Lock()
		re.msg = msg
		re.mu.Unlock()
	}
}

// RequestLogger logs every request to slog and, when db is non-nil, to the
// http_request_logs table. The wrapped writer preserves http.Flusher so SSE
// responses keep streaming.
func RequestLogger(db *sql.DB, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			re := &requestError{}
			r = r.WithContext(context.WithValue(r.Context(), requestErrorKey, re))

			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			re.mu.Lock()
			errMsg := re.msg
			re.mu.Unlock()

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", duration.Milliseconds(),
			}
			if errMsg != "" {
				attrs = append(attrs, "error", errMsg)
				logger.Warn("http request", attrs...)
			} else {
				logger.Info("http request", attrs...)
			}

			if db == nil {
				return
			}
			go func() {
				_, err := db.Exec(`
					INSERT INTO http_request_logs (
						request_id, method, path, status_code, duration_ms,
						remote_addr, user_agent, error, created_at
					) VALUES (?,?,?,?,?,?,?,?,?)`,
					"req_"+uuid.NewString(), r.Method, r.URL.Path, ww.Status(),
					float64(duration.Microseconds())/1000.0,
					r.RemoteAddr, r.UserAgent(), errMsg, start.Unix())
				if err != nil {
					logger.Warn("request log write failed", "error", err)
				}
			}()
		})
	}
}
