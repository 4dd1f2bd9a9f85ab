// logging.go — журнал запросов к порталу через slog. Помимо метода,
// маршрута и статуса в запись попадают пользователь портала, способ
// входа (cookie или bearer) и причина отказа для завершённой сессии.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// requestUser заполняется middleware аутентификации и читается журналом
// после обработки запроса.
type requestUser struct {
	id    string
	via   string
	ended model.SignOutReason
}

type requestUserKey struct{}

// noteUser отмечает пользователя запроса для журнала.
func noteUser(ctx context.Context, userID, via string) {
	if u, ok := ctx.Value(requestUserKey{}).(*requestUser); ok {
		u.id, u.via = userID, via
	}
}

// noteEnded отмечает отказ по завершённой сессии.
func noteEnded(ctx context.Context, userID string, reason model.SignOutReason) {
	if u, ok := ctx.Value(requestUserKey{}).(*requestUser); ok {
		u.id, u.ended = userID, reason
	}
}

func (u *requestUser) attrs() []slog.Attr {
	var attrs []slog.Attr
	if u.id != "" {
		attrs = append(attrs, slog.String("user_id", u.id))
	}
	if u.via != "" {
		attrs = append(attrs, slog.String("auth", u.via))
	}
	if u.ended != "" {
		attrs = append(attrs, slog.String("session_ended", string(u.ended)))
	}
	return attrs
}

// statusRecorder запоминает статус и размер ответа.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Unwrap нужен http.ResponseController (Flush потока событий).
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RequestLogger пишет запись о каждом запросе: INFO для 1xx-3xx,
// WARN для 4xx, ERROR для 5xx.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			user := &requestUser{}
			r = r.WithContext(context.WithValue(r.Context(), requestUserKey{}, user))

			next.ServeHTTP(rec, r)

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}

			attrs := append([]slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.bytes),
				slog.String("remote_addr", r.RemoteAddr),
			}, user.attrs()...)
			logger.LogAttrs(r.Context(), level, "HTTP запрос", attrs...)
		})
	}
}
