package middleware

import (
	"net/http"
)

// ActivityRecorder принимает сигнал активности пользователя.
// Реализуется service.SessionService.
type ActivityRecorder interface {
	Touch(userID string)
}

// Activity отмечает активность пользователя после успешного ответа.
// Подключается только к маршрутам, которые пользователь вызывает действием
// в интерфейсе: опрос оставшегося времени и поток событий сюда не входят.
// Запросы без идентичности в контексте пропускаются.
func Activity(rec ActivityRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rec == nil || rw.status >= http.StatusBadRequest {
				return
			}
			if id, ok := IdentityFromContext(r.Context()); ok {
				rec.Touch(id.ID)
			}
		})
	}
}
