// events.go — поток Server-Sent Events пользователя: события сессии
// (предупреждение, таймаут, продление, выход), изменения прав и
// сохранённого состояния интерфейса. Через поток вкладки портала
// согласуют состояние между собой.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
)

// eventsBuffer — размер буфера подписки одного клиента.
const eventsBuffer = 64

// EventsHandler — обработчик GET /api/v1/events.
type EventsHandler struct {
	bus       *bus.Bus
	keepalive time.Duration
	logger    *slog.Logger
}

// NewEventsHandler создаёт EventsHandler.
// keepalive — интервал комментариев, удерживающих соединение через прокси.
func NewEventsHandler(b *bus.Bus, keepalive time.Duration, logger *slog.Logger) *EventsHandler {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &EventsHandler{
		bus:       b,
		keepalive: keepalive,
		logger:    logger.With(slog.String("component", "events_handler")),
	}
}

// Stream — SSE endpoint. Формат: event: <type>\nid: <id>\ndata: {json}\n\n.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// ResponseController находит http.Flusher через Unwrap() обёрток middleware
	rc := http.NewResponseController(w)

	events, unsubscribe := h.bus.SubscribeChan(bus.Any(
		bus.Exact(bus.SessionTopic(id.ID)),
		bus.Exact(bus.PermissionsTopic(id.ID)),
		bus.Prefix(service.StatePrefix(id.ID)),
	), eventsBuffer)
	defer unsubscribe()

	// Первый комментарий фиксирует заголовки у клиента
	fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		h.logger.Error("SSE не поддерживается", slog.String("error", err.Error()))
		return
	}

	h.logger.Debug("SSE клиент подключён",
		slog.String("user_id", id.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE клиент отключён", slog.String("user_id", id.ID))
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Ошибка сериализации события",
					slog.String("type", ev.Type),
					slog.String("error", err.Error()),
				)
				continue
			}
			fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, ev.ID, data)
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
