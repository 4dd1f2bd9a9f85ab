// session.go — жизненный цикл сессии портала: старт отслеживания
// бездействия, активность, продление, состояние и выход.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/portal-module/internal/api/errors"
	"github.com/bigkaa/goartstore/portal-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
)

// SessionHandler — обработчики /api/v1/session.
type SessionHandler struct {
	sessions *service.SessionService
	cookies  *auth.SessionManager
	logger   *slog.Logger
}

// NewSessionHandler создаёт SessionHandler.
func NewSessionHandler(sessions *service.SessionService, cookies *auth.SessionManager, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		cookies:  cookies,
		logger:   logger.With(slog.String("component", "session_handler")),
	}
}

// Start — POST /api/v1/session/start.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	status, err := h.sessions.Start(id, middleware.SessionFromContext(r.Context()))
	if err != nil {
		h.logger.Error("Ошибка запуска сессии",
			slog.String("user_id", id.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Не удалось начать сессию")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Activity — POST /api/v1/session/activity.
func (h *SessionHandler) Activity(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	status, err := h.sessions.Activity(id.ID)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Extend — POST /api/v1/session/extend («остаться в системе»).
func (h *SessionHandler) Extend(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	status, err := h.sessions.Extend(id.ID)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Get — GET /api/v1/session. Не сбрасывает таймеры.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Status(id.ID))
}

// Delete — DELETE /api/v1/session. Локальный выход выполняется всегда,
// ошибка удалённого выхода в ответ не попадает.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	h.sessions.SignOut(r.Context(), id.ID, middleware.SessionFromContext(r.Context()))
	if h.cookies != nil {
		h.cookies.ClearSessionCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, service.ErrNoSession) {
		apierrors.SessionExpired(w, "Сессия портала завершена")
		return
	}
	h.logger.Error("Ошибка обработки сессии", slog.String("error", err.Error()))
	apierrors.InternalError(w, "Внутренняя ошибка")
}
