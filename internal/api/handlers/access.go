// access.go — права пользователя, проверка доступа, запуск приложений
// и чтение записи передачи учётных данных.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/portal-module/internal/api/errors"
	"github.com/bigkaa/goartstore/portal-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

// AccessHandler — обработчики прав и запуска приложений.
type AccessHandler struct {
	access *service.AccessService
	logger *slog.Logger
}

// NewAccessHandler создаёт AccessHandler.
func NewAccessHandler(access *service.AccessService, logger *slog.Logger) *AccessHandler {
	return &AccessHandler{
		access: access,
		logger: logger.With(slog.String("component", "access_handler")),
	}
}

// accessResponse — ответ проверки доступа.
type accessResponse struct {
	App        string `json:"app"`
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
}

// Permissions — GET /api/v1/me/permissions[?wait=true].
func (h *AccessHandler) Permissions(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			apierrors.ValidationError(w, "Параметр wait должен быть true или false")
			return
		}
		wait = parsed
	}

	writeJSON(w, http.StatusOK, h.access.Permissions(r.Context(), id, wait))
}

// Access — GET /api/v1/me/access?app=&capability=.
// Неизвестные приложение или действие дают allowed=false.
func (h *AccessHandler) Access(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	app := r.URL.Query().Get("app")
	capability := r.URL.Query().Get("capability")
	if app == "" || capability == "" {
		apierrors.ValidationError(w, "Параметры app и capability обязательны")
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{
		App:        app,
		Capability: capability,
		Allowed:    h.access.HasAccess(id, app, capability),
	})
}

// Launch — POST /api/v1/launch/{app}.
func (h *AccessHandler) Launch(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	app, err := model.ParseAppID(chi.URLParam(r, "app"))
	if err != nil {
		apierrors.NotFound(w, err.Error())
		return
	}

	src := requestSession(middleware.SessionFromContext(r.Context()))
	launch, err := h.access.Launch(r.Context(), id, app, src)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, launch)
	case errors.Is(err, service.ErrForbidden):
		apierrors.AppForbidden(w, app)
	case errors.Is(err, handoff.ErrUnknownApp):
		apierrors.NotFound(w, "Приложение "+string(app)+" не настроено")
	default:
		h.logger.Error("Ошибка запуска приложения",
			slog.String("user_id", id.ID),
			slog.String("app", string(app)),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Не удалось запустить приложение")
	}
}

// Handoff — GET /api/v1/handoff/{app}. Запись доступна, пока не истёк
// её срок; затем 404.
func (h *AccessHandler) Handoff(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	app, err := model.ParseAppID(chi.URLParam(r, "app"))
	if err != nil {
		apierrors.NotFound(w, err.Error())
		return
	}

	rec, err := h.access.ReadHandoff(id.ID, app)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.NotFound(w, "Запись передачи отсутствует или истекла")
		return
	}
	if err != nil {
		h.logger.Error("Ошибка чтения записи передачи",
			slog.String("user_id", id.ID),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// requestSession адаптирует сессию из cookie к handoff.SessionSource.
// Для запросов с Bearer token сессии нет: запуск идёт без передачи.
func requestSession(sess *auth.SessionData) handoff.SessionSource {
	return handoff.SessionSourceFunc(func(context.Context) (*handoff.Session, error) {
		if sess == nil {
			return nil, nil
		}
		out := &handoff.Session{
			AccessToken:  sess.AccessToken,
			RefreshToken: sess.RefreshToken,
			User:         sess.Identity(),
		}
		if sess.ExpiresAt > 0 {
			out.ExpiresAt = time.Unix(sess.ExpiresAt, 0)
		}
		return out, nil
	})
}
