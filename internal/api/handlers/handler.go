// Пакет handlers — HTTP-обработчики API Portal Module.
// handler.go — общие вспомогательные функции.
package handlers

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/portal-module/internal/api/errors"
	"github.com/bigkaa/goartstore/portal-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// identityOrUnauthorized извлекает идентичность пользователя из контекста.
// При отсутствии отвечает 401 и возвращает false.
func identityOrUnauthorized(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || id.ID == "" {
		apierrors.Unauthorized(w, "Требуется вход в портал")
		return model.Identity{}, false
	}
	return id, true
}
