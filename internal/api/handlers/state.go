// state.go — сохранённое состояние интерфейса: GET/PUT/DELETE /api/v1/state/{key}.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/portal-module/internal/api/errors"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
)

// StateHandler — обработчики состояния интерфейса.
type StateHandler struct {
	state *service.StateService
}

// NewStateHandler создаёт StateHandler.
func NewStateHandler(state *service.StateService) *StateHandler {
	return &StateHandler{state: state}
}

// Get — GET /api/v1/state/{key}.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	value, err := h.state.Get(id.ID, chi.URLParam(r, "key"))
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

// Put — PUT /api/v1/state/{key}. Тело запроса — произвольный JSON.
func (h *StateHandler) Put(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, service.MaxStateSize+1))
	if err != nil {
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса")
		return
	}
	if err := h.state.Put(id.ID, chi.URLParam(r, "key"), json.RawMessage(body)); err != nil {
		writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete — DELETE /api/v1/state/{key}.
func (h *StateHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	if err := h.state.Delete(id.ID, chi.URLParam(r, "key")); err != nil {
		writeStateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Состояние не найдено")
	default:
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
