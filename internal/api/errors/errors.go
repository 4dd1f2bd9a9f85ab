// Пакет errors — ответы с ошибками в едином формате портала:
// {"error": {"code": "...", "message": "...", "reason": "...", "app": "..."}}.
// reason заполняется для завершённых сессий, app — для отказа в доступе
// к приложению.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeSessionEnded    = "SESSION_ENDED"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeIDPUnavailable  = "IDP_UNAVAILABLE"
	CodeInternalError   = "INTERNAL_ERROR"
)

// Detail — тело ошибки.
type Detail struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Reason  model.SignOutReason `json:"reason,omitempty"`
	App     model.AppID         `json:"app,omitempty"`
}

type envelope struct {
	Error Detail `json:"error"`
}

// Write записывает ответ ошибки.
func Write(w http.ResponseWriter, statusCode int, d Detail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(envelope{Error: d})
}

// WriteError записывает ответ ошибки с кодом и сообщением.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	Write(w, statusCode, Detail{Code: code, Message: message})
}

// ValidationError — 400.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401, требуется вход.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// SessionEnded — 401 для учётных данных завершённой сессии портала.
// Клиент по reason выбирает сообщение на экране входа.
func SessionEnded(w http.ResponseWriter, reason model.SignOutReason) {
	msg := "Сессия завершена, требуется повторный вход"
	if reason == model.SignOutTimeout {
		msg = "Сессия завершена из-за бездействия, требуется повторный вход"
	}
	Write(w, http.StatusUnauthorized, Detail{Code: CodeSessionEnded, Message: msg, Reason: reason})
}

// AppForbidden — 403, нет права запуска приложения app.
func AppForbidden(w http.ResponseWriter, app model.AppID) {
	Write(w, http.StatusForbidden, Detail{
		Code:    CodeForbidden,
		Message: "Нет доступа к приложению " + string(app),
		App:     app,
	})
}

// SessionExpired — 409, сессия портала уже не отслеживается
// (выход по бездействию).
func SessionExpired(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeSessionExpired, message)
}

// IDPUnavailable — 502, Keycloak недоступен.
func IDPUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeIDPUnavailable, message)
}

// InternalError — 500.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
