// auth.go — вход в портал через Keycloak OIDC (Authorization Code + PKCE)
// и выход с завершением сессии Keycloak.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
)

// Имя cookie для PKCE state (code_verifier + state).
const stateCookieName = "portal_auth_state"

// stateCookieMaxAge — срок жизни state cookie (5 минут).
const stateCookieMaxAge = 5 * 60

// AuthHandler — обработчики /auth/*.
type AuthHandler struct {
	oidcClient     *auth.OIDCClient
	sessionManager *auth.SessionManager
	sessions       *service.SessionService
	// publicURL — внешний URL портала; пустой — вычисляется из запроса
	publicURL    string
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler создаёт AuthHandler.
func NewAuthHandler(
	oidcClient *auth.OIDCClient,
	sessionManager *auth.SessionManager,
	sessions *service.SessionService,
	publicURL string,
	secureCookie bool,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		oidcClient:     oidcClient,
		sessionManager: sessionManager,
		sessions:       sessions,
		publicURL:      strings.TrimRight(publicURL, "/"),
		secureCookie:   secureCookie,
		logger:         logger.With(slog.String("component", "auth_handler")),
	}
}

// stateData — данные state cookie на время входа.
type stateData struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

// Login — GET /auth/login. Redirect на authorize endpoint Keycloak.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	pkce, err := auth.GeneratePKCE()
	if err != nil {
		h.logger.Error("Ошибка генерации PKCE", slog.String("error", err.Error()))
		http.Error(w, "Внутренняя ошибка сервера", http.StatusInternalServerError)
		return
	}
	state, err := auth.GenerateState()
	if err != nil {
		h.logger.Error("Ошибка генерации state", slog.String("error", err.Error()))
		http.Error(w, "Внутренняя ошибка сервера", http.StatusInternalServerError)
		return
	}

	sdJSON, _ := json.Marshal(stateData{State: state, CodeVerifier: pkce.CodeVerifier})
	h.setStateCookie(w, base64.URLEncoding.EncodeToString(sdJSON), stateCookieMaxAge)

	http.Redirect(w, r, h.oidcClient.AuthorizeURL(h.redirectURI(r), state, pkce.CodeChallenge), http.StatusFound)
}

// Callback — GET /auth/callback. Обменивает code на токены, создаёт
// cookie сессии и возвращает пользователя на главную страницу.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("Keycloak вернул ошибку авторизации",
			slog.String("error", errCode),
			slog.String("description", q.Get("error_description")),
		)
		http.Error(w, "Ошибка авторизации: "+errCode, http.StatusBadRequest)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		http.Error(w, "Отсутствует code или state", http.StatusBadRequest)
		return
	}

	sd, ok := h.readStateCookie(r)
	if !ok {
		http.Error(w, "Сессия авторизации истекла, попробуйте ещё раз", http.StatusBadRequest)
		return
	}
	if sd.State != state {
		h.logger.Warn("State mismatch")
		http.Error(w, "State mismatch", http.StatusBadRequest)
		return
	}
	h.setStateCookie(w, "", -1)

	tokenResp, err := h.oidcClient.ExchangeCode(r.Context(), code, h.redirectURI(r), sd.CodeVerifier)
	if err != nil {
		h.logger.Error("Ошибка обмена code на токены", slog.String("error", err.Error()))
		http.Error(w, "Ошибка аутентификации", http.StatusBadGateway)
		return
	}

	// Токен получен напрямую от token endpoint: подпись не проверяется
	claims, err := auth.ParseUnverified(tokenResp.AccessToken)
	if err != nil {
		h.logger.Error("Ошибка извлечения данных из токена", slog.String("error", err.Error()))
		http.Error(w, "Ошибка обработки токена", http.StatusInternalServerError)
		return
	}

	session := &auth.SessionData{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Unix(),
		UserID:       claims.Subject,
		Username:     claims.PreferredUsername,
		Email:        claims.Email,
		IssuedAt:     time.Now(),
	}
	if err := h.sessionManager.SetSessionCookie(w, session); err != nil {
		h.logger.Error("Ошибка установки session cookie", slog.String("error", err.Error()))
		http.Error(w, "Ошибка создания сессии", http.StatusInternalServerError)
		return
	}
	h.sessions.Remember(session)

	h.logger.Info("Пользователь вошёл в портал",
		slog.String("user_id", session.UserID),
		slog.String("username", session.Username),
	)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout — POST /auth/logout. Завершает сессию портала и Keycloak,
// затем redirect на logout endpoint Keycloak.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionManager.GetSessionFromRequest(r)
	if err != nil {
		h.logger.Debug("Ошибка чтения сессии при выходе", slog.String("error", err.Error()))
		session = nil
	}

	idTokenHint := ""
	if session != nil {
		idTokenHint = session.IDToken
		h.sessions.SignOut(r.Context(), session.UserID, session)
	}
	h.sessionManager.ClearSessionCookie(w)

	http.Redirect(w, r, h.oidcClient.LogoutURL(idTokenHint, h.baseURL(r)+"/"), http.StatusFound)
}

func (h *AuthHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) readStateCookie(r *http.Request) (stateData, bool) {
	var sd stateData
	cookie, err := r.Cookie(stateCookieName)
	if err != nil {
		return sd, false
	}
	raw, err := base64.URLEncoding.DecodeString(cookie.Value)
	if err != nil {
		h.logger.Warn("Ошибка декодирования state cookie", slog.String("error", err.Error()))
		return sd, false
	}
	if err := json.Unmarshal(raw, &sd); err != nil {
		h.logger.Warn("Ошибка разбора state cookie", slog.String("error", err.Error()))
		return sd, false
	}
	return sd, true
}

func (h *AuthHandler) redirectURI(r *http.Request) string {
	return h.baseURL(r) + "/auth/callback"
}

// baseURL возвращает внешний URL портала. Без настройки учитывает
// X-Forwarded-* заголовки от reverse proxy.
func (h *AuthHandler) baseURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}
	return scheme + "://" + host
}
