// client.go — клиент Keycloak Admin REST API для портала.
// Нужен удалённому выходу (сессии пользователя в realm, их завершение)
// и проверке готовности. Авторизация — service account портала
// (Client Credentials), токен кэшируется до истечения.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrUserNotFound — пользователь отсутствует в realm.
var ErrUserNotFound = errors.New("пользователь Keycloak не найден")

// tokenLeeway — токен service account обновляется заранее.
const tokenLeeway = 30 * time.Second

// Client — клиент Admin REST API одного realm.
type Client struct {
	baseURL string
	realm   string
	creds   url.Values

	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// New создаёт клиент. httpClient может быть nil.
func New(baseURL, realm, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		realm:   realm,
		creds: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		},
		httpClient: httpClient,
		clock:      clockwork.NewRealClock(),
		logger:     logger.With(slog.String("component", "keycloak_client")),
	}
}

// getToken возвращает токен service account, при необходимости запрашивая новый.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Add(tokenLeeway).Before(c.expiry) {
		return c.token, nil
	}

	tok, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok.AccessToken
	c.expiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.logger.Debug("Токен service account обновлён", slog.Time("expires_at", c.expiry))
	return c.token, nil
}

func (c *Client) fetchToken(ctx context.Context) (*TokenResponse, error) {
	endpoint := c.baseURL + "/realms/" + url.PathEscape(c.realm) + "/protocol/openid-connect/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(c.creds.Encode()))
	if err != nil {
		return nil, fmt.Errorf("запрос токена service account: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос токена service account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("токен service account: статус %d: %s", resp.StatusCode, body)
	}
	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("токен service account: %w", err)
	}
	return &tok, nil
}

// call выполняет запрос к Admin API realm. Ответ со статусом, отличным
// от want, — ошибка; 404 — ErrUserNotFound. out == nil — тело не читается.
func (c *Client) call(ctx context.Context, method, path string, want int, out any) error {
	token, err := c.getToken(ctx)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/admin/realms/" + url.PathEscape(c.realm) + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode != want:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("Keycloak API: статус %d (ожидался %d): %s", resp.StatusCode, want, body)
	case out == nil:
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ответ Keycloak API: %w", err)
	}
	return nil
}

func userPath(userID, action string) string {
	return "/users/" + url.PathEscape(userID) + "/" + action
}

// LogoutUser завершает все SSO-сессии пользователя в realm, в том числе
// начатые другими приложениями.
func (c *Client) LogoutUser(ctx context.Context, userID string) error {
	if err := c.call(ctx, http.MethodPost, userPath(userID, "logout"), http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("завершение сессий %s: %w", userID, err)
	}
	c.logger.Info("Сессии пользователя завершены в Keycloak", slog.String("user_id", userID))
	return nil
}

// UserSessions возвращает активные SSO-сессии пользователя.
// Пустой список — пользователь уже вышел.
func (c *Client) UserSessions(ctx context.Context, userID string) ([]UserSession, error) {
	var sessions []UserSession
	if err := c.call(ctx, http.MethodGet, userPath(userID, "sessions"), http.StatusOK, &sessions); err != nil {
		return nil, fmt.Errorf("сессии %s: %w", userID, err)
	}
	return sessions, nil
}

// RealmInfo возвращает сведения о realm портала.
func (c *Client) RealmInfo(ctx context.Context) (*RealmRepresentation, error) {
	var realm RealmRepresentation
	if err := c.call(ctx, http.MethodGet, "", http.StatusOK, &realm); err != nil {
		return nil, fmt.Errorf("realm %s: %w", c.realm, err)
	}
	return &realm, nil
}

// CheckReady — готовность IdP портала: ok, degraded (realm отключён), fail.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	realm, err := c.RealmInfo(ctx)
	switch {
	case err != nil:
		return "fail", fmt.Sprintf("Keycloak недоступен: %v", err)
	case !realm.Enabled:
		return "degraded", fmt.Sprintf("Realm %s отключён, вход в портал невозможен", realm.Realm)
	default:
		return "ok", fmt.Sprintf("Realm %s доступен", realm.Realm)
	}
}
