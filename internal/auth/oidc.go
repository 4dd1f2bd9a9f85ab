// oidc.go — OIDC-клиент для входа в портал через Keycloak.
// Authorization Code Flow с PKCE (RFC 7636).
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OIDCClient — клиент к Keycloak OIDC endpoints.
// Public client (без client_secret), использует PKCE.
type OIDCClient struct {
	clientID string
	// authorizeURL и logoutURL — для browser redirect
	authorizeURL string
	logoutURL    string
	// tokenURL и backchannelLogoutURL — server-to-server
	tokenURL             string
	backchannelLogoutURL string
	httpClient           *http.Client
}

// OIDCConfig — конфигурация OIDC-клиента.
type OIDCConfig struct {
	// KeycloakURL — базовый URL Keycloak для backend-запросов.
	KeycloakURL string
	// BrowserKeycloakURL — внешний URL Keycloak для redirect браузера.
	// Если пустой — используется KeycloakURL.
	BrowserKeycloakURL string
	// Realm — имя realm в Keycloak.
	Realm string
	// ClientID — OIDC Client ID (public client).
	ClientID string
	// HTTPClient — HTTP-клиент (nil — создаётся новый с Timeout).
	HTTPClient *http.Client
	// Timeout — таймаут HTTP-запросов при HTTPClient == nil.
	Timeout time.Duration
}

// NewOIDCClient создаёт OIDC-клиент.
func NewOIDCClient(cfg OIDCConfig) *OIDCClient {
	backendOIDCBase := fmt.Sprintf("%s/realms/%s/protocol/openid-connect", cfg.KeycloakURL, cfg.Realm)

	browserKeycloakURL := cfg.BrowserKeycloakURL
	if browserKeycloakURL == "" {
		browserKeycloakURL = cfg.KeycloakURL
	}
	browserOIDCBase := fmt.Sprintf("%s/realms/%s/protocol/openid-connect", browserKeycloakURL, cfg.Realm)

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &OIDCClient{
		clientID:             cfg.ClientID,
		authorizeURL:         browserOIDCBase + "/auth",
		logoutURL:            browserOIDCBase + "/logout",
		tokenURL:             backendOIDCBase + "/token",
		backchannelLogoutURL: backendOIDCBase + "/logout",
		httpClient:           httpClient,
	}
}

// PKCEParams — параметры PKCE для одного auth flow.
type PKCEParams struct {
	// CodeVerifier — случайная строка (хранится в state cookie).
	CodeVerifier string
	// CodeChallenge — base64url(SHA-256(code_verifier)).
	CodeChallenge string
}

// GeneratePKCE генерирует пару code_verifier / code_challenge (S256).
func GeneratePKCE() (*PKCEParams, error) {
	// 32 bytes → 43 символа base64url (без padding)
	verifierBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, verifierBytes); err != nil {
		return nil, fmt.Errorf("ошибка генерации code_verifier: %w", err)
	}
	codeVerifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(codeVerifier))

	return &PKCEParams{
		CodeVerifier:  codeVerifier,
		CodeChallenge: base64.RawURLEncoding.EncodeToString(hash[:]),
	}, nil
}

// GenerateState генерирует случайный state parameter для CSRF-защиты.
func GenerateState() (string, error) {
	stateBytes := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, stateBytes); err != nil {
		return "", fmt.Errorf("ошибка генерации state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(stateBytes), nil
}

// AuthorizeURL формирует URL для redirect пользователя на Keycloak login.
func (c *OIDCClient) AuthorizeURL(redirectURI, state, codeChallenge string) string {
	params := url.Values{
		"client_id":             {c.clientID},
		"response_type":         {"code"},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"scope":                 {"openid profile email"},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"S256"},
	}
	return c.authorizeURL + "?" + params.Encode()
}

// LogoutURL формирует URL для redirect пользователя на Keycloak logout.
// idTokenHint опционален.
func (c *OIDCClient) LogoutURL(idTokenHint, postLogoutRedirectURI string) string {
	params := url.Values{
		"client_id":                {c.clientID},
		"post_logout_redirect_uri": {postLogoutRedirectURI},
	}
	if idTokenHint != "" {
		params.Set("id_token_hint", idTokenHint)
	}
	return c.logoutURL + "?" + params.Encode()
}

// TokenResponse — ответ от token endpoint Keycloak.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`  //nolint:gosec // G117: структура токена OAuth2
	RefreshToken string `json:"refresh_token"` //nolint:gosec // G117: структура токена OAuth2
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`
}

// TokenError — ошибка от OIDC endpoint Keycloak.
type TokenError struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// ExchangeCode обменивает authorization code на tokens.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	}
	return c.doTokenRequest(ctx, data)
}

// RefreshTokens обновляет access token через refresh token.
func (c *OIDCClient) RefreshTokens(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
	}
	return c.doTokenRequest(ctx, data)
}

// Logout завершает сессию Keycloak по refresh token (без участия браузера).
func (c *OIDCClient) Logout(ctx context.Context, refreshToken string) error {
	data := url.Values{
		"client_id":     {c.clientID},
		"refresh_token": {refreshToken},
	}

	resp, err := c.postForm(ctx, c.backchannelLogoutURL, data)
	if err != nil {
		return fmt.Errorf("ошибка запроса к logout endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return endpointError("logout", resp.StatusCode, body)
	}
	return nil
}

// doTokenRequest выполняет POST-запрос к token endpoint Keycloak.
func (c *OIDCClient) doTokenRequest(ctx context.Context, data url.Values) (*TokenResponse, error) {
	resp, err := c.postForm(ctx, c.tokenURL, data)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса к token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, endpointError("token", resp.StatusCode, body)
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("ошибка парсинга token response: %w", err)
	}

	return &tokenResp, nil
}

func (c *OIDCClient) postForm(ctx context.Context, endpoint string, data url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации OIDC
}

func endpointError(name string, status int, body []byte) error {
	var tokenErr TokenError
	if jsonErr := json.Unmarshal(body, &tokenErr); jsonErr == nil && tokenErr.Error != "" {
		return fmt.Errorf("%s endpoint error: %s: %s", name, tokenErr.Error, tokenErr.Description)
	}
	return fmt.Errorf("%s endpoint вернул статус %d: %s", name, status, string(body))
}
