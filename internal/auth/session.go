// Пакет auth — аутентификация пользователей портала.
// Шифрование сессий AES-256-GCM, OIDC-клиент для Keycloak (PKCE),
// проверка access token через JWKS, удалённый выход.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// SessionCookieName — cookie с зашифрованной сессией портала.
const SessionCookieName = "portal_session"

// SessionCookieMaxAge — срок жизни cookie в секундах (12 часов).
// Столько же живут отметки о завершённых сессиях.
const SessionCookieMaxAge = 12 * 60 * 60

// refreshLeeway — за сколько до истечения access token обновляется.
const refreshLeeway = 30 * time.Second

// ErrInvalidSession — cookie не расшифровывается или не принадлежит
// пользователю портала.
var ErrInvalidSession = errors.New("недействительная сессия портала")

// sessionAAD — связанные данные AEAD. Шифротекст, полученный тем же ключом
// для другой цели, не расшифруется как сессия.
var sessionAAD = []byte(SessionCookieName + "/v1")

// SessionData — сессия пользователя портала: токены Keycloak и данные
// идентичности. Хранится только в зашифрованном cookie.
type SessionData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// IDToken нужен для id_token_hint при выходе
	IDToken string `json:"id_token,omitempty"`
	// ExpiresAt — истечение access token, Unix-время
	ExpiresAt int64  `json:"expires_at"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	// IssuedAt — момент входа в портал. Обновление токенов его не меняет.
	IssuedAt time.Time `json:"issued_at"`
}

// IsExpired — access token истёк или истекает в ближайшие 30 секунд.
func (s *SessionData) IsExpired() bool {
	return !time.Now().Add(refreshLeeway).Before(time.Unix(s.ExpiresAt, 0))
}

// Identity — пользователь, которому принадлежит сессия.
func (s *SessionData) Identity() model.Identity {
	return model.Identity{ID: s.UserID, Email: s.Email, Username: s.Username}
}

// SessionManager хранит SessionData в cookie портала.
type SessionManager struct {
	aead   cipher.AEAD
	secure bool
}

// NewSessionManager создаёт менеджер сессий. secret (PM_SESSION_SECRET) —
// base64 от 32 байт или произвольная строка, из которой ключ получается
// через SHA-256.
func NewSessionManager(secret string, secure bool) (*SessionManager, error) {
	if secret == "" {
		return nil, errors.New("секрет сессии PM_SESSION_SECRET не задан")
	}

	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("шифр сессии: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("шифр сессии: %w", err)
	}
	return &SessionManager{aead: aead, secure: secure}, nil
}

// Encrypt шифрует сессию в значение cookie. Сессия без пользователя
// не сохраняется.
func (sm *SessionManager) Encrypt(data *SessionData) (string, error) {
	if data == nil || data.UserID == "" {
		return "", fmt.Errorf("%w: нет пользователя", ErrInvalidSession)
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("сериализация сессии %s: %w", data.UserID, err)
	}

	nonce := make([]byte, sm.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce сессии: %w", err)
	}
	// nonce || ciphertext
	sealed := sm.aead.Seal(nonce, nonce, plaintext, sessionAAD)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает значение cookie. Любая ошибка оборачивает
// ErrInvalidSession.
func (sm *SessionManager) Decrypt(value string) (*SessionData, error) {
	sealed, err := base64.URLEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	n := sm.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("%w: слишком короткое значение", ErrInvalidSession)
	}
	plaintext, err := sm.aead.Open(nil, sealed[:n], sealed[n:], sessionAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}

	var data SessionData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if data.UserID == "" {
		return nil, fmt.Errorf("%w: нет пользователя", ErrInvalidSession)
	}
	return &data, nil
}

// SetSessionCookie сохраняет сессию в cookie ответа.
func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, data *SessionData) error {
	value, err := sm.Encrypt(data)
	if err != nil {
		return err
	}
	http.SetCookie(w, sm.cookie(value, SessionCookieMaxAge))
	return nil
}

// GetSessionFromRequest читает сессию из cookie запроса.
// Без cookie возвращает nil, nil.
func (sm *SessionManager) GetSessionFromRequest(r *http.Request) (*SessionData, error) {
	c, err := r.Cookie(SessionCookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sm.Decrypt(c.Value)
}

// ClearSessionCookie удаляет cookie сессии у клиента.
func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", -1))
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
