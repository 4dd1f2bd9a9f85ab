// Пакет middleware — HTTP middleware Portal Module.
// auth.go — аутентификация запросов к API портала: Bearer token
// (проверка подписи через JWKS Keycloak) или зашифрованный cookie
// сессии с автоматическим обновлением токенов.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	apierrors "github.com/bigkaa/goartstore/portal-module/internal/api/errors"
	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

type contextKey string

const (
	// ContextKeyIdentity — идентичность пользователя в контексте запроса.
	ContextKeyIdentity contextKey = "portal_identity"
	// ContextKeySession — сессия Keycloak из cookie (нет для Bearer).
	ContextKeySession contextKey = "portal_session"
)

// TokenVerifier проверяет Bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// TokenRefresher обновляет токены по refresh token.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*auth.TokenResponse, error)
}

// SessionTracker получает актуальную сессию пользователя и сообщает,
// завершена ли она и по какой причине. Реализуется service.SessionService.
type SessionTracker interface {
	Remember(sess *auth.SessionData)
	Ended(userID string, issuedAt time.Time) (model.SignOutReason, bool)
}

// Auth — middleware аутентификации.
type Auth struct {
	verifier  TokenVerifier
	sessions  *auth.SessionManager
	refresher TokenRefresher
	tracker   SessionTracker
	logger    *slog.Logger
}

// NewAuth создаёт middleware. verifier и tracker могут быть nil:
// без verifier Bearer token не принимается.
func NewAuth(
	verifier TokenVerifier,
	sessions *auth.SessionManager,
	refresher TokenRefresher,
	tracker SessionTracker,
	logger *slog.Logger,
) *Auth {
	return &Auth{
		verifier:  verifier,
		sessions:  sessions,
		refresher: refresher,
		tracker:   tracker,
		logger:    logger.With(slog.String("component", "auth_middleware")),
	}
}

// Middleware возвращает HTTP middleware. Без аутентификации отвечает 401.
func (a *Auth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := r.Header.Get("Authorization"); header != "" {
				a.serveBearer(w, r, next, header)
				return
			}
			a.serveCookie(w, r, next)
		})
	}
}

func (a *Auth) serveBearer(w http.ResponseWriter, r *http.Request, next http.Handler, header string) {
	if a.verifier == nil {
		apierrors.Unauthorized(w, "Bearer token не поддерживается")
		return
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
		return
	}

	claims, err := a.verifier.Verify(r.Context(), parts[1])
	if err != nil {
		a.logger.Debug("Bearer token отклонён",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		apierrors.Unauthorized(w, "Невалидный или просроченный токен")
		return
	}

	if claims.IssuedAt != nil {
		if reason, ended := a.ended(claims.Subject, claims.IssuedAt.Time); ended {
			noteEnded(r.Context(), claims.Subject, reason)
			apierrors.SessionEnded(w, reason)
			return
		}
	}

	noteUser(r.Context(), claims.Subject, "bearer")
	ctx := context.WithValue(r.Context(), ContextKeyIdentity, claims.Identity())
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (a *Auth) serveCookie(w http.ResponseWriter, r *http.Request, next http.Handler) {
	session, err := a.sessions.GetSessionFromRequest(r)
	if err != nil {
		a.logger.Debug("Ошибка чтения сессии",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		a.sessions.ClearSessionCookie(w)
		apierrors.Unauthorized(w, "Сессия повреждена")
		return
	}
	if session == nil {
		apierrors.Unauthorized(w, "Требуется вход в портал")
		return
	}

	// Завершённая сессия не восстанавливается ни cookie, ни обновлением токенов
	if reason, ended := a.ended(session.UserID, session.IssuedAt); ended {
		a.logger.Info("Cookie завершённой сессии отклонён",
			slog.String("user_id", session.UserID),
			slog.String("reason", string(reason)),
		)
		noteEnded(r.Context(), session.UserID, reason)
		a.sessions.ClearSessionCookie(w)
		apierrors.SessionEnded(w, reason)
		return
	}

	if session.IsExpired() {
		refreshed, err := a.refreshSession(r.Context(), session)
		if err != nil {
			a.logger.Info("Не удалось обновить сессию",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
			a.sessions.ClearSessionCookie(w)
			apierrors.Unauthorized(w, "Сессия истекла")
			return
		}
		if err := a.sessions.SetSessionCookie(w, refreshed); err != nil {
			a.logger.Error("Ошибка обновления session cookie",
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Ошибка обновления сессии")
			return
		}
		session = refreshed
	}

	if a.tracker != nil {
		a.tracker.Remember(session)
	}
	noteUser(r.Context(), session.UserID, "cookie")

	ctx := context.WithValue(r.Context(), ContextKeyIdentity, session.Identity())
	ctx = context.WithValue(ctx, ContextKeySession, session)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (a *Auth) ended(userID string, issuedAt time.Time) (model.SignOutReason, bool) {
	if a.tracker == nil {
		return "", false
	}
	return a.tracker.Ended(userID, issuedAt)
}

// refreshSession обновляет access token, сохраняя данные пользователя.
func (a *Auth) refreshSession(ctx context.Context, session *auth.SessionData) (*auth.SessionData, error) {
	tokenResp, err := a.refresher.RefreshTokens(ctx, session.RefreshToken)
	if err != nil {
		return nil, err
	}

	refreshed := *session
	refreshed.AccessToken = tokenResp.AccessToken
	refreshed.ExpiresAt = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Unix()
	if tokenResp.RefreshToken != "" {
		refreshed.RefreshToken = tokenResp.RefreshToken
	}
	if tokenResp.IDToken != "" {
		refreshed.IDToken = tokenResp.IDToken
	}
	return &refreshed, nil
}

// IdentityFromContext извлекает идентичность пользователя.
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(ContextKeyIdentity).(model.Identity)
	return id, ok
}

// SessionFromContext извлекает сессию из cookie.
// Возвращает nil для запросов с Bearer token.
func SessionFromContext(ctx context.Context) *auth.SessionData {
	session, _ := ctx.Value(ContextKeySession).(*auth.SessionData)
	return session
}

// WithIdentity помещает идентичность в контекст.
func WithIdentity(ctx context.Context, id model.Identity, session *auth.SessionData) context.Context {
	ctx = context.WithValue(ctx, ContextKeyIdentity, id)
	if session != nil {
		ctx = context.WithValue(ctx, ContextKeySession, session)
	}
	return ctx
}
