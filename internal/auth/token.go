// token.go — разбор и проверка access token Keycloak.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// ErrInvalidToken — токен не прошёл проверку.
var ErrInvalidToken = errors.New("невалидный или просроченный токен")

// Claims — claims access token Keycloak, нужные порталу.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// Identity возвращает идентичность пользователя из claims.
func (c *Claims) Identity() model.Identity {
	return model.Identity{ID: c.Subject, Email: c.Email, Username: c.PreferredUsername}
}

// ParseUnverified извлекает claims без проверки подписи.
// Применяется к токенам, полученным напрямую от token endpoint.
func ParseUnverified(accessToken string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("ошибка разбора JWT: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("отсутствует sub в токене")
	}
	return claims, nil
}

// TokenVerifier проверяет подпись access token через JWKS Keycloak.
type TokenVerifier struct {
	jwks   keyfunc.Keyfunc
	issuer string
	leeway time.Duration
	logger *slog.Logger
}

// NewTokenVerifier создаёт проверку токенов с фоновым обновлением JWKS.
// Стартует даже если Keycloak ещё недоступен.
func NewTokenVerifier(jwksURL, issuer string, refreshInterval, leeway time.Duration, logger *slog.Logger) (*TokenVerifier, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           refreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	v := NewTokenVerifierWithKeyfunc(k, issuer, logger)
	v.leeway = leeway
	return v, nil
}

// NewTokenVerifierWithKeyfunc создаёт проверку с предоставленной keyfunc.
func NewTokenVerifierWithKeyfunc(kf keyfunc.Keyfunc, issuer string, logger *slog.Logger) *TokenVerifier {
	return &TokenVerifier{
		jwks:   kf,
		issuer: issuer,
		logger: logger.With(slog.String("component", "token_verifier")),
	}
}

// Verify проверяет подпись (RS256), срок действия и issuer.
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil || !token.Valid {
		v.logger.Debug("JWT валидация не пройдена", slog.Any("error", err))
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: отсутствует sub", ErrInvalidToken)
	}
	return claims, nil
}
