package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bigkaa/goartstore/portal-module/internal/keycloak"
)

// UserLogouter — сессии пользователя через Admin API.
// Реализуется keycloak.Client.
type UserLogouter interface {
	UserSessions(ctx context.Context, userID string) ([]keycloak.UserSession, error)
	LogoutUser(ctx context.Context, userID string) error
}

// RemoteSignOut завершает сессию пользователя в Keycloak.
// Сначала logout по refresh token, при неудаче — через Admin API
// (если клиент Admin API настроен). Если у пользователя в Keycloak
// не осталось сессий, выход считается выполненным.
type RemoteSignOut struct {
	oidc   *OIDCClient
	admin  UserLogouter
	logger *slog.Logger
}

// NewRemoteSignOut создаёт удалённый выход. admin может быть nil.
func NewRemoteSignOut(oidc *OIDCClient, admin UserLogouter, logger *slog.Logger) *RemoteSignOut {
	return &RemoteSignOut{
		oidc:   oidc,
		admin:  admin,
		logger: logger.With(slog.String("component", "remote_signout")),
	}
}

// SignOut завершает сессию sess. Ошибка означает, что сессия в Keycloak
// могла остаться активной; локальное состояние вызывающий очищает сам.
func (s *RemoteSignOut) SignOut(ctx context.Context, sess *SessionData) error {
	if sess == nil {
		return nil
	}

	var errs []error
	if sess.RefreshToken != "" {
		err := s.oidc.Logout(ctx, sess.RefreshToken)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		s.logger.Warn("Logout по refresh token не выполнен",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
	} else {
		errs = append(errs, errors.New("нет refresh token"))
	}

	if s.admin == nil || sess.UserID == "" {
		return fmt.Errorf("удалённый выход: %w", errors.Join(errs...))
	}

	sessions, err := s.admin.UserSessions(ctx, sess.UserID)
	switch {
	case errors.Is(err, keycloak.ErrUserNotFound):
		s.logger.Info("Пользователь удалён из realm, удалённый выход не требуется",
			slog.String("user_id", sess.UserID),
		)
		return nil
	case err != nil:
		s.logger.Warn("Не удалось получить сессии пользователя, выход через Admin API",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
	case len(sessions) == 0:
		s.logger.Info("Активных сессий в Keycloak нет, удалённый выход не требуется",
			slog.String("user_id", sess.UserID),
		)
		return nil
	default:
		s.logger.Debug("Завершение сессий пользователя через Admin API",
			slog.String("user_id", sess.UserID),
			slog.Int("sessions", len(sessions)),
		)
	}

	if err := s.admin.LogoutUser(ctx, sess.UserID); err != nil {
		errs = append(errs, err)
		return fmt.Errorf("удалённый выход: %w", errors.Join(errs...))
	}
	return nil
}
