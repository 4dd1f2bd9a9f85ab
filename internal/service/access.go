// access.go — права пользователя и запуск прикладных приложений.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/permission"
)

// AccessService отвечает на вопросы о правах и готовит запуск приложений.
type AccessService struct {
	perms    *permission.Registry
	launcher *handoff.Launcher
	// waitLimit ограничивает ожидание идущего определения прав
	waitLimit time.Duration
	logger    *slog.Logger
}

// NewAccessService создаёт сервис доступа.
func NewAccessService(perms *permission.Registry, launcher *handoff.Launcher, waitLimit time.Duration, logger *slog.Logger) *AccessService {
	return &AccessService{
		perms:     perms,
		launcher:  launcher,
		waitLimit: waitLimit,
		logger:    logger.With(slog.String("component", "access_service")),
	}
}

// Permissions возвращает снимок прав пользователя. При wait дожидается
// завершения идущего определения (не дольше waitLimit и ctx).
func (s *AccessService) Permissions(ctx context.Context, id model.Identity, wait bool) permission.Snapshot {
	res := s.perms.Bind(id)
	if wait {
		s.waitSettled(ctx, res)
	}
	return res.Snapshot()
}

// HasAccess проверяет действие capability в приложении app.
// Пока права загружаются, доступ запрещён.
func (s *AccessService) HasAccess(id model.Identity, app, capability string) bool {
	return s.perms.Bind(id).HasAccess(app, capability)
}

// Launch проверяет право чтения приложения и готовит запуск
// с передачей учётных данных.
func (s *AccessService) Launch(ctx context.Context, id model.Identity, app model.AppID, src handoff.SessionSource) (*handoff.Launch, error) {
	res := s.perms.Bind(id)
	s.waitSettled(ctx, res)

	if !res.HasAccess(string(app), string(model.CapabilityRead)) {
		s.logger.Info("Запуск приложения отклонён: нет права чтения",
			slog.String("user_id", id.ID),
			slog.String("app", string(app)),
		)
		return nil, fmt.Errorf("%w: чтение в приложении %s", ErrForbidden, app)
	}

	return s.launcher.Launch(ctx, id.ID, app, src)
}

// ReadHandoff возвращает запись передачи, пока она существует.
func (s *AccessService) ReadHandoff(userID string, app model.AppID) (*handoff.Record, error) {
	return s.launcher.Read(userID, app)
}

func (s *AccessService) waitSettled(ctx context.Context, res *permission.Resolver) {
	if s.waitLimit <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.waitLimit)
	defer cancel()
	if err := res.Wait(ctx); err != nil {
		s.logger.Debug("Определение прав не завершилось за отведённое время",
			slog.String("error", err.Error()),
		)
	}
}
