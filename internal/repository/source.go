package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// pingTimeout ограничивает общий запрос проверки связности.
const pingTimeout = 5 * time.Second

// errNotConfigured — параметры PostgreSQL не заданы.
var errNotConfigured = errors.New("параметры подключения к PostgreSQL не заданы")

// PermissionSource — хранилище ролей и прав поверх PostgreSQL.
// Реализует permission.Source. Без пула (nil) сообщает об ошибке
// конфигурации, не обращаясь к базе.
type PermissionSource struct {
	roles      RoleRepository
	userRoles  UserRoleRepository
	perms      RolePermissionRepository
	configured bool

	// Одновременные проверки связности разных пользователей
	// схлопываются в один запрос.
	pings singleflight.Group
}

// NewPermissionSource создаёт источник прав. pool может быть nil.
func NewPermissionSource(pool *pgxpool.Pool) *PermissionSource {
	if pool == nil {
		return &PermissionSource{}
	}
	return newPermissionSource(pool)
}

func newPermissionSource(db DBTX) *PermissionSource {
	return &PermissionSource{
		roles:      NewRoleRepository(db),
		userRoles:  NewUserRoleRepository(db),
		perms:      NewRolePermissionRepository(db),
		configured: true,
	}
}

// CheckConfig проверяет, что подключение к PostgreSQL настроено.
func (s *PermissionSource) CheckConfig() error {
	if !s.configured {
		return errNotConfigured
	}
	return nil
}

// Ping выполняет подсчёт ролей без выборки строк.
//
// Общий запрос не зависит от отмены контекста первого вызвавшего:
// отмена ctx завершает ожидание только этого вызова.
func (s *PermissionSource) Ping(ctx context.Context) error {
	if err := s.CheckConfig(); err != nil {
		return err
	}
	ch := s.pings.DoChan("ping", func() (any, error) {
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
		defer cancel()
		return s.roles.Count(pingCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoleAssignments возвращает действующие роли пользователя.
func (s *PermissionSource) RoleAssignments(ctx context.Context, userID string) ([]model.RoleAssignment, error) {
	if err := s.CheckConfig(); err != nil {
		return nil, err
	}
	return s.userRoles.ListForUser(ctx, userID)
}

// Permissions возвращает строки прав для набора ролей.
func (s *PermissionSource) Permissions(ctx context.Context, roleIDs []int64) ([]model.PermissionRow, error) {
	if err := s.CheckConfig(); err != nil {
		return nil, err
	}
	return s.perms.ListForRoles(ctx, roleIDs)
}
