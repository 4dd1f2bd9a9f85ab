package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// RolePermissionRepository — права ролей по приложениям (таблица role_permissions).
type RolePermissionRepository interface {
	// ListForRoles возвращает строки прав для набора ролей одним запросом.
	ListForRoles(ctx context.Context, roleIDs []int64) ([]model.PermissionRow, error)
	// Upsert создаёт или обновляет строку прав роли.
	Upsert(ctx context.Context, row model.PermissionRow) error
}

type rolePermissionRepo struct {
	db DBTX
}

// NewRolePermissionRepository создаёт репозиторий прав ролей.
func NewRolePermissionRepository(db DBTX) RolePermissionRepository {
	return &rolePermissionRepo{db: db}
}

const rpColumns = `role_id, application_name, can_read, can_write, can_delete, can_admin`

func (r *rolePermissionRepo) ListForRoles(ctx context.Context, roleIDs []int64) ([]model.PermissionRow, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM role_permissions WHERE role_id = ANY($1) ORDER BY role_id, application_name`, rpColumns)

	rows, err := r.db.Query(ctx, query, roleIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения прав ролей: %w", err)
	}
	defer rows.Close()

	var result []model.PermissionRow
	for rows.Next() {
		var p model.PermissionRow
		if err := rows.Scan(&p.RoleID, &p.ApplicationName, &p.CanRead, &p.CanWrite, &p.CanDelete, &p.CanAdmin); err != nil {
			return nil, fmt.Errorf("ошибка сканирования прав роли: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения прав ролей: %w", err)
	}
	return result, nil
}

func (r *rolePermissionRepo) Upsert(ctx context.Context, row model.PermissionRow) error {
	query := fmt.Sprintf(`
		INSERT INTO role_permissions (%s)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (role_id, application_name) DO UPDATE SET
			can_read = EXCLUDED.can_read,
			can_write = EXCLUDED.can_write,
			can_delete = EXCLUDED.can_delete,
			can_admin = EXCLUDED.can_admin`, rpColumns)

	_, err := r.db.Exec(ctx, query,
		row.RoleID, row.ApplicationName, row.CanRead, row.CanWrite, row.CanDelete, row.CanAdmin,
	)
	if err != nil {
		return translate(err, "сохранение прав роли "+row.ApplicationName)
	}
	return nil
}
