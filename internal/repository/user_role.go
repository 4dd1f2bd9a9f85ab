package repository

import (
	"context"
	"fmt"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// UserRoleRepository — назначения ролей пользователям (таблица user_roles).
type UserRoleRepository interface {
	// ListForUser возвращает действующие назначения пользователя
	// в порядке назначения.
	ListForUser(ctx context.Context, userID string) ([]model.RoleAssignment, error)
	// Assign назначает роль пользователю. Повторное назначение
	// обновляет имя, телефон и снимает отзыв.
	Assign(ctx context.Context, userID string, roleID int64, name, phone *string) error
	// Revoke отзывает роль у пользователя.
	Revoke(ctx context.Context, userID string, roleID int64) error
}

type userRoleRepo struct {
	db DBTX
}

// NewUserRoleRepository создаёт репозиторий назначений ролей.
func NewUserRoleRepository(db DBTX) UserRoleRepository {
	return &userRoleRepo{db: db}
}

func (r *userRoleRepo) ListForUser(ctx context.Context, userID string) ([]model.RoleAssignment, error) {
	query := `
		SELECT ur.role_id, r.name, ur.name, ur.phone_number, ur.assigned_at
		FROM user_roles ur
		INNER JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.status <> 'revoked'
		ORDER BY ur.assigned_at, ur.id`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ролей пользователя: %w", err)
	}
	defer rows.Close()

	var result []model.RoleAssignment
	for rows.Next() {
		var ra model.RoleAssignment
		if err := rows.Scan(&ra.RoleID, &ra.RoleName, &ra.DisplayName, &ra.PhoneNumber, &ra.AssignedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования роли пользователя: %w", err)
		}
		result = append(result, ra)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения ролей пользователя: %w", err)
	}
	return result, nil
}

func (r *userRoleRepo) Assign(ctx context.Context, userID string, roleID int64, name, phone *string) error {
	query := `
		INSERT INTO user_roles (user_id, role_id, name, phone_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role_id) DO UPDATE SET
			name = EXCLUDED.name,
			phone_number = EXCLUDED.phone_number,
			status = 'active'`

	if _, err := r.db.Exec(ctx, query, userID, roleID, name, phone); err != nil {
		return translate(err, "назначение роли")
	}
	return nil
}

func (r *userRoleRepo) Revoke(ctx context.Context, userID string, roleID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE user_roles SET status = 'revoked' WHERE user_id = $1 AND role_id = $2`,
		userID, roleID,
	)
	if err != nil {
		return fmt.Errorf("ошибка отзыва роли: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
