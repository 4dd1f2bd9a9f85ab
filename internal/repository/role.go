package repository

import (
	"context"
	"fmt"
)

// RoleRepository — операции с таблицей roles.
type RoleRepository interface {
	// Create создаёт роль и возвращает её идентификатор.
	Create(ctx context.Context, name string, description *string) (int64, error)
	// GetIDByName возвращает идентификатор роли по имени.
	GetIDByName(ctx context.Context, name string) (int64, error)
	// Count возвращает количество ролей.
	Count(ctx context.Context) (int64, error)
}

type roleRepo struct {
	db DBTX
}

// NewRoleRepository создаёт репозиторий ролей.
func NewRoleRepository(db DBTX) RoleRepository {
	return &roleRepo{db: db}
}

func (r *roleRepo) Create(ctx context.Context, name string, description *string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO roles (name, description) VALUES ($1, $2) RETURNING id`,
		name, description,
	).Scan(&id)
	if err != nil {
		return 0, translate(err, "создание роли "+name)
	}
	return id, nil
}

func (r *roleRepo) GetIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `SELECT id FROM roles WHERE name = $1`, name).Scan(&id)
	if err != nil {
		return 0, translate(err, "получение роли "+name)
	}
	return id, nil
}

// Count — лёгкий запрос, используется как проверка связности.
func (r *roleRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM roles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта ролей: %w", err)
	}
	return n, nil
}
