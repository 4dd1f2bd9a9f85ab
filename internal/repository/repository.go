// Пакет repository — роли и права портала в PostgreSQL: справочник ролей,
// назначения ролей пользователям, права ролей по приложениям.
// Чистый SQL через pgx.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound — роль или назначение не найдены.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — роль с таким именем уже есть.
	ErrConflict = errors.New("роль уже существует")
	// ErrUnknownRole — назначение или право ссылается на несуществующую роль.
	ErrUnknownRole = errors.New("роль не существует")
)

// DBTX — общее у *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLSTATE, которые различает хранилище ролей.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

// translate приводит ошибку pgx к ошибкам пакета; op — описание операции.
func translate(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			return ErrConflict
		case sqlstateForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, ErrUnknownRole)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
