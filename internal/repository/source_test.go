package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// blockingDB — DBTX, у которого QueryRow отвечает после release
// или по отмене контекста запроса.
type blockingDB struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingDB() *blockingDB {
	return &blockingDB{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (db *blockingDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("не поддерживается")
}

func (db *blockingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("не поддерживается")
}

func (db *blockingDB) QueryRow(ctx context.Context, _ string, _ ...any) pgx.Row {
	db.entered <- struct{}{}
	return blockingRow{ctx: ctx, release: db.release}
}

type blockingRow struct {
	ctx     context.Context
	release <-chan struct{}
}

func (r blockingRow) Scan(dest ...any) error {
	select {
	case <-r.release:
		*(dest[0].(*int64)) = 3
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func TestPermissionSource_PingCancelDoesNotAffectOthers(t *testing.T) {
	db := newBlockingDB()
	src := newPermissionSource(db)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- src.Ping(ctxA) }()

	select {
	case <-db.entered:
	case <-time.After(time.Second):
		t.Fatal("запрос проверки связности не начат")
	}

	errB := make(chan error, 1)
	go func() { errB <- src.Ping(context.Background()) }()
	time.Sleep(20 * time.Millisecond) // B присоединяется к общему запросу

	// Отмена запуска A (смена пользователя, выход) не должна задеть B
	cancelA()
	select {
	case err := <-errA:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Ping(A) = %v, ожидалась context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Ping(A) не завершился после отмены")
	}

	close(db.release)
	select {
	case err := <-errB:
		if err != nil {
			t.Errorf("Ping(B) = %v, ожидался nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Ping(B) не завершился")
	}
}

func TestPermissionSource_PingCallerDeadline(t *testing.T) {
	db := newBlockingDB()
	src := newPermissionSource(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := src.Ping(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Ping = %v, ожидалась DeadlineExceeded", err)
	}
	close(db.release)
}
