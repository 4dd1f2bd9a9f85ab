package repository

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/goartstore/portal-module/internal/config"
	"github.com/bigkaa/goartstore/portal-module/internal/database"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
	"github.com/bigkaa/goartstore/portal-module/internal/domain/rbac"
)

// setupTestDB запускает PostgreSQL контейнер и применяет миграции.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("portal_test"),
		postgres.WithUsername("portal"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("PM_DB_HOST", host)
	t.Setenv("PM_DB_PORT", port.Port())
	t.Setenv("PM_DB_NAME", "portal_test")
	t.Setenv("PM_DB_USER", "portal")
	t.Setenv("PM_DB_PASSWORD", "test-password")
	t.Setenv("PM_DB_SSL_MODE", "disable")
	t.Setenv("PM_KEYCLOAK_URL", "http://localhost:8080")
	t.Setenv("PM_SESSION_SECRET", "integration-test-secret")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	return pool
}

func strPtr(s string) *string { return &s }

func TestRoleRepository(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()
	repo := NewRoleRepository(pool)

	id, err := repo.Create(ctx, "accountant", strPtr("Бухгалтер"))
	if err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	if _, err := repo.Create(ctx, "accountant", nil); !errors.Is(err, ErrConflict) {
		t.Errorf("повторный Create() = %v, хотели ErrConflict", err)
	}

	got, err := repo.GetIDByName(ctx, "accountant")
	if err != nil || got != id {
		t.Errorf("GetIDByName() = %d, %v; хотели %d", got, err, id)
	}
	if _, err := repo.GetIDByName(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetIDByName(missing) = %v, хотели ErrNotFound", err)
	}

	n, err := repo.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count() = %d, %v; хотели 1", n, err)
	}
}

func TestPermissionSource_EndToEnd(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	roles := NewRoleRepository(pool)
	userRoles := NewUserRoleRepository(pool)
	perms := NewRolePermissionRepository(pool)

	hr, _ := roles.Create(ctx, "hr", nil)
	finance, _ := roles.Create(ctx, "finance", nil)
	auditor, _ := roles.Create(ctx, "auditor", nil)

	seed := []model.PermissionRow{
		{RoleID: hr, ApplicationName: "employee", CanRead: true, CanWrite: true},
		{RoleID: finance, ApplicationName: "fims", CanRead: true},
		{RoleID: finance, ApplicationName: "employee", CanDelete: true},
		{RoleID: finance, ApplicationName: "payroll", CanAdmin: true},
		{RoleID: auditor, ApplicationName: "workflow", CanAdmin: true},
	}
	for _, row := range seed {
		if err := perms.Upsert(ctx, row); err != nil {
			t.Fatalf("Upsert() ошибка: %v", err)
		}
	}

	if err := userRoles.Assign(ctx, "u1", hr, strPtr("Иванов И.И."), nil); err != nil {
		t.Fatalf("Assign() ошибка: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := userRoles.Assign(ctx, "u1", finance, nil, strPtr("+7 900 000-00-00")); err != nil {
		t.Fatalf("Assign() ошибка: %v", err)
	}
	if err := userRoles.Assign(ctx, "u1", auditor, nil, nil); err != nil {
		t.Fatalf("Assign() ошибка: %v", err)
	}
	if err := userRoles.Revoke(ctx, "u1", auditor); err != nil {
		t.Fatalf("Revoke() ошибка: %v", err)
	}
	if err := userRoles.Revoke(ctx, "u9", auditor); !errors.Is(err, ErrNotFound) {
		t.Errorf("Revoke() без назначения = %v, хотели ErrNotFound", err)
	}
	if err := userRoles.Assign(ctx, "u1", 9999, nil, nil); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Assign() несуществующей роли = %v, хотели ErrUnknownRole", err)
	}
	if err := perms.Upsert(ctx, model.PermissionRow{RoleID: 9999, ApplicationName: "fims", CanRead: true}); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("Upsert() для несуществующей роли = %v, хотели ErrUnknownRole", err)
	}

	src := NewPermissionSource(pool)
	if err := src.CheckConfig(); err != nil {
		t.Fatalf("CheckConfig() ошибка: %v", err)
	}
	if err := src.Ping(ctx); err != nil {
		t.Fatalf("Ping() ошибка: %v", err)
	}

	assigned, err := src.RoleAssignments(ctx, "u1")
	if err != nil {
		t.Fatalf("RoleAssignments() ошибка: %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("назначений = %d, хотели 2 (отозванная роль исключена)", len(assigned))
	}
	if assigned[0].RoleName != "hr" || assigned[1].RoleName != "finance" {
		t.Errorf("порядок ролей: %q, %q", assigned[0].RoleName, assigned[1].RoleName)
	}
	if assigned[0].DisplayName == nil || *assigned[0].DisplayName != "Иванов И.И." {
		t.Errorf("DisplayName = %v", assigned[0].DisplayName)
	}

	rows, err := src.Permissions(ctx, rbac.RoleIDs(assigned))
	if err != nil {
		t.Fatalf("Permissions() ошибка: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("строк прав = %d, хотели 4", len(rows))
	}

	merged, rejected := rbac.Merge(assigned, rows)
	if len(rejected) != 1 || rejected[0] != "payroll" {
		t.Errorf("отброшенные = %v, хотели [payroll]", rejected)
	}
	if !rbac.HasAccess(merged, "employee", "delete") || !rbac.HasAccess(merged, "employee", "write") {
		t.Error("права employee не объединены")
	}
	if rbac.HasAccess(merged, "workflow", "admin") {
		t.Error("права отозванной роли применены")
	}
}

func TestPermissionSource_NotConfigured(t *testing.T) {
	src := NewPermissionSource(nil)
	if err := src.CheckConfig(); err == nil {
		t.Error("CheckConfig() без пула не вернул ошибку")
	}
	if err := src.Ping(context.Background()); err == nil {
		t.Error("Ping() без пула не вернул ошибку")
	}
	if _, err := src.RoleAssignments(context.Background(), "u1"); err == nil {
		t.Error("RoleAssignments() без пула не вернул ошибку")
	}
}
