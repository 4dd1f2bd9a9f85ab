// Точка входа Portal Module — ядро государственного портала.
// Загружает конфигурацию, подключается к хранилищу ролей (PostgreSQL,
// опционально), применяет миграции, создаёт отслеживание бездействия,
// резолвер прав, передачу учётных данных и общее хранилище, запускает
// topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"

	"github.com/bigkaa/goartstore/portal-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/portal-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/portal-module/internal/auth"
	"github.com/bigkaa/goartstore/portal-module/internal/bus"
	"github.com/bigkaa/goartstore/portal-module/internal/config"
	"github.com/bigkaa/goartstore/portal-module/internal/database"
	"github.com/bigkaa/goartstore/portal-module/internal/handoff"
	"github.com/bigkaa/goartstore/portal-module/internal/idle"
	"github.com/bigkaa/goartstore/portal-module/internal/keycloak"
	"github.com/bigkaa/goartstore/portal-module/internal/permission"
	"github.com/bigkaa/goartstore/portal-module/internal/repository"
	"github.com/bigkaa/goartstore/portal-module/internal/server"
	"github.com/bigkaa/goartstore/portal-module/internal/service"
	"github.com/bigkaa/goartstore/portal-module/internal/storage"
)

const (
	// resolveTimeout ограничивает один запуск определения прав
	resolveTimeout = 10 * time.Second
	// permissionsWaitLimit ограничивает ожидание прав в запросе
	permissionsWaitLimit = 5 * time.Second
)

func main() {
	// 1. Конфигурация
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Логирование
	logger := config.SetupLogger(cfg)
	logger.Info("Portal Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	ctx := context.Background()

	// 3. PostgreSQL (опционально). Недоступность БД не мешает старту:
	// резолвер прав сообщит пользователю об ошибке, readiness вернёт fail.
	var pool *pgxpool.Pool
	if cfg.DatabaseConfigured() {
		pool = openDatabase(ctx, cfg, logger)
	} else {
		logger.Warn("PostgreSQL не настроен, права пользователей не будут определены")
	}
	if pool != nil {
		defer pool.Close()
	}

	// 4. Шина и общее хранилище
	eventBus := bus.New(logger)
	store, err := storage.NewMemoryStore(cfg.StoreMaxEntries, eventBus, logger)
	if err != nil {
		logger.Error("Ошибка создания хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}
	clock := clockwork.NewRealClock()

	// 5. Права пользователей
	source := repository.NewPermissionSource(pool)
	perms := permission.NewRegistry(source, cfg.MaxTrackedUsers, cfg.ResolverTTL, resolveTimeout, eventBus, logger)
	defer perms.Close()

	// 6. Передача учётных данных
	launcher := handoff.NewLauncher(handoff.Config{
		TTL:       cfg.HandoffTTL,
		SourceApp: cfg.SourceApp,
		Apps:      cfg.AppURLs,
	}, store, clock, logger)
	defer launcher.Close()

	// 7. Keycloak: OIDC-клиент портала и Admin API (опционально)
	oidcClient := auth.NewOIDCClient(auth.OIDCConfig{
		KeycloakURL: cfg.KeycloakURL,
		Realm:       cfg.KeycloakRealm,
		ClientID:    cfg.OIDCClientID,
		Timeout:     10 * time.Second,
	})

	var (
		adminLogouter auth.UserLogouter
		kcChecker     handlers.ReadinessChecker = auth.NewJWKSReadinessChecker(cfg.JWTJWKSURL, 3*time.Second)
	)
	if cfg.KeycloakAdminConfigured() {
		kcClient := keycloak.New(
			cfg.KeycloakURL,
			cfg.KeycloakRealm,
			cfg.KeycloakAdminClientID,
			cfg.KeycloakAdminClientSecret,
			nil,
			logger,
		)
		adminLogouter = kcClient
		kcChecker = kcClient
		logger.Info("Keycloak Admin API клиент создан",
			slog.String("url", cfg.KeycloakURL),
			slog.String("realm", cfg.KeycloakRealm),
		)
	}
	signOut := auth.NewRemoteSignOut(oidcClient, adminLogouter, logger)

	// 8. Сервисы
	sessions, err := service.NewSessionService(service.SessionConfig{
		Idle: idle.Config{
			Timeout:       cfg.IdleTimeout,
			Warning:       cfg.IdleWarning,
			CheckInterval: cfg.IdleCheckInterval,
		},
		MaxUsers: cfg.MaxTrackedUsers,
	}, clock, eventBus, perms, launcher, signOut, logger)
	if err != nil {
		logger.Error("Ошибка создания сервиса сессий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sessions.Close()

	access := service.NewAccessService(perms, launcher, permissionsWaitLimit, logger)
	state := service.NewStateService(store)

	// 9. Аутентификация API
	verifier, err := auth.NewTokenVerifier(cfg.JWTJWKSURL, cfg.JWTIssuer, 15*time.Minute, 5*time.Second, logger)
	if err != nil {
		logger.Error("Ошибка создания проверки токенов", slog.String("error", err.Error()))
		os.Exit(1)
	}
	secureCookie := isHTTPS(cfg.PublicURL)
	cookies, err := auth.NewSessionManager(cfg.SessionSecret, secureCookie)
	if err != nil {
		logger.Error("Ошибка создания менеджера сессий", slog.String("error", err.Error()))
		os.Exit(1)
	}
	authMW := middleware.NewAuth(verifier, cookies, oidcClient, sessions, logger)

	// 10. topologymetrics
	var pgDB *sql.DB
	if pool != nil {
		// Проверка идёт через существующий пул и обнаруживает его исчерпание
		pgDB = stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()
	}
	var deps handlers.DependencyReporter
	dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
		ServiceID:       "portal-module",
		Group:           cfg.DephealthGroup,
		DB:              pgDB,
		PGConnURL:       database.MigrationURL(cfg),
		KeycloakJWKSURL: cfg.JWTJWKSURL,
		Apps:            cfg.AppURLs,
		CheckInterval:   cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	} else if err := dephealthSvc.Start(ctx); err != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
	} else {
		defer dephealthSvc.Stop()
		deps = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 11. HTTP-сервер
	h := server.Handlers{
		Health:  handlers.NewHealthHandler(database.NewReadinessChecker(pool), kcChecker, deps),
		Auth:    handlers.NewAuthHandler(oidcClient, cookies, sessions, cfg.PublicURL, secureCookie, logger),
		Session: handlers.NewSessionHandler(sessions, cookies, logger),
		Access:  handlers.NewAccessHandler(access, logger),
		State:   handlers.NewStateHandler(state),
		Events:  handlers.NewEventsHandler(eventBus, cfg.SSEKeepalive, logger),

		Activity: sessions,
	}
	srv := server.New(cfg, logger, h, authMW)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Portal Module остановлен")
}

// openDatabase применяет миграции и создаёт пул. Ошибки логируются:
// при недоступной БД возвращается пул без проверки подключения.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) *pgxpool.Pool {
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err == nil {
		return pool
	}
	logger.Error("PostgreSQL недоступен, продолжаем без проверки подключения",
		slog.String("error", err.Error()),
	)

	pool, err = database.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка создания пула подключений", slog.String("error", err.Error()))
		return nil
	}
	return pool
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https"
}
