// dephealth.go — интеграция с topologymetrics SDK для мониторинга зависимостей.
//
// Portal Module мониторит:
//   - PostgreSQL — SQL checker через существующий pgxpool (connection pool mode, critical),
//     только если хранилище прав настроено
//   - Keycloak — HTTP checker к JWKS endpoint (critical)
//   - прикладные приложения — HTTP checker к URL запуска (non-critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"sort"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для Keycloak и приложений
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"     // PostgreSQL checker (pool mode)
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// DephealthConfig — параметры мониторинга зависимостей.
type DephealthConfig struct {
	// ServiceID — имя вершины графа текущего приложения.
	ServiceID string
	// Group — имя группы в метриках (PM_DEPHEALTH_GROUP).
	Group string
	// DB — *sql.DB из pgxpool через stdlib.OpenDBFromPool(); nil, если PostgreSQL не настроен.
	DB *sql.DB
	// PGConnURL — URL PostgreSQL для лейблов (не для подключения).
	PGConnURL string
	// KeycloakJWKSURL — URL JWKS endpoint Keycloak.
	KeycloakJWKSURL string
	// Apps — URL запуска прикладных приложений.
	Apps map[model.AppID]string
	// CheckInterval — интервал проверки (PM_DEPHEALTH_CHECK_INTERVAL).
	CheckInterval time.Duration
}

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(cfg DephealthConfig, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(cfg, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}

	if cfg.DB != nil {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.PGConnURL),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(true),
		))
	}

	// /health у Keycloak доступен только на management порту,
	// поэтому проверяется путь самого JWKS URL.
	opts = append(opts, dephealth.HTTP("keycloak-jwks",
		dephealth.FromURL(cfg.KeycloakJWKSURL),
		dephealth.WithHTTPHealthPath(urlPath(cfg.KeycloakJWKSURL, "/health")),
		dephealth.CheckInterval(cfg.CheckInterval),
		dephealth.Critical(true),
		dephealth.WithHTTPTLSSkipVerify(true), // Dev-среда: self-signed сертификаты
	))

	// Порядок приложений фиксирован для стабильных лейблов
	apps := make([]string, 0, len(cfg.Apps))
	for app := range cfg.Apps {
		apps = append(apps, string(app))
	}
	sort.Strings(apps)
	for _, app := range apps {
		target := cfg.Apps[model.AppID(app)]
		opts = append(opts, dephealth.HTTP("app-"+app,
			dephealth.FromURL(target),
			dephealth.WithHTTPHealthPath(urlPath(target, "/")),
			dephealth.CheckInterval(cfg.CheckInterval),
			dephealth.Critical(false),
		))
	}

	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// urlPath возвращает path из URL или fallback.
func urlPath(raw, fallback string) string {
	if parsed, err := url.Parse(raw); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return fallback
}
