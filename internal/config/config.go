// Пакет config — загрузка и валидация конфигурации Portal Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Portal Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8010-8019)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Внешний URL портала (для redirect_uri OIDC)
	PublicURL string

	// --- PostgreSQL (хранилище ролей и прав) ---
	// Все параметры опциональны: без них сервис стартует, а резолвер прав
	// сообщает пользователю об ошибке конфигурации.

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Keycloak ---

	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Client ID публичного OIDC-клиента портала
	OIDCClientID string
	// Client ID для Keycloak Admin API (опционально, для принудительного logout)
	KeycloakAdminClientID string
	// Client Secret для Keycloak Admin API
	KeycloakAdminClientSecret string

	// --- JWT ---

	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string

	// --- Сессия ---

	// Ключ шифрования cookie сессии (минимум 16 символов)
	SessionSecret string
	// Время бездействия до принудительного выхода
	IdleTimeout time.Duration
	// За сколько до выхода показывать предупреждение
	IdleWarning time.Duration
	// Интервал периодической проверки бездействия
	IdleCheckInterval time.Duration
	// Максимум одновременно отслеживаемых пользователей
	MaxTrackedUsers int
	// Время жизни неиспользуемого резолвера прав
	ResolverTTL time.Duration

	// --- Передача учётных данных ---

	// Время жизни записи передачи учётных данных
	HandoffTTL time.Duration
	// Имя портала в параметре source
	SourceApp string
	// URL запуска прикладных приложений
	AppURLs map[model.AppID]string

	// --- Общее хранилище ---

	// Максимум записей в хранилище состояния
	StoreMaxEntries int
	// Интервал keepalive-комментариев SSE
	SSEKeepalive time.Duration

	// --- Мониторинг ---

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Группа сервиса в topologymetrics
	DephealthGroup string

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// PM_PORT — порт HTTP-сервера (по умолчанию 8010)
	cfg.Port, err = getEnvInt("PM_PORT", 8010)
	if err != nil {
		return nil, fmt.Errorf("PM_PORT: %w", err)
	}
	if cfg.Port < 8010 || cfg.Port > 8019 {
		return nil, fmt.Errorf("PM_PORT: значение %d вне допустимого диапазона 8010-8019", cfg.Port)
	}

	// PM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("PM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("PM_LOG_LEVEL: %w", err)
	}

	// PM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("PM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("PM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// PM_PUBLIC_URL — внешний URL портала (по умолчанию http://localhost:<port>)
	cfg.PublicURL = strings.TrimRight(
		getEnvDefault("PM_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")

	// --- PostgreSQL ---

	cfg.DBHost = getEnvDefault("PM_DB_HOST", "")
	cfg.DBPort, err = getEnvInt("PM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("PM_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("PM_DB_NAME", "")
	cfg.DBUser = getEnvDefault("PM_DB_USER", "")
	cfg.DBPassword = getEnvDefault("PM_DB_PASSWORD", "")

	// PM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("PM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("PM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Keycloak ---

	// PM_KEYCLOAK_URL — обязательный
	cfg.KeycloakURL, err = getEnvRequired("PM_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	// PM_KEYCLOAK_REALM — realm (по умолчанию portal)
	cfg.KeycloakRealm = getEnvDefault("PM_KEYCLOAK_REALM", "portal")

	// PM_OIDC_CLIENT_ID — публичный клиент портала (по умолчанию portal-ui)
	cfg.OIDCClientID = getEnvDefault("PM_OIDC_CLIENT_ID", "portal-ui")

	// PM_KEYCLOAK_ADMIN_CLIENT_ID / SECRET — задаются только парой
	cfg.KeycloakAdminClientID = getEnvDefault("PM_KEYCLOAK_ADMIN_CLIENT_ID", "")
	cfg.KeycloakAdminClientSecret = getEnvDefault("PM_KEYCLOAK_ADMIN_CLIENT_SECRET", "")
	if (cfg.KeycloakAdminClientID == "") != (cfg.KeycloakAdminClientSecret == "") {
		return nil, fmt.Errorf("PM_KEYCLOAK_ADMIN_CLIENT_ID и PM_KEYCLOAK_ADMIN_CLIENT_SECRET задаются вместе")
	}

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("PM_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))
	cfg.JWTJWKSURL = getEnvDefault("PM_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))

	// --- Сессия ---

	// PM_SESSION_SECRET — обязательный
	cfg.SessionSecret, err = getEnvRequired("PM_SESSION_SECRET")
	if err != nil {
		return nil, err
	}
	if len(cfg.SessionSecret) < 16 {
		return nil, fmt.Errorf("PM_SESSION_SECRET: минимальная длина 16 символов")
	}

	// PM_IDLE_TIMEOUT — бездействие до выхода (по умолчанию 5m)
	cfg.IdleTimeout, err = getEnvDuration("PM_IDLE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_IDLE_TIMEOUT: %w", err)
	}

	// PM_IDLE_WARNING — предупреждение до выхода (по умолчанию 1m)
	cfg.IdleWarning, err = getEnvDuration("PM_IDLE_WARNING", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_IDLE_WARNING: %w", err)
	}

	// PM_IDLE_CHECK_INTERVAL — периодическая проверка (по умолчанию 10s)
	cfg.IdleCheckInterval, err = getEnvDuration("PM_IDLE_CHECK_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_IDLE_CHECK_INTERVAL: %w", err)
	}

	if cfg.IdleTimeout <= 0 || cfg.IdleCheckInterval <= 0 {
		return nil, fmt.Errorf("PM_IDLE_TIMEOUT и PM_IDLE_CHECK_INTERVAL должны быть положительными")
	}
	if cfg.IdleWarning <= 0 || cfg.IdleWarning >= cfg.IdleTimeout {
		return nil, fmt.Errorf("PM_IDLE_WARNING: значение %s должно быть в интервале (0, %s)", cfg.IdleWarning, cfg.IdleTimeout)
	}

	// PM_MAX_TRACKED_USERS — предел числа пользователей (по умолчанию 10000)
	cfg.MaxTrackedUsers, err = getEnvInt("PM_MAX_TRACKED_USERS", 10000)
	if err != nil {
		return nil, fmt.Errorf("PM_MAX_TRACKED_USERS: %w", err)
	}
	if cfg.MaxTrackedUsers < 1 {
		return nil, fmt.Errorf("PM_MAX_TRACKED_USERS: значение %d должно быть положительным", cfg.MaxTrackedUsers)
	}

	// PM_RESOLVER_TTL — время жизни неиспользуемого резолвера (по умолчанию 30m)
	cfg.ResolverTTL, err = getEnvDuration("PM_RESOLVER_TTL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("PM_RESOLVER_TTL: %w", err)
	}

	// --- Передача учётных данных ---

	// PM_HANDOFF_TTL — время жизни записи передачи (по умолчанию 30s)
	cfg.HandoffTTL, err = getEnvDuration("PM_HANDOFF_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_HANDOFF_TTL: %w", err)
	}
	if cfg.HandoffTTL <= 0 {
		return nil, fmt.Errorf("PM_HANDOFF_TTL: значение должно быть положительным")
	}

	// PM_SOURCE_APP — имя портала в параметре source (по умолчанию portal)
	cfg.SourceApp = getEnvDefault("PM_SOURCE_APP", "portal")

	// PM_APP_<NAME>_URL — URL запуска приложения (опционально)
	cfg.AppURLs = make(map[model.AppID]string)
	for _, app := range model.KnownApps() {
		key := "PM_APP_" + strings.ToUpper(string(app)) + "_URL"
		raw := getEnvDefault(key, "")
		if raw == "" {
			continue
		}
		u, perr := url.Parse(raw)
		if perr != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("%s: некорректный URL %q", key, raw)
		}
		cfg.AppURLs[app] = raw
	}

	// --- Общее хранилище ---

	// PM_STORE_MAX_ENTRIES — предел записей хранилища (по умолчанию 10000)
	cfg.StoreMaxEntries, err = getEnvInt("PM_STORE_MAX_ENTRIES", 10000)
	if err != nil {
		return nil, fmt.Errorf("PM_STORE_MAX_ENTRIES: %w", err)
	}
	if cfg.StoreMaxEntries < 1 {
		return nil, fmt.Errorf("PM_STORE_MAX_ENTRIES: значение %d должно быть положительным", cfg.StoreMaxEntries)
	}

	// PM_SSE_KEEPALIVE — интервал keepalive SSE (по умолчанию 15s)
	cfg.SSEKeepalive, err = getEnvDuration("PM_SSE_KEEPALIVE", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_SSE_KEEPALIVE: %w", err)
	}

	// --- Мониторинг ---

	cfg.DephealthCheckInterval, err = getEnvDuration("PM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("PM_DEPHEALTH_GROUP", "portal")

	// --- Graceful shutdown ---

	// PM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("PM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("PM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseConfigured сообщает, заданы ли параметры подключения к PostgreSQL.
func (c *Config) DatabaseConfigured() bool {
	return c.DBHost != "" && c.DBName != "" && c.DBUser != ""
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// KeycloakAdminConfigured сообщает, задан ли клиент Keycloak Admin API.
func (c *Config) KeycloakAdminConfigured() bool {
	return c.KeycloakAdminClientID != ""
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
