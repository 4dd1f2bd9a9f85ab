package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/portal-module/internal/domain/model"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"PM_KEYCLOAK_URL":   "https://keycloak.kryukov.lan",
		"PM_SESSION_SECRET": "0123456789abcdef0123",
	}
}

// loadWith очищает минимальный набор и загружает конфигурацию с envs.
func loadWith(t *testing.T, envs map[string]string) (*Config, error) {
	t.Helper()
	for k := range minimalEnvs() {
		os.Unsetenv(k)
	}
	setEnvs(t, envs)
	return Load()
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8010 {
		t.Errorf("Port = %d, ожидается 8010", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.PublicURL != "http://localhost:8010" {
		t.Errorf("PublicURL = %q, ожидается http://localhost:8010", cfg.PublicURL)
	}
	if cfg.KeycloakRealm != "portal" {
		t.Errorf("KeycloakRealm = %q, ожидается portal", cfg.KeycloakRealm)
	}
	if cfg.OIDCClientID != "portal-ui" {
		t.Errorf("OIDCClientID = %q, ожидается portal-ui", cfg.OIDCClientID)
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, ожидается 5m", cfg.IdleTimeout)
	}
	if cfg.IdleWarning != time.Minute {
		t.Errorf("IdleWarning = %v, ожидается 1m", cfg.IdleWarning)
	}
	if cfg.IdleCheckInterval != 10*time.Second {
		t.Errorf("IdleCheckInterval = %v, ожидается 10s", cfg.IdleCheckInterval)
	}
	if cfg.HandoffTTL != 30*time.Second {
		t.Errorf("HandoffTTL = %v, ожидается 30s", cfg.HandoffTTL)
	}
	if cfg.SourceApp != "portal" {
		t.Errorf("SourceApp = %q, ожидается portal", cfg.SourceApp)
	}
	if len(cfg.AppURLs) != 0 {
		t.Errorf("AppURLs = %v, ожидается пустой", cfg.AppURLs)
	}
	if cfg.DatabaseConfigured() {
		t.Error("DatabaseConfigured() = true без PM_DB_*")
	}
	if cfg.KeycloakAdminConfigured() {
		t.Error("KeycloakAdminConfigured() = true без клиента")
	}
	if cfg.StoreMaxEntries != 10000 {
		t.Errorf("StoreMaxEntries = %d, ожидается 10000", cfg.StoreMaxEntries)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_JWTAutoDerive(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	expectedIssuer := "https://keycloak.kryukov.lan/realms/portal"
	if cfg.JWTIssuer != expectedIssuer {
		t.Errorf("JWTIssuer = %q, ожидается %q", cfg.JWTIssuer, expectedIssuer)
	}

	expectedJWKS := "https://keycloak.kryukov.lan/realms/portal/protocol/openid-connect/certs"
	if cfg.JWTJWKSURL != expectedJWKS {
		t.Errorf("JWTJWKSURL = %q, ожидается %q", cfg.JWTJWKSURL, expectedJWKS)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["PM_PORT"] = "8015"
	envs["PM_LOG_LEVEL"] = "debug"
	envs["PM_LOG_FORMAT"] = "text"
	envs["PM_DB_HOST"] = "db"
	envs["PM_DB_NAME"] = "portal"
	envs["PM_DB_USER"] = "portal"
	envs["PM_DB_PASSWORD"] = "secret"
	envs["PM_IDLE_TIMEOUT"] = "15m"
	envs["PM_IDLE_WARNING"] = "2m"
	envs["PM_IDLE_CHECK_INTERVAL"] = "5s"
	envs["PM_APP_FIMS_URL"] = "https://fims.gov.local/launch"
	envs["PM_KEYCLOAK_ADMIN_CLIENT_ID"] = "portal-admin"
	envs["PM_KEYCLOAK_ADMIN_CLIENT_SECRET"] = "kc-secret"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8015 {
		t.Errorf("Port = %d, ожидается 8015", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if !cfg.DatabaseConfigured() {
		t.Error("DatabaseConfigured() = false при заданных PM_DB_*")
	}
	if !cfg.KeycloakAdminConfigured() {
		t.Error("KeycloakAdminConfigured() = false при заданном клиенте")
	}
	if cfg.IdleTimeout != 15*time.Minute || cfg.IdleWarning != 2*time.Minute || cfg.IdleCheckInterval != 5*time.Second {
		t.Errorf("idle = %v/%v/%v, ожидается 15m/2m/5s", cfg.IdleTimeout, cfg.IdleWarning, cfg.IdleCheckInterval)
	}
	if got := cfg.AppURLs[model.AppFIMS]; got != "https://fims.gov.local/launch" {
		t.Errorf("AppURLs[fims] = %q", got)
	}
	if _, ok := cfg.AppURLs[model.AppEmployee]; ok {
		t.Error("AppURLs[employee] задан, хотя переменная отсутствует")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	for missing := range minimalEnvs() {
		t.Run(missing, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, missing)
			if _, err := loadWith(t, envs); err == nil {
				t.Errorf("Load() не вернул ошибку при отсутствии %s", missing)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"порт ниже диапазона", "PM_PORT", "8009"},
		{"порт выше диапазона", "PM_PORT", "8020"},
		{"порт не число", "PM_PORT", "abc"},
		{"уровень логирования", "PM_LOG_LEVEL", "verbose"},
		{"формат логов", "PM_LOG_FORMAT", "xml"},
		{"режим SSL", "PM_DB_SSL_MODE", "prefer"},
		{"короткий секрет", "PM_SESSION_SECRET", "short"},
		{"некорректная длительность", "PM_IDLE_TIMEOUT", "abc"},
		{"предупреждение не меньше таймаута", "PM_IDLE_WARNING", "5m"},
		{"нулевой интервал проверки", "PM_IDLE_CHECK_INTERVAL", "0s"},
		{"нулевой TTL передачи", "PM_HANDOFF_TTL", "0s"},
		{"URL приложения без схемы", "PM_APP_EMPLOYEE_URL", "employee.local/launch"},
		{"размер хранилища", "PM_STORE_MAX_ENTRIES", "0"},
		{"admin-клиент без секрета", "PM_KEYCLOAK_ADMIN_CLIENT_ID", "portal-admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.value
			if _, err := loadWith(t, envs); err == nil {
				t.Errorf("Load() не вернул ошибку при %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_KeycloakURLTrailingSlash(t *testing.T) {
	envs := minimalEnvs()
	envs["PM_KEYCLOAK_URL"] = "https://keycloak.kryukov.lan/"

	cfg, err := loadWith(t, envs)
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.KeycloakURL != "https://keycloak.kryukov.lan" {
		t.Errorf("KeycloakURL = %q, ожидается без trailing slash", cfg.KeycloakURL)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.example.com",
		DBPort:     5432,
		DBName:     "portal",
		DBUser:     "user",
		DBPassword: "pass",
		DBSSLMode:  "disable",
	}
	expected := "host=db.example.com port=5432 dbname=portal user=user password=pass sslmode=disable"
	if dsn := cfg.DatabaseDSN(); dsn != expected {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", dsn, expected)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			logger := SetupLogger(&Config{LogLevel: slog.LevelInfo, LogFormat: format})
			if logger == nil {
				t.Error("SetupLogger() вернул nil")
			}
		})
	}
}
