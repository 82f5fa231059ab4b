// Пакет config — загрузка и валидация конфигурации Access Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Access Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Платёжный провайдер ---

	// Секрет HMAC-подписи webhook-уведомлений (пусто — подпись не проверяется)
	WebhookSecret string
	// Грейс-период между неуспешным платежом и приостановкой членства
	GraceWindow time.Duration
	// URL health-endpoint провайдера для мониторинга зависимостей (опционально)
	ProviderHealthURL string

	// --- JWT (админские endpoints; webhook защищён HMAC-подписью) ---

	// URL JWKS endpoint (пусто — аутентификация отключена, dev-режим)
	JWTJWKSURL string
	// Issuer JWT
	JWTIssuer string

	// --- Синхронизация с оборудованием ---

	// Интервал опроса журналов устройств
	IngestInterval time.Duration
	// Интервал повторов незавершённой конвергенции
	RetryInterval time.Duration
	// Верхняя граница экспоненциального backoff по устройству
	RetryMaxBackoff time.Duration
	// Порог последовательных ошибок до пометки устройства degraded
	DegradedThreshold int
	// Таймаут одного вендорского вызова
	VendorCallTimeout time.Duration

	// --- Кэш привязок (ингестия) ---

	// Максимальный размер LRU-кэша привязок
	BindingCacheSize int
	// TTL записи кэша привязок
	BindingCacheTTL time.Duration

	// --- Мониторинг зависимостей ---

	// Группа topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

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

	// AC_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("AC_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("AC_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AC_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AC_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AC_LOG_LEVEL: %w", err)
	}

	// AC_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// AC_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("AC_DB_HOST")
	if err != nil {
		return nil, err
	}

	// AC_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("AC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AC_DB_PORT: %w", err)
	}

	// AC_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("AC_DB_NAME")
	if err != nil {
		return nil, err
	}

	// AC_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("AC_DB_USER")
	if err != nil {
		return nil, err
	}

	// AC_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("AC_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// AC_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("AC_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AC_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Платёжный провайдер ---

	// AC_WEBHOOK_SECRET — секрет подписи webhook (опционально)
	cfg.WebhookSecret = getEnvDefault("AC_WEBHOOK_SECRET", "")

	// AC_GRACE_WINDOW — грейс-период (по умолчанию 72h)
	cfg.GraceWindow, err = getEnvDuration("AC_GRACE_WINDOW", 72*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AC_GRACE_WINDOW: %w", err)
	}

	// AC_PROVIDER_HEALTH_URL — health-endpoint провайдера (опционально)
	cfg.ProviderHealthURL = getEnvDefault("AC_PROVIDER_HEALTH_URL", "")

	// --- JWT ---

	// AC_JWT_JWKS_URL — пусто означает отключённую аутентификацию
	cfg.JWTJWKSURL = getEnvDefault("AC_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("AC_JWT_ISSUER", "")
	if cfg.JWTJWKSURL != "" && cfg.JWTIssuer == "" {
		return nil, fmt.Errorf("AC_JWT_ISSUER: обязателен при заданном AC_JWT_JWKS_URL")
	}

	// --- Синхронизация с оборудованием ---

	// AC_INGEST_INTERVAL — интервал опроса журналов (по умолчанию 30s)
	cfg.IngestInterval, err = getEnvDuration("AC_INGEST_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_INGEST_INTERVAL: %w", err)
	}

	// AC_RETRY_INTERVAL — интервал повторов конвергенции (по умолчанию 1m)
	cfg.RetryInterval, err = getEnvDuration("AC_RETRY_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AC_RETRY_INTERVAL: %w", err)
	}

	// AC_RETRY_MAX_BACKOFF — граница backoff (по умолчанию 15m)
	cfg.RetryMaxBackoff, err = getEnvDuration("AC_RETRY_MAX_BACKOFF", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AC_RETRY_MAX_BACKOFF: %w", err)
	}

	// AC_DEGRADED_THRESHOLD — порог degraded (по умолчанию 5)
	cfg.DegradedThreshold, err = getEnvInt("AC_DEGRADED_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("AC_DEGRADED_THRESHOLD: %w", err)
	}
	if cfg.DegradedThreshold < 1 {
		return nil, fmt.Errorf("AC_DEGRADED_THRESHOLD: значение %d должно быть >= 1", cfg.DegradedThreshold)
	}

	// AC_VENDOR_CALL_TIMEOUT — таймаут вендорского вызова (по умолчанию 10s)
	cfg.VendorCallTimeout, err = getEnvDuration("AC_VENDOR_CALL_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_VENDOR_CALL_TIMEOUT: %w", err)
	}

	// --- Кэш привязок ---

	// AC_BINDING_CACHE_SIZE — размер LRU-кэша (по умолчанию 10000)
	cfg.BindingCacheSize, err = getEnvInt("AC_BINDING_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("AC_BINDING_CACHE_SIZE: %w", err)
	}
	if cfg.BindingCacheSize < 1 {
		return nil, fmt.Errorf("AC_BINDING_CACHE_SIZE: значение %d должно быть >= 1", cfg.BindingCacheSize)
	}

	// AC_BINDING_CACHE_TTL — TTL кэша (по умолчанию 5m)
	cfg.BindingCacheTTL, err = getEnvDuration("AC_BINDING_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AC_BINDING_CACHE_TTL: %w", err)
	}

	// --- Мониторинг зависимостей ---

	// AC_DEPHEALTH_GROUP — группа topologymetrics (по умолчанию fitgate)
	cfg.DephealthGroup = getEnvDefault("AC_DEPHEALTH_GROUP", "fitgate")

	// AC_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("AC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	// AC_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("AC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для метрик мониторинга).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
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
