// Точка входа Access Module — модуль физического контроля доступа.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт репозитории и сервисный слой (конвергенция, сверка платежей,
// ингестия журналов), запускает фоновые задачи (повторы, ингестия,
// topologymetrics), HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/fitgate/access-module/internal/api/handlers"
	"github.com/fitgate/access-module/internal/api/middleware"
	"github.com/fitgate/access-module/internal/config"
	"github.com/fitgate/access-module/internal/database"
	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
	"github.com/fitgate/access-module/internal/hardware/controlid"
	"github.com/fitgate/access-module/internal/hardware/litenet"
	"github.com/fitgate/access-module/internal/repository"
	"github.com/fitgate/access-module/internal/server"
	"github.com/fitgate/access-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Access Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("AC_DEPHEALTH_GROUP") == "" {
		logger.Warn("AC_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL будет идти через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	deviceRepo := repository.NewDeviceRepository(pool)
	personRepo := repository.NewPersonRepository(pool)
	bindingRepo := repository.NewBindingRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)
	accessLogRepo := repository.NewAccessLogRepository(pool)
	txRunner := repository.NewTxRunner(pool)

	// 6. Фабрика вендорских адаптеров. Общий HTTP-клиент: соединения с
	// устройствами переиспользуются между конвергенцией и ингестией.
	vendorHTTPClient := &http.Client{Timeout: cfg.VendorCallTimeout + 5*time.Second}
	adapters := func(device *model.Device) (hardware.Adapter, error) {
		switch device.Vendor {
		case model.VendorControlID:
			return controlid.New(device, vendorHTTPClient, logger), nil
		case model.VendorLiteNet:
			return litenet.New(device, vendorHTTPClient, logger), nil
		default:
			return nil, fmt.Errorf("неизвестный вендор устройства %s: %q", device.ID, device.Vendor)
		}
	}

	// 7. Services
	convergenceSvc := service.NewConvergenceService(
		deviceRepo, personRepo, bindingRepo,
		adapters,
		cfg.VendorCallTimeout,
		cfg.RetryInterval,
		cfg.RetryMaxBackoff,
		cfg.DegradedThreshold,
		logger,
	)
	reconcileSvc := service.NewReconcileService(
		paymentRepo, personRepo, convergenceSvc,
		cfg.GraceWindow,
		logger,
	)
	ingestSvc := service.NewIngestService(
		deviceRepo, bindingRepo, accessLogRepo,
		adapters,
		cfg.IngestInterval,
		cfg.BindingCacheSize,
		cfg.BindingCacheTTL,
		cfg.DegradedThreshold,
		logger,
	)
	deviceSvc := service.NewDeviceService(deviceRepo, txRunner, logger)

	// 8. Readiness checker и API handler
	pgChecker := database.NewReadinessChecker(pool)
	healthHandler := handlers.NewHealthHandler(pgChecker)

	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		convergenceSvc,
		reconcileSvc,
		deviceSvc,
		accessLogRepo,
		cfg.WebhookSecret,
		logger,
	)

	// 9. JWT middleware (опционально: AC_JWT_JWKS_URL пуст — auth отключена)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWTJWKSURL, cfg.JWTIssuer, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("AC_JWT_JWKS_URL не задан, API работает без аутентификации")
	}

	// 10. Запуск фоновых задач
	convergenceSvc.Start(ctx)
	ingestSvc.Start(ctx)

	// 10.1 topologymetrics — мониторинг зависимостей (PostgreSQL + платёжный провайдер)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"access-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.ProviderHealthURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	ingestSvc.Stop()
	convergenceSvc.Stop()

	logger.Info("Access Module остановлен")
}
