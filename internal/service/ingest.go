// ingest.go — фоновая ингестия журналов проходов с устройств.
//
// IngestService по ticker (AC_INGEST_INTERVAL) обходит активные устройства
// всех клубов (до 5 параллельно) и выгружает события начиная с watermark
// устройства. Дедупликацию выполняет ограничение уникальности
// (device_id, event_at, direction): повторная выгрузка перекрывающегося
// окна не создаёт дублей. Watermark двигается только после записи пачки.
//
// Разрешение вендорского пользователя в персону кэшируется в expirable
// LRU: журналы приходят пачками по одним и тем же людям.
//
// Prometheus-метрики:
//   - ac_ingest_events_total — события по результатам (stored, duplicate, unresolved)
//   - ac_ingest_duration_seconds — длительность цикла по устройству
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
	"github.com/fitgate/access-module/internal/repository"
)

// Prometheus-метрики ингестии.
var (
	ingestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_ingest_events_total",
		Help: "События журналов проходов по результатам обработки",
	}, []string{"device_id", "result"}) // result: stored, duplicate, unresolved

	ingestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ac_ingest_duration_seconds",
		Help:    "Длительность цикла ингестии по устройству",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s … ~51s
	}, []string{"device_id"})
)

// defaultLookback — окно первой выгрузки устройства без watermark.
const defaultLookback = 24 * time.Hour

// IngestService — фоновый сервис ингестии журналов проходов.
type IngestService struct {
	deviceRepo    repository.DeviceRepository
	bindingRepo   repository.BindingRepository
	accessLogRepo repository.AccessLogRepository
	adapters      hardware.Factory
	health        *deviceHealth

	interval time.Duration
	logger   *slog.Logger

	// Кэш разрешения gymID/vendorUserID → personID
	bindingCache *lru.LRU[string, string]

	cancel context.CancelFunc
	done   chan struct{}
}

// NewIngestService создаёт сервис ингестии журналов.
func NewIngestService(
	deviceRepo repository.DeviceRepository,
	bindingRepo repository.BindingRepository,
	accessLogRepo repository.AccessLogRepository,
	adapters hardware.Factory,
	interval time.Duration,
	cacheSize int,
	cacheTTL time.Duration,
	degradedThreshold int,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		deviceRepo:    deviceRepo,
		bindingRepo:   bindingRepo,
		accessLogRepo: accessLogRepo,
		adapters:      adapters,
		health:        newDeviceHealth(deviceRepo, degradedThreshold, logger),
		interval:      interval,
		logger:        logger.With(slog.String("component", "ingest")),
		bindingCache:  lru.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

// Start запускает фоновую горутину с периодической ингестией.
// Вызывается один раз при старте приложения.
func (s *IngestService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическая ингестия журналов запущена",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическая ингестия журналов остановлена")
				return
			case <-ticker.C:
				results, err := s.IngestAll(ctx)
				if err != nil {
					s.logger.Error("Ошибка цикла ингестии", slog.String("error", err.Error()))
				} else if len(results) > 0 {
					s.logger.Debug("Цикл ингестии завершён",
						slog.Int("device_count", len(results)),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *IngestService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// IngestAll обходит активные устройства всех клубов (до 5 параллельно).
func (s *IngestService) IngestAll(ctx context.Context) ([]*model.IngestResult, error) {
	devices, err := s.deviceRepo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение активных устройств: %w", err)
	}
	if len(devices) == 0 {
		return nil, nil
	}

	const maxConcurrency = 5
	sem := make(chan struct{}, maxConcurrency)

	var mu sync.Mutex
	var results []*model.IngestResult

	var wg sync.WaitGroup
	for _, device := range devices {
		wg.Add(1)
		go func(d *model.Device) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := s.IngestDevice(ctx, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("Ошибка ингестии устройства",
					slog.String("device_id", d.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			results = append(results, result)
		}(device)
	}
	wg.Wait()

	return results, nil
}

// IngestDevice выгружает и записывает события одного устройства.
func (s *IngestService) IngestDevice(ctx context.Context, device *model.Device) (*model.IngestResult, error) {
	started := time.Now()
	defer func() {
		ingestDuration.WithLabelValues(device.ID).Observe(time.Since(started).Seconds())
	}()

	adapter, err := s.adapters(device)
	if err != nil {
		return nil, fmt.Errorf("создание адаптера: %w", err)
	}

	// Watermark устройства; для первой выгрузки — окно в сутки
	since := time.Now().UTC().Add(-defaultLookback)
	if device.LastEventAt != nil {
		since = *device.LastEventAt
	}

	events, err := adapter.FetchEvents(ctx, since)
	if err != nil {
		s.health.noteFailure(ctx, device)
		return nil, fmt.Errorf("выгрузка событий: %w", err)
	}
	s.health.noteSuccess(ctx, device)

	result := &model.IngestResult{DeviceID: device.ID, Fetched: len(events)}

	var watermark time.Time
	if device.LastEventAt != nil {
		watermark = *device.LastEventAt
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		personID := s.resolvePerson(ctx, device.GymID, ev.VendorUserID)

		entry := &model.AccessLogEntry{
			GymID:        device.GymID,
			DeviceID:     device.ID,
			PersonID:     personID,
			VendorUserID: ev.VendorUserID,
			Direction:    ev.Direction,
			EventAt:      ev.OccurredAt,
		}

		inserted, err := s.accessLogRepo.Insert(ctx, entry)
		if err != nil {
			// Watermark не двигаем дальше последнего записанного события:
			// недописанная пачка будет выгружена повторно
			return nil, fmt.Errorf("запись события: %w", err)
		}

		if inserted {
			result.Stored++
			ingestEventsTotal.WithLabelValues(device.ID, "stored").Inc()
		} else {
			result.Duplicates++
			ingestEventsTotal.WithLabelValues(device.ID, "duplicate").Inc()
		}
		if personID == nil {
			result.Unresolved++
			ingestEventsTotal.WithLabelValues(device.ID, "unresolved").Inc()
		}

		if ev.OccurredAt.After(watermark) {
			watermark = ev.OccurredAt
		}
	}

	// Watermark двигается только после записи всей пачки
	if !watermark.IsZero() && (device.LastEventAt == nil || watermark.After(*device.LastEventAt)) {
		if err := s.deviceRepo.UpdateWatermark(ctx, device.ID, watermark); err != nil {
			return nil, fmt.Errorf("обновление watermark: %w", err)
		}
		result.Watermark = &watermark
	}

	if result.Fetched > 0 {
		s.logger.Info("Ингестия устройства завершена",
			slog.String("device_id", device.ID),
			slog.Int("fetched", result.Fetched),
			slog.Int("stored", result.Stored),
			slog.Int("duplicates", result.Duplicates),
			slog.Int("unresolved", result.Unresolved),
		)
	}

	return result, nil
}

// resolvePerson разрешает вендорского пользователя в персону через кэш.
// Неразрешённые идентификаторы не кэшируются: привязка может появиться.
func (s *IngestService) resolvePerson(ctx context.Context, gymID, vendorUserID string) *string {
	if vendorUserID == "" {
		return nil
	}

	key := gymID + "/" + vendorUserID
	if personID, ok := s.bindingCache.Get(key); ok {
		return &personID
	}

	binding, err := s.bindingRepo.GetByVendorUserID(ctx, gymID, vendorUserID)
	if err != nil {
		// ErrNotFound — событие остаётся как сырой аудит с person_id = NULL
		return nil
	}

	s.bindingCache.Add(key, binding.PersonID)
	return &binding.PersonID
}
