// convergence.go — движок сведения состояния оборудования к желаемому.
//
// ConvergenceService — единственный писатель identity_bindings. Конвергенция
// пары (клуб, персона) вычисляет целевое состояние из статуса членства и
// административной блокировки и применяет grant/revoke на активном
// устройстве клуба. Состояние привязки обновляется только после успешного
// вендорского вызова: неудавшийся revoke никогда не помечается blocked.
//
// Конкурентные запросы конвергенции одной пары коалесцируются: выполняющийся
// проход повторяется после завершения вместо параллельного запуска.
//
// Фоновая горутина повторяет незавершённые конвергенции (pending_sync)
// с экспоненциальным backoff по привязке.
//
// Prometheus-метрики:
//   - ac_converge_total — результаты конвергенций (success, noop, failed)
//   - ac_converge_duration_seconds — длительность конвергенции
//   - ac_vendor_calls_total — вендорские вызовы по операциям
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fitgate/access-module/internal/domain/access"
	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
	"github.com/fitgate/access-module/internal/repository"
)

// Prometheus-метрики движка конвергенции.
var (
	convergeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_converge_total",
		Help: "Результаты конвергенций",
	}, []string{"result"}) // result: success, noop, failed

	convergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ac_converge_duration_seconds",
		Help:    "Длительность одной конвергенции",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms … ~25s
	})

	vendorCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ac_vendor_calls_total",
		Help: "Вендорские вызовы к оборудованию",
	}, []string{"vendor", "op", "result"}) // op: create_user, enroll_face, grant, revoke
)

// convergeSlot — слот коалесцирования конвергенций одной пары (клуб, персона).
type convergeSlot struct {
	running bool
	rerun   bool
}

// ConvergenceService — движок сведения состояния оборудования.
type ConvergenceService struct {
	deviceRepo  repository.DeviceRepository
	personRepo  repository.PersonRepository
	bindingRepo repository.BindingRepository
	adapters    hardware.Factory
	health      *deviceHealth

	vendorTimeout time.Duration
	retryInterval time.Duration
	maxBackoff    time.Duration
	logger        *slog.Logger

	// Слоты коалесцирования по ключу gymID/personID
	mu    sync.Mutex
	slots map[string]*convergeSlot

	// Состояние backoff повторов по ID привязки
	retryMu     sync.Mutex
	retryCount  map[string]int
	retryNextAt map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConvergenceService создаёт движок конвергенции.
func NewConvergenceService(
	deviceRepo repository.DeviceRepository,
	personRepo repository.PersonRepository,
	bindingRepo repository.BindingRepository,
	adapters hardware.Factory,
	vendorTimeout time.Duration,
	retryInterval time.Duration,
	maxBackoff time.Duration,
	degradedThreshold int,
	logger *slog.Logger,
) *ConvergenceService {
	return &ConvergenceService{
		deviceRepo:    deviceRepo,
		personRepo:    personRepo,
		bindingRepo:   bindingRepo,
		adapters:      adapters,
		health:        newDeviceHealth(deviceRepo, degradedThreshold, logger),
		vendorTimeout: vendorTimeout,
		retryInterval: retryInterval,
		maxBackoff:    maxBackoff,
		logger:        logger.With(slog.String("component", "convergence")),
		slots:         make(map[string]*convergeSlot),
		retryCount:    make(map[string]int),
		retryNextAt:   make(map[string]time.Time),
	}
}

// Converge сводит состояние оборудования персоны к желаемому.
// Конкурентные вызовы одной пары коалесцируются: если проход уже идёт,
// он будет повторён после завершения, а вызов вернётся сразу.
func (s *ConvergenceService) Converge(ctx context.Context, gymID, personID string) error {
	key := gymID + "/" + personID

	s.mu.Lock()
	slot, ok := s.slots[key]
	if !ok {
		slot = &convergeSlot{}
		s.slots[key] = slot
	}
	if slot.running {
		// Выполняющийся проход увидит флаг и повторит конвергенцию
		slot.rerun = true
		s.mu.Unlock()
		return nil
	}
	slot.running = true
	s.mu.Unlock()

	for {
		err := s.convergeOnce(ctx, gymID, personID)

		// Снятие running и финальная проверка rerun — в одной критической
		// секции: триггер, пришедший между ними, не может потеряться.
		// Свободный слот удаляется, чтобы карта не росла по паре навсегда.
		s.mu.Lock()
		if !slot.rerun {
			slot.running = false
			delete(s.slots, key)
			s.mu.Unlock()
			return err
		}
		slot.rerun = false
		s.mu.Unlock()
	}
}

// convergeOnce выполняет один проход конвергенции.
func (s *ConvergenceService) convergeOnce(ctx context.Context, gymID, personID string) error {
	started := time.Now()
	defer func() {
		convergeDuration.Observe(time.Since(started).Seconds())
	}()

	person, err := s.personRepo.GetByID(ctx, personID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: персона %s", ErrNotFound, personID)
		}
		return fmt.Errorf("получение персоны: %w", err)
	}

	binding, err := s.bindingRepo.GetByPerson(ctx, gymID, personID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Персона не зарегистрирована на оборудовании — сводить нечего
			convergeTotal.WithLabelValues("noop").Inc()
			return nil
		}
		return fmt.Errorf("получение привязки: %w", err)
	}
	if binding.VendorUserID == nil {
		convergeTotal.WithLabelValues("noop").Inc()
		return nil
	}

	device, err := s.deviceRepo.GetActiveByGym(ctx, gymID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Без активного устройства желаемое состояние тривиально достигнуто
			convergeTotal.WithLabelValues("noop").Inc()
			return nil
		}
		return fmt.Errorf("получение активного устройства: %w", err)
	}

	desired := access.DesiredState(person)
	if string(desired) == binding.HardwareState {
		// Состояние уже целевое; снимаем флаг повтора, если он остался
		if binding.PendingSync {
			binding.PendingSync = false
			if err := s.bindingRepo.Update(ctx, binding); err != nil {
				return fmt.Errorf("снятие pending_sync: %w", err)
			}
			s.clearRetry(binding.ID)
		}
		convergeTotal.WithLabelValues("noop").Inc()
		return nil
	}

	adapter, err := s.adapters(device)
	if err != nil {
		return fmt.Errorf("создание адаптера устройства %s: %w", device.ID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.vendorTimeout)
	defer cancel()

	var op string
	if desired == access.StateAllowed {
		op = "grant"
		err = adapter.GrantAccess(callCtx, *binding.VendorUserID, device.AccessGroupID)
	} else {
		op = "revoke"
		err = adapter.RevokeAccess(callCtx, *binding.VendorUserID, device.AccessGroupID)
	}

	if err != nil {
		vendorCallsTotal.WithLabelValues(device.Vendor, op, "error").Inc()
		convergeTotal.WithLabelValues("failed").Inc()
		return s.markPending(ctx, binding, device, op, err)
	}
	vendorCallsTotal.WithLabelValues(device.Vendor, op, "ok").Inc()

	binding.HardwareState = string(desired)
	binding.PendingSync = false
	if err := s.bindingRepo.Update(ctx, binding); err != nil {
		return fmt.Errorf("запись состояния привязки: %w", err)
	}
	s.clearRetry(binding.ID)
	s.health.noteSuccess(ctx, device)
	convergeTotal.WithLabelValues("success").Inc()

	s.logger.Info("Конвергенция выполнена",
		slog.String("gym_id", gymID),
		slog.String("person_id", personID),
		slog.String("state", binding.HardwareState),
	)
	return nil
}

// markPending помечает привязку на повтор после неудавшегося вызова.
func (s *ConvergenceService) markPending(ctx context.Context, binding *model.IdentityBinding, device *model.Device, op string, callErr error) error {
	binding.PendingSync = true
	if err := s.bindingRepo.Update(ctx, binding); err != nil {
		s.logger.Error("Ошибка пометки привязки на повтор",
			slog.String("binding_id", binding.ID),
			slog.String("error", err.Error()),
		)
	}
	s.recordRetryFailure(binding.ID)

	if errors.Is(callErr, hardware.ErrDeviceUnreachable) {
		s.health.noteFailure(ctx, device)
	} else {
		// Отказ вендора: повтор не поможет без вмешательства, но флаг
		// остаётся — оператор видит расхождение
		s.logger.Warn("Вендор отклонил операцию",
			slog.String("binding_id", binding.ID),
			slog.String("op", op),
			slog.String("error", callErr.Error()),
		)
	}
	return fmt.Errorf("операция %s: %w", op, callErr)
}

// Enroll регистрирует персону на оборудовании клуба: создание вендорского
// пользователя (лениво), загрузка шаблона лица, применение целевого состояния.
// Каждый успешный шаг фиксируется в привязке, повтор продолжает с места сбоя.
func (s *ConvergenceService) Enroll(ctx context.Context, gymID, personID string, image []byte) error {
	person, err := s.personRepo.GetByID(ctx, personID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: персона %s", ErrNotFound, personID)
		}
		return fmt.Errorf("получение персоны: %w", err)
	}

	device, err := s.deviceRepo.GetActiveByGym(ctx, gymID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoActiveDevice
		}
		return fmt.Errorf("получение активного устройства: %w", err)
	}

	adapter, err := s.adapters(device)
	if err != nil {
		return fmt.Errorf("создание адаптера устройства %s: %w", device.ID, err)
	}

	binding, err := s.bindingRepo.GetByPerson(ctx, gymID, personID)
	if errors.Is(err, repository.ErrNotFound) {
		binding = &model.IdentityBinding{
			GymID:         gymID,
			PersonID:      personID,
			HardwareState: model.HardwareStateUnknown,
		}
		if err := s.bindingRepo.Create(ctx, binding); err != nil {
			return fmt.Errorf("создание привязки: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("получение привязки: %w", err)
	}

	// Шаг 1: вендорский пользователь (лениво)
	createdNow := false
	if binding.VendorUserID == nil {
		callCtx, cancel := context.WithTimeout(ctx, s.vendorTimeout)
		vendorUserID, err := adapter.CreateUser(callCtx, person.Name, person.ID)
		cancel()
		if err != nil {
			vendorCallsTotal.WithLabelValues(device.Vendor, "create_user", "error").Inc()
			return s.markPending(ctx, binding, device, "create_user", err)
		}
		vendorCallsTotal.WithLabelValues(device.Vendor, "create_user", "ok").Inc()

		binding.VendorUserID = &vendorUserID
		createdNow = true
		if err := s.bindingRepo.Update(ctx, binding); err != nil {
			return fmt.Errorf("запись вендорского пользователя: %w", err)
		}
	}

	// Шаг 2: шаблон лица. Выполняется и при повторном вызове Enroll:
	// повторная регистрация заменяет шаблон на оборудовании.
	callCtx, cancel := context.WithTimeout(ctx, s.vendorTimeout)
	enrollErr := adapter.EnrollFace(callCtx, *binding.VendorUserID, image)
	cancel()
	if enrollErr != nil {
		vendorCallsTotal.WithLabelValues(device.Vendor, "enroll_face", "error").Inc()
		switch {
		case errors.Is(enrollErr, hardware.ErrInvalidBiometric):
			// Изображение не годится: нужен повторный захват, не повтор вызова
			return enrollErr
		case errors.Is(enrollErr, hardware.ErrVendorRejected) && !createdNow:
			// Вендор не признаёт ранее созданного пользователя: запись на
			// оборудовании повреждена. Сбрасываем привязку, следующий вызов
			// Enroll создаст пользователя заново.
			return s.resetBinding(ctx, binding, device, adapter, enrollErr)
		default:
			return s.markPending(ctx, binding, device, "enroll_face", enrollErr)
		}
	}
	vendorCallsTotal.WithLabelValues(device.Vendor, "enroll_face", "ok").Inc()

	if !binding.FaceEnrolled {
		binding.FaceEnrolled = true
		if err := s.bindingRepo.Update(ctx, binding); err != nil {
			return fmt.Errorf("запись признака загрузки лица: %w", err)
		}
	}

	s.health.noteSuccess(ctx, device)

	// Шаг 3: целевое состояние доступа
	return s.Converge(ctx, gymID, personID)
}

// resetBinding сбрасывает привязку после повреждения пользователя на стороне
// вендора: удаляет его с оборудования (отсутствие — не ошибка), обнуляет
// vendor_user_id и признак загрузки лица. Следующий вызов Enroll создаст
// пользователя заново.
func (s *ConvergenceService) resetBinding(ctx context.Context, binding *model.IdentityBinding, device *model.Device, adapter hardware.Adapter, cause error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.vendorTimeout)
	err := adapter.DeleteUser(callCtx, *binding.VendorUserID)
	cancel()
	if err != nil {
		s.logger.Warn("Не удалось удалить повреждённого пользователя с оборудования",
			slog.String("device_id", device.ID),
			slog.String("vendor_user_id", *binding.VendorUserID),
			slog.String("error", err.Error()),
		)
	}

	binding.VendorUserID = nil
	binding.FaceEnrolled = false
	binding.HardwareState = model.HardwareStateUnknown
	if err := s.bindingRepo.Update(ctx, binding); err != nil {
		return fmt.Errorf("сброс привязки: %w", err)
	}

	s.logger.Warn("Привязка сброшена: пользователь на оборудовании повреждён",
		slog.String("gym_id", binding.GymID),
		slog.String("person_id", binding.PersonID),
	)

	return fmt.Errorf("пользователь на оборудовании повреждён, требуется повторная регистрация: %w", cause)
}

// SetAdministrativeBlock выставляет или снимает административную блокировку
// и немедленно сводит состояние оборудования.
func (s *ConvergenceService) SetAdministrativeBlock(ctx context.Context, gymID, personID string, blocked bool) error {
	if err := s.personRepo.SetAdminBlocked(ctx, personID, blocked); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: персона %s", ErrNotFound, personID)
		}
		return fmt.Errorf("запись блокировки: %w", err)
	}

	s.logger.Info("Административная блокировка изменена",
		slog.String("gym_id", gymID),
		slog.String("person_id", personID),
		slog.Bool("blocked", blocked),
	)

	return s.Converge(ctx, gymID, personID)
}

// --- Повторы незавершённых конвергенций ---

// recordRetryFailure увеличивает счётчик неудач привязки и назначает
// время следующей попытки: min(retryInterval * 2^(n-1), maxBackoff).
func (s *ConvergenceService) recordRetryFailure(bindingID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()

	s.retryCount[bindingID]++
	n := s.retryCount[bindingID]

	delay := s.retryInterval
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= s.maxBackoff {
			delay = s.maxBackoff
			break
		}
	}
	s.retryNextAt[bindingID] = time.Now().Add(delay)
}

// clearRetry сбрасывает состояние backoff после успешной конвергенции.
func (s *ConvergenceService) clearRetry(bindingID string) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	delete(s.retryCount, bindingID)
	delete(s.retryNextAt, bindingID)
}

// retryEligible сообщает, наступило ли время следующей попытки.
func (s *ConvergenceService) retryEligible(bindingID string, now time.Time) bool {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	next, ok := s.retryNextAt[bindingID]
	return !ok || !now.Before(next)
}

// Start запускает фоновую горутину повторов незавершённых конвергенций.
// Вызывается один раз при старте приложения.
func (s *ConvergenceService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Повторы незавершённых конвергенций запущены",
			slog.String("interval", s.retryInterval.String()),
			slog.String("max_backoff", s.maxBackoff.String()),
		)

		ticker := time.NewTicker(s.retryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Повторы незавершённых конвергенций остановлены")
				return
			case <-ticker.C:
				s.RetryPending(ctx)
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *ConvergenceService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// RetryPending выполняет один проход повторов: выбирает привязки с
// pending_sync и сводит те, чей backoff истёк.
func (s *ConvergenceService) RetryPending(ctx context.Context) {
	const batchSize = 100

	bindings, err := s.bindingRepo.ListPendingSync(ctx, batchSize)
	if err != nil {
		s.logger.Error("Ошибка выборки привязок на повтор", slog.String("error", err.Error()))
		return
	}

	now := time.Now()
	retried := 0
	for _, b := range bindings {
		if ctx.Err() != nil {
			return
		}
		if !s.retryEligible(b.ID, now) {
			continue
		}
		retried++
		if err := s.Converge(ctx, b.GymID, b.PersonID); err != nil {
			s.logger.Warn("Повтор конвергенции не удался",
				slog.String("binding_id", b.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if retried > 0 {
		s.logger.Info("Проход повторов завершён",
			slog.Int("pending", len(bindings)),
			slog.Int("retried", retried),
		)
	}
}
