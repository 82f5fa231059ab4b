package service

import (
	"context"
	"testing"
	"time"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
)

// newTestIngester собирает сервис ингестии на фейках.
func newTestIngester(t *testing.T, adapter *fakeAdapter) (*IngestService, *fakeDeviceRepo, *fakeBindingRepo, *fakeAccessLogRepo) {
	t.Helper()
	deviceRepo := newFakeDeviceRepo()
	bindingRepo := newFakeBindingRepo()
	logRepo := newFakeAccessLogRepo()

	svc := NewIngestService(
		deviceRepo, bindingRepo, logRepo,
		fakeFactory(adapter),
		time.Minute,   // interval (фоновая горутина в тестах не запускается)
		100,           // cacheSize
		5*time.Minute, // cacheTTL
		3,             // degradedThreshold
		testLogger(),
	)
	return svc, deviceRepo, bindingRepo, logRepo
}

// ingestBase — время первого события фикстуры: внутри суточного окна
// первой выгрузки устройства без watermark.
func ingestBase() time.Time {
	return time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
}

// seedIngestGym создаёт устройство с привязанной персоной.
func seedIngestGym(t *testing.T, deviceRepo *fakeDeviceRepo, bindingRepo *fakeBindingRepo) *model.Device {
	t.Helper()
	ctx := context.Background()

	device := &model.Device{
		ID: "dev-1", GymID: "gym-1", Vendor: model.VendorControlID,
		Address: "http://10.0.0.15", Active: true, Status: model.DeviceStatusOnline,
	}
	deviceRepo.Create(ctx, device)

	vendorID := "105"
	bindingRepo.Create(ctx, &model.IdentityBinding{
		GymID: "gym-1", PersonID: "person-1", VendorUserID: &vendorID,
		HardwareState: model.HardwareStateAllowed,
	})
	return device
}

func TestIngestStoresAndAdvancesWatermark(t *testing.T) {
	base := ingestBase()
	adapter := &fakeAdapter{
		events: []hardware.RawEvent{
			{VendorUserID: "105", Direction: model.DirectionEntry, OccurredAt: base},
			{VendorUserID: "105", Direction: model.DirectionExit, OccurredAt: base.Add(time.Hour)},
		},
	}
	svc, deviceRepo, bindingRepo, logRepo := newTestIngester(t, adapter)
	device := seedIngestGym(t, deviceRepo, bindingRepo)
	ctx := context.Background()

	result, err := svc.IngestDevice(ctx, device)
	if err != nil {
		t.Fatalf("IngestDevice() ошибка: %v", err)
	}
	if result.Fetched != 2 || result.Stored != 2 || result.Duplicates != 0 {
		t.Errorf("fetched/stored/duplicates = %d/%d/%d, ожидалось 2/2/0",
			result.Fetched, result.Stored, result.Duplicates)
	}

	// Watermark — время последнего события
	d, _ := deviceRepo.GetByID(ctx, device.ID)
	if d.LastEventAt == nil || !d.LastEventAt.Equal(base.Add(time.Hour)) {
		t.Errorf("watermark = %v, ожидалось %v", d.LastEventAt, base.Add(time.Hour))
	}

	// Персона разрешена через привязку
	entries, _ := logRepo.List(ctx, "gym-1", model.AccessLogFilter{})
	for _, e := range entries {
		if e.PersonID == nil || *e.PersonID != "person-1" {
			t.Errorf("person_id = %v, ожидалось person-1", e.PersonID)
		}
	}
}

func TestIngestDeduplicatesOverlappingWindow(t *testing.T) {
	base := ingestBase()
	adapter := &fakeAdapter{
		events: []hardware.RawEvent{
			{VendorUserID: "105", Direction: model.DirectionEntry, OccurredAt: base},
			{VendorUserID: "105", Direction: model.DirectionExit, OccurredAt: base.Add(time.Hour)},
		},
	}
	svc, deviceRepo, bindingRepo, _ := newTestIngester(t, adapter)
	device := seedIngestGym(t, deviceRepo, bindingRepo)
	ctx := context.Background()

	if _, err := svc.IngestDevice(ctx, device); err != nil {
		t.Fatalf("первый цикл: %v", err)
	}

	// Повторная выгрузка перекрывающегося окна: те же события выгружаются
	// снова (since = watermark включительно), но строк не прибавляется
	d, _ := deviceRepo.GetByID(ctx, device.ID)
	result, err := svc.IngestDevice(ctx, d)
	if err != nil {
		t.Fatalf("второй цикл: %v", err)
	}
	if result.Stored != 0 {
		t.Errorf("повторное окно записало %d строк, ожидалось 0", result.Stored)
	}
	if result.Duplicates == 0 {
		t.Error("дубликаты не посчитаны")
	}
}

func TestIngestUnresolvedVendorUser(t *testing.T) {
	base := ingestBase()
	adapter := &fakeAdapter{
		events: []hardware.RawEvent{
			// Пользователь 999 никому не привязан
			{VendorUserID: "999", Direction: model.DirectionEntry, OccurredAt: base},
		},
	}
	svc, deviceRepo, bindingRepo, logRepo := newTestIngester(t, adapter)
	device := seedIngestGym(t, deviceRepo, bindingRepo)
	ctx := context.Background()

	result, err := svc.IngestDevice(ctx, device)
	if err != nil {
		t.Fatalf("IngestDevice() ошибка: %v", err)
	}
	if result.Stored != 1 || result.Unresolved != 1 {
		t.Errorf("stored/unresolved = %d/%d, ожидалось 1/1", result.Stored, result.Unresolved)
	}

	// Событие сохранено как сырой аудит
	entries, _ := logRepo.List(ctx, "gym-1", model.AccessLogFilter{})
	if len(entries) != 1 {
		t.Fatalf("ожидалась 1 запись, получено %d", len(entries))
	}
	if entries[0].PersonID != nil {
		t.Errorf("person_id = %v, ожидалось NULL", entries[0].PersonID)
	}
	if entries[0].VendorUserID != "999" {
		t.Errorf("vendor_user_id = %q, ожидалось 999", entries[0].VendorUserID)
	}
}

func TestIngestBindingCache(t *testing.T) {
	base := ingestBase()
	adapter := &fakeAdapter{
		events: []hardware.RawEvent{
			{VendorUserID: "105", Direction: model.DirectionEntry, OccurredAt: base},
			{VendorUserID: "105", Direction: model.DirectionExit, OccurredAt: base.Add(time.Minute)},
			{VendorUserID: "105", Direction: model.DirectionEntry, OccurredAt: base.Add(2 * time.Minute)},
		},
	}
	svc, deviceRepo, bindingRepo, _ := newTestIngester(t, adapter)
	device := seedIngestGym(t, deviceRepo, bindingRepo)
	ctx := context.Background()

	if _, err := svc.IngestDevice(ctx, device); err != nil {
		t.Fatalf("IngestDevice() ошибка: %v", err)
	}

	// Три события одного пользователя — одно обращение к БД
	bindingRepo.mu.Lock()
	lookups := bindingRepo.vendorLookups
	bindingRepo.mu.Unlock()
	if lookups != 1 {
		t.Errorf("обращений к привязкам = %d, ожидалось 1 (кэш)", lookups)
	}
}

func TestIngestDeviceUnreachable(t *testing.T) {
	adapter := &fakeAdapter{fetchErr: hardware.ErrDeviceUnreachable}
	svc, deviceRepo, bindingRepo, _ := newTestIngester(t, adapter)
	device := seedIngestGym(t, deviceRepo, bindingRepo)
	ctx := context.Background()

	if _, err := svc.IngestDevice(ctx, device); err == nil {
		t.Fatal("ожидалась ошибка выгрузки")
	}

	// Счётчик ошибок устройства увеличен
	d, _ := deviceRepo.GetByID(ctx, device.ID)
	if d.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, ожидалось 1", d.ConsecutiveFailures)
	}
}

func TestIngestAllSkipsInactive(t *testing.T) {
	adapter := &fakeAdapter{}
	svc, deviceRepo, _, _ := newTestIngester(t, adapter)
	ctx := context.Background()

	deviceRepo.Create(ctx, &model.Device{
		ID: "dev-off", GymID: "gym-2", Vendor: model.VendorLiteNet,
		Address: "http://10.0.0.16", Active: false, Status: model.DeviceStatusOffline,
	})

	results, err := svc.IngestAll(ctx)
	if err != nil {
		t.Fatalf("IngestAll() ошибка: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("неактивные устройства попали в обход: %d", len(results))
	}
}
