package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
	"github.com/fitgate/access-module/internal/repository"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory фейки репозиториев ---

type fakeDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*model.Device
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{devices: make(map[string]*model.Device)}
}

func (r *fakeDeviceRepo) Create(_ context.Context, d *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *fakeDeviceRepo) GetByID(_ context.Context, id string) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *fakeDeviceRepo) GetActiveByGym(_ context.Context, gymID string) (*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.GymID == gymID && d.Active {
			cp := *d
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDeviceRepo) ListByGym(_ context.Context, gymID string) ([]*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Device
	for _, d := range r.devices {
		if d.GymID == gymID {
			cp := *d
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *fakeDeviceRepo) ListActive(_ context.Context) ([]*model.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Device
	for _, d := range r.devices {
		if d.Active {
			cp := *d
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *fakeDeviceRepo) Update(_ context.Context, d *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *fakeDeviceRepo) DeactivateByGym(_ context.Context, gymID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.GymID == gymID {
			d.Active = false
		}
	}
	return nil
}

func (r *fakeDeviceRepo) SetStatus(_ context.Context, id, status string, failures int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.Status = status
	d.ConsecutiveFailures = failures
	return nil
}

func (r *fakeDeviceRepo) IncrementFailures(_ context.Context, id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	d.ConsecutiveFailures++
	return d.ConsecutiveFailures, nil
}

func (r *fakeDeviceRepo) UpdateWatermark(_ context.Context, id string, lastEventAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.LastEventAt = &lastEventAt
	now := time.Now().UTC()
	d.LastSeenAt = &now
	return nil
}

type fakePersonRepo struct {
	mu      sync.Mutex
	persons map[string]*model.Person
}

func newFakePersonRepo() *fakePersonRepo {
	return &fakePersonRepo{persons: make(map[string]*model.Person)}
}

func (r *fakePersonRepo) Create(_ context.Context, p *model.Person) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.persons[p.ID] = &cp
	return nil
}

func (r *fakePersonRepo) GetByID(_ context.Context, id string) (*model.Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.persons[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePersonRepo) UpdateMembershipStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.persons[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.MembershipStatus = status
	return nil
}

func (r *fakePersonRepo) SetAdminBlocked(_ context.Context, id string, blocked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.persons[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.AdminBlocked = blocked
	return nil
}

type fakeBindingRepo struct {
	mu       sync.Mutex
	bindings map[string]*model.IdentityBinding // ключ gymID/personID
	nextID   int
	// количество обращений GetByVendorUserID (для проверки кэша)
	vendorLookups int
}

func newFakeBindingRepo() *fakeBindingRepo {
	return &fakeBindingRepo{bindings: make(map[string]*model.IdentityBinding)}
}

func (r *fakeBindingRepo) Create(_ context.Context, b *model.IdentityBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := b.GymID + "/" + b.PersonID
	if _, ok := r.bindings[key]; ok {
		return repository.ErrConflict
	}
	r.nextID++
	b.ID = fmt.Sprintf("binding-%d", r.nextID)
	cp := *b
	r.bindings[key] = &cp
	return nil
}

func (r *fakeBindingRepo) GetByPerson(_ context.Context, gymID, personID string) (*model.IdentityBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[gymID+"/"+personID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *fakeBindingRepo) GetByVendorUserID(_ context.Context, gymID, vendorUserID string) (*model.IdentityBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vendorLookups++
	for _, b := range r.bindings {
		if b.GymID == gymID && b.VendorUserID != nil && *b.VendorUserID == vendorUserID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeBindingRepo) Update(_ context.Context, b *model.IdentityBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := b.GymID + "/" + b.PersonID
	if _, ok := r.bindings[key]; !ok {
		return repository.ErrNotFound
	}
	cp := *b
	r.bindings[key] = &cp
	return nil
}

func (r *fakeBindingRepo) ListPendingSync(_ context.Context, limit int) ([]*model.IdentityBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.IdentityBinding
	for _, b := range r.bindings {
		if b.PendingSync && len(result) < limit {
			cp := *b
			result = append(result, &cp)
		}
	}
	return result, nil
}

type fakePaymentRepo struct {
	mu       sync.Mutex
	payments map[string]*model.Payment // ключ gymID/providerTxID
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*model.Payment)}
}

func (r *fakePaymentRepo) Create(_ context.Context, p *model.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := p.GymID + "/" + p.ProviderTxID
	if _, ok := r.payments[key]; ok {
		return repository.ErrConflict
	}
	if p.ID == "" {
		p.ID = "payment-" + p.ProviderTxID
	}
	cp := *p
	r.payments[key] = &cp
	return nil
}

func (r *fakePaymentRepo) GetByProviderTxID(_ context.Context, gymID, providerTxID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[gymID+"/"+providerTxID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *fakePaymentRepo) GetLatestByPerson(_ context.Context, personID string) (*model.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.Payment
	for _, p := range r.payments {
		if p.PersonID == personID && (latest == nil || p.DueAt.After(latest.DueAt)) {
			latest = p
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakePaymentRepo) UpdateStatus(_ context.Context, id, status string, paidAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ID == id {
			p.Status = status
			p.PaidAt = paidAt
			return nil
		}
	}
	return repository.ErrNotFound
}

type fakeAccessLogRepo struct {
	mu      sync.Mutex
	entries []*model.AccessLogEntry
	seen    map[string]bool // device_id|event_at|direction
}

func newFakeAccessLogRepo() *fakeAccessLogRepo {
	return &fakeAccessLogRepo{seen: make(map[string]bool)}
}

func (r *fakeAccessLogRepo) Insert(_ context.Context, e *model.AccessLogEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := e.DeviceID + "|" + e.EventAt.UTC().Format(time.RFC3339Nano) + "|" + e.Direction
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	cp := *e
	r.entries = append(r.entries, &cp)
	return true, nil
}

func (r *fakeAccessLogRepo) List(_ context.Context, gymID string, filter model.AccessLogFilter) ([]*model.AccessLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.AccessLogEntry
	for _, e := range r.entries {
		if e.GymID == gymID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (r *fakeAccessLogRepo) Count(_ context.Context, gymID string, filter model.AccessLogFilter) (int, error) {
	entries, _ := r.List(context.Background(), gymID, filter)
	return len(entries), nil
}

// --- Фейковый вендорский адаптер ---

// fakeAdapter — конфигурируемый адаптер для тестов движка.
type fakeAdapter struct {
	mu sync.Mutex

	createUserCalls int
	enrollCalls     int
	grantCalls      int
	revokeCalls     int
	deleteCalls     int

	createUserErr error
	enrollErr     error
	grantErr      error
	revokeErr     error
	deleteErr     error

	nextUserID string
	events     []hardware.RawEvent
	fetchErr   error

	// grantGate блокирует GrantAccess до закрытия канала (тест коалесцирования)
	grantGate chan struct{}
}

func (a *fakeAdapter) CreateUser(_ context.Context, name, externalRef string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createUserCalls++
	if a.createUserErr != nil {
		return "", a.createUserErr
	}
	if a.nextUserID == "" {
		return "vendor-1", nil
	}
	return a.nextUserID, nil
}

func (a *fakeAdapter) EnrollFace(_ context.Context, vendorUserID string, image []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enrollCalls++
	return a.enrollErr
}

func (a *fakeAdapter) GrantAccess(_ context.Context, vendorUserID, groupID string) error {
	a.mu.Lock()
	gate := a.grantGate
	a.grantCalls++
	err := a.grantErr
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (a *fakeAdapter) RevokeAccess(_ context.Context, vendorUserID, groupID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revokeCalls++
	return a.revokeErr
}

func (a *fakeAdapter) DeleteUser(_ context.Context, vendorUserID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleteCalls++
	return a.deleteErr
}

func (a *fakeAdapter) FetchEvents(_ context.Context, since time.Time) ([]hardware.RawEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	var result []hardware.RawEvent
	for _, ev := range a.events {
		if !ev.OccurredAt.Before(since) {
			result = append(result, ev)
		}
	}
	return result, nil
}

// fakeFactory возвращает один и тот же адаптер для любого устройства.
func fakeFactory(a *fakeAdapter) hardware.Factory {
	return func(_ *model.Device) (hardware.Adapter, error) {
		return a, nil
	}
}
