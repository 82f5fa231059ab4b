package access

import (
	"testing"

	"github.com/fitgate/access-module/internal/domain/model"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		blocked bool
		want    bool
	}{
		{"активный без блокировки", model.MembershipActive, false, true},
		{"активный с админ-блокировкой", model.MembershipActive, true, false},
		{"неактивный", model.MembershipInactive, false, false},
		{"приостановленный", model.MembershipSuspended, false, false},
		{"заблокированный", model.MembershipBlocked, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &model.Person{MembershipStatus: tt.status, AdminBlocked: tt.blocked}
			if got := Decide(p); got != tt.want {
				t.Errorf("Decide() = %v, ожидалось %v", got, tt.want)
			}
		})
	}
}

func TestDesiredState(t *testing.T) {
	p := &model.Person{MembershipStatus: model.MembershipActive}
	if got := DesiredState(p); got != StateAllowed {
		t.Errorf("DesiredState() = %v, ожидалось %v", got, StateAllowed)
	}
	p.AdminBlocked = true
	if got := DesiredState(p); got != StateBlocked {
		t.Errorf("DesiredState() = %v, ожидалось %v", got, StateBlocked)
	}
}

func TestStateOf(t *testing.T) {
	if got := StateOf(nil); got != StateUnenrolled {
		t.Errorf("StateOf(nil) = %v, ожидалось %v", got, StateUnenrolled)
	}

	// Привязка без вендорского пользователя — unenrolled
	b := &model.IdentityBinding{HardwareState: model.HardwareStateAllowed}
	if got := StateOf(b); got != StateUnenrolled {
		t.Errorf("StateOf(без vendor_user_id) = %v, ожидалось %v", got, StateUnenrolled)
	}

	uid := "42"
	b.VendorUserID = &uid
	if got := StateOf(b); got != StateAllowed {
		t.Errorf("StateOf(allowed) = %v, ожидалось %v", got, StateAllowed)
	}
	b.HardwareState = model.HardwareStateBlocked
	if got := StateOf(b); got != StateBlocked {
		t.Errorf("StateOf(blocked) = %v, ожидалось %v", got, StateBlocked)
	}
	b.HardwareState = model.HardwareStateUnknown
	if got := StateOf(b); got != StateUnenrolled {
		t.Errorf("StateOf(unknown) = %v, ожидалось %v", got, StateUnenrolled)
	}
}

func TestMembershipForPayment(t *testing.T) {
	if s, ok := MembershipForPayment(model.PaymentPaid); !ok || s != model.MembershipActive {
		t.Errorf("paid → (%q, %v), ожидалось (active, true)", s, ok)
	}
	if s, ok := MembershipForPayment(model.PaymentFailed); !ok || s != model.MembershipSuspended {
		t.Errorf("failed → (%q, %v), ожидалось (suspended, true)", s, ok)
	}
	if s, ok := MembershipForPayment(model.PaymentExpired); !ok || s != model.MembershipSuspended {
		t.Errorf("expired → (%q, %v), ожидалось (suspended, true)", s, ok)
	}
	if _, ok := MembershipForPayment(model.PaymentPending); ok {
		t.Error("pending не должен влиять на членство")
	}
}
