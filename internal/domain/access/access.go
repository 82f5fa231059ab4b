// Пакет access — вычисление решения о доступе персоны к оборудованию.
//
// Решение (allowed/blocked) — производное значение: оно пересчитывается
// из текущего статуса членства и административной блокировки и нигде
// durable не кэшируется. Единственный сохраняемый прокси — последнее
// известное состояние оборудования в IdentityBinding.
package access

import "github.com/fitgate/access-module/internal/domain/model"

// State — состояние персоны в машине состояний доступа (на клуб).
type State string

const (
	// StateUnenrolled — вендорская привязка ещё не создана
	StateUnenrolled State = "unenrolled"
	// StateAllowed — проход разрешён на оборудовании
	StateAllowed State = "allowed"
	// StateBlocked — проход запрещён на оборудовании
	StateBlocked State = "blocked"
)

// Decide возвращает true, если персоне должен быть разрешён проход:
// статус членства активен и нет административной блокировки.
func Decide(p *model.Person) bool {
	if p.AdminBlocked {
		return false
	}
	return p.MembershipStatus == model.MembershipActive
}

// DesiredState возвращает целевое состояние оборудования для персоны.
func DesiredState(p *model.Person) State {
	if Decide(p) {
		return StateAllowed
	}
	return StateBlocked
}

// StateOf возвращает текущее состояние персоны по её привязке.
// Привязка без вендорского пользователя эквивалентна её отсутствию.
func StateOf(b *model.IdentityBinding) State {
	if b == nil || b.VendorUserID == nil {
		return StateUnenrolled
	}
	switch b.HardwareState {
	case model.HardwareStateAllowed:
		return StateAllowed
	case model.HardwareStateBlocked:
		return StateBlocked
	default:
		return StateUnenrolled
	}
}

// MembershipForPayment возвращает статус членства, вытекающий из
// терминального статуса платежа. Второе значение false — платёжное
// событие не влияет на членство (например, pending).
// Грейс-период к failed/expired применяет вызывающая сторона:
// здесь только чистое отображение статусов.
func MembershipForPayment(paymentStatus string) (string, bool) {
	switch paymentStatus {
	case model.PaymentPaid:
		return model.MembershipActive, true
	case model.PaymentFailed, model.PaymentExpired:
		return model.MembershipSuspended, true
	default:
		return "", false
	}
}
