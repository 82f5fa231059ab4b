// enroll.go — обработчики регистрации персон и административной блокировки.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fitgate/access-module/internal/api/errors"
	"github.com/fitgate/access-module/internal/hardware"
	"github.com/fitgate/access-module/internal/service"
)

// enrollRequest — тело запроса регистрации персоны.
type enrollRequest struct {
	// Image — изображение лица, base64
	Image string `json:"image"`
}

// EnrollPerson — POST /api/v1/gyms/{gymID}/persons/{personID}/enroll.
// Регистрирует персону на активном устройстве клуба: вендорский пользователь,
// шаблон лица, применение целевого состояния доступа.
func (h *APIHandler) EnrollPerson(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymID")
	personID := chi.URLParam(r, "personID")

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.Image == "" {
		apierrors.ValidationError(w, "Изображение лица обязательно")
		return
	}

	image, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		apierrors.ValidationError(w, "Изображение должно быть в base64")
		return
	}

	if err := h.enrollment.Enroll(r.Context(), gymID, personID, image); err != nil {
		h.writeEnrollError(w, gymID, personID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "enrolled"})
}

// BlockPerson — POST /api/v1/gyms/{gymID}/persons/{personID}/block.
// Выставляет административную блокировку и сводит состояние оборудования.
func (h *APIHandler) BlockPerson(w http.ResponseWriter, r *http.Request) {
	h.setBlock(w, r, true)
}

// UnblockPerson — DELETE /api/v1/gyms/{gymID}/persons/{personID}/block.
// Снимает административную блокировку и сводит состояние оборудования.
func (h *APIHandler) UnblockPerson(w http.ResponseWriter, r *http.Request) {
	h.setBlock(w, r, false)
}

func (h *APIHandler) setBlock(w http.ResponseWriter, r *http.Request, blocked bool) {
	gymID := chi.URLParam(r, "gymID")
	personID := chi.URLParam(r, "personID")

	if err := h.enrollment.SetAdministrativeBlock(r.Context(), gymID, personID, blocked); err != nil {
		h.writeEnrollError(w, gymID, personID, err)
		return
	}

	status := "unblocked"
	if blocked {
		status = "blocked"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// writeEnrollError отображает ошибки сервисного слоя на коды API.
func (h *APIHandler) writeEnrollError(w http.ResponseWriter, gymID, personID string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrNoActiveDevice):
		apierrors.Conflict(w, "В клубе нет активного устройства")
	case errors.Is(err, hardware.ErrInvalidBiometric):
		apierrors.InvalidBiometric(w, "Изображение не годится для шаблона лица: нужен повторный захват")
	case errors.Is(err, hardware.ErrDeviceUnreachable):
		apierrors.DeviceUnavailable(w, "Устройство недоступно, операция будет повторена")
	case errors.Is(err, hardware.ErrVendorRejected):
		apierrors.VendorRejected(w, "Оборудование отклонило операцию")
	default:
		h.logger.Error("Ошибка операции с персоной",
			"gym_id", gymID,
			"person_id", personID,
			"error", err,
		)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
