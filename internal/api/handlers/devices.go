// devices.go — обработчики управления конфигурацией устройств клуба.
// Учётные данные API устройства в ответах не отдаются.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fitgate/access-module/internal/api/errors"
	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/service"
)

// deviceResponse — конфигурация устройства в ответе API.
type deviceResponse struct {
	ID                  string     `json:"id"`
	GymID               string     `json:"gym_id"`
	Name                string     `json:"name"`
	Vendor              string     `json:"vendor"`
	Address             string     `json:"address"`
	VendorDeviceID      string     `json:"vendor_device_id,omitempty"`
	AccessGroupID       string     `json:"access_group_id,omitempty"`
	DeviceType          string     `json:"device_type,omitempty"`
	Active              bool       `json:"active"`
	Status              string     `json:"status"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastEventAt         *time.Time `json:"last_event_at"`
	LastSeenAt          *time.Time `json:"last_seen_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func mapDevice(d *model.Device) deviceResponse {
	return deviceResponse{
		ID:                  d.ID,
		GymID:               d.GymID,
		Name:                d.Name,
		Vendor:              d.Vendor,
		Address:             d.Address,
		VendorDeviceID:      d.VendorDeviceID,
		AccessGroupID:       d.AccessGroupID,
		DeviceType:          d.DeviceType,
		Active:              d.Active,
		Status:              d.Status,
		ConsecutiveFailures: d.ConsecutiveFailures,
		LastEventAt:         d.LastEventAt,
		LastSeenAt:          d.LastSeenAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

// deviceCreateRequest — тело запроса регистрации устройства.
type deviceCreateRequest struct {
	Name           string `json:"name"`
	Vendor         string `json:"vendor"`
	Address        string `json:"address"`
	VendorDeviceID string `json:"vendor_device_id"`
	AccessGroupID  string `json:"access_group_id"`
	DeviceType     string `json:"device_type"`
	Login          string `json:"login"`
	Password       string `json:"password"`
	Active         bool   `json:"active"`
}

// deviceUpdateRequest — тело частичного обновления устройства.
// Отсутствующие поля не меняются.
type deviceUpdateRequest struct {
	Name           *string `json:"name"`
	Address        *string `json:"address"`
	VendorDeviceID *string `json:"vendor_device_id"`
	AccessGroupID  *string `json:"access_group_id"`
	DeviceType     *string `json:"device_type"`
	Login          *string `json:"login"`
	Password       *string `json:"password"`
	Active         *bool   `json:"active"`
}

// ListDevices — GET /api/v1/gyms/{gymID}/devices.
func (h *APIHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymID")

	devices, err := h.devices.List(r.Context(), gymID)
	if err != nil {
		h.logger.Error("Ошибка получения списка устройств", "gym_id", gymID, "error", err)
		apierrors.InternalError(w, "Ошибка получения списка устройств")
		return
	}

	items := make([]deviceResponse, len(devices))
	for i, d := range devices {
		items[i] = mapDevice(d)
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// CreateDevice — POST /api/v1/gyms/{gymID}/devices.
// Регистрация активного устройства вытесняет прежнюю активную конфигурацию.
func (h *APIHandler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymID")

	var req deviceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	device := &model.Device{
		GymID:          gymID,
		Name:           req.Name,
		Vendor:         req.Vendor,
		Address:        req.Address,
		VendorDeviceID: req.VendorDeviceID,
		AccessGroupID:  req.AccessGroupID,
		DeviceType:     req.DeviceType,
		Login:          req.Login,
		Password:       req.Password,
		Active:         req.Active,
	}

	created, err := h.devices.Register(r.Context(), device)
	if err != nil {
		h.writeDeviceError(w, gymID, err)
		return
	}

	writeJSON(w, http.StatusCreated, mapDevice(created))
}

// UpdateDevice — PATCH /api/v1/gyms/{gymID}/devices/{deviceID}.
func (h *APIHandler) UpdateDevice(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymID")
	deviceID := chi.URLParam(r, "deviceID")

	var req deviceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	upd := service.DeviceUpdate{
		Name:           req.Name,
		Address:        req.Address,
		VendorDeviceID: req.VendorDeviceID,
		AccessGroupID:  req.AccessGroupID,
		DeviceType:     req.DeviceType,
		Login:          req.Login,
		Password:       req.Password,
		Active:         req.Active,
	}

	updated, err := h.devices.Update(r.Context(), gymID, deviceID, upd)
	if err != nil {
		h.writeDeviceError(w, gymID, err)
		return
	}

	writeJSON(w, http.StatusOK, mapDevice(updated))
}

// writeDeviceError отображает ошибки сервиса устройств на коды API.
func (h *APIHandler) writeDeviceError(w http.ResponseWriter, gymID string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	default:
		h.logger.Error("Ошибка операции с устройством", "gym_id", gymID, "error", err)
		apierrors.InternalError(w, "Внутренняя ошибка")
	}
}
