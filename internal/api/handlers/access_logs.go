// access_logs.go — постраничная выборка журнала проходов клуба.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fitgate/access-module/internal/api/errors"
	"github.com/fitgate/access-module/internal/domain/model"
)

// accessLogItem — запись журнала в ответе API.
type accessLogItem struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	PersonID     *string   `json:"person_id"`
	VendorUserID string    `json:"vendor_user_id,omitempty"`
	Direction    string    `json:"direction"`
	EventAt      time.Time `json:"event_at"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// accessLogListResponse — постраничный ответ журнала проходов.
type accessLogListResponse struct {
	Items   []accessLogItem `json:"items"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
	HasMore bool            `json:"has_more"`
}

// ListAccessLogs — GET /api/v1/gyms/{gymID}/access-logs.
// Фильтры: person_id, from, to (RFC 3339), limit, offset.
func (h *APIHandler) ListAccessLogs(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymID")
	q := r.URL.Query()

	filter := model.AccessLogFilter{}
	filter.Limit, filter.Offset = paginationDefaults(r)

	if personID := q.Get("person_id"); personID != "" {
		filter.PersonID = &personID
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierrors.ValidationError(w, "Параметр from должен быть в формате RFC 3339")
			return
		}
		filter.From = &from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apierrors.ValidationError(w, "Параметр to должен быть в формате RFC 3339")
			return
		}
		filter.To = &to
	}

	entries, err := h.accessLogs.List(r.Context(), gymID, filter)
	if err != nil {
		h.logger.Error("Ошибка выборки журнала проходов", "gym_id", gymID, "error", err)
		apierrors.InternalError(w, "Ошибка выборки журнала проходов")
		return
	}

	total, err := h.accessLogs.Count(r.Context(), gymID, filter)
	if err != nil {
		h.logger.Error("Ошибка подсчёта журнала проходов", "gym_id", gymID, "error", err)
		apierrors.InternalError(w, "Ошибка выборки журнала проходов")
		return
	}

	items := make([]accessLogItem, len(entries))
	for i, e := range entries {
		items[i] = accessLogItem{
			ID:           e.ID,
			DeviceID:     e.DeviceID,
			PersonID:     e.PersonID,
			VendorUserID: e.VendorUserID,
			Direction:    e.Direction,
			EventAt:      e.EventAt,
			IngestedAt:   e.IngestedAt,
		}
	}

	writeJSON(w, http.StatusOK, accessLogListResponse{
		Items:   items,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+filter.Limit < total,
	})
}
