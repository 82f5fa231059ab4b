// Пакет litenet — адаптер вендорского семейства litenet: устройства за
// локальным хабом, который выставляет REST-прокси. Авторизации на хабе
// нет (он доступен только из локальной сети клуба); адресация операций
// требует числового кода типа устройства в payload (см. devicetypes.go).
package litenet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
)

// Размер страницы при выгрузке событий хаба.
const eventsPageSize = 200

// Client — адаптер litenet. Реализует hardware.Adapter.
type Client struct {
	baseURL    string
	deviceID   string
	deviceType int

	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт адаптер для устройства за хабом litenet.
func New(device *model.Device, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(device.Address, "/"),
		deviceID:   device.VendorDeviceID,
		deviceType: DeviceTypeCode(device.DeviceType),
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "litenet"), slog.String("device", device.ID)),
	}
}

// do выполняет HTTP-запрос к хабу. Сетевые ошибки и 5xx → ErrDeviceUnreachable.
func (c *Client) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("сериализация %s: %w", path, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", hardware.ErrDeviceUnreachable, path, err)
	}
	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: хаб вернул статус %d: %s", hardware.ErrDeviceUnreachable, resp.StatusCode, string(data))
	}
	return resp, nil
}

// --- hardware.Adapter ---

// createUserResponse — ответ POST /api/v1/users.
type createUserResponse struct {
	ID string `json:"id"`
}

// CreateUser создаёт пользователя через хаб.
func (c *Client) CreateUser(ctx context.Context, name, externalRef string) (string, error) {
	payload := map[string]any{
		"name":         name,
		"external_ref": externalRef,
		"device_type":  c.deviceType,
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/users", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: создание пользователя вернуло статус %d: %s",
			hardware.ErrVendorRejected, resp.StatusCode, string(data))
	}

	var cr createUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("декодирование ответа создания пользователя: %w", err)
	}

	c.logger.Info("Пользователь создан через хаб", slog.String("vendor_user_id", cr.ID))
	return cr.ID, nil
}

// EnrollFace загружает изображение лица через хаб.
func (c *Client) EnrollFace(ctx context.Context, vendorUserID string, image []byte) error {
	reqURL := fmt.Sprintf("%s/api/v1/users/%s/face?device_type=%d",
		c.baseURL, url.PathEscape(vendorUserID), c.deviceType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, reqURL, bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("создание запроса загрузки лица: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: загрузка лица: %v", hardware.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
		c.logger.Info("Шаблон лица загружен", slog.String("vendor_user_id", vendorUserID))
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", hardware.ErrInvalidBiometric, string(data))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: загрузка лица вернула статус %d", hardware.ErrDeviceUnreachable, resp.StatusCode)
	default:
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: загрузка лица вернула статус %d: %s",
			hardware.ErrVendorRejected, resp.StatusCode, string(data))
	}
}

// GrantAccess добавляет пользователя в группу доступа.
// PUT идемпотентен на стороне хаба: повторное добавление — 200/204.
func (c *Client) GrantAccess(ctx context.Context, vendorUserID, groupID string) error {
	path := fmt.Sprintf("/api/v1/groups/%s/members/%s",
		url.PathEscape(groupID), url.PathEscape(vendorUserID))

	resp, err := c.do(ctx, http.MethodPut, path, map[string]any{"device_type": c.deviceType})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: добавление в группу вернуло статус %d: %s",
		hardware.ErrVendorRejected, resp.StatusCode, string(data))
}

// RevokeAccess убирает пользователя из группы доступа.
// 404 (уже убран) — успех.
func (c *Client) RevokeAccess(ctx context.Context, vendorUserID, groupID string) error {
	path := fmt.Sprintf("/api/v1/groups/%s/members/%s?device_type=%d",
		url.PathEscape(groupID), url.PathEscape(vendorUserID), c.deviceType)

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent ||
		resp.StatusCode == http.StatusNotFound {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: удаление из группы вернуло статус %d: %s",
		hardware.ErrVendorRejected, resp.StatusCode, string(data))
}

// DeleteUser удаляет пользователя через хаб. 404 — не ошибка.
func (c *Client) DeleteUser(ctx context.Context, vendorUserID string) error {
	path := "/api/v1/users/" + url.PathEscape(vendorUserID)

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Warn("Пользователь уже отсутствует на хабе", slog.String("vendor_user_id", vendorUserID))
		return nil
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: удаление пользователя вернуло статус %d: %s",
		hardware.ErrVendorRejected, resp.StatusCode, string(data))
}

// hubEvent — событие прохода в ответе хаба.
type hubEvent struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	Direction string    `json:"direction"` // entry | exit
	Timestamp time.Time `json:"timestamp"`
}

// eventsResponse — ответ GET /api/v1/events с пагинацией.
type eventsResponse struct {
	Events []hubEvent `json:"events"`
	Total  int        `json:"total"`
}

// FetchEvents выгружает события начиная с since включительно, страницами.
func (c *Client) FetchEvents(ctx context.Context, since time.Time) ([]hardware.RawEvent, error) {
	var events []hardware.RawEvent

	offset := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		path := fmt.Sprintf("/api/v1/events?since=%s&device_type=%d&limit=%d&offset=%d",
			url.QueryEscape(since.UTC().Format(time.RFC3339)), c.deviceType, eventsPageSize, offset)

		resp, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%w: выгрузка событий вернула статус %d: %s",
				hardware.ErrVendorRejected, resp.StatusCode, string(data))
		}

		var er eventsResponse
		err = json.NewDecoder(resp.Body).Decode(&er)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("декодирование событий: %w", err)
		}

		for _, ev := range er.Events {
			direction := model.DirectionEntry
			if ev.Direction == "exit" {
				direction = model.DirectionExit
			}
			events = append(events, hardware.RawEvent{
				VendorUserID:   ev.UserID,
				VendorDeviceID: ev.DeviceID,
				Direction:      direction,
				OccurredAt:     ev.Timestamp.UTC(),
			})
		}

		if len(er.Events) < eventsPageSize {
			return events, nil
		}
		offset += len(er.Events)
	}
}
