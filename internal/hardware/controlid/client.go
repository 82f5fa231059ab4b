// Пакет controlid — адаптер вендорского семейства controlid: контроллеры
// с собственным HTTP API устройства. Аутентификация сессионным токеном
// (POST /login.fcgi), токен кэшируется и перезапрашивается при 401.
// Идентификаторы пользователей — плоские целые числа.
package controlid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/hardware"
)

// Срок жизни сессии устройства. Контроллер закрывает неактивные сессии
// раньше, поэтому 401 всё равно обрабатывается повторным логином.
const sessionTTL = 10 * time.Minute

// Размер страницы при выгрузке журнала событий.
const eventsPageSize = 500

// Client — адаптер controlid. Реализует hardware.Adapter.
type Client struct {
	baseURL  string
	login    string
	password string
	deviceID string

	httpClient *http.Client
	logger     *slog.Logger

	// Кэш сессионного токена
	mu         sync.Mutex
	session    string
	sessionExp time.Time
}

// New создаёт адаптер для устройства controlid.
func New(device *model.Device, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(device.Address, "/"),
		login:      device.Login,
		password:   device.Password,
		deviceID:   device.VendorDeviceID,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "controlid"), slog.String("device", device.ID)),
	}
}

// --- Сессия ---

// loginResponse — ответ POST /login.fcgi.
type loginResponse struct {
	Session string `json:"session"`
}

// getSession возвращает действующий сессионный токен, логинясь при
// необходимости. Токен кэшируется до sessionTTL.
func (c *Client) getSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != "" && time.Now().Before(c.sessionExp) {
		return c.session, nil
	}

	body, err := json.Marshal(map[string]string{"login": c.login, "password": c.password})
	if err != nil {
		return "", fmt.Errorf("сериализация login: %w", err)
	}

	resp, err := c.post(ctx, "/login.fcgi", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: login вернул статус %d: %s", hardware.ErrVendorRejected, resp.StatusCode, string(data))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("декодирование ответа login: %w", err)
	}

	c.session = lr.Session
	c.sessionExp = time.Now().Add(sessionTTL)

	c.logger.Debug("Сессия устройства открыта")
	return c.session, nil
}

// dropSession сбрасывает кэш сессии (после 401).
func (c *Client) dropSession() {
	c.mu.Lock()
	c.session = ""
	c.mu.Unlock()
}

// post выполняет POST без сессии. Сетевые ошибки → ErrDeviceUnreachable.
func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", hardware.ErrDeviceUnreachable, path, err)
	}
	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s вернул статус %d: %s", hardware.ErrDeviceUnreachable, path, resp.StatusCode, string(data))
	}
	return resp, nil
}

// doSession выполняет POST с сессионным токеном в query. При 401 сессия
// сбрасывается и запрос повторяется один раз с новым логином.
func (c *Client) doSession(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("сериализация %s: %w", path, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		session, err := c.getSession(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.post(ctx, path+"?session="+session, body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.dropSession()
			continue
		}
		return resp, nil
	}
	// Недостижимо: второй проход всегда возвращает resp или ошибку
	return nil, fmt.Errorf("%w: исчерпаны попытки логина", hardware.ErrDeviceUnreachable)
}

// --- hardware.Adapter ---

// createObjectsResponse — ответ create_objects.fcgi.
type createObjectsResponse struct {
	IDs []int64 `json:"ids"`
}

// CreateUser создаёт пользователя на контроллере.
// Вендорский идентификатор — плоский числовой id, возвращается строкой.
func (c *Client) CreateUser(ctx context.Context, name, externalRef string) (string, error) {
	payload := map[string]any{
		"object": "users",
		"values": []map[string]any{
			{"name": name, "registration": externalRef},
		},
	}

	resp, err := c.doSession(ctx, "/create_objects.fcgi", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: create_objects users вернул статус %d: %s",
			hardware.ErrVendorRejected, resp.StatusCode, string(data))
	}

	var cr createObjectsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("декодирование ответа create_objects: %w", err)
	}
	if len(cr.IDs) == 0 {
		return "", fmt.Errorf("%w: контроллер не вернул id пользователя", hardware.ErrVendorRejected)
	}

	vendorID := strconv.FormatInt(cr.IDs[0], 10)
	c.logger.Info("Пользователь создан на контроллере", slog.String("vendor_user_id", vendorID))
	return vendorID, nil
}

// EnrollFace загружает изображение лица пользователя.
// 400/422 от контроллера означает негодное изображение.
// Тело — сырой octet-stream, поэтому doSession не используется, но 401
// обрабатывается так же: сброс сессии и один повтор с новым логином.
func (c *Client) EnrollFace(ctx context.Context, vendorUserID string, image []byte) error {
	for attempt := 0; attempt < 2; attempt++ {
		session, err := c.getSession(ctx)
		if err != nil {
			return err
		}

		reqURL := fmt.Sprintf("%s/user_set_image.fcgi?user_id=%s&session=%s", c.baseURL, vendorUserID, session)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(image))
		if err != nil {
			return fmt.Errorf("создание запроса user_set_image: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: user_set_image: %v", hardware.ErrDeviceUnreachable, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.dropSession()
			continue
		}

		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			c.logger.Info("Шаблон лица загружен", slog.String("vendor_user_id", vendorUserID))
			return nil
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%w: %s", hardware.ErrInvalidBiometric, string(data))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: user_set_image вернул статус %d", hardware.ErrDeviceUnreachable, resp.StatusCode)
		default:
			data, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%w: user_set_image вернул статус %d: %s",
				hardware.ErrVendorRejected, resp.StatusCode, string(data))
		}
	}
	// Недостижимо: второй проход всегда возвращает результат
	return fmt.Errorf("%w: исчерпаны попытки логина", hardware.ErrDeviceUnreachable)
}

// GrantAccess добавляет пользователя в группу доступа.
// Ответ "дубликат" контроллера трактуется как успех (идемпотентность).
func (c *Client) GrantAccess(ctx context.Context, vendorUserID, groupID string) error {
	uid, err := strconv.ParseInt(vendorUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный vendor_user_id %q: %w", vendorUserID, err)
	}
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный group_id %q: %w", groupID, err)
	}

	payload := map[string]any{
		"object": "user_groups",
		"values": []map[string]any{
			{"user_id": uid, "group_id": gid},
		},
	}

	resp, err := c.doSession(ctx, "/create_objects.fcgi", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	// Контроллер отвечает 409/"duplicated" на повторное добавление
	if resp.StatusCode == http.StatusConflict || strings.Contains(strings.ToLower(string(data)), "duplicated") {
		c.logger.Debug("Пользователь уже в группе доступа", slog.String("vendor_user_id", vendorUserID))
		return nil
	}
	return fmt.Errorf("%w: добавление в группу вернуло статус %d: %s",
		hardware.ErrVendorRejected, resp.StatusCode, string(data))
}

// RevokeAccess убирает пользователя из группы доступа.
// Отсутствие связи пользователь-группа — успех (идемпотентность).
func (c *Client) RevokeAccess(ctx context.Context, vendorUserID, groupID string) error {
	uid, err := strconv.ParseInt(vendorUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный vendor_user_id %q: %w", vendorUserID, err)
	}
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный group_id %q: %w", groupID, err)
	}

	payload := map[string]any{
		"object": "user_groups",
		"where": map[string]any{
			"user_groups": map[string]any{"user_id": uid, "group_id": gid},
		},
	}

	resp, err := c.doSession(ctx, "/destroy_objects.fcgi", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// destroy по отсутствующей связи контроллер считает успехом (changes: 0)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: удаление из группы вернуло статус %d: %s",
		hardware.ErrVendorRejected, resp.StatusCode, string(data))
}

// DeleteUser удаляет пользователя с контроллера.
// Уже отсутствующий пользователь — не ошибка.
func (c *Client) DeleteUser(ctx context.Context, vendorUserID string) error {
	uid, err := strconv.ParseInt(vendorUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный vendor_user_id %q: %w", vendorUserID, err)
	}

	payload := map[string]any{
		"object": "users",
		"where": map[string]any{
			"users": map[string]any{"id": uid},
		},
	}

	resp, err := c.doSession(ctx, "/destroy_objects.fcgi", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		if resp.StatusCode == http.StatusNotFound {
			c.logger.Warn("Пользователь уже отсутствует на контроллере",
				slog.String("vendor_user_id", vendorUserID))
		}
		return nil
	}

	data, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%w: удаление пользователя вернуло статус %d: %s",
		hardware.ErrVendorRejected, resp.StatusCode, string(data))
}

// accessLogRow — строка журнала контроллера (load_objects access_logs).
type accessLogRow struct {
	UserID   int64 `json:"user_id"`
	Time     int64 `json:"time"` // Unix seconds
	PortalID int   `json:"portal_id"`
}

// loadObjectsResponse — ответ load_objects.fcgi для access_logs.
type loadObjectsResponse struct {
	AccessLogs []accessLogRow `json:"access_logs"`
}

// FetchEvents выгружает журнал проходов начиная с since включительно.
// Контроллер отдаёт журнал страницами; выгрузка идёт до неполной страницы.
// portal_id 1 — вход, 2 — выход.
func (c *Client) FetchEvents(ctx context.Context, since time.Time) ([]hardware.RawEvent, error) {
	var events []hardware.RawEvent

	offset := 0
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		payload := map[string]any{
			"object": "access_logs",
			"where": map[string]any{
				"access_logs": map[string]any{"time": map[string]any{">=": since.Unix()}},
			},
			"order":  []string{"time"},
			"limit":  eventsPageSize,
			"offset": offset,
		}

		resp, err := c.doSession(ctx, "/load_objects.fcgi", payload)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("%w: load_objects вернул статус %d: %s",
				hardware.ErrVendorRejected, resp.StatusCode, string(data))
		}

		var lr loadObjectsResponse
		err = json.NewDecoder(resp.Body).Decode(&lr)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("декодирование журнала: %w", err)
		}

		for _, row := range lr.AccessLogs {
			direction := model.DirectionEntry
			if row.PortalID == 2 {
				direction = model.DirectionExit
			}
			events = append(events, hardware.RawEvent{
				VendorUserID:   strconv.FormatInt(row.UserID, 10),
				VendorDeviceID: c.deviceID,
				Direction:      direction,
				OccurredAt:     time.Unix(row.Time, 0).UTC(),
			})
		}

		if len(lr.AccessLogs) < eventsPageSize {
			return events, nil
		}
		offset += len(lr.AccessLogs)
	}
}
