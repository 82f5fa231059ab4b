package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fitgate/access-module/internal/service"
)

const testWebhookSecret = "super-secret"

// sign вычисляет HMAC-SHA256 подпись тела.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments/gym-1", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	return req
}

func TestWebhook_ValidSignature(t *testing.T) {
	env := newTestEnv(t, testWebhookSecret)
	body := []byte(`{"tx_id":"tx-1","status":"paid","amount_cents":350000,"occurred_at":"2025-11-03T10:00:00Z"}`)

	rec := env.do(webhookRequest(body, sign(body, testWebhookSecret)))

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if env.webhooks.gymID != "gym-1" {
		t.Errorf("gym_id = %q, ожидалось gym-1", env.webhooks.gymID)
	}
	if env.webhooks.last == nil || env.webhooks.last.ProviderTxID != "tx-1" || env.webhooks.last.Status != "paid" {
		t.Errorf("уведомление разобрано неверно: %+v", env.webhooks.last)
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	env := newTestEnv(t, testWebhookSecret)
	body := []byte(`{"tx_id":"tx-1","status":"paid"}`)

	tests := []struct {
		name      string
		signature string
	}{
		{"без подписи", ""},
		{"неверная подпись", sign(body, "other-secret")},
		{"не hex", "zzzz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(webhookRequest(body, tt.signature))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}

	if env.webhooks.calls != 0 {
		t.Errorf("уведомления с неверной подписью дошли до сервиса: %d", env.webhooks.calls)
	}
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	// Без секрета подпись не проверяется (окружение разработки)
	env := newTestEnv(t, "")
	body := []byte(`{"tx_id":"tx-1","status":"paid","occurred_at":"2025-11-03T10:00:00Z"}`)

	rec := env.do(webhookRequest(body, ""))
	if rec.Code != http.StatusOK {
		t.Errorf("ожидался статус 200, получен %d", rec.Code)
	}
}

func TestWebhook_MalformedJSON(t *testing.T) {
	env := newTestEnv(t, testWebhookSecret)
	body := []byte(`{"tx_id":`)

	rec := env.do(webhookRequest(body, sign(body, testWebhookSecret)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400, получен %d", rec.Code)
	}
	if code := decodeErrorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Errorf("код ошибки = %q, ожидался VALIDATION_ERROR", code)
	}
}

func TestWebhook_ServiceValidationError(t *testing.T) {
	env := newTestEnv(t, "")
	env.webhooks.err = service.ErrValidation

	body := []byte(`{"tx_id":"","status":"refunded"}`)
	rec := env.do(webhookRequest(body, ""))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("ожидался статус 400, получен %d", rec.Code)
	}
}

func TestWebhook_InternalError(t *testing.T) {
	// Внутренняя ошибка — 500, провайдер повторит доставку
	env := newTestEnv(t, "")
	env.webhooks.err = errTest

	body := []byte(`{"tx_id":"tx-1","status":"paid"}`)
	rec := env.do(webhookRequest(body, ""))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("ожидался статус 500, получен %d", rec.Code)
	}
}
