// webhook.go — приём webhook-уведомлений платёжного провайдера.
//
// Endpoint не закрыт JWT: провайдер аутентифицируется HMAC-SHA256 подписью
// тела запроса (заголовок X-Webhook-Signature, hex). Семантические проблемы
// уведомления (orphan, дубликат) подтверждаются кодом 200 — провайдер не
// должен бесконечно повторять доставку того, что модуль уже решил.
package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/fitgate/access-module/internal/api/errors"
	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/service"
)

// maxWebhookBody — предел размера тела webhook-уведомления.
const maxWebhookBody = 1 << 20

// signatureHeader — заголовок HMAC-подписи провайдера.
const signatureHeader = "X-Webhook-Signature"

// HandlePaymentWebhook — POST /api/v1/webhooks/payments/{gymID}.
// Проверяет подпись, разбирает уведомление и передаёт его в сервис сверки.
func (h *APIHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	gymID := chi.URLParam(r, "gymID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		apierrors.ValidationError(w, "Не удалось прочитать тело запроса")
		return
	}

	if h.webhookSecret != "" && !validSignature(body, r.Header.Get(signatureHeader), h.webhookSecret) {
		h.logger.Warn("Webhook с неверной подписью",
			"gym_id", gymID,
			"remote_addr", r.RemoteAddr,
		)
		apierrors.Unauthorized(w, "Неверная подпись уведомления")
		return
	}

	var n model.PaymentNotification
	if err := json.Unmarshal(body, &n); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	if err := h.webhooks.HandleNotification(r.Context(), gymID, &n); err != nil {
		if errors.Is(err, service.ErrValidation) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		// Внутренняя ошибка: 500, провайдер повторит доставку
		h.logger.Error("Ошибка обработки платёжного уведомления",
			"gym_id", gymID,
			"tx_id", n.ProviderTxID,
			"error", err,
		)
		apierrors.InternalError(w, "Ошибка обработки уведомления")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// validSignature сравнивает HMAC-SHA256 подпись тела с заголовком провайдера.
func validSignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
