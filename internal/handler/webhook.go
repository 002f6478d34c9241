package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/internal/service"
	"example.com/exam-purchase/pkg/logger"
)

// SignatureHeader — заголовок с HMAC-SHA256 подписью тела уведомления.
const SignatureHeader = "X-Gateway-Signature"

// maxWebhookBody — лимит размера тела уведомления (64 KB).
const maxWebhookBody = 64 << 10

// WebhookHandler — обработчик уведомлений платёжного шлюза.
type WebhookHandler struct {
	purchaseService service.PurchaseService
	secret          []byte
}

// NewWebhookHandler создаёт новый обработчик webhook.
// secret — общий секрет HMAC-подписи, выданный шлюзом.
func NewWebhookHandler(purchaseService service.PurchaseService, secret string) *WebhookHandler {
	return &WebhookHandler{
		purchaseService: purchaseService,
		secret:          []byte(secret),
	}
}

// notificationRequest — тело уведомления шлюза.
type notificationRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	AttemptID int64  `json:"attempt_id"`
	Outcome   string `json:"outcome" binding:"required"`
	Reason    string `json:"reason,omitempty"`
}

// notificationResponse — ответ на уведомление.
type notificationResponse struct {
	Result string `json:"result"`
}

// HandleNotification обрабатывает уведомление шлюза об исходе оплаты.
// POST /api/v1/webhooks/payment
//
// Шлюз доставляет at-least-once: любое классифицированное уведомление
// (включая повторные и устаревшие) подтверждается 200, чтобы остановить
// redelivery. 5xx возвращается только при сбое инфраструктуры.
func (h *WebhookHandler) HandleNotification(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Ошибка чтения тела запроса",
		})
		return
	}

	if !h.verifySignature(body, c.GetHeader(SignatureHeader)) {
		log.Warn().Msg("Невалидная подпись уведомления шлюза")
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_signature",
			Message: "Невалидная подпись",
		})
		return
	}

	var req notificationRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SessionID == "" || req.Outcome == "" {
		log.Debug().Err(err).Msg("Невалидное тело уведомления шлюза")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Невалидное тело уведомления",
		})
		return
	}

	outcome := domain.NotificationOutcome(req.Outcome)
	if !outcome.Valid() {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Неизвестный исход уведомления",
		})
		return
	}

	result, err := h.purchaseService.ApplyGatewayNotification(ctx, service.Notification{
		SessionRef: req.SessionID,
		AttemptID:  req.AttemptID,
		Outcome:    outcome,
		Reason:     req.Reason,
	})
	if err != nil {
		// Сбой инфраструктуры: 500 заставит шлюз доставить повторно
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("Ошибка обработки уведомления шлюза")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	c.JSON(http.StatusOK, notificationResponse{Result: result})
}

// verifySignature проверяет HMAC-SHA256 подпись тела уведомления.
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(provided, expected)
}
