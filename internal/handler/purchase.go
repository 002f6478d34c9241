package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/exam-purchase/internal/middleware"
	"example.com/exam-purchase/internal/service"
	"example.com/exam-purchase/pkg/logger"
)

// PurchaseHandler — обработчик покупок экзаменов.
type PurchaseHandler struct {
	purchaseService service.PurchaseService
}

// NewPurchaseHandler создаёт новый обработчик покупок.
func NewPurchaseHandler(purchaseService service.PurchaseService) *PurchaseHandler {
	return &PurchaseHandler{purchaseService: purchaseService}
}

// === Request/Response DTOs ===

// StatusResponse — состояние покупки.
// Статус отдаётся в нижнем регистре: none / pending / completed / failed.
type StatusResponse struct {
	Status    string `json:"status"`
	AttemptID int64  `json:"attempt_id,omitempty"`
}

// InitiateResponse — результат инициации покупки.
type InitiateResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url,omitempty"`
	AttemptID   int64  `json:"attempt_id"`
}

// === Handlers ===

// GetStatus возвращает состояние покупки экзамена для текущего покупателя.
// GET /api/v1/exams/:id/purchase/status
// Доступен анонимно: без токена всегда возвращает none.
func (h *PurchaseHandler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()

	examID := c.Param("id")
	if examID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "ID экзамена обязателен",
		})
		return
	}

	// Анонимный запрос: buyer_id пустой, сервис вернёт none
	buyerID := c.GetString(middleware.ContextBuyerID)

	status, err := h.purchaseService.GetStatus(ctx, buyerID, examID)
	if err != nil {
		HandleDomainError(c, err, "GetStatus")
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status:    strings.ToLower(string(status.State)),
		AttemptID: status.AttemptID,
	})
}

// InitiatePurchase начинает попытку покупки экзамена.
// POST /api/v1/exams/:id/purchase
// Требует авторизацию. Повторный вызов с живой PENDING сессией
// возвращает ту же session_id (идемпотентность для double-click).
func (h *PurchaseHandler) InitiatePurchase(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	examID := c.Param("id")
	if examID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "ID экзамена обязателен",
		})
		return
	}

	buyerID, ok := h.getBuyerID(c)
	if !ok {
		return
	}

	result, err := h.purchaseService.InitiatePurchase(ctx, buyerID, examID)
	if err != nil {
		HandleDomainError(c, err, "InitiatePurchase")
		return
	}

	log.Info().
		Str("buyer_id", buyerID).
		Str("exam_id", examID).
		Str("session_id", result.SessionRef).
		Int64("attempt_id", result.AttemptID).
		Bool("reused", result.Reused).
		Msg("Инициация покупки")

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}

	c.JSON(status, InitiateResponse{
		SessionID:   result.SessionRef,
		CheckoutURL: result.CheckoutURL,
		AttemptID:   result.AttemptID,
	})
}

// === Helper functions ===

// getBuyerID извлекает buyer_id из контекста Gin.
// Возвращает false и отправляет ошибку, если buyer_id не найден.
func (h *PurchaseHandler) getBuyerID(c *gin.Context) (string, bool) {
	log := logger.FromContext(c.Request.Context())

	buyerID, exists := c.Get(middleware.ContextBuyerID)
	if !exists {
		log.Warn().Msg("buyer_id не найден в контексте")
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "Требуется авторизация",
		})
		return "", false
	}

	buyerIDStr, ok := buyerID.(string)
	if !ok {
		log.Error().Interface("buyer_id", buyerID).Msg("buyer_id не является строкой — баг в middleware")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return "", false
	}

	return buyerIDStr, true
}
