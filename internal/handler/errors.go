// Package handler содержит HTTP обработчики REST API сервиса покупок.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/pkg/logger"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleDomainError преобразует доменную ошибку в HTTP ответ.
// Используется всеми handlers для единообразной обработки ошибок.
// ВАЖНО: err не должен быть nil — это баг в вызывающем коде.
func HandleDomainError(c *gin.Context, err error, method string) {
	// Guard: nil ошибка — баг в вызывающем коде, логируем и возвращаем 500.
	if err == nil {
		logger.Error().Str("method", method).Msg("HandleDomainError вызван с nil ошибкой — баг в коде")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	log := logger.FromContext(c.Request.Context())

	var httpStatus int
	var errorCode string
	var message string

	switch {
	case errors.Is(err, domain.ErrExamNotFound):
		httpStatus = http.StatusNotFound
		errorCode = "not_found"
		message = "Экзамен не найден"
	case errors.Is(err, domain.ErrExamNotPurchasable):
		httpStatus = http.StatusConflict
		errorCode = "not_purchasable"
		message = "Экзамен недоступен для покупки"
	case errors.Is(err, domain.ErrAlreadyPurchased):
		httpStatus = http.StatusConflict
		errorCode = "already_purchased"
		message = "Экзамен уже куплен"
	case errors.Is(err, domain.ErrInitiationInProgress):
		httpStatus = http.StatusConflict
		errorCode = "initiation_in_progress"
		message = "Покупка уже инициируется, повторите запрос"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		httpStatus = http.StatusServiceUnavailable
		errorCode = "gateway_unavailable"
		message = "Платёжный шлюз недоступен, повторите запрос позже"
	case errors.Is(err, domain.ErrMissingBuyer):
		httpStatus = http.StatusUnauthorized
		errorCode = "unauthorized"
		message = "Требуется авторизация"
	default:
		httpStatus = http.StatusInternalServerError
		errorCode = "internal_error"
		message = "Внутренняя ошибка сервера"
		log.Error().
			Err(err).
			Str("method", method).
			Msg("Необработанная ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
