package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/internal/service"
)

// ExamHandler — обработчик каталога экзаменов.
type ExamHandler struct {
	purchaseService service.PurchaseService
}

// NewExamHandler создаёт новый обработчик каталога.
func NewExamHandler(purchaseService service.PurchaseService) *ExamHandler {
	return &ExamHandler{purchaseService: purchaseService}
}

// ExamResponse — информация об экзамене в ответе.
type ExamResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Price       int64  `json:"price"`
	Currency    string `json:"currency"`
	Purchasable bool   `json:"purchasable"`
}

// GetExam возвращает экзамен по ID.
// GET /api/v1/exams/:id
// Публичный эндпоинт: неопубликованные экзамены не выдаются.
func (h *ExamHandler) GetExam(c *gin.Context) {
	ctx := c.Request.Context()

	examID := c.Param("id")
	if examID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "ID экзамена обязателен",
		})
		return
	}

	exam, err := h.purchaseService.GetExam(ctx, examID)
	if err != nil {
		HandleDomainError(c, err, "GetExam")
		return
	}

	if !exam.Published {
		HandleDomainError(c, domain.ErrExamNotFound, "GetExam")
		return
	}

	c.JSON(http.StatusOK, ExamResponse{
		ID:          exam.ID,
		Title:       exam.Title,
		Description: exam.Description,
		Price:       exam.Price,
		Currency:    exam.Currency,
		Purchasable: exam.Purchasable(),
	})
}
