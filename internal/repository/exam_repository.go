package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/exam-purchase/internal/domain"
)

// ExamRepository определяет интерфейс для чтения каталога экзаменов.
// Сервис не редактирует каталог — контент загружается отдельным процессом.
type ExamRepository interface {
	// GetByID возвращает экзамен по ID.
	GetByID(ctx context.Context, examID string) (*domain.Exam, error)
}

// ExamModel — GORM модель для таблицы exams.
type ExamModel struct {
	ID          string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Title       string    `gorm:"column:title;type:varchar(255);not null"`
	Description string    `gorm:"column:description;type:text"`
	Price       int64     `gorm:"column:price;not null"`
	Currency    string    `gorm:"column:currency;type:varchar(3);not null"`
	Published   bool      `gorm:"column:published;not null;default:false;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (ExamModel) TableName() string {
	return "exams"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *ExamModel) toDomain() *domain.Exam {
	return &domain.Exam{
		ID:          m.ID,
		Title:       m.Title,
		Description: m.Description,
		Price:       m.Price,
		Currency:    m.Currency,
		Published:   m.Published,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// examRepository — GORM реализация ExamRepository.
type examRepository struct {
	db *gorm.DB
}

// NewExamRepository создаёт новый репозиторий экзаменов.
func NewExamRepository(db *gorm.DB) ExamRepository {
	return &examRepository{db: db}
}

// GetByID возвращает экзамен по ID.
func (r *examRepository) GetByID(ctx context.Context, examID string) (*domain.Exam, error) {
	var model ExamModel

	if err := r.db.WithContext(ctx).
		Where("id = ?", examID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrExamNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}
