// Package repository содержит реализацию доступа к данным сервиса покупок.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/pkg/outbox"
)

// PurchaseRepository определяет интерфейс для работы с записями о покупках.
// БД — единственная точка синхронизации: все изменяющие операции условные
// (compare-and-swap по state/attempt_id) и проверяют RowsAffected.
type PurchaseRepository interface {
	// GetByBuyerAndExam возвращает запись для пары (покупатель, экзамен).
	GetByBuyerAndExam(ctx context.Context, buyerID, examID string) (*domain.Purchase, error)

	// GetBySessionRef возвращает запись по ссылке на checkout-сессию.
	GetBySessionRef(ctx context.Context, sessionRef string) (*domain.Purchase, error)

	// Create создаёт запись для первой попытки покупки.
	// Уникальный индекс (buyer_id, exam_id) защищает от гонки двух
	// одновременных первых инициаций: проигравший получает ErrDuplicatePurchase.
	Create(ctx context.Context, purchase *domain.Purchase) error

	// BeginAttempt условно переводит существующую запись в PENDING.
	// Обновление применяется только если запись всё ещё в prevState с
	// prevAttemptID; иначе возвращает ErrStaleAttempt.
	BeginAttempt(ctx context.Context, purchase *domain.Purchase, prevState domain.PurchaseState, prevAttemptID int64) error

	// ApplyOutcome условно применяет исход попытки по (session_ref, attempt_id)
	// и в той же транзакции пишет событие в outbox. Повторные и устаревшие
	// уведомления не проходят условие WHERE и возвращают ErrStaleAttempt.
	ApplyOutcome(ctx context.Context, purchase *domain.Purchase, sessionRef string, attemptID int64, event *outbox.Outbox) error

	// FindExpiredPending возвращает записи PENDING, чья checkout-сессия
	// истекла раньше указанного момента. Используется воркером сверки.
	FindExpiredPending(ctx context.Context, before time.Time, limit int) ([]*domain.Purchase, error)
}

// =============================================================================
// GORM модель
// =============================================================================

// PurchaseModel — GORM модель для таблицы purchases.
type PurchaseModel struct {
	ID               string     `gorm:"column:id;type:varchar(36);primaryKey"`
	BuyerID          string     `gorm:"column:buyer_id;type:varchar(64);not null;uniqueIndex:idx_purchases_buyer_exam,priority:1"`
	ExamID           string     `gorm:"column:exam_id;type:varchar(36);not null;uniqueIndex:idx_purchases_buyer_exam,priority:2"`
	State            string     `gorm:"column:state;type:varchar(20);not null;index"`
	SessionRef       *string    `gorm:"column:session_ref;type:varchar(128);uniqueIndex"`
	AttemptID        int64      `gorm:"column:attempt_id;not null;default:0"`
	SessionExpiresAt *time.Time `gorm:"column:session_expires_at;index"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName возвращает имя таблицы в БД.
func (PurchaseModel) TableName() string {
	return "purchases"
}

// toDomain конвертирует GORM модель в доменную сущность.
func (m *PurchaseModel) toDomain() *domain.Purchase {
	return &domain.Purchase{
		ID:               m.ID,
		BuyerID:          m.BuyerID,
		ExamID:           m.ExamID,
		State:            domain.PurchaseState(m.State),
		SessionRef:       m.SessionRef,
		AttemptID:        m.AttemptID,
		SessionExpiresAt: m.SessionExpiresAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// purchaseModelFromDomain конвертирует доменную сущность в GORM модель.
func purchaseModelFromDomain(p *domain.Purchase) *PurchaseModel {
	return &PurchaseModel{
		ID:               p.ID,
		BuyerID:          p.BuyerID,
		ExamID:           p.ExamID,
		State:            string(p.State),
		SessionRef:       p.SessionRef,
		AttemptID:        p.AttemptID,
		SessionExpiresAt: p.SessionExpiresAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// =============================================================================
// Реализация репозитория
// =============================================================================

// purchaseRepository — GORM реализация PurchaseRepository.
type purchaseRepository struct {
	db *gorm.DB
}

// NewPurchaseRepository создаёт новый репозиторий покупок.
func NewPurchaseRepository(db *gorm.DB) PurchaseRepository {
	return &purchaseRepository{db: db}
}

// GetByBuyerAndExam возвращает запись для пары (покупатель, экзамен).
func (r *purchaseRepository) GetByBuyerAndExam(ctx context.Context, buyerID, examID string) (*domain.Purchase, error) {
	var model PurchaseModel

	if err := r.db.WithContext(ctx).
		Where("buyer_id = ? AND exam_id = ?", buyerID, examID).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// GetBySessionRef возвращает запись по ссылке на checkout-сессию.
// session_ref очищается при терминальном переходе, поэтому повторное
// уведомление по закрытой сессии не найдёт запись — это штатный сценарий.
func (r *purchaseRepository) GetBySessionRef(ctx context.Context, sessionRef string) (*domain.Purchase, error) {
	var model PurchaseModel

	if err := r.db.WithContext(ctx).
		Where("session_ref = ?", sessionRef).
		First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, err
	}

	return model.toDomain(), nil
}

// Create создаёт запись для первой попытки покупки.
func (r *purchaseRepository) Create(ctx context.Context, purchase *domain.Purchase) error {
	model := purchaseModelFromDomain(purchase)

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicatePurchase
		}
		return err
	}

	purchase.CreatedAt = model.CreatedAt
	purchase.UpdatedAt = model.UpdatedAt

	return nil
}

// BeginAttempt условно переводит запись в PENDING с новым attempt_id.
func (r *purchaseRepository) BeginAttempt(ctx context.Context, purchase *domain.Purchase, prevState domain.PurchaseState, prevAttemptID int64) error {
	now := time.Now()

	result := r.db.WithContext(ctx).
		Model(&PurchaseModel{}).
		Where("id = ? AND state = ? AND attempt_id = ?", purchase.ID, string(prevState), prevAttemptID).
		Updates(map[string]interface{}{
			"state":              string(domain.PurchaseStatePending),
			"session_ref":        purchase.SessionRef,
			"attempt_id":         purchase.AttemptID,
			"session_expires_at": purchase.SessionExpiresAt,
			"updated_at":         now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return domain.ErrStaleAttempt
	}

	purchase.UpdatedAt = now
	return nil
}

// ApplyOutcome условно применяет терминальный исход попытки.
// Условие WHERE (session_ref, attempt_id, state=PENDING) гарантирует, что
// повторная доставка или устаревшее уведомление не перезапишут запись,
// уже ушедшую дальше. Событие outbox пишется в той же транзакции — терминальный
// переход и его событие либо фиксируются вместе, либо не фиксируются вовсе.
func (r *purchaseRepository) ApplyOutcome(ctx context.Context, purchase *domain.Purchase, sessionRef string, attemptID int64, event *outbox.Outbox) error {
	now := time.Now()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&PurchaseModel{}).
			Where("session_ref = ? AND attempt_id = ? AND state = ?",
				sessionRef, attemptID, string(domain.PurchaseStatePending)).
			Updates(map[string]interface{}{
				"state":              string(purchase.State),
				"session_ref":        nil,
				"session_expires_at": nil,
				"updated_at":         now,
			})

		if result.Error != nil {
			return result.Error
		}

		if result.RowsAffected == 0 {
			return domain.ErrStaleAttempt
		}

		purchase.UpdatedAt = now

		if event != nil {
			eventModel := outbox.ModelFromDomain(event)
			if err := tx.Create(eventModel).Error; err != nil {
				return err
			}
			event.CreatedAt = eventModel.CreatedAt
		}

		return nil
	})
}

// FindExpiredPending возвращает записи PENDING с истёкшей checkout-сессией.
func (r *purchaseRepository) FindExpiredPending(ctx context.Context, before time.Time, limit int) ([]*domain.Purchase, error) {
	var models []PurchaseModel

	if err := r.db.WithContext(ctx).
		Where("state = ? AND session_expires_at IS NOT NULL AND session_expires_at < ?",
			string(domain.PurchaseStatePending), before).
		Order("session_expires_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	purchases := make([]*domain.Purchase, 0, len(models))
	for _, m := range models {
		purchases = append(purchases, m.toDomain())
	}

	return purchases, nil
}

// isDuplicateKeyError проверяет, является ли ошибка дубликатом ключа.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(errMsg, "Duplicate entry") ||
		strings.Contains(errMsg, "1062")
}
