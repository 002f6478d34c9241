// Package domain содержит бизнес-сущности сервиса покупки экзаменов.
package domain

import (
	"time"
)

// PurchaseState — состояние покупки для пары (покупатель, экзамен).
type PurchaseState string

const (
	// PurchaseStateNone — покупка не начиналась. Эквивалентно отсутствию записи.
	PurchaseStateNone PurchaseState = "NONE"

	// PurchaseStatePending — создана checkout-сессия, ожидаем уведомление шлюза.
	PurchaseStatePending PurchaseState = "PENDING"

	// PurchaseStateCompleted — оплата подтверждена шлюзом. Финальное состояние.
	PurchaseStateCompleted PurchaseState = "COMPLETED"

	// PurchaseStateFailed — оплата не прошла. Допускает новую попытку.
	PurchaseStateFailed PurchaseState = "FAILED"
)

// IsTerminal возвращает true, если состояние финально для текущей попытки.
// COMPLETED финален навсегда; FAILED финален для попытки, но допускает
// новую попытку с новым attempt_id.
func (s PurchaseState) IsTerminal() bool {
	return s == PurchaseStateCompleted || s == PurchaseStateFailed
}

// NotificationOutcome — исход попытки оплаты в уведомлении шлюза.
type NotificationOutcome string

const (
	// OutcomeSuccess — шлюз подтвердил оплату.
	OutcomeSuccess NotificationOutcome = "success"

	// OutcomeFailure — шлюз отклонил или отменил оплату.
	OutcomeFailure NotificationOutcome = "failure"
)

// Valid проверяет, что исход известен.
func (o NotificationOutcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// =============================================================================
// Допустимые переходы состояний (State Machine)
// =============================================================================

// allowedTransitions определяет валидные переходы состояния покупки.
var allowedTransitions = map[PurchaseState][]PurchaseState{
	PurchaseStateNone:    {PurchaseStatePending},
	PurchaseStatePending: {PurchaseStateCompleted, PurchaseStateFailed},
	PurchaseStateFailed:  {PurchaseStatePending},
	// PurchaseStateCompleted — исходящих переходов нет
}

// =============================================================================
// Purchase — доменная сущность
// =============================================================================

// Purchase — запись о покупке экзамена. Агрегат с ключом (buyer_id, exam_id):
// ровно одна запись на пару, история попыток ведётся через attempt_id.
type Purchase struct {
	ID               string         // UUID записи
	BuyerID          string         // ID аутентифицированного покупателя
	ExamID           string         // ID экзамена
	State            PurchaseState  // Текущее состояние
	SessionRef       *string        // Ссылка на checkout-сессию шлюза; заполнена только в PENDING
	AttemptID        int64          // Номер попытки, монотонно растёт
	SessionExpiresAt *time.Time     // Срок жизни checkout-сессии (для PENDING)
	CreatedAt        time.Time      // Дата создания
	UpdatedAt        time.Time      // Дата обновления
}

// CanTransitionTo проверяет, допустим ли переход в указанное состояние.
func (p *Purchase) CanTransitionTo(newState PurchaseState) bool {
	allowed, ok := allowedTransitions[p.State]
	if !ok {
		return false // COMPLETED — исходящих переходов нет
	}
	for _, state := range allowed {
		if state == newState {
			return true
		}
	}
	return false
}

// TransitionTo выполняет переход в новое состояние.
func (p *Purchase) TransitionTo(newState PurchaseState) error {
	if !p.CanTransitionTo(newState) {
		return ErrInvalidTransition
	}
	p.State = newState
	p.UpdatedAt = time.Now()
	return nil
}

// BeginAttempt начинает новую попытку покупки: переход в PENDING с новым
// attempt_id и свежей checkout-сессией. Допустим только из NONE и FAILED.
func (p *Purchase) BeginAttempt(sessionRef string, expiresAt time.Time) error {
	if err := p.TransitionTo(PurchaseStatePending); err != nil {
		return err
	}
	p.AttemptID++
	p.SessionRef = &sessionRef
	p.SessionExpiresAt = &expiresAt
	return nil
}

// Complete подтверждает оплату текущей попытки.
// Инвариант: session_ref заполнен только в PENDING, поэтому очищаем его.
func (p *Purchase) Complete() error {
	if err := p.TransitionTo(PurchaseStateCompleted); err != nil {
		return err
	}
	p.SessionRef = nil
	p.SessionExpiresAt = nil
	return nil
}

// Fail помечает текущую попытку как неуспешную.
func (p *Purchase) Fail() error {
	if err := p.TransitionTo(PurchaseStateFailed); err != nil {
		return err
	}
	p.SessionRef = nil
	p.SessionExpiresAt = nil
	return nil
}

// HasLiveSession возвращает true, если запись в PENDING и checkout-сессия
// ещё не истекла. Такую сессию возвращаем повторно вместо создания новой.
func (p *Purchase) HasLiveSession(now time.Time) bool {
	if p.State != PurchaseStatePending || p.SessionRef == nil {
		return false
	}
	if p.SessionExpiresAt == nil {
		return true
	}
	return now.Before(*p.SessionExpiresAt)
}

// Validate проверяет корректность полей записи.
func (p *Purchase) Validate() error {
	if p.BuyerID == "" {
		return ErrMissingBuyer
	}
	if p.ExamID == "" {
		return ErrMissingExam
	}
	// session_ref заполнен тогда и только тогда, когда состояние PENDING
	if (p.State == PurchaseStatePending) != (p.SessionRef != nil) {
		return ErrSessionRefInvariant
	}
	return nil
}
