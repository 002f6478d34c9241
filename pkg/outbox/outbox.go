// Package outbox реализует Outbox Pattern для гарантированной доставки
// событий покупок в Kafka. Терминальный переход покупки и событие о нём
// пишутся в одной транзакции; отдельный OutboxWorker читает outbox и
// отправляет события в Kafka с гарантией at-least-once.
package outbox

import (
	"encoding/json"
	"time"
)

// Типы событий покупок.
const (
	// EventPurchaseCompleted — оплата подтверждена, доступ к экзамену выдан.
	EventPurchaseCompleted = "purchase.completed"

	// EventPurchaseFailed — попытка оплаты завершилась неуспехом.
	EventPurchaseFailed = "purchase.failed"
)

// Outbox — запись в таблице outbox для гарантированной доставки в Kafka.
type Outbox struct {
	ID            string            // UUID записи
	AggregateType string            // Тип агрегата (purchase)
	AggregateID   string            // ID агрегата (purchase_id)
	EventType     string            // Тип события (purchase.completed / purchase.failed)
	Topic         string            // Kafka топик
	MessageKey    string            // Ключ сообщения (для партиционирования)
	Payload       []byte            // JSON payload
	Headers       map[string]string // Headers для Kafka (trace_id, correlation_id)
	CreatedAt     time.Time         // Время создания
	ProcessedAt   *time.Time        // Время обработки (nil = не обработана)
	RetryCount    int               // Количество попыток отправки
	LastError     *string           // Последняя ошибка
}

// PurchaseEventPayload — тело события покупки.
type PurchaseEventPayload struct {
	PurchaseID string `json:"purchase_id"`
	BuyerID    string `json:"buyer_id"`
	ExamID     string `json:"exam_id"`
	AttemptID  int64  `json:"attempt_id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"` // Причина отказа (для purchase.failed)
	OccurredAt string `json:"occurred_at"`      // RFC3339
}

// NewPurchaseEvent создаёт запись outbox для события покупки.
// Партиционирование по purchase_id сохраняет порядок событий одного агрегата.
func NewPurchaseEvent(id, topic, eventType string, payload PurchaseEventPayload, headers map[string]string) (*Outbox, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Outbox{
		ID:            id,
		AggregateType: "purchase",
		AggregateID:   payload.PurchaseID,
		EventType:     eventType,
		Topic:         topic,
		MessageKey:    payload.PurchaseID,
		Payload:       data,
		Headers:       headers,
		CreatedAt:     time.Now(),
	}, nil
}

// HeadersJSON возвращает headers в формате JSON для БД.
func (o *Outbox) HeadersJSON() ([]byte, error) {
	if o.Headers == nil {
		return nil, nil
	}
	return json.Marshal(o.Headers)
}

// SetHeadersFromJSON устанавливает headers из JSON.
func (o *Outbox) SetHeadersFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &o.Headers)
}
