// Package worker содержит фоновые процессы сервиса покупок.
package worker

import (
	"context"
	"errors"
	"time"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/internal/gateway"
	"example.com/exam-purchase/internal/repository"
	"example.com/exam-purchase/internal/service"
	"example.com/exam-purchase/pkg/logger"
)

// ReconcileConfig — настройки воркера сверки.
type ReconcileConfig struct {
	// Interval — интервал между проходами сверки.
	Interval time.Duration

	// BatchSize — количество записей за один проход.
	BatchSize int

	// Grace — дополнительное время после истечения сессии перед сверкой.
	// Даёт шлюзу шанс доставить уведомление штатным путём.
	Grace time.Duration
}

// DefaultReconcileConfig возвращает конфигурацию по умолчанию.
func DefaultReconcileConfig() ReconcileConfig {
	return ReconcileConfig{
		Interval:  time.Minute,
		BatchSize: 50,
		Grace:     5 * time.Minute,
	}
}

// ReconcileWorker сверяет зависшие PENDING покупки с платёжным шлюзом.
// Уведомление шлюза может потеряться: воркер находит покупки с истёкшей
// checkout-сессией, запрашивает фактический статус сессии у шлюза и
// применяет исход тем же идемпотентным путём, что и webhook.
type ReconcileWorker struct {
	purchases repository.PurchaseRepository
	checkout  gateway.CheckoutClient
	svc       service.PurchaseService
	cfg       ReconcileConfig
}

// NewReconcileWorker создаёт новый воркер сверки.
func NewReconcileWorker(
	purchases repository.PurchaseRepository,
	checkout gateway.CheckoutClient,
	svc service.PurchaseService,
	cfg ReconcileConfig,
) *ReconcileWorker {
	return &ReconcileWorker{
		purchases: purchases,
		checkout:  checkout,
		svc:       svc,
		cfg:       cfg,
	}
}

// Run запускает воркер. Блокирует выполнение до отмены контекста.
func (w *ReconcileWorker) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("interval", w.cfg.Interval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("Запуск воркера сверки покупок")

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка воркера сверки покупок")
			return
		case <-ticker.C:
			w.reconcileBatch(ctx)
		}
	}
}

// reconcileBatch сверяет одну пачку просроченных PENDING покупок.
func (w *ReconcileWorker) reconcileBatch(ctx context.Context) {
	log := logger.FromContext(ctx)

	before := time.Now().Add(-w.cfg.Grace)
	expired, err := w.purchases.FindExpiredPending(ctx, before, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка поиска просроченных PENDING покупок")
		return
	}

	if len(expired) == 0 {
		return
	}

	log.Info().Int("count", len(expired)).Msg("Сверка просроченных PENDING покупок")

	for _, purchase := range expired {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.ReconcileOne(ctx, purchase); err != nil {
			log.Error().
				Err(err).
				Str("purchase_id", purchase.ID).
				Msg("Ошибка сверки покупки")
		}
	}
}

// ReconcileOne сверяет одну покупку со шлюзом и применяет исход.
// Исход применяется через тот же идемпотентный путь, что и webhook,
// поэтому гонка с опоздавшим уведомлением шлюза безопасна.
func (w *ReconcileWorker) ReconcileOne(ctx context.Context, purchase *domain.Purchase) error {
	log := logger.FromContext(ctx)

	if purchase.SessionRef == nil {
		// Запись уже ушла из PENDING между выборкой и сверкой
		return nil
	}
	sessionRef := *purchase.SessionRef

	session, err := w.checkout.GetSession(ctx, sessionRef)
	if err != nil {
		if errors.Is(err, gateway.ErrSessionNotFound) {
			// Шлюз уже забыл сессию — оплата точно не состоится
			return w.applyOutcome(ctx, purchase, domain.OutcomeFailure, "session_not_found")
		}
		return err
	}

	switch session.Status {
	case gateway.SessionStatusCompleted:
		// Уведомление об успехе потерялось — восстанавливаем оплату
		log.Warn().
			Str("purchase_id", purchase.ID).
			Str("session_ref", sessionRef).
			Msg("Оплата прошла, но уведомление не дошло — применяем при сверке")
		return w.applyOutcome(ctx, purchase, domain.OutcomeSuccess, "")
	case gateway.SessionStatusFailed:
		return w.applyOutcome(ctx, purchase, domain.OutcomeFailure, "payment_failed")
	case gateway.SessionStatusExpired:
		return w.applyOutcome(ctx, purchase, domain.OutcomeFailure, "session_expired")
	case gateway.SessionStatusOpen:
		// Сессия ещё открыта на стороне шлюза — проверим в следующем проходе
		return nil
	default:
		log.Warn().
			Str("purchase_id", purchase.ID).
			Str("status", session.Status).
			Msg("Неизвестный статус checkout-сессии при сверке")
		return nil
	}
}

// applyOutcome применяет исход сверки идемпотентным путём webhook.
func (w *ReconcileWorker) applyOutcome(ctx context.Context, purchase *domain.Purchase, outcome domain.NotificationOutcome, reason string) error {
	log := logger.FromContext(ctx)

	result, err := w.svc.ApplyGatewayNotification(ctx, service.Notification{
		SessionRef: *purchase.SessionRef,
		AttemptID:  purchase.AttemptID,
		Outcome:    outcome,
		Reason:     reason,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("purchase_id", purchase.ID).
		Str("outcome", string(outcome)).
		Str("result", result).
		Msg("Исход сверки применён")

	return nil
}
