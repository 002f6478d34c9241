// Package service содержит бизнес-логику сервиса покупки экзаменов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/internal/gateway"
	"example.com/exam-purchase/internal/repository"
	"example.com/exam-purchase/pkg/kafka"
	"example.com/exam-purchase/pkg/logger"
	"example.com/exam-purchase/pkg/metrics"
	"example.com/exam-purchase/pkg/outbox"
)

// =============================================================================
// Конфигурация
// =============================================================================

const (
	// initLockKeyPrefix — префикс ключей блокировки инициации в Redis.
	initLockKeyPrefix = "purchase:init:"

	// initLockTTL — время жизни блокировки инициации.
	// Блокировка снимается явно; TTL защищает от упавшего держателя.
	initLockTTL = 10 * time.Second

	// initWaitDeadline — сколько проигравший конкурентной инициации ждёт,
	// пока победитель создаст checkout-сессию.
	initWaitDeadline = 2 * time.Second

	// initPollInterval — интервал опроса записи проигравшим.
	initPollInterval = 100 * time.Millisecond
)

// =============================================================================
// Интерфейс сервиса
// =============================================================================

// PurchaseStatus — состояние покупки для выдачи наружу.
type PurchaseStatus struct {
	State     domain.PurchaseState // Текущее состояние (NONE если записи нет)
	AttemptID int64                // Номер последней попытки (0 если записи нет)
}

// InitiateResult — результат инициации покупки.
type InitiateResult struct {
	SessionRef  string // Ссылка на checkout-сессию шлюза
	CheckoutURL string // URL hosted-страницы оплаты (пустой при переиспользовании сессии)
	AttemptID   int64  // Номер попытки
	Reused      bool   // true если возвращена уже существующая живая сессия
}

// Notification — уведомление платёжного шлюза об исходе попытки.
type Notification struct {
	SessionRef string                     // Ссылка на checkout-сессию
	AttemptID  int64                      // Номер попытки из уведомления
	Outcome    domain.NotificationOutcome // Исход (success / failure)
	Reason     string                     // Причина отказа (для failure)
}

// Результаты обработки уведомления шлюза. Все непринятые уведомления
// подтверждаются (ack) — шлюз доставляет at-least-once, и повторная
// доставка не должна приводить к бесконечным ретраям.
const (
	// NotificationApplied — терминальный переход применён.
	NotificationApplied = "applied"

	// NotificationStale — уведомление относится к устаревшей попытке.
	NotificationStale = "stale"

	// NotificationUnknownSession — сессия неизвестна (уже закрыта или чужая).
	NotificationUnknownSession = "unknown_session"

	// NotificationDuplicate — повторная доставка, исход уже применён.
	NotificationDuplicate = "duplicate"
)

// PurchaseService — бизнес-логика покупки экзаменов.
type PurchaseService interface {
	// GetExam возвращает экзамен из каталога.
	GetExam(ctx context.Context, examID string) (*domain.Exam, error)

	// GetStatus возвращает состояние покупки для пары (покупатель, экзамен).
	// Операция без побочных эффектов: отсутствие записи означает NONE.
	GetStatus(ctx context.Context, buyerID, examID string) (*PurchaseStatus, error)

	// InitiatePurchase начинает попытку покупки: создаёт checkout-сессию
	// шлюза и переводит запись в PENDING. Для COMPLETED возвращает
	// ErrAlreadyPurchased; живую PENDING сессию возвращает повторно.
	InitiatePurchase(ctx context.Context, buyerID, examID string) (*InitiateResult, error)

	// ApplyGatewayNotification идемпотентно применяет исход попытки оплаты.
	// Возвращает результат классификации (applied / stale / unknown_session /
	// duplicate); ошибка означает сбой инфраструктуры и необходимость redelivery.
	ApplyGatewayNotification(ctx context.Context, n Notification) (string, error)
}

// =============================================================================
// Реализация сервиса
// =============================================================================

// purchaseService — реализация PurchaseService.
type purchaseService struct {
	purchases  repository.PurchaseRepository
	exams      repository.ExamRepository
	checkout   gateway.CheckoutClient
	redis      *redis.Client
	sessionTTL time.Duration
}

// NewPurchaseService создаёт новый сервис покупок.
func NewPurchaseService(
	purchases repository.PurchaseRepository,
	exams repository.ExamRepository,
	checkout gateway.CheckoutClient,
	redisClient *redis.Client,
	sessionTTL time.Duration,
) PurchaseService {
	return &purchaseService{
		purchases:  purchases,
		exams:      exams,
		checkout:   checkout,
		redis:      redisClient,
		sessionTTL: sessionTTL,
	}
}

// GetExam возвращает экзамен из каталога.
func (s *purchaseService) GetExam(ctx context.Context, examID string) (*domain.Exam, error) {
	return s.exams.GetByID(ctx, examID)
}

// GetStatus возвращает состояние покупки без побочных эффектов.
func (s *purchaseService) GetStatus(ctx context.Context, buyerID, examID string) (*PurchaseStatus, error) {
	// Анонимный запрос — покупки нет по определению.
	if buyerID == "" {
		return &PurchaseStatus{State: domain.PurchaseStateNone}, nil
	}

	purchase, err := s.purchases.GetByBuyerAndExam(ctx, buyerID, examID)
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			return &PurchaseStatus{State: domain.PurchaseStateNone}, nil
		}
		return nil, fmt.Errorf("ошибка чтения записи о покупке: %w", err)
	}

	return &PurchaseStatus{
		State:     purchase.State,
		AttemptID: purchase.AttemptID,
	}, nil
}

// InitiatePurchase начинает попытку покупки.
//
// Конкурентные инициации сериализуются блокировкой в Redis (SETNX):
// победитель создаёт сессию, проигравший дожидается её появления в БД
// и возвращает ту же ссылку. При недоступном Redis продолжаем без
// блокировки — условные UPDATE и уникальные индексы БД гарантируют,
// что зафиксируется ровно одна PENDING сессия; лишняя сессия шлюза
// никогда не попадёт в запись и истечёт сама.
func (s *purchaseService) InitiatePurchase(ctx context.Context, buyerID, examID string) (*InitiateResult, error) {
	log := logger.Ctx(ctx)

	if buyerID == "" {
		return nil, domain.ErrMissingBuyer
	}

	// 1. Предусловия: экзамен существует и доступен для покупки
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.Purchasable() {
		return nil, domain.ErrExamNotPurchasable
	}

	// 2. Быстрые проверки по текущей записи
	purchase, err := s.purchases.GetByBuyerAndExam(ctx, buyerID, examID)
	if err != nil && !errors.Is(err, domain.ErrPurchaseNotFound) {
		return nil, fmt.Errorf("ошибка чтения записи о покупке: %w", err)
	}

	if purchase != nil {
		if purchase.State == domain.PurchaseStateCompleted {
			return nil, domain.ErrAlreadyPurchased
		}
		if purchase.HasLiveSession(time.Now()) {
			log.Info().
				Str("purchase_id", purchase.ID).
				Int64("attempt_id", purchase.AttemptID).
				Msg("Возвращаем существующую живую checkout-сессию")
			return &InitiateResult{
				SessionRef: *purchase.SessionRef,
				AttemptID:  purchase.AttemptID,
				Reused:     true,
			}, nil
		}
	}

	// 3. Сериализация конкурентных инициаций через Redis
	lockKey := initLockKeyPrefix + buyerID + ":" + examID
	locked, lockErr := s.redis.SetNX(ctx, lockKey, "1", initLockTTL).Result()
	if lockErr != nil {
		log.Warn().Err(lockErr).Msg("Ошибка Redis при блокировке инициации, продолжаем без блокировки")
		// БД защитит: CAS по attempt_id и уникальный индекс (buyer_id, exam_id)
		locked = true
	} else if !locked {
		// Проигравший: ждём, пока победитель зафиксирует PENDING сессию
		return s.awaitConcurrentInitiation(ctx, buyerID, examID)
	} else {
		defer func() {
			if err := s.redis.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
				log.Warn().Err(err).Msg("Ошибка снятия блокировки инициации")
			}
		}()

		// Повторная проверка под блокировкой: конкурент мог зафиксировать
		// сессию между первым чтением и захватом блокировки.
		purchase, err = s.purchases.GetByBuyerAndExam(ctx, buyerID, examID)
		if err != nil && !errors.Is(err, domain.ErrPurchaseNotFound) {
			return nil, fmt.Errorf("ошибка чтения записи о покупке: %w", err)
		}
		if purchase != nil {
			if purchase.State == domain.PurchaseStateCompleted {
				return nil, domain.ErrAlreadyPurchased
			}
			if purchase.HasLiveSession(time.Now()) {
				return &InitiateResult{
					SessionRef: *purchase.SessionRef,
					AttemptID:  purchase.AttemptID,
					Reused:     true,
				}, nil
			}
		}
	}

	return s.beginAttempt(ctx, buyerID, exam, purchase)
}

// beginAttempt создаёт checkout-сессию и условно фиксирует PENDING.
// Вызывается держателем блокировки (или при недоступном Redis — без неё).
func (s *purchaseService) beginAttempt(ctx context.Context, buyerID string, exam *domain.Exam, purchase *domain.Purchase) (*InitiateResult, error) {
	log := logger.Ctx(ctx)

	// Состояние и попытка, относительно которых выполняется условный UPDATE
	var prevState domain.PurchaseState
	var prevAttemptID int64

	if purchase == nil {
		purchase = &domain.Purchase{
			ID:      uuid.New().String(),
			BuyerID: buyerID,
			ExamID:  exam.ID,
			State:   domain.PurchaseStateNone,
		}
	} else {
		prevState = purchase.State
		prevAttemptID = purchase.AttemptID

		// Просроченная PENDING сессия: попытка считается неуспешной,
		// условный UPDATE заменит её новой атомарно.
		if purchase.State == domain.PurchaseStatePending {
			if err := purchase.Fail(); err != nil {
				return nil, fmt.Errorf("ошибка закрытия просроченной попытки: %w", err)
			}
		}
	}

	// Сначала сессия шлюза, затем условная запись в БД. Если запись не
	// пройдёт (конкурент успел раньше), сессия останется без ссылки из БД
	// и истечёт на стороне шлюза — оплатить её по нашей ссылке невозможно.
	session, err := s.checkout.CreateSession(ctx, gateway.CreateSessionRequest{
		PurchaseID:  purchase.ID,
		AttemptID:   purchase.AttemptID + 1,
		Amount:      exam.Price,
		Currency:    exam.Currency,
		Description: exam.Title,
	})
	if err != nil {
		log.Error().Err(err).Str("exam_id", exam.ID).Msg("Ошибка создания checkout-сессии")
		return nil, err
	}
	metrics.CheckoutSessionsCreated.Inc()

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(s.sessionTTL)
	}
	if err := purchase.BeginAttempt(session.ID, expiresAt); err != nil {
		return nil, err
	}

	// Первая инициация — вставка; повторная — условный UPDATE
	if prevState == "" || prevState == domain.PurchaseStateNone {
		err = s.purchases.Create(ctx, purchase)
		if errors.Is(err, domain.ErrDuplicatePurchase) {
			err = domain.ErrStaleAttempt
		}
	} else {
		err = s.purchases.BeginAttempt(ctx, purchase, prevState, prevAttemptID)
	}

	if errors.Is(err, domain.ErrStaleAttempt) {
		// Конкурент успел раньше несмотря на блокировку (Redis был недоступен).
		// Наша сессия осиротела и истечёт; отдаём результат конкурента.
		log.Info().
			Str("buyer_id", buyerID).
			Str("exam_id", exam.ID).
			Msg("Конкурентная инициация зафиксирована раньше, возвращаем её сессию")
		return s.awaitConcurrentInitiation(ctx, buyerID, exam.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка фиксации попытки покупки: %w", err)
	}

	log.Info().
		Str("purchase_id", purchase.ID).
		Str("exam_id", exam.ID).
		Int64("attempt_id", purchase.AttemptID).
		Str("session_ref", session.ID).
		Msg("Попытка покупки начата")

	return &InitiateResult{
		SessionRef:  session.ID,
		CheckoutURL: session.URL,
		AttemptID:   purchase.AttemptID,
	}, nil
}

// awaitConcurrentInitiation дожидается результата конкурентной инициации.
// Опрашивает запись до дедлайна; если победитель так и не зафиксировал
// PENDING сессию — возвращает ErrInitiationInProgress (запрос можно повторить).
func (s *purchaseService) awaitConcurrentInitiation(ctx context.Context, buyerID, examID string) (*InitiateResult, error) {
	deadline := time.Now().Add(initWaitDeadline)

	for {
		purchase, err := s.purchases.GetByBuyerAndExam(ctx, buyerID, examID)
		if err != nil && !errors.Is(err, domain.ErrPurchaseNotFound) {
			return nil, fmt.Errorf("ошибка чтения записи о покупке: %w", err)
		}

		if purchase != nil {
			if purchase.State == domain.PurchaseStateCompleted {
				return nil, domain.ErrAlreadyPurchased
			}
			if purchase.HasLiveSession(time.Now()) {
				return &InitiateResult{
					SessionRef: *purchase.SessionRef,
					AttemptID:  purchase.AttemptID,
					Reused:     true,
				}, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, domain.ErrInitiationInProgress
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(initPollInterval):
		}
	}
}

// ApplyGatewayNotification идемпотентно применяет исход попытки оплаты.
//
// Единственный механизм корректности — условный UPDATE по
// (session_ref, attempt_id, state=PENDING): повторные, устаревшие и
// конкурентные доставки не проходят условие и подтверждаются без эффекта.
func (s *purchaseService) ApplyGatewayNotification(ctx context.Context, n Notification) (string, error) {
	log := logger.Ctx(ctx)

	if !n.Outcome.Valid() {
		return "", fmt.Errorf("неизвестный исход уведомления: %q", n.Outcome)
	}

	purchase, err := s.purchases.GetBySessionRef(ctx, n.SessionRef)
	if err != nil {
		if errors.Is(err, domain.ErrPurchaseNotFound) {
			// Сессия уже закрыта (session_ref очищен терминальным переходом)
			// либо вовсе не наша. Повторная доставка — штатный сценарий.
			log.Info().
				Str("session_ref", n.SessionRef).
				Msg("Уведомление по неизвестной сессии, подтверждаем без эффекта")
			metrics.GatewayNotifications.WithLabelValues(NotificationUnknownSession).Inc()
			return NotificationUnknownSession, nil
		}
		return "", fmt.Errorf("ошибка поиска записи по session_ref: %w", err)
	}

	if n.AttemptID != purchase.AttemptID {
		log.Info().
			Str("purchase_id", purchase.ID).
			Int64("notification_attempt", n.AttemptID).
			Int64("current_attempt", purchase.AttemptID).
			Msg("Уведомление по устаревшей попытке, подтверждаем без эффекта")
		metrics.GatewayNotifications.WithLabelValues(NotificationStale).Inc()
		return NotificationStale, nil
	}

	// Терминальный переход + событие в outbox (одна транзакция)
	if n.Outcome == domain.OutcomeSuccess {
		err = purchase.Complete()
	} else {
		err = purchase.Fail()
	}
	if err != nil {
		return "", fmt.Errorf("недопустимый переход для уведомления: %w", err)
	}

	event, err := s.buildPurchaseEvent(ctx, purchase, n.Reason)
	if err != nil {
		return "", fmt.Errorf("ошибка подготовки события покупки: %w", err)
	}

	if err := s.purchases.ApplyOutcome(ctx, purchase, n.SessionRef, n.AttemptID, event); err != nil {
		if errors.Is(err, domain.ErrStaleAttempt) {
			// Конкурентная доставка того же уведомления применилась первой
			log.Info().
				Str("purchase_id", purchase.ID).
				Int64("attempt_id", n.AttemptID).
				Msg("Исход уже применён конкурентной доставкой, подтверждаем")
			metrics.GatewayNotifications.WithLabelValues(NotificationDuplicate).Inc()
			return NotificationDuplicate, nil
		}
		return "", fmt.Errorf("ошибка применения исхода попытки: %w", err)
	}

	metrics.GatewayNotifications.WithLabelValues(NotificationApplied).Inc()
	if purchase.State == domain.PurchaseStateCompleted {
		metrics.PurchasesFinalized.WithLabelValues("completed").Inc()
	} else {
		metrics.PurchasesFinalized.WithLabelValues("failed").Inc()
	}

	log.Info().
		Str("purchase_id", purchase.ID).
		Int64("attempt_id", n.AttemptID).
		Str("state", string(purchase.State)).
		Str("reason", n.Reason).
		Msg("Исход попытки оплаты применён")

	return NotificationApplied, nil
}

// buildPurchaseEvent формирует событие outbox для терминального перехода.
func (s *purchaseService) buildPurchaseEvent(ctx context.Context, purchase *domain.Purchase, reason string) (*outbox.Outbox, error) {
	eventType := outbox.EventPurchaseCompleted
	if purchase.State == domain.PurchaseStateFailed {
		eventType = outbox.EventPurchaseFailed
	}

	headers := map[string]string{}
	if traceID := kafka.TraceIDFromContext(ctx); traceID != "" {
		headers[kafka.HeaderTraceID] = traceID
	}
	if correlationID := kafka.CorrelationIDFromContext(ctx); correlationID != "" {
		headers[kafka.HeaderCorrelationID] = correlationID
	}

	payload := outbox.PurchaseEventPayload{
		PurchaseID: purchase.ID,
		BuyerID:    purchase.BuyerID,
		ExamID:     purchase.ExamID,
		AttemptID:  purchase.AttemptID,
		State:      string(purchase.State),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}
	if purchase.State == domain.PurchaseStateFailed {
		payload.Reason = reason
	}

	return outbox.NewPurchaseEvent(uuid.New().String(), kafka.TopicPurchaseEvents, eventType, payload, headers)
}
