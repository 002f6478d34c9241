package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/internal/gateway"
	"example.com/exam-purchase/internal/service"
	"example.com/exam-purchase/pkg/outbox"
)

// =============================================================================
// Моки
// =============================================================================

// mockRepo — мок PurchaseRepository (используется только FindExpiredPending).
type mockRepo struct {
	expired []*domain.Purchase
	err     error
}

func (m *mockRepo) GetByBuyerAndExam(ctx context.Context, buyerID, examID string) (*domain.Purchase, error) {
	return nil, domain.ErrPurchaseNotFound
}

func (m *mockRepo) GetBySessionRef(ctx context.Context, sessionRef string) (*domain.Purchase, error) {
	return nil, domain.ErrPurchaseNotFound
}

func (m *mockRepo) Create(ctx context.Context, purchase *domain.Purchase) error { return nil }

func (m *mockRepo) BeginAttempt(ctx context.Context, purchase *domain.Purchase, prevState domain.PurchaseState, prevAttemptID int64) error {
	return nil
}

func (m *mockRepo) ApplyOutcome(ctx context.Context, purchase *domain.Purchase, sessionRef string, attemptID int64, event *outbox.Outbox) error {
	return nil
}

func (m *mockRepo) FindExpiredPending(ctx context.Context, before time.Time, limit int) ([]*domain.Purchase, error) {
	return m.expired, m.err
}

// mockCheckout — мок CheckoutClient с настраиваемыми сессиями.
type mockCheckout struct {
	sessions map[string]*gateway.Session
	err      error
}

func (m *mockCheckout) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (*gateway.Session, error) {
	return nil, errors.New("не используется в сверке")
}

func (m *mockCheckout) GetSession(ctx context.Context, sessionID string) (*gateway.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, gateway.ErrSessionNotFound
}

// mockService — мок PurchaseService, записывающий применённые уведомления.
type mockService struct {
	applied []service.Notification
	err     error
}

func (m *mockService) GetExam(ctx context.Context, examID string) (*domain.Exam, error) {
	return nil, domain.ErrExamNotFound
}

func (m *mockService) GetStatus(ctx context.Context, buyerID, examID string) (*service.PurchaseStatus, error) {
	return nil, nil
}

func (m *mockService) InitiatePurchase(ctx context.Context, buyerID, examID string) (*service.InitiateResult, error) {
	return nil, nil
}

func (m *mockService) ApplyGatewayNotification(ctx context.Context, n service.Notification) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.applied = append(m.applied, n)
	return service.NotificationApplied, nil
}

// =============================================================================
// Helpers
// =============================================================================

func pendingPurchase(sessionRef string, attemptID int64) *domain.Purchase {
	expired := time.Now().Add(-time.Hour)
	return &domain.Purchase{
		ID:               "purchase-1",
		BuyerID:          "buyer-1",
		ExamID:           "exam-1",
		State:            domain.PurchaseStatePending,
		SessionRef:       &sessionRef,
		AttemptID:        attemptID,
		SessionExpiresAt: &expired,
	}
}

func newTestWorker(repo *mockRepo, checkout *mockCheckout, svc *mockService) *ReconcileWorker {
	return NewReconcileWorker(repo, checkout, svc, DefaultReconcileConfig())
}

// =============================================================================
// Тесты ReconcileOne
// =============================================================================

func TestReconcileWorker_LostSuccessRecovered(t *testing.T) {
	purchase := pendingPurchase("cs_1", 1)
	checkout := &mockCheckout{sessions: map[string]*gateway.Session{
		"cs_1": {ID: "cs_1", Status: gateway.SessionStatusCompleted},
	}}
	svc := &mockService{}
	w := newTestWorker(&mockRepo{}, checkout, svc)

	err := w.ReconcileOne(context.Background(), purchase)

	require.NoError(t, err)
	require.Len(t, svc.applied, 1)
	assert.Equal(t, domain.OutcomeSuccess, svc.applied[0].Outcome)
	assert.Equal(t, "cs_1", svc.applied[0].SessionRef)
	assert.Equal(t, int64(1), svc.applied[0].AttemptID)
}

func TestReconcileWorker_ExpiredSessionFailed(t *testing.T) {
	purchase := pendingPurchase("cs_1", 2)
	checkout := &mockCheckout{sessions: map[string]*gateway.Session{
		"cs_1": {ID: "cs_1", Status: gateway.SessionStatusExpired},
	}}
	svc := &mockService{}
	w := newTestWorker(&mockRepo{}, checkout, svc)

	err := w.ReconcileOne(context.Background(), purchase)

	require.NoError(t, err)
	require.Len(t, svc.applied, 1)
	assert.Equal(t, domain.OutcomeFailure, svc.applied[0].Outcome)
	assert.Equal(t, "session_expired", svc.applied[0].Reason)
}

func TestReconcileWorker_UnknownSessionFailed(t *testing.T) {
	purchase := pendingPurchase("cs_gone", 1)
	checkout := &mockCheckout{sessions: map[string]*gateway.Session{}}
	svc := &mockService{}
	w := newTestWorker(&mockRepo{}, checkout, svc)

	err := w.ReconcileOne(context.Background(), purchase)

	require.NoError(t, err)
	require.Len(t, svc.applied, 1)
	assert.Equal(t, domain.OutcomeFailure, svc.applied[0].Outcome)
	assert.Equal(t, "session_not_found", svc.applied[0].Reason)
}

func TestReconcileWorker_OpenSessionSkipped(t *testing.T) {
	purchase := pendingPurchase("cs_1", 1)
	checkout := &mockCheckout{sessions: map[string]*gateway.Session{
		"cs_1": {ID: "cs_1", Status: gateway.SessionStatusOpen},
	}}
	svc := &mockService{}
	w := newTestWorker(&mockRepo{}, checkout, svc)

	err := w.ReconcileOne(context.Background(), purchase)

	require.NoError(t, err)
	// Открытая сессия не трогается — исход решит шлюз
	assert.Empty(t, svc.applied)
}

func TestReconcileWorker_GatewayErrorPropagates(t *testing.T) {
	purchase := pendingPurchase("cs_1", 1)
	checkout := &mockCheckout{err: domain.ErrGatewayUnavailable}
	svc := &mockService{}
	w := newTestWorker(&mockRepo{}, checkout, svc)

	err := w.ReconcileOne(context.Background(), purchase)

	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Empty(t, svc.applied)
}

func TestReconcileWorker_NoSessionRefSkipped(t *testing.T) {
	purchase := pendingPurchase("cs_1", 1)
	purchase.SessionRef = nil
	svc := &mockService{}
	w := newTestWorker(&mockRepo{}, &mockCheckout{}, svc)

	err := w.ReconcileOne(context.Background(), purchase)

	require.NoError(t, err)
	assert.Empty(t, svc.applied)
}

// =============================================================================
// Тесты Run
// =============================================================================

func TestReconcileWorker_Run_ContextCancel(t *testing.T) {
	cfg := DefaultReconcileConfig()
	cfg.Interval = 20 * time.Millisecond

	repo := &mockRepo{}
	w := NewReconcileWorker(repo, &mockCheckout{}, &mockService{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// OK — воркер остановился
	case <-time.After(time.Second):
		t.Fatal("Воркер не остановился после отмены context")
	}
}
