package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// State Machine тесты
// =============================================================================

func TestPurchaseState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    PurchaseState
		terminal bool
	}{
		{PurchaseStateNone, false},
		{PurchaseStatePending, false},
		{PurchaseStateCompleted, true},
		{PurchaseStateFailed, true}, // FAILED финален для попытки, новая попытка получает новый attempt_id
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestPurchase_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name      string
		from      PurchaseState
		to        PurchaseState
		canChange bool
	}{
		// Из NONE
		{"NONE -> PENDING", PurchaseStateNone, PurchaseStatePending, true},
		{"NONE -> COMPLETED", PurchaseStateNone, PurchaseStateCompleted, false},
		{"NONE -> FAILED", PurchaseStateNone, PurchaseStateFailed, false},

		// Из PENDING
		{"PENDING -> COMPLETED", PurchaseStatePending, PurchaseStateCompleted, true},
		{"PENDING -> FAILED", PurchaseStatePending, PurchaseStateFailed, true},
		{"PENDING -> PENDING", PurchaseStatePending, PurchaseStatePending, false},
		{"PENDING -> NONE", PurchaseStatePending, PurchaseStateNone, false},

		// Из FAILED — допустима новая попытка
		{"FAILED -> PENDING", PurchaseStateFailed, PurchaseStatePending, true},
		{"FAILED -> COMPLETED", PurchaseStateFailed, PurchaseStateCompleted, false},

		// COMPLETED — исходящих переходов нет
		{"COMPLETED -> PENDING", PurchaseStateCompleted, PurchaseStatePending, false},
		{"COMPLETED -> FAILED", PurchaseStateCompleted, PurchaseStateFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Purchase{State: tt.from}
			assert.Equal(t, tt.canChange, p.CanTransitionTo(tt.to))
		})
	}
}

func TestPurchase_BeginAttempt(t *testing.T) {
	expires := time.Now().Add(30 * time.Minute)

	t.Run("первая попытка из NONE", func(t *testing.T) {
		p := newTestPurchase(PurchaseStateNone)

		err := p.BeginAttempt("cs_test_1", expires)

		require.NoError(t, err)
		assert.Equal(t, PurchaseStatePending, p.State)
		assert.Equal(t, int64(1), p.AttemptID)
		require.NotNil(t, p.SessionRef)
		assert.Equal(t, "cs_test_1", *p.SessionRef)
		require.NotNil(t, p.SessionExpiresAt)
	})

	t.Run("новая попытка после FAILED увеличивает attempt_id", func(t *testing.T) {
		p := newTestPurchase(PurchaseStateFailed)
		p.AttemptID = 1

		err := p.BeginAttempt("cs_test_2", expires)

		require.NoError(t, err)
		assert.Equal(t, PurchaseStatePending, p.State)
		assert.Equal(t, int64(2), p.AttemptID)
	})

	t.Run("ошибка из COMPLETED", func(t *testing.T) {
		p := newTestPurchase(PurchaseStateCompleted)

		err := p.BeginAttempt("cs_test_3", expires)

		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, PurchaseStateCompleted, p.State)
	})

	t.Run("ошибка из PENDING", func(t *testing.T) {
		p := newTestPurchase(PurchaseStatePending)

		err := p.BeginAttempt("cs_test_4", expires)

		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestPurchase_Complete(t *testing.T) {
	t.Run("успешный переход из PENDING очищает session_ref", func(t *testing.T) {
		p := newTestPurchase(PurchaseStatePending)
		ref := "cs_test_1"
		p.SessionRef = &ref

		err := p.Complete()

		require.NoError(t, err)
		assert.Equal(t, PurchaseStateCompleted, p.State)
		assert.Nil(t, p.SessionRef)
		assert.Nil(t, p.SessionExpiresAt)
	})

	t.Run("ошибка из COMPLETED", func(t *testing.T) {
		p := newTestPurchase(PurchaseStateCompleted)

		err := p.Complete()

		require.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("ошибка из FAILED", func(t *testing.T) {
		p := newTestPurchase(PurchaseStateFailed)

		err := p.Complete()

		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, PurchaseStateFailed, p.State)
	})
}

func TestPurchase_Fail(t *testing.T) {
	t.Run("успешный переход из PENDING", func(t *testing.T) {
		p := newTestPurchase(PurchaseStatePending)
		ref := "cs_test_1"
		p.SessionRef = &ref

		err := p.Fail()

		require.NoError(t, err)
		assert.Equal(t, PurchaseStateFailed, p.State)
		assert.Nil(t, p.SessionRef)
	})

	t.Run("COMPLETED не затирается более поздним FAILED", func(t *testing.T) {
		p := newTestPurchase(PurchaseStateCompleted)

		err := p.Fail()

		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, PurchaseStateCompleted, p.State)
	})
}

func TestPurchase_HasLiveSession(t *testing.T) {
	now := time.Now()
	ref := "cs_test_1"

	t.Run("PENDING с неистёкшей сессией", func(t *testing.T) {
		expires := now.Add(10 * time.Minute)
		p := &Purchase{State: PurchaseStatePending, SessionRef: &ref, SessionExpiresAt: &expires}

		assert.True(t, p.HasLiveSession(now))
	})

	t.Run("PENDING с истёкшей сессией", func(t *testing.T) {
		expires := now.Add(-1 * time.Minute)
		p := &Purchase{State: PurchaseStatePending, SessionRef: &ref, SessionExpiresAt: &expires}

		assert.False(t, p.HasLiveSession(now))
	})

	t.Run("PENDING без срока жизни считается живой", func(t *testing.T) {
		p := &Purchase{State: PurchaseStatePending, SessionRef: &ref}

		assert.True(t, p.HasLiveSession(now))
	})

	t.Run("не PENDING", func(t *testing.T) {
		p := &Purchase{State: PurchaseStateCompleted}

		assert.False(t, p.HasLiveSession(now))
	})
}

// =============================================================================
// Validation тесты
// =============================================================================

func TestPurchase_Validate(t *testing.T) {
	ref := "cs_test_1"

	tests := []struct {
		name        string
		purchase    *Purchase
		expectedErr error
	}{
		{
			name:        "валидная запись NONE",
			purchase:    &Purchase{BuyerID: "u1", ExamID: "e1", State: PurchaseStateNone},
			expectedErr: nil,
		},
		{
			name:        "валидная запись PENDING",
			purchase:    &Purchase{BuyerID: "u1", ExamID: "e1", State: PurchaseStatePending, SessionRef: &ref},
			expectedErr: nil,
		},
		{
			name:        "нет buyer_id",
			purchase:    &Purchase{ExamID: "e1", State: PurchaseStateNone},
			expectedErr: ErrMissingBuyer,
		},
		{
			name:        "нет exam_id",
			purchase:    &Purchase{BuyerID: "u1", State: PurchaseStateNone},
			expectedErr: ErrMissingExam,
		},
		{
			name:        "PENDING без session_ref",
			purchase:    &Purchase{BuyerID: "u1", ExamID: "e1", State: PurchaseStatePending},
			expectedErr: ErrSessionRefInvariant,
		},
		{
			name:        "COMPLETED с session_ref",
			purchase:    &Purchase{BuyerID: "u1", ExamID: "e1", State: PurchaseStateCompleted, SessionRef: &ref},
			expectedErr: ErrSessionRefInvariant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.purchase.Validate()
			if tt.expectedErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.expectedErr)
			}
		})
	}
}

func TestExam_Purchasable(t *testing.T) {
	tests := []struct {
		name        string
		exam        Exam
		purchasable bool
	}{
		{"опубликован с ценой", Exam{Published: true, Price: 1000}, true},
		{"не опубликован", Exam{Published: false, Price: 1000}, false},
		{"нулевая цена", Exam{Published: true, Price: 0}, false},
		{"отрицательная цена", Exam{Published: true, Price: -5}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.purchasable, tt.exam.Purchasable())
		})
	}
}

// newTestPurchase создаёт запись в заданном состоянии для тестов.
func newTestPurchase(state PurchaseState) *Purchase {
	return &Purchase{
		ID:      "purchase-test-id",
		BuyerID: "buyer-1",
		ExamID:  "exam-1",
		State:   state,
	}
}
