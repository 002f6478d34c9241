// Package repository содержит unit тесты для PurchaseRepository.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/pkg/kafka"
	"example.com/exam-purchase/pkg/outbox"
)

// =====================================
// Вспомогательные функции
// =====================================

// setupMockDB создаёт мок базы данных с GORM.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock, func() { _ = db.Close() }
}

func purchaseColumns() []string {
	return []string{"id", "buyer_id", "exam_id", "state", "session_ref", "attempt_id", "session_expires_at", "created_at", "updated_at"}
}

func pendingRow(sessionRef string) *sqlmock.Rows {
	now := time.Now()
	expires := now.Add(30 * time.Minute)
	return sqlmock.NewRows(purchaseColumns()).
		AddRow("purchase-uuid", "buyer-1", "exam-1", "PENDING", sessionRef, 1, expires, now, now)
}

// =====================================
// Тесты GetByBuyerAndExam
// =====================================

func TestGetByBuyerAndExam(t *testing.T) {
	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectedErr error
	}{
		{
			name: "запись найдена",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `purchases` WHERE buyer_id = ? AND exam_id = ?")).
					WithArgs("buyer-1", "exam-1", 1).
					WillReturnRows(pendingRow("cs_1"))
			},
			expectedErr: nil,
		},
		{
			name: "запись отсутствует",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `purchases` WHERE buyer_id = ? AND exam_id = ?")).
					WithArgs("buyer-1", "exam-1", 1).
					WillReturnRows(sqlmock.NewRows(purchaseColumns()))
			},
			expectedErr: domain.ErrPurchaseNotFound,
		},
		{
			name: "ошибка БД",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `purchases` WHERE buyer_id = ? AND exam_id = ?")).
					WithArgs("buyer-1", "exam-1", 1).
					WillReturnError(sql.ErrConnDone)
			},
			expectedErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB, mock, cleanup := setupMockDB(t)
			defer cleanup()

			repo := NewPurchaseRepository(gormDB)
			tt.mockSetup(mock)

			purchase, err := repo.GetByBuyerAndExam(context.Background(), "buyer-1", "exam-1")

			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
				require.NotNil(t, purchase)
				assert.Equal(t, domain.PurchaseStatePending, purchase.State)
				assert.Equal(t, int64(1), purchase.AttemptID)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// =====================================
// Тесты Create
// =====================================

func TestCreatePurchase(t *testing.T) {
	sessionRef := "cs_new"
	expires := time.Now().Add(30 * time.Minute)
	newPurchase := func() *domain.Purchase {
		return &domain.Purchase{
			ID:               "purchase-uuid",
			BuyerID:          "buyer-1",
			ExamID:           "exam-1",
			State:            domain.PurchaseStatePending,
			SessionRef:       &sessionRef,
			AttemptID:        1,
			SessionExpiresAt: &expires,
		}
	}

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectedErr error
	}{
		{
			name: "успешное создание",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `purchases`")).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			expectedErr: nil,
		},
		{
			name: "дубликат (гонка двух первых инициаций)",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `purchases`")).
					WillReturnError(errors.New("Error 1062: Duplicate entry 'buyer-1-exam-1' for key 'idx_purchases_buyer_exam'"))
				mock.ExpectRollback()
			},
			expectedErr: domain.ErrDuplicatePurchase,
		},
		{
			name: "ошибка БД",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `purchases`")).
					WillReturnError(sql.ErrConnDone)
				mock.ExpectRollback()
			},
			expectedErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB, mock, cleanup := setupMockDB(t)
			defer cleanup()

			repo := NewPurchaseRepository(gormDB)
			tt.mockSetup(mock)

			err := repo.Create(context.Background(), newPurchase())

			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// =====================================
// Тесты BeginAttempt
// =====================================

func TestBeginAttempt(t *testing.T) {
	sessionRef := "cs_retry"
	expires := time.Now().Add(30 * time.Minute)
	retryPurchase := func() *domain.Purchase {
		return &domain.Purchase{
			ID:               "purchase-uuid",
			BuyerID:          "buyer-1",
			ExamID:           "exam-1",
			State:            domain.PurchaseStatePending,
			SessionRef:       &sessionRef,
			AttemptID:        2,
			SessionExpiresAt: &expires,
		}
	}

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectedErr error
	}{
		{
			name: "условное обновление прошло",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE `purchases` SET").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			expectedErr: nil,
		},
		{
			name: "запись ушла из prevState — попытка устарела",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE `purchases` SET").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			expectedErr: domain.ErrStaleAttempt,
		},
		{
			name: "ошибка БД",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE `purchases` SET").
					WillReturnError(sql.ErrConnDone)
				mock.ExpectRollback()
			},
			expectedErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB, mock, cleanup := setupMockDB(t)
			defer cleanup()

			repo := NewPurchaseRepository(gormDB)
			tt.mockSetup(mock)

			err := repo.BeginAttempt(context.Background(), retryPurchase(), domain.PurchaseStateFailed, 1)

			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// =====================================
// Тесты ApplyOutcome
// =====================================

func TestApplyOutcome(t *testing.T) {
	completed := func() *domain.Purchase {
		return &domain.Purchase{
			ID:        "purchase-uuid",
			BuyerID:   "buyer-1",
			ExamID:    "exam-1",
			State:     domain.PurchaseStateCompleted,
			AttemptID: 1,
		}
	}
	event := func(t *testing.T) *outbox.Outbox {
		ev, err := outbox.NewPurchaseEvent(
			"event-uuid",
			kafka.TopicPurchaseEvents,
			outbox.EventPurchaseCompleted,
			outbox.PurchaseEventPayload{PurchaseID: "purchase-uuid", BuyerID: "buyer-1", ExamID: "exam-1", State: "COMPLETED", AttemptID: 1},
			nil,
		)
		require.NoError(t, err)
		return ev
	}

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectedErr error
	}{
		{
			name: "переход и событие фиксируются одной транзакцией",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE `purchases` SET").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox`")).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			expectedErr: nil,
		},
		{
			name: "повторная доставка не проходит условие WHERE",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE `purchases` SET").
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			},
			expectedErr: domain.ErrStaleAttempt,
		},
		{
			name: "ошибка записи события откатывает переход",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE `purchases` SET").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox`")).
					WillReturnError(sql.ErrConnDone)
				mock.ExpectRollback()
			},
			expectedErr: sql.ErrConnDone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gormDB, mock, cleanup := setupMockDB(t)
			defer cleanup()

			repo := NewPurchaseRepository(gormDB)
			tt.mockSetup(mock)

			err := repo.ApplyOutcome(context.Background(), completed(), "cs_1", 1, event(t))

			if tt.expectedErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.expectedErr)
			} else {
				require.NoError(t, err)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// =====================================
// Тесты FindExpiredPending
// =====================================

func TestFindExpiredPending(t *testing.T) {
	gormDB, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewPurchaseRepository(gormDB)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `purchases` WHERE state = ? AND session_expires_at IS NOT NULL AND session_expires_at < ?")).
		WillReturnRows(pendingRow("cs_expired"))

	purchases, err := repo.FindExpiredPending(context.Background(), time.Now(), 50)

	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, domain.PurchaseStatePending, purchases[0].State)
	require.NotNil(t, purchases[0].SessionRef)
	assert.Equal(t, "cs_expired", *purchases[0].SessionRef)

	assert.NoError(t, mock.ExpectationsWereMet())
}
