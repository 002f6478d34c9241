package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/pkg/config"
)

// newTestConfig возвращает конфигурацию шлюза для тестов.
func newTestConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		BaseURL:        baseURL,
		APIKey:         "test-api-key",
		WebhookSecret:  "test-secret",
		SuccessURL:     "https://portal.example.com/success",
		CancelURL:      "https://portal.example.com/cancel",
		SessionTTL:     30 * time.Minute,
		RequestTimeout: time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Millisecond,
	}
}

func TestCheckoutClient_CreateSession_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))

		var body createSessionBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "purchase-1", body.Reference)
		assert.Equal(t, int64(2), body.AttemptID)
		assert.Equal(t, int64(49900), body.Amount)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sessionResponse{
			ID:        "cs_test_123",
			URL:       "https://gateway.example.com/pay/cs_test_123",
			Status:    SessionStatusOpen,
			ExpiresAt: time.Now().Add(30 * time.Minute),
		})
	}))
	defer srv.Close()

	client := NewCheckoutClient(newTestConfig(srv.URL))

	session, err := client.CreateSession(context.Background(), CreateSessionRequest{
		PurchaseID:  "purchase-1",
		AttemptID:   2,
		Amount:      49900,
		Currency:    "RUB",
		Description: "Экзамен по Go",
	})

	require.NoError(t, err)
	assert.Equal(t, "cs_test_123", session.ID)
	assert.Equal(t, SessionStatusOpen, session.Status)
	assert.NotEmpty(t, session.URL)
}

func TestCheckoutClient_CreateSession_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Первые два вызова — 502, третий успешен
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessionResponse{
			ID:     "cs_retry_ok",
			URL:    "https://gateway.example.com/pay/cs_retry_ok",
			Status: SessionStatusOpen,
		})
	}))
	defer srv.Close()

	client := NewCheckoutClient(newTestConfig(srv.URL))

	session, err := client.CreateSession(context.Background(), CreateSessionRequest{
		PurchaseID: "purchase-1",
		AttemptID:  1,
		Amount:     100,
		Currency:   "RUB",
	})

	require.NoError(t, err)
	assert.Equal(t, "cs_retry_ok", session.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCheckoutClient_CreateSession_GatewayUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewCheckoutClient(newTestConfig(srv.URL))

	_, err := client.CreateSession(context.Background(), CreateSessionRequest{
		PurchaseID: "purchase-1",
		AttemptID:  1,
		Amount:     100,
		Currency:   "RUB",
	})

	// После исчерпания ретраев — единая ошибка недоступности шлюза
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestCheckoutClient_CreateSession_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid currency"}`))
	}))
	defer srv.Close()

	client := NewCheckoutClient(newTestConfig(srv.URL))

	_, err := client.CreateSession(context.Background(), CreateSessionRequest{
		PurchaseID: "purchase-1",
		AttemptID:  1,
		Amount:     100,
		Currency:   "XXX",
	})

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrGatewayUnavailable)
	// Бизнес-ошибка не ретраится
	assert.Equal(t, int32(1), calls.Load())
}

func TestCheckoutClient_GetSession_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/checkout/sessions/cs_test_123", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessionResponse{
			ID:     "cs_test_123",
			Status: SessionStatusCompleted,
		})
	}))
	defer srv.Close()

	client := NewCheckoutClient(newTestConfig(srv.URL))

	session, err := client.GetSession(context.Background(), "cs_test_123")

	require.NoError(t, err)
	assert.Equal(t, SessionStatusCompleted, session.Status)
}

func TestCheckoutClient_GetSession_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewCheckoutClient(newTestConfig(srv.URL))

	_, err := client.GetSession(context.Background(), "cs_unknown")

	require.ErrorIs(t, err, ErrSessionNotFound)
}
