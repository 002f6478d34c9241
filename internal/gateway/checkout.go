// Package gateway содержит клиент платёжного шлюза (hosted checkout).
// Шлюз создаёт checkout-сессии, на которые перенаправляется покупатель,
// и присылает уведомления об исходе оплаты через webhook.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/exam-purchase/internal/domain"
	"example.com/exam-purchase/pkg/circuitbreaker"
	"example.com/exam-purchase/pkg/config"
	"example.com/exam-purchase/pkg/logger"
)

// Статусы checkout-сессии на стороне шлюза.
const (
	// SessionStatusOpen — сессия создана, оплата ещё не завершена.
	SessionStatusOpen = "open"

	// SessionStatusCompleted — оплата прошла успешно.
	SessionStatusCompleted = "completed"

	// SessionStatusFailed — оплата отклонена.
	SessionStatusFailed = "failed"

	// SessionStatusExpired — сессия истекла без оплаты.
	SessionStatusExpired = "expired"
)

// ErrSessionNotFound — шлюз не знает такую сессию.
var ErrSessionNotFound = errors.New("checkout-сессия не найдена на стороне шлюза")

// CreateSessionRequest — параметры создания checkout-сессии.
type CreateSessionRequest struct {
	// PurchaseID — идентификатор покупки, передаётся шлюзу как reference.
	PurchaseID string

	// AttemptID — номер попытки оплаты, возвращается в webhook.
	AttemptID int64

	// Amount — сумма в минорных единицах валюты.
	Amount int64

	// Currency — код валюты (ISO 4217).
	Currency string

	// Description — название товара для страницы оплаты.
	Description string
}

// Session — checkout-сессия на стороне шлюза.
type Session struct {
	// ID — идентификатор сессии (session_ref в покупке).
	ID string

	// URL — адрес hosted-страницы оплаты для редиректа покупателя.
	URL string

	// Status — текущий статус сессии (open / completed / failed / expired).
	Status string

	// ExpiresAt — время истечения сессии.
	ExpiresAt time.Time
}

// CheckoutClient — интерфейс клиента платёжного шлюза.
// Интерфейс для тестируемости (Dependency Inversion).
type CheckoutClient interface {
	// CreateSession создаёт checkout-сессию для попытки оплаты.
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)

	// GetSession возвращает текущее состояние checkout-сессии.
	// Используется воркером сверки для просроченных PENDING покупок.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
}

// httpCheckoutClient — HTTP реализация CheckoutClient.
// Все вызовы идут через Circuit Breaker; сетевые ошибки и 5xx
// ретраятся с экспоненциальным backoff в пределах MaxRetries.
type httpCheckoutClient struct {
	cfg     config.GatewayConfig
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewCheckoutClient создаёт HTTP клиент платёжного шлюза.
func NewCheckoutClient(cfg config.GatewayConfig) CheckoutClient {
	return &httpCheckoutClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		breaker: circuitbreaker.New("payment-gateway"),
	}
}

// createSessionBody — тело запроса создания сессии в API шлюза.
type createSessionBody struct {
	Reference   string `json:"reference"`
	AttemptID   int64  `json:"attempt_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	SuccessURL  string `json:"success_url"`
	CancelURL   string `json:"cancel_url"`
	ExpiresIn   int64  `json:"expires_in_seconds"`
}

// sessionResponse — ответ шлюза с данными сессии.
type sessionResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *sessionResponse) toSession() *Session {
	return &Session{
		ID:        r.ID,
		URL:       r.URL,
		Status:    r.Status,
		ExpiresAt: r.ExpiresAt,
	}
}

// CreateSession создаёт checkout-сессию для попытки оплаты.
// При недоступности шлюза (после всех ретраев или при открытом breaker)
// возвращает domain.ErrGatewayUnavailable.
func (c *httpCheckoutClient) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	body := createSessionBody{
		Reference:   req.PurchaseID,
		AttemptID:   req.AttemptID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		SuccessURL:  c.cfg.SuccessURL,
		CancelURL:   c.cfg.CancelURL,
		ExpiresIn:   int64(c.cfg.SessionTTL.Seconds()),
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации запроса к шлюзу: %w", err)
	}

	var session *Session
	err = c.withRetries(ctx, "create_session", func(attempt int) error {
		resp, reqErr := c.doRequest(ctx, http.MethodPost, "/v1/checkout/sessions", data)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return c.statusError(resp)
		}

		var sr sessionResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&sr); decErr != nil {
			return fmt.Errorf("ошибка декодирования ответа шлюза: %w", decErr)
		}
		session = sr.toSession()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession возвращает текущее состояние checkout-сессии.
func (c *httpCheckoutClient) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session *Session
	err := c.withRetries(ctx, "get_session", func(attempt int) error {
		resp, reqErr := c.doRequest(ctx, http.MethodGet, "/v1/checkout/sessions/"+sessionID, nil)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return ErrSessionNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp)
		}

		var sr sessionResponse
		if decErr := json.NewDecoder(resp.Body).Decode(&sr); decErr != nil {
			return fmt.Errorf("ошибка декодирования ответа шлюза: %w", decErr)
		}
		session = sr.toSession()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// doRequest выполняет один HTTP вызов шлюза через Circuit Breaker.
func (c *httpCheckoutClient) doRequest(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса к шлюзу: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	var resp *http.Response
	cbErr := c.breaker.Do(func() error {
		var doErr error
		resp, doErr = c.client.Do(req)
		if doErr != nil {
			return doErr
		}
		// 5xx учитываем в breaker как сбой шлюза; 4xx — бизнес-ответ.
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("шлюз вернул статус %d", resp.StatusCode)
		}
		return nil
	})

	if errors.Is(cbErr, circuitbreaker.ErrOpen) {
		return nil, domain.ErrGatewayUnavailable
	}
	if cbErr != nil && resp == nil {
		return nil, cbErr
	}
	return resp, nil
}

// statusError формирует ошибку по не-2xx ответу шлюза.
// 5xx считаются временными и подлежат ретраю.
func (c *httpCheckoutClient) statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("шлюз вернул статус %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	if resp.StatusCode >= http.StatusInternalServerError {
		return &retryableError{err: err}
	}
	return err
}

// retryableError помечает ошибку как временную.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// isRetryable определяет, имеет ли смысл повторять вызов.
// Сетевые ошибки и 5xx — да; открытый breaker и бизнес-ошибки — нет.
func isRetryable(err error) bool {
	if errors.Is(err, domain.ErrGatewayUnavailable) || errors.Is(err, ErrSessionNotFound) {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	// Ошибка транспорта (connection refused, timeout и т.п.).
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "connection") || strings.Contains(err.Error(), "EOF")
}

// withRetries выполняет операцию с ограниченным числом попыток и backoff.
// После исчерпания попыток возвращает domain.ErrGatewayUnavailable —
// вызывающему неважно, какой именно транспортный сбой произошёл.
func (c *httpCheckoutClient) withRetries(ctx context.Context, op string, fn func(attempt int) error) error {
	log := logger.FromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrGatewayUnavailable) {
			return domain.ErrGatewayUnavailable
		}
		if !isRetryable(err) {
			return err
		}

		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Msg("Временная ошибка платёжного шлюза")

		if attempt < c.cfg.MaxRetries {
			// Экспоненциальный backoff: base, 2*base, 4*base...
			backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	log.Error().
		Err(lastErr).
		Str("operation", op).
		Int("max_retries", c.cfg.MaxRetries).
		Msg("Платёжный шлюз недоступен после всех попыток")

	return domain.ErrGatewayUnavailable
}
