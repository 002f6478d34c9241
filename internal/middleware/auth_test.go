package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"example.com/exam-purchase/internal/auth"
)

// mockVerifier — мок TokenVerifier.
type mockVerifier struct {
	identity *auth.Identity
	err      error
}

func (m *mockVerifier) Verify(ctx context.Context, tokenString string) (*auth.Identity, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.identity, nil
}

// setupAuthRouter создаёт router с auth middleware и echo-обработчиком.
func setupAuthRouter(verifier auth.TokenVerifier, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	mw := NewAuthMiddleware(verifier)
	handler := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"buyer_id": c.GetString(ContextBuyerID)})
	}

	if required {
		r.GET("/protected", mw.Required(), handler)
	} else {
		r.GET("/protected", mw.Optional(), handler)
	}
	return r
}

func doRequest(router *gin.Engine, authHeader string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_Required(t *testing.T) {
	t.Run("валидный токен пропускается", func(t *testing.T) {
		verifier := &mockVerifier{identity: &auth.Identity{BuyerID: "buyer-1"}}
		router := setupAuthRouter(verifier, true)

		w := doRequest(router, "Bearer valid-token")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "buyer-1")
	})

	t.Run("без токена — 401", func(t *testing.T) {
		verifier := &mockVerifier{identity: &auth.Identity{BuyerID: "buyer-1"}}
		router := setupAuthRouter(verifier, true)

		w := doRequest(router, "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("невалидный токен — 401", func(t *testing.T) {
		verifier := &mockVerifier{err: auth.ErrInvalidToken}
		router := setupAuthRouter(verifier, true)

		w := doRequest(router, "Bearer bad-token")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("неверный формат заголовка — 401", func(t *testing.T) {
		verifier := &mockVerifier{identity: &auth.Identity{BuyerID: "buyer-1"}}
		router := setupAuthRouter(verifier, true)

		w := doRequest(router, "Token abc")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestAuthMiddleware_Optional(t *testing.T) {
	t.Run("без токена запрос проходит как анонимный", func(t *testing.T) {
		verifier := &mockVerifier{identity: &auth.Identity{BuyerID: "buyer-1"}}
		router := setupAuthRouter(verifier, false)

		w := doRequest(router, "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"buyer_id":""`)
	})

	t.Run("валидный токен устанавливает buyer_id", func(t *testing.T) {
		verifier := &mockVerifier{identity: &auth.Identity{BuyerID: "buyer-1"}}
		router := setupAuthRouter(verifier, false)

		w := doRequest(router, "Bearer valid-token")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "buyer-1")
	})

	t.Run("предъявленный невалидный токен отклоняется", func(t *testing.T) {
		verifier := &mockVerifier{err: auth.ErrInvalidToken}
		router := setupAuthRouter(verifier, false)

		w := doRequest(router, "Bearer bad-token")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
