// Package middleware содержит HTTP middleware сервиса покупок.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/exam-purchase/internal/auth"
	"example.com/exam-purchase/internal/httputil"
	"example.com/exam-purchase/pkg/logger"
)

// Ключи контекста Gin, которые заполняет AuthMiddleware.
const (
	// ContextBuyerID — идентификатор аутентифицированного покупателя.
	ContextBuyerID = "buyer_id"

	// ContextEmail — email покупателя (если есть в токене).
	ContextEmail = "email"
)

// AuthMiddleware — middleware для проверки ID-токенов покупателей.
// Токены валидируются локально по публичному ключу identity provider.
type AuthMiddleware struct {
	verifier auth.TokenVerifier
}

// NewAuthMiddleware создаёт новый middleware для аутентификации.
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Required возвращает middleware, требующий валидный токен.
// Без токена или с невалидным токеном запрос отклоняется с 401.
func (m *AuthMiddleware) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := httputil.ExtractBearerToken(c)
		if token == "" {
			log.Debug().Msg("Отсутствует токен авторизации")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется авторизация",
			})
			return
		}

		identity, err := m.verifier.Verify(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		c.Set(ContextBuyerID, identity.BuyerID)
		c.Set(ContextEmail, identity.Email)

		log.Debug().
			Str("buyer_id", identity.BuyerID).
			Msg("Покупатель аутентифицирован")

		c.Next()
	}
}

// Optional возвращает middleware для эндпоинтов, доступных анонимно.
// Без токена запрос проходит как анонимный; предъявленный невалидный
// токен отклоняется — молчаливое понижение до анонима скрыло бы проблему
// на стороне клиента.
func (m *AuthMiddleware) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logger.FromContext(ctx)

		token := httputil.ExtractBearerToken(c)
		if token == "" {
			c.Next()
			return
		}

		identity, err := m.verifier.Verify(ctx, token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		c.Set(ContextBuyerID, identity.BuyerID)
		c.Set(ContextEmail, identity.Email)

		c.Next()
	}
}
