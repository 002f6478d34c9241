// Package auth проверяет ID-токены покупателей (RS256).
// Токены выдаёт внешний identity provider портала; сервис покупок
// только валидирует подпись публичным ключом и извлекает buyer_id.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken — токен не прошёл проверку (подпись, срок, издатель).
var ErrInvalidToken = errors.New("невалидный токен")

// Identity — аутентифицированный покупатель.
type Identity struct {
	// BuyerID — идентификатор покупателя (sub токена).
	BuyerID string

	// Email — email покупателя, если присутствует в токене.
	Email string
}

// TokenVerifier проверяет ID-токен и возвращает личность покупателя.
// Интерфейс для тестируемости (Dependency Inversion).
type TokenVerifier interface {
	Verify(ctx context.Context, tokenString string) (*Identity, error)
}

// claims — ожидаемые claims ID-токена.
type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// rsaVerifier — RS256 реализация TokenVerifier.
type rsaVerifier struct {
	publicKey *rsa.PublicKey
	issuer    string
}

// NewVerifier создаёт верификатор токенов по публичному ключу из PEM файла.
func NewVerifier(publicKeyPath, issuer string) (TokenVerifier, error) {
	publicKey, err := LoadPublicKey(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки публичного ключа: %w", err)
	}

	return &rsaVerifier{
		publicKey: publicKey,
		issuer:    issuer,
	}, nil
}

// NewVerifierWithKey создаёт верификатор по готовому ключу (для тестов).
func NewVerifierWithKey(publicKey *rsa.PublicKey, issuer string) TokenVerifier {
	return &rsaVerifier{publicKey: publicKey, issuer: issuer}
}

// Verify проверяет подпись, срок действия и издателя токена.
func (v *rsaVerifier) Verify(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		// Проверяем, что используется правильный алгоритм
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("неожиданный алгоритм подписи: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if c.Subject == "" {
		return nil, fmt.Errorf("%w: отсутствует sub", ErrInvalidToken)
	}

	return &Identity{
		BuyerID: c.Subject,
		Email:   c.Email,
	}, nil
}

// LoadPublicKey загружает RSA публичный ключ из PEM файла.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("не удалось декодировать PEM блок из %s", path)
	}

	// Пробуем PKIX формат (PUBLIC KEY)
	if block.Type == "PUBLIC KEY" {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("ошибка парсинга публичного ключа: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("ключ не является RSA публичным ключом")
		}
		return rsaKey, nil
	}

	// Пробуем PKCS#1 формат (RSA PUBLIC KEY)
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	return nil, fmt.Errorf("неизвестный тип PEM блока: %s", block.Type)
}
