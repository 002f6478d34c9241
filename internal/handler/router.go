package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/exam-purchase/internal/middleware"
	"example.com/exam-purchase/internal/service"
	"example.com/exam-purchase/pkg/metrics"
)

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// Router — конфигурация роутера.
type Router struct {
	engine          *gin.Engine
	purchaseService service.PurchaseService
	webhookSecret   string
	authMW          *middleware.AuthMiddleware
	rateLimitMW     *middleware.RateLimitMiddleware
	readinessCheck  ReadinessChecker
}

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	PurchaseService service.PurchaseService
	WebhookSecret   string
	AuthMW          *middleware.AuthMiddleware
	RateLimitMW     *middleware.RateLimitMiddleware
	ReadinessCheck  ReadinessChecker // опциональная проверка готовности для /readyz
	Debug           bool             // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Стандартные middleware Gin
	engine.Use(gin.Recovery())

	// CORS — обработка cross-origin запросов портала
	engine.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	// Security headers
	engine.Use(middleware.SecurityHeaders())

	// OpenTelemetry tracing — создаёт spans для Jaeger
	engine.Use(otelgin.Middleware("purchase-service"))

	// Prometheus метрики — requests_total, request_duration_seconds
	engine.Use(metrics.GinMetricsMiddleware("purchase"))

	r := &Router{
		engine:          engine,
		purchaseService: cfg.PurchaseService,
		webhookSecret:   cfg.WebhookSecret,
		authMW:          cfg.AuthMW,
		rateLimitMW:     cfg.RateLimitMW,
		readinessCheck:  cfg.ReadinessCheck,
	}

	r.setupRoutes()
	return r
}

// setupRoutes настраивает все маршруты API.
func (r *Router) setupRoutes() {
	// Health endpoints (без rate limiting и auth)
	r.engine.GET("/health", r.healthCheck)
	r.engine.GET("/healthz", r.livenessCheck)
	r.engine.GET("/readyz", r.readinessCheckHandler)

	// API v1
	v1 := r.engine.Group("/api/v1")

	// === Webhook шлюза (подпись HMAC вместо auth, без rate limiting) ===
	webhookHandler := NewWebhookHandler(r.purchaseService, r.webhookSecret)
	v1.POST("/webhooks/payment", webhookHandler.HandleNotification)

	// Rate limiting на пользовательские эндпоинты (если включен)
	exams := v1.Group("/exams")
	if r.rateLimitMW != nil {
		exams.Use(r.rateLimitMW.Handle())
	}

	examHandler := NewExamHandler(r.purchaseService)
	purchaseHandler := NewPurchaseHandler(r.purchaseService)

	// Каталог — публичный
	exams.GET("/:id", examHandler.GetExam)

	// Статус покупки — токен опционален, аноним получает none
	if r.authMW != nil {
		exams.GET("/:id/purchase/status", r.authMW.Optional(), purchaseHandler.GetStatus)
		exams.POST("/:id/purchase", r.authMW.Required(), purchaseHandler.InitiatePurchase)
	} else {
		exams.GET("/:id/purchase/status", purchaseHandler.GetStatus)
		exams.POST("/:id/purchase", purchaseHandler.InitiatePurchase)
	}
}

// Engine возвращает Gin engine для запуска сервера.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// healthCheck — проверка работоспособности сервиса (legacy).
func (r *Router) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "purchase-service",
	})
}

// livenessCheck — liveness probe для Kubernetes.
func (r *Router) livenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessCheckHandler — readiness probe для Kubernetes.
func (r *Router) readinessCheckHandler(c *gin.Context) {
	// Если ReadinessChecker не установлен — считаем сервис готовым
	if r.readinessCheck == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := r.readinessCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
