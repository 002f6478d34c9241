// Purchase Service — сервис покупки экзаменов.
// Отдаёт каталог и статус покупки, инициирует оплату через hosted checkout
// платёжного шлюза и принимает его webhook-уведомления. Итоговые события
// покупок публикуются в Kafka через outbox с гарантией at-least-once.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/exam-purchase/internal/auth"
	"example.com/exam-purchase/internal/gateway"
	"example.com/exam-purchase/internal/handler"
	"example.com/exam-purchase/internal/middleware"
	"example.com/exam-purchase/internal/repository"
	"example.com/exam-purchase/internal/service"
	"example.com/exam-purchase/internal/worker"
	"example.com/exam-purchase/pkg/config"
	dbpkg "example.com/exam-purchase/pkg/db"
	"example.com/exam-purchase/pkg/healthcheck"
	"example.com/exam-purchase/pkg/kafka"
	"example.com/exam-purchase/pkg/logger"
	"example.com/exam-purchase/pkg/metrics"
	"example.com/exam-purchase/pkg/outbox"
	"example.com/exam-purchase/pkg/tracing"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "purchase-service").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.HTTP.Port).
		Msg("Запуск Purchase Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "purchase-service",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	// Подключаемся к MySQL
	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	// Миграция схемы
	if err := db.AutoMigrate(
		&repository.ExamModel{},
		&repository.PurchaseModel{},
		&outbox.OutboxModel{},
	); err != nil {
		log.Fatal().Err(err).Msg("Ошибка миграции схемы БД")
	}

	// Подключаемся к Redis
	rdb := dbpkg.ConnectRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Ошибка подключения к Redis")
	}
	cancel()
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("Подключение к Redis установлено")

	// ReadinessChecker для /readyz — проверяет MySQL и Redis
	readinessCheck := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, db) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(
			cfg.Metrics.Addr(),
			"purchase-service",
			metrics.WithReadinessCheck(readinessCheck),
		)
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Инициализация бизнес-логики ===

	examRepo := repository.NewExamRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)
	checkoutClient := gateway.NewCheckoutClient(cfg.Gateway)

	purchaseService := service.NewPurchaseService(
		purchaseRepo,
		examRepo,
		checkoutClient,
		rdb,
		cfg.Gateway.SessionTTL,
	)

	// Верификатор ID-токенов покупателей (токены выдаёт внешний identity provider)
	tokenVerifier, err := auth.NewVerifier(cfg.Auth.PublicKeyPath, cfg.Auth.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка загрузки публичного ключа auth")
	}
	authMW := middleware.NewAuthMiddleware(tokenVerifier)

	// Rate limiting middleware
	var rateLimitMW *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		rateLimitMW = middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
			Redis:  rdb,
			Limit:  cfg.RateLimit.Limit,
			Window: cfg.RateLimit.Window,
		})
		log.Info().
			Int("limit", cfg.RateLimit.Limit).
			Dur("window", cfg.RateLimit.Window).
			Msg("Rate limiting включён")
	}

	// Контекст для остановки фоновых воркеров
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var workersWg sync.WaitGroup

	// === Outbox Worker: публикация событий покупок в Kafka ===

	var kafkaProducer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Инициализация Kafka")

		kafkaProducer, err = kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
		}

		outboxRepo := outbox.NewOutboxRepository(db, "purchase")
		outboxWorker := outbox.NewOutboxWorker(outboxRepo, kafkaProducer, outbox.DefaultWorkerConfig())
		workersWg.Add(1)
		go func() {
			defer workersWg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Паника в Outbox Worker")
				}
			}()
			outboxWorker.Run(ctx)
		}()

		log.Info().Msg("Outbox Worker запущен")
	} else {
		log.Warn().Msg("Kafka не настроена — события покупок копятся в outbox без отправки")
	}

	// === Reconcile Worker: сверка зависших PENDING покупок со шлюзом ===

	reconcileWorker := worker.NewReconcileWorker(
		purchaseRepo,
		checkoutClient,
		purchaseService,
		worker.DefaultReconcileConfig(),
	)
	workersWg.Add(1)
	go func() {
		defer workersWg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Паника в воркере сверки")
			}
		}()
		reconcileWorker.Run(ctx)
	}()

	// === HTTP сервер ===

	router := handler.NewRouter(handler.RouterConfig{
		PurchaseService: purchaseService,
		WebhookSecret:   cfg.Gateway.WebhookSecret,
		AuthMW:          authMW,
		RateLimitMW:     rateLimitMW,
		ReadinessCheck:  handler.ReadinessChecker(readinessCheck),
		Debug:           cfg.IsDevelopment(),
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful Shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	// Даём время на завершение текущих запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка при остановке HTTP сервера")
	}

	// Останавливаем фоновые воркеры
	cancel()
	workersWg.Wait()

	// Закрываем Kafka Producer
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	// Закрываем подключение к MySQL
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	// Останавливаем Metrics Server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	// Останавливаем Tracing
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Purchase Service остановлен")
}
