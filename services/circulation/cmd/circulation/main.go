package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"circulation/internal/usertoken"
	"circulation/internal/util"
	"circulation/pkg/events"
	"circulation/pkg/store"
	"circulation/services/circulation/internal/app"
	"circulation/services/circulation/internal/config"
	"circulation/services/circulation/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	var (
		baskets     store.BasketStore
		closeBasket func() error
	)
	if cfg.BasketStore == "redis" {
		redisBaskets, err := store.NewRedisBasketStore(cfg.RedisAddr, cfg.RedisPassword, cfg.BasketKeyPrefix, cfg.BasketTTL())
		if err != nil {
			log.Fatalf("failed to init basket store: %v", err)
		}
		baskets = redisBaskets
		closeBasket = redisBaskets.Close
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		log.Fatalf("failed to init events publisher: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		DatabaseDialect: cfg.DatabaseDialect,
		LogSQL:          cfg.LogSQL,
		Baskets:         baskets,
		Events:          publisher,
		Policy: app.Policy{
			LoanPeriod:             cfg.LoanPeriod(),
			RenewalExtension:       cfg.RenewalExtension(),
			MaxRenewals:            cfg.MaxRenewals,
			OverdueRatePerDay:      cfg.OverdueRatePerDay,
			DamagedLightFee:        cfg.DamagedLightFee,
			DamagedHeavyFee:        cfg.DamagedHeavyFee,
			LostFee:                cfg.LostFee,
			DefaultMaxActiveCopies: cfg.DefaultMaxActiveCopies,
			MaxUnpaidDebt:          cfg.MaxUnpaidDebt,
			BasketMaxUnits:         cfg.BasketMaxUnits,
			BasketDebounce:         cfg.BasketDebounce(),
		},
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                       appCore,
		TokenVerifier:             tokenVerifier,
		RedisAddr:                 cfg.RedisAddr,
		RedisPassword:             cfg.RedisPassword,
		RequestRateLimitPerMinute: cfg.RequestRateLimit,
		RateLimitKeyPrefix:        cfg.RateLimitKeyPrefix,
		CORSAllowedOrigins:        cfg.CORSAllowedOrigins,
		TrustedProxyCIDRs:         cfg.TrustedProxyCIDRs,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		slog.Info("circulation server listening", "addr", addr, "events", cfg.EventsBackend, "baskets", cfg.BasketStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	if err := httpServer.Close(); err != nil {
		logger.Error("rate limiter close failed", "err", err)
	}
	if err := appCore.Close(shutdownCtx); err != nil {
		logger.Error("app close failed", "err", err)
	}
	if closeBasket != nil {
		if err := closeBasket(); err != nil {
			logger.Error("basket store close failed", "err", err)
		}
	}
	logger.Info("circulation server stopped")
}

func newPublisher(cfg config.FileConfig) (events.Publisher, error) {
	switch cfg.EventsBackend {
	case "redis":
		return events.NewRedisStreamPublisher(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventsStream,
		})
	case "amqp":
		return events.NewAMQPPublisher(events.AMQPConfig{
			URL:      cfg.AMQPURL,
			Exchange: cfg.AMQPExchange,
		})
	default:
		return events.NopPublisher{}, nil
	}
}
