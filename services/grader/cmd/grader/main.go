package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"phototheology/internal/util"
	"phototheology/services/grader/internal/app"
	"phototheology/services/grader/internal/config"
	"phototheology/services/grader/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "grader")
	retryDelay, _ := config.RetryDelay(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(app.Config{
		DatabaseURL:   cfg.DatabaseURL,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		AMQPURL:       cfg.AMQPURL,
		AMQPExchange:  cfg.AMQPExchange,
		GradingStream: cfg.GradingStream,
		ConsumerGroup: cfg.ConsumerGroup,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    retryDelay,
		Provider:      cfg.GeneratorProvider,
		BaseURL:       cfg.GeneratorBaseURL,
		APIKey:        cfg.GeneratorAPIKey,
		Model:         cfg.GeneratorModel,
		JSONMode:      cfg.GeneratorJSONMode,
		Logger:        logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()
	appCore.Run(ctx, cfg.Concurrency)

	httpServer := server.New(server.Config{
		App:           appCore,
		InternalToken: cfg.InternalToken,
		Logger:        logger,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("grader server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
