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

	"phototheology/internal/accounttoken"
	"phototheology/internal/captoken"
	"phototheology/internal/util"
	"phototheology/pkg/storage"
	"phototheology/services/guesthouse/internal/app"
	"phototheology/services/guesthouse/internal/config"
	"phototheology/services/guesthouse/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, "guesthouse")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCore, err := app.New(ctx, app.Config{
		StoreDriver:      cfg.StoreDriver,
		DatabaseURL:      cfg.DatabaseURL,
		RedisAddr:        cfg.RedisAddr,
		RedisPassword:    cfg.RedisPassword,
		ChangeFeedMaxLen: cfg.ChangeFeedMaxLen,
		ChangeFeedTTL:    config.MustDuration(cfg.ChangeFeedTTL),
		AMQPURL:          cfg.AMQPURL,
		AMQPExchange:     cfg.AMQPExchange,
		GradingStream:    cfg.GradingStream,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		ResultsLinkExpiry: config.MustDuration(cfg.ResultsLinkExpiry),
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	signer, err := captoken.NewSigner(captoken.Options{
		Secret:   cfg.TokenSecret,
		Issuer:   cfg.TokenIssuer,
		HostTTL:  config.MustDuration(cfg.HostTokenTTL),
		GuestTTL: config.MustDuration(cfg.GuestTokenTTL),
	})
	if err != nil {
		log.Fatalf("failed to init token signer: %v", err)
	}

	var accounts server.AccountVerifier
	if cfg.AccountJWKSURL != "" {
		verifier, err := accounttoken.NewVerifier(accounttoken.Config{
			JWKSURL:    cfg.AccountJWKSURL,
			Issuer:     cfg.AccountIssuer,
			Audience:   cfg.AccountAudience,
			Leeway:     config.MustDuration(cfg.AccountLeeway),
			HTTPClient: &http.Client{Timeout: 5 * time.Second},
		})
		if err != nil {
			log.Fatalf("failed to init account verifier: %v", err)
		}
		accounts = verifier
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Signer:                   signer,
		Accounts:                 accounts,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		JoinRateLimitPerMinute:   cfg.JoinRateLimitPerMinute,
		SubmitRateLimitPerMinute: cfg.SubmitRateLimitPerMinute,
		TrustedProxies:           trusted,
		CORSOrigins:              cfg.CORSOrigins,
		Logger:                   logger,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

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

	logger.Info("guesthouse server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
