package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatservice/internal/config"
	"chatservice/internal/conversation"
	"chatservice/internal/gateway"
	"chatservice/internal/identity"
	"chatservice/internal/message"
	"chatservice/internal/presence"
	"chatservice/internal/pubsub"
	"chatservice/internal/ratelimit"
	"chatservice/internal/receipt"
	"chatservice/internal/server"
	"chatservice/internal/usertoken"
	"chatservice/internal/util"
	"chatservice/pkg/auth"
	"chatservice/pkg/table"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store table.Store
	switch cfg.StoreDriver {
	case config.DriverDynamoDB:
		store, err = table.NewDynamo(ctx, table.DynamoConfig{
			TableName:       cfg.TableName,
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.DynamoEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			util.Fatal("failed to init dynamodb store", "err", err)
		}
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is not persisted")
		store = table.NewMemory()
	}

	ttl, err := config.ParseTokenTTL(cfg.TokenTTL)
	if err != nil {
		util.Fatal("failed to parse token ttl", "err", err)
	}
	tokens, err := usertoken.NewManager(cfg.JWTSecret, ttl)
	if err != nil {
		util.Fatal("failed to init token manager", "err", err)
	}

	hasher := auth.NewBcryptHasher(0)
	users := identity.NewDirectory(store, hasher, tokens)
	conversations := conversation.NewDirectory(store)
	receipts := receipt.NewTracker(store, conversations)
	messages := message.NewLog(store, users, conversations, receipts, logger)

	registry := presence.NewRegistry(cfg.RedisAddr, cfg.RedisPassword, logger)
	bridge := pubsub.NewRedisBridge(cfg.RedisAddr, cfg.RedisPassword, logger)
	hub := gateway.NewHub(messages, registry, bridge, logger)
	go func() {
		if err := hub.Run(ctx); err != nil {
			logger.Error("event bridge stopped", "err", err)
		}
	}()

	registerLimiter := newLimiter(cfg, "chatservice:ratelimit:register", cfg.RegisterRateLimitPerMinute)
	loginLimiter := newLimiter(cfg, "chatservice:ratelimit:login", cfg.LoginRateLimitPerMinute)

	httpServer := server.New(server.Config{
		Users:           users,
		Conversations:   conversations,
		Messages:        messages,
		Receipts:        receipts,
		Tokens:          tokens,
		Hasher:          hasher,
		Gateway:         hub,
		RegisterLimiter: registerLimiter,
		LoginLimiter:    loginLimiter,
		Logger:          logger,
		TrustProxy:      cfg.TrustProxy,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Websocket connections outlive any sane write timeout; the
		// gateway enforces its own per-frame deadlines instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("chat server listening", "addr", addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func newLimiter(cfg config.FileConfig, prefix string, perMinute int) *ratelimit.FixedWindowLimiter {
	if perMinute <= 0 {
		return nil
	}
	limiter, err := ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, perMinute, time.Minute)
	if err != nil {
		util.Fatal("failed to init rate limiter", "prefix", prefix, "err", err)
	}
	return limiter
}
