package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/adapter/gateway"
	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/infra/tracer"
)

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger, slog.String("app", cfg.AppName))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Media
	mediaStack, err := initMedia(ctx, cfg.Media, log)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	defer mediaStack.Close()

	// 4. Provider
	var opts []llm.Option
	if mediaStack.Store != nil {
		opts = append(opts, llm.WithBlobSource(mediaStack.Store))
	}
	gw := llm.NewGateway(cfg.Provider, log, opts...)

	// 5. Sessions & server
	sessions, err := gateway.NewSessions(gateway.SessionConfig{
		Username: cfg.Auth.Username,
		Password: cfg.Auth.Password,
		Secret:   cfg.Server.SessionSecret,
		TTL:      cfg.Server.SessionTTL,
		Secure:   cfg.Production(),
	})
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}
	srv, err := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		Gateway:    gw,
		Normalizer: mediaStack.Normalizer,
		Blobs:      mediaStack.blobs(),
		Sessions:   sessions,
		Logger:     log,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	log.Info("chatrelay starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"provider", gw.Name(),
		"model", cfg.Provider.Model,
		"auth", sessions.Enabled(),
		"media", cfg.Media.Mode,
	)
	if !sessions.Enabled() {
		log.Warn("auth disabled: set auth.username and auth.password to require a login")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Start shuts the server down once ctx is cancelled.
	select {
	case err := <-errCh:
		if err != nil {
			log.Error("server shutdown error", "error", err)
		}
	case <-time.After(15 * time.Second):
		log.Warn("server shutdown timed out")
	}
	log.Info("chatrelay stopped")
	return nil
}
