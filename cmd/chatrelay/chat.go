package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"chatrelay/internal/adapter/llm"
	"chatrelay/internal/adapter/relay"
	"chatrelay/internal/adapter/tui/chat"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/usecase/turn"
)

func runChat() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	args := os.Args[1:]
	if v := flagValue(args, "server"); v != "" {
		cfg.Client.ServerURL = v
	}
	model := cfg.Provider.Model
	if v := flagValue(args, "model"); v != "" {
		if !domain.IsSupportedModel(v) {
			return fmt.Errorf("unknown model %q", v)
		}
		model = v
	}

	// 2. Logger: the TUI owns the terminal, so only file output survives.
	if !logsToFile(cfg.Logger.Output) {
		cfg.Logger.Output = "discard"
	}
	log, logCloser, err := logger.New(cfg.Logger, slog.String("app", cfg.AppName), slog.String("mode", "chat"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	// 3. Gateway and media
	var gw domain.CompletionGateway
	mediaCfg := cfg.Media
	if cfg.Client.ServerURL != "" {
		client, err := relay.New(cfg.Client.ServerURL, nil, log)
		if err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		if cfg.Auth.Enabled() {
			if err := client.Login(ctx, cfg.Auth.Username, cfg.Auth.Password); err != nil {
				return fmt.Errorf("relay login: %w", err)
			}
		}
		gw = client
		// References into a local store mean nothing to the server.
		mediaCfg.Mode = "inline"
	}
	mediaStack, err := initMedia(ctx, mediaCfg, log)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	defer mediaStack.Close()
	if gw == nil {
		var opts []llm.Option
		if mediaStack.Store != nil {
			opts = append(opts, llm.WithBlobSource(mediaStack.Store))
		}
		gw = llm.NewGateway(cfg.Provider, log, opts...)
	}

	// 4. Controller & TUI
	ctrl := turn.New(turn.Deps{
		Gateway:        gw,
		Normalizer:     mediaStack.Normalizer,
		Logger:         log,
		Model:          model,
		MaxTokens:      cfg.Provider.MaxTokens,
		MaxAttachments: cfg.Media.MaxFiles,
	})
	defer ctrl.Stop()

	log.Info("chat client starting", "gateway", gw.Name(), "model", ctrl.Model())

	p := tea.NewProgram(chat.New(chat.Deps{
		Controller: ctrl,
		AppName:    cfg.AppName,
		Logger:     log,
		Context:    ctx,
	}), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func logsToFile(output string) bool {
	switch strings.ToLower(output) {
	case "", "stdout", "stderr", "discard", "none":
		return false
	}
	return true
}
