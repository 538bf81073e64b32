package main

import (
	"context"
	"fmt"
	"log/slog"

	"chatrelay/internal/adapter/media"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// mediaStack is the attachment pipeline for one process.
type mediaStack struct {
	Normalizer *media.Normalizer
	Store      *media.SQLiteStore // nil in inline mode
	sweeper    *media.Sweeper
}

// blobs returns the store as a BlobStore, or nil in inline mode.
func (m *mediaStack) blobs() domain.BlobStore {
	if m.Store == nil {
		return nil
	}
	return m.Store
}

func initMedia(ctx context.Context, cfg config.MediaConfig, log *slog.Logger) (*mediaStack, error) {
	stack := &mediaStack{}
	ncfg := media.Config{
		MaxBytes:     cfg.MaxBytes,
		FetchTimeout: cfg.FetchTimeout,
		AllowPrivate: cfg.AllowPrivateFetch,
		Logger:       log,
	}

	if cfg.Mode == "stored" {
		store, err := media.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		stack.Store = store
		ncfg.Store = store

		if cfg.Retention > 0 && cfg.SweepSchedule != "" {
			sw, err := media.NewSweeper(store, cfg.Retention, cfg.SweepSchedule, log)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("media sweeper: %w", err)
			}
			sw.Start(ctx)
			stack.sweeper = sw
		}
	}

	stack.Normalizer = media.NewNormalizer(ncfg)
	log.Info("media configured", "mode", cfg.Mode, "max_bytes", cfg.MaxBytes)
	return stack, nil
}

func (m *mediaStack) Close() error {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	if m.Store != nil {
		return m.Store.Close()
	}
	return nil
}
