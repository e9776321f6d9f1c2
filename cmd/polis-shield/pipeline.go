package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-shield/internal/governance"
	"github.com/polisai/polis-shield/pkg/config"
	"github.com/polisai/polis-shield/pkg/detect"
	"github.com/polisai/polis-shield/pkg/events"
	"github.com/polisai/polis-shield/pkg/jobs"
	"github.com/polisai/polis-shield/pkg/policy"
	"github.com/polisai/polis-shield/pkg/storage"
)

// buildRegistry assembles the built-in detectors and, when enabled, the judge.
func buildRegistry(cfg config.DetectorsConfig, logger *slog.Logger) (*detect.Registry, error) {
	reg, err := detect.NewBuiltinRegistry(detect.BuiltinConfig{
		InjectionPhrases: cfg.InjectionPhrases,
		DenyList:         cfg.DenyList,
	})
	if err != nil {
		return nil, fmt.Errorf("build detectors: %w", err)
	}
	if !cfg.Judge.Enabled {
		return reg, nil
	}

	retry := governance.DefaultRetryConfig()
	retry.MaxRetries = cfg.Judge.MaxRetries
	judge, err := detect.NewJudgeDetector(detect.JudgeConfig{
		Endpoint:    cfg.Judge.Endpoint,
		Model:       cfg.Judge.Model,
		APIKey:      cfg.Judge.APIKey,
		Rules:       cfg.Judge.Rules,
		Temperature: cfg.Judge.Temperature,
		Timeout:     cfg.Judge.Timeout,
		Retry:       retry,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(judge); err != nil {
		return nil, fmt.Errorf("register judge: %w", err)
	}
	return reg, nil
}

func buildEngine(ctx context.Context, cfg config.PoliciesConfig, logger *slog.Logger) (*policy.Engine, error) {
	engine, err := policy.LoadEngine(ctx, cfg.Definitions, cfg.BuiltinsEnabled(), logger)
	if err != nil {
		return nil, fmt.Errorf("build policies: %w", err)
	}
	return engine, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.JobStore, error) {
	switch cfg.Driver {
	case config.StorageRedis:
		store, err := storage.NewRedisJobStore(ctx, storage.RedisOptions{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			TerminalTTL: cfg.Redis.TerminalTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis job store: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryJobStore(), nil
	}
}

func openPublisher(cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewNATSPublisher(events.NATSConfig{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return pub, nil
}

func jobsConfig(cfg config.JobsConfig) jobs.Config {
	return jobs.Config{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		JobTimeout:    cfg.JobTimeout,
		Retention:     cfg.Retention,
		PruneInterval: cfg.PruneInterval,
	}
}

func rateLimiterConfig(cfg config.RateLimitConfig) governance.RateLimiterConfig {
	return governance.RateLimiterConfig{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.Burst,
		IdleTTL:           cfg.IdleTTL,
	}
}

// reloadTimeout bounds policy compilation on config reload.
const reloadTimeout = 10 * time.Second
