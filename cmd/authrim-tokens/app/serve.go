// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/sgrastar/authrim/pkg/api"
	v1 "github.com/sgrastar/authrim/pkg/api/v1"
	"github.com/sgrastar/authrim/pkg/authserver/authcode"
	"github.com/sgrastar/authrim/pkg/authserver/familyindex"
	"github.com/sgrastar/authrim/pkg/authserver/migration"
	"github.com/sgrastar/authrim/pkg/authserver/partition"
	"github.com/sgrastar/authrim/pkg/authserver/refresh"
	"github.com/sgrastar/authrim/pkg/authserver/signing"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	"github.com/sgrastar/authrim/pkg/authserver/tokens"
	"github.com/sgrastar/authrim/pkg/config"
	"github.com/sgrastar/authrim/pkg/logger"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/telemetry"
	"github.com/sgrastar/authrim/pkg/versions"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the token store and its admin API",
		Long: `Start the shard workers for every configured group, bootstrap generation 1
for groups that have no stored state, and serve the admin API on the
configured address until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, v.GetString("config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// stores holds the persistence shared by every group.
type stores struct {
	state      shard.StateStore
	backendFor func(groupKey string) storage.Backend
	close      func() error
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Storage.Type != storage.TypeRedis {
		return &stores{
			state:      shard.NewMemoryStateStore(),
			backendFor: func(string) storage.Backend { return storage.NewMemoryBackend() },
			close:      func() error { return nil },
		}, nil
	}

	client, err := storage.NewRedisClient(ctx, *cfg.Storage.Redis)
	if err != nil {
		return nil, err
	}
	prefix := cfg.Storage.Redis.KeyPrefix
	return &stores{
		state: shard.NewRedisStateStore(client, prefix),
		backendFor: func(groupKey string) storage.Backend {
			return storage.NewRedisBackend(client, prefix+groupKey+":")
		},
		close: client.Close,
	}, nil
}

// tokenGroup is the group the code and refresh stores route through.
type tokenGroup struct {
	manager *shard.Manager
	pool    *partition.Pool
}

func runServe(ctx context.Context, cfg *config.Config) (err error) {
	log := logger.Get()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = versions.GetVersionInfo().Version
	}
	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, provider.Shutdown(context.WithoutCancel(ctx)))
	}()
	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	requestMetrics, err := telemetry.NewHTTPMiddleware(provider.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create request metrics: %w", err)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, st.close()) }()

	coordinator := migration.New(
		migration.WithRetirementGrace(cfg.Generations.RetirementGrace),
		migration.WithMetrics(metrics),
		migration.WithLogger(log),
	)

	var (
		tg      *tokenGroup
		sources []v1.StatsSource
	)
	for _, g := range cfg.Groups {
		manager := shard.NewManager(g.Key(), st.state,
			shard.WithHistoryCap(cfg.Generations.HistoryCap),
			shard.WithStateCacheTTL(cfg.Generations.CacheTTL),
			shard.WithLogger(log),
		)
		if _, err := manager.Bootstrap(ctx, g); err != nil {
			return fmt.Errorf("failed to bootstrap shard group %s: %w", g.Key(), err)
		}
		pool := partition.NewPool(g.Key(), st.backendFor(g.Key()),
			partition.WithQueueSize(cfg.Shards.QueueSize),
			partition.WithMetrics(metrics),
			partition.WithLogger(log),
		)
		defer func() { err = errors.Join(err, pool.Close()) }()

		coordinator.Register(manager, pool)
		sources = append(sources, pool)
		go pool.RunSweeper(ctx, cfg.Shards.SweepInterval, clock.RealClock{})

		if g.Key() == shard.DefaultGroupID {
			tg = &tokenGroup{manager: manager, pool: pool}
		}
	}
	if tg == nil {
		return fmt.Errorf("shard group %q must be configured", shard.DefaultGroupID)
	}
	go coordinator.Run(ctx, cfg.Generations.CleanupInterval)

	rotatorOpts := []refresh.Option{
		refresh.WithDefaultTTL(cfg.Tokens.RefreshTokenTTL),
		refresh.WithMetrics(metrics),
		refresh.WithLogger(log),
	}
	serviceOpts := []tokens.Option{
		tokens.WithAccessTokenTTL(cfg.Tokens.AccessTokenTTL),
		tokens.WithIDTokenTTL(cfg.Tokens.IDTokenTTL),
		tokens.WithRateLimit(cfg.Tokens.RateLimit, cfg.Tokens.RateBurst),
		tokens.WithLogger(log),
	}

	var indexDB familyindex.Index
	if cfg.Index.Path != "" {
		index, openErr := familyindex.Open(ctx, cfg.Index.Path)
		if openErr != nil {
			return openErr
		}
		writer := familyindex.NewAsyncWriter(index,
			familyindex.WithWriterQueueSize(cfg.Index.QueueSize),
			familyindex.WithWriterMetrics(metrics),
			familyindex.WithWriterLogger(log),
		)
		// the writer must drain before the database closes
		defer func() { err = errors.Join(err, writer.Close(), index.Close()) }()

		rotatorOpts = append(rotatorOpts, refresh.WithIndexer(writer))
		serviceOpts = append(serviceOpts, tokens.WithIndex(index))
		indexDB = index
	} else {
		log.Warn("family index disabled, revoke-user and session listing are unavailable")
	}

	key, err := loadSigningKey(cfg.Signing.KeyFile, log)
	if err != nil {
		return err
	}
	signer, err := signing.NewJoseSigner(cfg.Issuer, key)
	if err != nil {
		return err
	}

	codes := authcode.New(tg.manager, tg.pool,
		authcode.WithDefaultTTL(cfg.Tokens.AuthCodeTTL),
		authcode.WithMaxCodesPerUser(cfg.Tokens.MaxCodesPerUser),
		authcode.WithMetrics(metrics),
		authcode.WithLogger(log),
	)
	rotator := refresh.New(tg.manager, tg.pool, rotatorOpts...)
	service := tokens.New(codes, rotator, signer, serviceOpts...)
	if indexDB != nil {
		go maintainIndex(ctx, indexDB, service, cfg.Index.RetainRevoked, cfg.Generations.CleanupInterval, log)
	}

	log.Info("token store ready",
		"groups", coordinator.Groups(),
		"storage", cfg.Storage.Type,
		"key_id", signer.KeyID())

	return api.Serve(ctx, cfg.Address, api.Services{
		ShardConfig:    coordinator,
		Tokens:         service,
		Health:         coordinator,
		Stats:          sources,
		Metrics:        provider.PrometheusHandler(),
		RequestMetrics: requestMetrics,
	})
}

func loadSigningKey(path string, log *slog.Logger) (crypto.Signer, error) {
	if path != "" {
		return signing.LoadSigningKey(path)
	}
	log.Warn("no signing key configured, generated an ephemeral key; tokens will not verify after restart")
	return signing.GenerateSigningKey()
}

// maintainIndex drops index rows of long-revoked families and of families
// that expired without being revoked.
func maintainIndex(
	ctx context.Context, index familyindex.Index, service *tokens.Service,
	retain, interval time.Duration, log *slog.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := index.PurgeRevoked(ctx, now.Add(-retain))
			if err != nil {
				log.Warn("failed to purge revoked families from index", "error", err)
			} else if n > 0 {
				log.Debug("purged revoked families from index", "removed", n)
			}

			res, err := service.PruneIndex(ctx)
			if err != nil {
				log.Warn("failed to prune expired families from index", "error", err)
				continue
			}
			if res.Forgotten > 0 || res.Extended > 0 || res.Failed > 0 {
				log.Debug("pruned expired families from index",
					"forgotten", res.Forgotten, "extended", res.Extended, "failed", res.Failed)
			}
		}
	}
}
