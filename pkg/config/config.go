// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the token service configuration from a YAML file
// and AUTHRIM_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sgrastar/authrim/pkg/authserver/storage"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

// EnvPrefix prefixes every environment override, e.g.
// AUTHRIM_TOKENS_MAXCODESPERUSER.
const EnvPrefix = "AUTHRIM"

// Config is the complete server configuration.
type Config struct {
	Address     string               `mapstructure:"address"`
	Issuer      string               `mapstructure:"issuer"`
	Storage     storage.Config       `mapstructure:"storage"`
	Index       IndexConfig          `mapstructure:"index"`
	Tokens      TokensConfig         `mapstructure:"tokens"`
	Generations GenerationsConfig    `mapstructure:"generations"`
	Shards      ShardsConfig         `mapstructure:"shards"`
	Signing     SigningConfig        `mapstructure:"signing"`
	Telemetry   telemetry.Config     `mapstructure:"telemetry"`
	Groups      []*shard.GroupConfig `mapstructure:"groups"`
}

// IndexConfig configures the user token family index.
type IndexConfig struct {
	// Path of the SQLite database. Empty disables the index.
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queueSize"`
	// RetainRevoked is how long revoked rows are kept.
	RetainRevoked time.Duration `mapstructure:"retainRevoked"`
}

// TokensConfig holds token lifetimes and quotas.
type TokensConfig struct {
	AuthCodeTTL     time.Duration `mapstructure:"authCodeTTL"`
	RefreshTokenTTL time.Duration `mapstructure:"refreshTokenTTL"`
	AccessTokenTTL  time.Duration `mapstructure:"accessTokenTTL"`
	IDTokenTTL      time.Duration `mapstructure:"idTokenTTL"`
	MaxCodesPerUser int           `mapstructure:"maxCodesPerUser"`
	// RateLimit is requests per second per user or client; 0 disables it.
	RateLimit float64 `mapstructure:"rateLimit"`
	RateBurst int     `mapstructure:"rateBurst"`
}

// GenerationsConfig configures generation bookkeeping.
type GenerationsConfig struct {
	HistoryCap int           `mapstructure:"historyCap"`
	CacheTTL   time.Duration `mapstructure:"cacheTTL"`
	// RetirementGrace defaults to the refresh token TTL.
	RetirementGrace time.Duration `mapstructure:"retirementGrace"`
	CleanupInterval time.Duration `mapstructure:"cleanupInterval"`
}

// ShardsConfig configures the shard workers.
type ShardsConfig struct {
	QueueSize     int           `mapstructure:"queueSize"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

// SigningConfig locates the token signing key. Without a key file an
// ephemeral key is generated.
type SigningConfig struct {
	KeyFile string `mapstructure:"keyFile"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("address", ":8080")
	v.SetDefault("issuer", "http://localhost:8080")
	v.SetDefault("storage.type", string(storage.TypeMemory))
	v.SetDefault("index.queueSize", 1024)
	v.SetDefault("index.retainRevoked", 7*24*time.Hour)
	v.SetDefault("tokens.authCodeTTL", storage.DefaultAuthCodeTTL)
	v.SetDefault("tokens.refreshTokenTTL", storage.DefaultRefreshTokenTTL)
	v.SetDefault("tokens.accessTokenTTL", time.Hour)
	v.SetDefault("tokens.idTokenTTL", time.Hour)
	v.SetDefault("tokens.maxCodesPerUser", 100)
	v.SetDefault("tokens.rateLimit", 0)
	v.SetDefault("tokens.rateBurst", 20)
	v.SetDefault("generations.historyCap", shard.DefaultHistoryCap)
	v.SetDefault("generations.cacheTTL", shard.DefaultStateCacheTTL)
	v.SetDefault("generations.cleanupInterval", time.Hour)
	v.SetDefault("shards.queueSize", 64)
	v.SetDefault("shards.sweepInterval", storage.DefaultCleanupInterval)
	v.SetDefault("telemetry.serviceName", "authrim-tokens")
	v.SetDefault("telemetry.enablePrometheusMetricsPath", true)
}

// Load reads path (if not empty) and the environment into a Config.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = []*shard.GroupConfig{shard.DefaultGroupConfig()}
	}
	if cfg.Generations.RetirementGrace == 0 {
		cfg.Generations.RetirementGrace = cfg.Tokens.RefreshTokenTTL
	}
	if cfg.Storage.Type == storage.TypeRedis && cfg.Storage.Redis != nil && cfg.Storage.Redis.KeyPrefix == "" {
		cfg.Storage.Redis.KeyPrefix = storage.DefaultKeyPrefix
	}
	return cfg, nil
}

// Validate reports every problem with c.
func (c *Config) Validate() error {
	var errs []error
	if c.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypeRedis:
		if c.Storage.Redis == nil {
			errs = append(errs, errors.New("storage.redis is required for redis storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type %q", c.Storage.Type))
	}

	for name, d := range map[string]time.Duration{
		"tokens.authCodeTTL":          c.Tokens.AuthCodeTTL,
		"tokens.refreshTokenTTL":      c.Tokens.RefreshTokenTTL,
		"tokens.accessTokenTTL":       c.Tokens.AccessTokenTTL,
		"tokens.idTokenTTL":           c.Tokens.IDTokenTTL,
		"generations.cleanupInterval": c.Generations.CleanupInterval,
		"shards.sweepInterval":        c.Shards.SweepInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Tokens.MaxCodesPerUser <= 0 {
		errs = append(errs, errors.New("tokens.maxCodesPerUser must be positive"))
	}
	if c.Tokens.RateLimit < 0 {
		errs = append(errs, errors.New("tokens.rateLimit must not be negative"))
	}
	if c.Generations.HistoryCap <= 0 {
		errs = append(errs, errors.New("generations.historyCap must be positive"))
	}
	if c.Generations.RetirementGrace < c.Tokens.RefreshTokenTTL {
		errs = append(errs, fmt.Errorf("generations.retirementGrace %s is shorter than tokens.refreshTokenTTL %s",
			c.Generations.RetirementGrace, c.Tokens.RefreshTokenTTL))
	}

	seen := make(map[string]bool)
	for _, g := range c.Groups {
		if g == nil {
			errs = append(errs, errors.New("groups must not contain empty entries"))
			continue
		}
		if seen[g.Key()] {
			errs = append(errs, fmt.Errorf("group %s is configured twice", g.Key()))
		}
		seen[g.Key()] = true
		if err := shard.Validate(g).Err(); err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", g.Key(), err))
		}
	}
	return errors.Join(errs...)
}
