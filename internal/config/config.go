// Package config loads daemon configuration from CINDER_* environment
// variables, an optional YAML file, and defaults, in that precedence order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/emberworks/cinder/internal/janitor"
	"github.com/emberworks/cinder/internal/queue"
	"github.com/emberworks/cinder/internal/storage"
)

// Config is the resolved daemon configuration.
type Config struct {
	FDBClusterFile string
	FDBAPIVersion  int

	RedisURL   string
	SelfHosted bool

	ListenNetwork string
	ListenAddr    string

	PopCandidateLimit int
	PopMaxAttempts    int
	PopBackoffBase    time.Duration
	PopBackoffCap     time.Duration
	MaxJobTimeout     time.Duration

	JanitorTTLInterval       time.Duration
	JanitorActiveInterval    time.Duration
	JanitorReconcileInterval time.Duration
	JanitorStaleInterval     time.Duration
	JanitorOrphanInterval    time.Duration
	OrphanClaimAge           time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("fdb.cluster_file", "")
	v.SetDefault("fdb.api_version", storage.DefaultAPIVersion)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("self_hosted", false)

	v.SetDefault("listen.network", "tcp")
	v.SetDefault("listen.addr", "127.0.0.1:4680")

	qd := queue.DefaultConfig()
	v.SetDefault("pop.candidate_limit", qd.CandidateLimit)
	v.SetDefault("pop.max_attempts", qd.MaxAttempts)
	v.SetDefault("pop.backoff_base", qd.BackoffBase)
	v.SetDefault("pop.backoff_cap", qd.BackoffCap)
	v.SetDefault("queue.max_timeout", qd.MaxTimeout)

	jd := janitor.DefaultConfig()
	v.SetDefault("janitor.ttl_interval", jd.TTLSweepInterval)
	v.SetDefault("janitor.active_interval", jd.ActiveSweepInterval)
	v.SetDefault("janitor.reconcile_interval", jd.ReconcileInterval)
	v.SetDefault("janitor.stale_interval", jd.StaleCounterInterval)
	v.SetDefault("janitor.orphan_interval", jd.OrphanClaimInterval)
	v.SetDefault("janitor.orphan_claim_age", jd.OrphanClaimAge)
}

// Load reads path (optional; empty means defaults + env only) and resolves
// the configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{
		FDBClusterFile: v.GetString("fdb.cluster_file"),
		FDBAPIVersion:  v.GetInt("fdb.api_version"),

		RedisURL:   v.GetString("redis.url"),
		SelfHosted: v.GetBool("self_hosted"),

		ListenNetwork: v.GetString("listen.network"),
		ListenAddr:    v.GetString("listen.addr"),

		PopCandidateLimit: v.GetInt("pop.candidate_limit"),
		PopMaxAttempts:    v.GetInt("pop.max_attempts"),
		PopBackoffBase:    v.GetDuration("pop.backoff_base"),
		PopBackoffCap:     v.GetDuration("pop.backoff_cap"),
		MaxJobTimeout:     v.GetDuration("queue.max_timeout"),

		JanitorTTLInterval:       v.GetDuration("janitor.ttl_interval"),
		JanitorActiveInterval:    v.GetDuration("janitor.active_interval"),
		JanitorReconcileInterval: v.GetDuration("janitor.reconcile_interval"),
		JanitorStaleInterval:     v.GetDuration("janitor.stale_interval"),
		JanitorOrphanInterval:    v.GetDuration("janitor.orphan_interval"),
		OrphanClaimAge:           v.GetDuration("janitor.orphan_claim_age"),
	}

	if cfg.ListenNetwork != "tcp" && cfg.ListenNetwork != "unix" {
		return nil, fmt.Errorf("listen.network must be tcp or unix, got %q", cfg.ListenNetwork)
	}
	return cfg, nil
}

// QueueConfig projects the pop tuning knobs.
func (c *Config) QueueConfig() queue.Config {
	cfg := queue.DefaultConfig()
	if c.PopCandidateLimit > 0 {
		cfg.CandidateLimit = c.PopCandidateLimit
	}
	if c.PopMaxAttempts > 0 {
		cfg.MaxAttempts = c.PopMaxAttempts
	}
	if c.PopBackoffBase > 0 {
		cfg.BackoffBase = c.PopBackoffBase
	}
	if c.PopBackoffCap > 0 {
		cfg.BackoffCap = c.PopBackoffCap
	}
	if c.MaxJobTimeout > 0 {
		cfg.MaxTimeout = c.MaxJobTimeout
	}
	return cfg
}

// JanitorConfig projects the sweep schedule.
func (c *Config) JanitorConfig() janitor.Config {
	cfg := janitor.DefaultConfig()
	if c.JanitorTTLInterval > 0 {
		cfg.TTLSweepInterval = c.JanitorTTLInterval
	}
	if c.JanitorActiveInterval > 0 {
		cfg.ActiveSweepInterval = c.JanitorActiveInterval
	}
	if c.JanitorReconcileInterval > 0 {
		cfg.ReconcileInterval = c.JanitorReconcileInterval
	}
	if c.JanitorStaleInterval > 0 {
		cfg.StaleCounterInterval = c.JanitorStaleInterval
	}
	if c.JanitorOrphanInterval > 0 {
		cfg.OrphanClaimInterval = c.JanitorOrphanInterval
	}
	if c.OrphanClaimAge > 0 {
		cfg.OrphanClaimAge = c.OrphanClaimAge
	}
	return cfg
}
