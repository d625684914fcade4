package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.ListenNetwork)
	assert.Equal(t, "127.0.0.1:4680", cfg.ListenAddr)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.False(t, cfg.SelfHosted)

	qc := cfg.QueueConfig()
	assert.Equal(t, 50, qc.CandidateLimit)
	assert.Equal(t, 100, qc.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, qc.BackoffBase)
	assert.Equal(t, time.Second, qc.BackoffCap)

	jc := cfg.JanitorConfig()
	assert.Equal(t, 5*time.Minute, jc.OrphanClaimAge)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cinder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  url: redis://cache.internal:6380/1
listen:
  network: unix
  addr: /tmp/cinder.sock
pop:
  candidate_limit: 25
janitor:
  orphan_claim_age: 10m
self_hosted: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache.internal:6380/1", cfg.RedisURL)
	assert.Equal(t, "unix", cfg.ListenNetwork)
	assert.Equal(t, "/tmp/cinder.sock", cfg.ListenAddr)
	assert.True(t, cfg.SelfHosted)
	assert.Equal(t, 25, cfg.QueueConfig().CandidateLimit)
	assert.Equal(t, 10*time.Minute, cfg.JanitorConfig().OrphanClaimAge)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CINDER_REDIS_URL", "redis://env.example:6379/2")
	t.Setenv("CINDER_SELF_HOSTED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://env.example:6379/2", cfg.RedisURL)
	assert.True(t, cfg.SelfHosted)
}

func TestLoadRejectsBadNetwork(t *testing.T) {
	t.Setenv("CINDER_LISTEN_NETWORK", "udp")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
