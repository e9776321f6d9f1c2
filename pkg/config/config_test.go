package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-shield/pkg/policy"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "shield.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, 30*time.Second, cfg.Jobs.JobTimeout)
	assert.True(t, cfg.Policies.BuiltinsEnabled())
	assert.False(t, cfg.Events.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  address: ":9000"
  tls:
    enabled: true
    cert_file: /etc/shield/tls.crt
    key_file: /etc/shield/tls.key
    min_version: "1.3"
logging:
  level: DEBUG
  format: pretty
jobs:
  workers: 8
  queue_size: 128
  job_timeout: 5s
storage:
  driver: redis
  redis:
    addr: redis:6379
    terminal_ttl: 2h
events:
  enabled: true
  nats:
    url: nats://nats:4222
rate_limit:
  requests_per_second: 20
  burst: 40
detectors:
  deny_list: [muppet]
  injection_phrases: [hidden config]
policies:
  include_builtins: false
  definitions:
    - id: mfa
      title: MFA Required
      severity: high
      frameworks: [soc2]
      require: [auth.mfa]
    - id: retention
      severity: medium
      condition: input.config.retentionDays <= 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	require.NotNil(t, cfg.Server.TLS)
	tlsCfg, err := cfg.Server.TLS.ServerTLS()
	require.NoError(t, err)
	assert.EqualValues(t, 0x0304, tlsCfg.MinVersion)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "pretty", cfg.Logging.Format)
	assert.Equal(t, 8, cfg.Jobs.Workers)
	assert.Equal(t, 5*time.Second, cfg.Jobs.JobTimeout)
	assert.Equal(t, time.Hour, cfg.Jobs.Retention, "unset fields keep their defaults")
	assert.Equal(t, StorageRedis, cfg.Storage.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Storage.Redis.TerminalTTL)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "shield", cfg.Events.NATS.SubjectPrefix)
	assert.Equal(t, 20.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, []string{"muppet"}, cfg.Detectors.DenyList)
	assert.False(t, cfg.Policies.BuiltinsEnabled())
	require.Len(t, cfg.Policies.Definitions, 2)
	assert.Equal(t, []string{"auth.mfa"}, cfg.Policies.Definitions[0].Require)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLIS_SHIELD_ADDR", ":7070")
	t.Setenv("POLIS_SHIELD_LOG_LEVEL", "warn")
	t.Setenv("POLIS_SHIELD_WORKERS", "2")
	t.Setenv("POLIS_SHIELD_JOB_TIMEOUT", "750ms")
	t.Setenv("POLIS_SHIELD_NATS_URL", "nats://events:4222")
	t.Setenv("POLIS_SHIELD_RATE_LIMIT_RPS", "2.5")
	t.Setenv("POLIS_SHIELD_JUDGE_ENDPOINT", "http://judge/v1/chat/completions")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, 750*time.Millisecond, cfg.Jobs.JobTimeout)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "nats://events:4222", cfg.Events.NATS.URL)
	assert.Equal(t, 2.5, cfg.RateLimit.RequestsPerSecond)
	assert.True(t, cfg.Detectors.Judge.Enabled)
}

func TestEnvOverrideParseErrors(t *testing.T) {
	t.Setenv("POLIS_SHIELD_WORKERS", "many")
	t.Setenv("POLIS_SHIELD_JOB_TIMEOUT", "soon")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLIS_SHIELD_WORKERS")
	assert.Contains(t, err.Error(), "POLIS_SHIELD_JOB_TIMEOUT")
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("POLIS_SHIELD_QUEUE_SIZE=9\n"), 0o600))
	t.Setenv("POLIS_SHIELD_QUEUE_SIZE", "")
	require.NoError(t, os.Unsetenv("POLIS_SHIELD_QUEUE_SIZE"))

	assert.Equal(t, envPath, LoadEnvFiles(filepath.Join(dir, "missing.env"), envPath))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Jobs.QueueSize)

	assert.Empty(t, LoadEnvFiles(filepath.Join(dir, "nope.env")))
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	cfg.Storage.Driver = "cassandra"
	cfg.Detectors.Judge.Enabled = true
	cfg.Server.TLS = &TLSConfig{Enabled: true, CertFile: "c.pem"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log level", "cassandra", "judge.endpoint", "key_file"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidatePolicies(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
policies:
  definitions:
    - id: a
      severity: extreme
      require: [x]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "severity")

	cfg := Default()
	def := policy.Definition{ID: "a", Severity: "low", Require: []string{"x"}}
	cfg.Policies.Definitions = append(cfg.Policies.Definitions, def, def)
	assert.ErrorContains(t, cfg.Validate(), "duplicate policy id")
}

func TestTLSVersions(t *testing.T) {
	_, err := ParseTLSVersion("1.0")
	assert.Error(t, err)

	v, err := ParseTLSVersion("")
	require.NoError(t, err)
	assert.EqualValues(t, 0x0303, v)

	disabled := &TLSConfig{}
	tlsCfg, err := disabled.ServerTLS()
	assert.NoError(t, err)
	assert.Nil(t, tlsCfg)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "detectors:\n  deny_list: [alpha]\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.Equal(t, []string{"alpha"}, w.Current().Detectors.DenyList)
	updates := w.Subscribe()

	writeConfig(t, dir, "detectors:\n  deny_list: [beta]\n")
	select {
	case cfg := <-updates:
		assert.Equal(t, []string{"beta"}, cfg.Detectors.DenyList)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	writeConfig(t, dir, "logging:\n  level: chatty\n")
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []string{"beta"}, w.Current().Detectors.DenyList, "invalid edits keep the last good config")
}
