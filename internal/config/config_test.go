package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
servers:
  - id: "1"
    url: ws://127.0.0.1:3000
    token: secret
`))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Buffer.FlushInterval)
	assert.Equal(t, 100, cfg.Buffer.MaxSize)
	assert.Equal(t, 10*time.Second, cfg.Buffer.MaxAge)
	assert.Equal(t, 3, cfg.Buffer.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Buffer.RetryMaxDelay)
	assert.Equal(t, 10*time.Second, cfg.Buffer.DeathDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.Delay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Verification.CodeTTL)
	assert.Equal(t, 10*time.Minute, cfg.Retention.WoundTTL)

	require.Len(t, cfg.Servers, 1)
	assert.True(t, cfg.Servers[0].LogStatsEnabled())
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("SQUADTRACKER_BUFFER_MAX_SIZE", "3")
	t.Setenv("SQUADTRACKER_BUFFER_FLUSH_INTERVAL", "250ms")
	t.Setenv("SQUADTRACKER_BUFFER_DEATH_DELAY", "2s")
	t.Setenv("SQUADTRACKER_DEAD_LETTER_PATH", "/tmp/dlq")
	t.Setenv("SQUAD_TOKEN", "from-env")

	cfg, err := Parse([]byte(`
buffer:
  max_size: 50
servers:
  - id: main
    url: wss://squad.example.com
    token: ${SQUAD_TOKEN}
    log_stats: false
`))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Buffer.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Buffer.FlushInterval)
	assert.Equal(t, 2*time.Second, cfg.Buffer.DeathDelay)
	assert.Equal(t, "/tmp/dlq", cfg.DeadLetter.Path)
	assert.Equal(t, "from-env", cfg.Servers[0].Token)
	assert.False(t, cfg.Servers[0].LogStatsEnabled())
}

func TestValidate(t *testing.T) {
	_, err := Parse([]byte(`
database:
  driver: postgres
servers:
  - id: "1"
    url: ftp://nope
  - id: "1"
    url: ws://ok:3000
  - url: ws://ok:3001
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "database.dsn is required")
	assert.Contains(t, msg, `unsupported scheme "ftp"`)
	assert.Contains(t, msg, `duplicate id "1"`)
	assert.Contains(t, msg, "servers[2]: id is required")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseAuth(t *testing.T) {
	cfg, err := Parse([]byte(`
http:
  auth:
    jwt_secret: 0123456789abcdef0123
    clients:
      discord-bot: "$2a$10$abcdefghijklmnopqrstuv"
`))
	require.NoError(t, err)
	assert.True(t, cfg.HTTP.Auth.Enabled())
	assert.Equal(t, time.Hour, cfg.HTTP.Auth.TokenTTL)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", cfg.HTTP.Auth.Clients["discord-bot"], "hashes are not env-expanded")

	_, err = Parse([]byte(`
http:
  auth:
    jwt_secret: short
    clients:
      discord-bot: "$2a$10$abcdefghijklmnopqrstuv"
`))
	assert.ErrorContains(t, err, "jwt_secret")

	cfg, err = Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.False(t, cfg.HTTP.Auth.Enabled())
}
