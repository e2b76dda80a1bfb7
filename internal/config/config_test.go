package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, "random", cfg.Friends.Source)
	assert.Equal(t, "any", cfg.Presence.OfflinePolicy)
	assert.Equal(t, 3*time.Second, cfg.Presence.StoreTimeout)
	assert.Equal(t, "users", cfg.Redis.StatusKey)
	assert.NotEmpty(t, cfg.Server.NodeID)
	assert.True(t, cfg.NeedsRedis())
	assert.Nil(t, cfg.Sub("log"))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  node_id: node-a
bus:
  driver: nats
friends:
  source: deterministic
  fanout: 3
presence:
  offline_policy: last
  bus_timeout: 500ms
log:
  level: warn
`)
	t.Setenv("PRESENCE_REDIS_ADDR", "redis:6380")
	t.Setenv("PRESENCE_AUTH_SECRET", "s3cret")
	t.Setenv("PRESENCE_AUTH_MODE", "jwt")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "node-a", cfg.Server.NodeID)
	assert.Equal(t, "nats", cfg.Bus.Driver)
	assert.Equal(t, 3, cfg.Friends.Fanout)
	assert.Equal(t, "last", cfg.Presence.OfflinePolicy)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.BusTimeout)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, "s3cret", cfg.Auth.Secret)

	logV := cfg.Sub("log")
	require.NotNil(t, logV)
	assert.Equal(t, "warn", logV.GetString("level"))
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("PORT", "4000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, 4000, cfg.Server.Port)

	t.Setenv("PORT", "abc")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bus driver":     "bus:\n  driver: kafka\n",
		"store driver":   "store:\n  driver: etcd\n",
		"friends source": "friends:\n  source: ldap\n",
		"mysql dsn":      "friends:\n  source: mysql\n",
		"policy":         "presence:\n  offline_policy: never\n",
		"jwt secret":     "auth:\n  mode: jwt\n",
		"kafka brokers":  "kafka:\n  enabled: true\n  brokers: []\n",
		"ping period":    "ws:\n  ping_period: 90s\n  pong_wait: 60s\n",
		"port":           "server:\n  port: 70000\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
