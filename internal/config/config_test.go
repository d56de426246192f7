package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	var (
		addr = "localhost:8080"
		dsn  = "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"
		key  = "c29tZV9zZWNyZXQ="
		orig = []string{"http://localhost:3000"}
	)

	tcases := []struct {
		name string
		addr string
		dsn  string
		key  string
		orig []string
		err  bool
	}{
		{
			name: "valid config",
			addr: addr,
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  false,
		},
		{
			name: "empty address",
			addr: "",
			dsn:  dsn,
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty DSN",
			addr: addr,
			dsn:  "",
			key:  key,
			orig: orig,
			err:  true,
		},
		{
			name: "empty signing key",
			addr: addr,
			dsn:  dsn,
			key:  "",
			orig: orig,
			err:  true,
		},
		{
			name: "signing key is not base64",
			addr: addr,
			dsn:  dsn,
			key:  "not base64!",
			orig: orig,
			err:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(tc.addr, tc.dsn, tc.key, tc.orig)
			if tc.err {
				assert.Error(t, err, "expected error for invalid config")
				assert.Nil(t, cfg, "expected nil config on error")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.addr, cfg.ServerAddr)
			assert.Equal(t, tc.dsn, cfg.DatabaseDSN)
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey)
			assert.Equal(t, tc.orig, cfg.AllowedOrigins)
			assert.Equal(t, StorePostgres, cfg.Store)
			assert.Equal(t, FanoutLocal, cfg.Fanout)
			assert.Equal(t, 10.0, cfg.Chat.SendRate)
			assert.Equal(t, 20, cfg.Chat.SendBurst)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("file and environment", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
store: memory
auth:
  signing_key: c29tZV9zZWNyZXQ=
kafka:
  brokers: ["k1:9092", "k2:9092"]
chat:
  send_rate: 2
`), 0o600))

		t.Setenv("BOARDCHAT_CHAT_SEND_BURST", "3")
		t.Setenv("BOARDCHAT_CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.ServerAddr)
		assert.Equal(t, StoreMemory, cfg.Store)
		assert.Empty(t, cfg.DatabaseDSN)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.Equal(t, "chat-messages", cfg.Kafka.Topic)
		assert.Equal(t, 2.0, cfg.Chat.SendRate)
		assert.Equal(t, 3, cfg.Chat.SendBurst)
		assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
	})

	t.Run("environment only", func(t *testing.T) {
		t.Setenv("BOARDCHAT_AUTH_SIGNING_KEY", "c29tZV9zZWNyZXQ=")
		t.Setenv("BOARDCHAT_DATABASE_DSN", "postgres://localhost/boardchat")
		t.Setenv("BOARDCHAT_FANOUT_DRIVER", "redis")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "postgres://localhost/boardchat", cfg.DatabaseDSN)
		assert.Equal(t, FanoutRedis, cfg.Fanout)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("unknown store", func(t *testing.T) {
		t.Setenv("BOARDCHAT_AUTH_SIGNING_KEY", "c29tZV9zZWNyZXQ=")
		t.Setenv("BOARDCHAT_STORE", "sqlite")

		_, err := Load("")
		assert.ErrorContains(t, err, "unknown store")
	})
}
