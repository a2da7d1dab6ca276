package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvironDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_NAME", "ws-7")

	cfg, err := FromEnviron()
	require.NoError(t, err)

	srv := cfg.Server()
	require.Equal(t, ":8080", srv.ListenAddr)
	require.Equal(t, 256, srv.WorkerPoolSize)
	require.Equal(t, int64(64<<10), srv.MaxFrameSize)
	require.Equal(t, 10*time.Second, srv.ReadTimeout)

	require.Equal(t, 3*time.Second, cfg.TypingWindow)
	require.Equal(t, 20, cfg.ReplayLimit)
	require.Equal(t, "convo.db", cfg.DBPath)
	require.Empty(t, cfg.Terms())

	nats := cfg.NATS()
	require.Equal(t, "ws-7", nats.Name)
	require.Equal(t, "nats://localhost:4222", nats.URL)
}

func TestFromEnvironOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("WRITE_TIMEOUT", "250ms")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("REPLAY_LIMIT", "0")
	t.Setenv("MODERATION_TERMS", " Spam, ,scam ")
	t.Setenv("MODERATION_BLOCK_LINKS", "true")

	cfg, err := FromEnviron()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Server().ListenAddr)
	require.Equal(t, 250*time.Millisecond, cfg.Server().WriteTimeout)
	require.Equal(t, "nats://bus:4222", cfg.NATS().URL)
	require.Zero(t, cfg.ReplayLimit)
	require.True(t, cfg.BlockLinks)
	require.Equal(t, []string{"spam", "scam"}, cfg.Terms())
	require.NotEmpty(t, cfg.ServerName)
}

func TestDefaultServerNameIsUniquePerProcess(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SERVER_NAME", "")

	first, err := FromEnviron()
	require.NoError(t, err)
	second, err := FromEnviron()
	require.NoError(t, err)

	require.NotEmpty(t, first.ServerName)
	require.NotEqual(t, first.ServerName, second.ServerName)
	require.Equal(t, first.ServerName, first.NATS().Name)

	host, err := os.Hostname()
	if err == nil && host != "" {
		require.True(t, strings.HasPrefix(first.ServerName, host+"-"))
	}
}

func TestFromEnvironRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"negative replay", "REPLAY_LIMIT", "-1"},
		{"zero workers", "WORKER_POOL_SIZE", "0"},
		{"unknown level", "LOG_LEVEL", "CHATTY"},
		{"bad duration", "READ_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s3cret")
			t.Setenv(tt.key, tt.val)
			_, err := FromEnviron()
			require.Error(t, err)
		})
	}
}

func TestFromEnvironRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := FromEnviron()
	require.Error(t, err)
}

func TestLoggerLevel(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := FromEnviron()
	require.NoError(t, err)

	var buf bytes.Buffer
	log := cfg.Logger(&buf)
	require.False(t, log.Enabled(context.Background(), slog.LevelInfo))
	log.Warn("disk low", "free", 3)
	require.Contains(t, buf.String(), `"msg":"disk low"`)
}
