package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
orderflow:
  name: orderflow
  version: 1.0.0
watchlist:
  - exchange: Binance
    symbol: btcusdt
  - exchange: bybit
    symbol: ETHUSDT
channels:
  trade_buffer: 100
  oi_buffer: 10
  book_buffer: 50
buffer:
  addr: localhost:6379
storage:
  postgres:
    dsn: postgres://localhost/orderflow
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Aggregation.Window)
	assert.Equal(t, 10.0, cfg.Aggregation.BookBinSize)
	assert.Equal(t, "redis", cfg.Buffer.Backend)
	assert.Equal(t, int64(10000), cfg.Buffer.Retention)
	assert.Equal(t, "db-writer", cfg.Buffer.Group)
	assert.Equal(t, "group", cfg.Writer.Mode)
	assert.Equal(t, 30*time.Second, cfg.Writer.FlushInterval)
	assert.Equal(t, 500, cfg.Writer.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Poller.Interval)
}

func TestLoadConfigNormalizesWatchlist(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Watchlist, 2)
	assert.Equal(t, "binance", cfg.Watchlist[0].Exchange)
	assert.Equal(t, "BTCUSDT", cfg.Watchlist[0].Symbol)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols("binance"))
	assert.Equal(t, []string{"ETHUSDT"}, cfg.Symbols("bybit"))
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("PG_DSN", "postgres://db.internal/orderflow")

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Buffer.Addr)
	assert.Equal(t, "postgres://db.internal/orderflow", cfg.Storage.Postgres.DSN)
}

const invalidTemplate = `
orderflow:
  name: orderflow
  version: 1.0.0
watchlist:
%s
channels:
  trade_buffer: 100
  oi_buffer: 10
  book_buffer: 50
buffer:
  addr: localhost:6379
%s
storage:
  postgres:
    dsn: postgres://localhost/orderflow
`

func TestLoadConfigValidationFailures(t *testing.T) {
	watchlist := "  - exchange: binance\n    symbol: BTCUSDT"
	cases := []struct {
		name      string
		watchlist string
		extra     string
		wantErr   string
	}{
		{
			name:      "missing watchlist",
			watchlist: "  []",
			wantErr:   "watchlist",
		},
		{
			name:      "unsupported exchange",
			watchlist: "  - exchange: okx\n    symbol: BTCUSDT",
			wantErr:   "not supported",
		},
		{
			name:      "invalid writer mode",
			watchlist: watchlist,
			extra:     "writer:\n  mode: fire-and-forget",
			wantErr:   "writer.mode",
		},
		{
			name:      "group mode without consumer",
			watchlist: watchlist,
			extra:     "writer:\n  mode: group\n  consumer: \"\"",
			wantErr:   "writer.consumer",
		},
		{
			name:      "sub-second window",
			watchlist: watchlist,
			extra:     "aggregation:\n  window: 100ms",
			wantErr:   "aggregation.window",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			yaml := fmt.Sprintf(invalidTemplate, tc.watchlist, tc.extra)
			_, err := LoadConfig(writeConfig(t, yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestLoadConfigMissingDSN(t *testing.T) {
	yaml := `
orderflow:
  name: orderflow
  version: 1.0.0
watchlist:
  - exchange: binance
    symbol: BTCUSDT
channels:
  trade_buffer: 100
  oi_buffer: 10
  book_buffer: 50
buffer:
  addr: localhost:6379
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.postgres.dsn")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
}
