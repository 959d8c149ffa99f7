package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
)

func newTestPoller(cfg *appconfig.Config) (*Poller, *channel.Channels) {
	ch := channel.NewChannels(8, 8, 8)
	p := NewPoller(cfg, ch)
	p.ctx = context.Background()
	return p, ch
}

func TestPollAllBothExchanges(t *testing.T) {
	binanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/fapi/v1/openInterest", req.URL.Path)
		assert.Equal(t, "BTCUSDT", req.URL.Query().Get("symbol"))
		w.Write([]byte(`{"openInterest":"81427.52","symbol":"BTCUSDT","time":1700000000000}`))
	}))
	defer binanceSrv.Close()

	bybitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v5/market/open-interest", req.URL.Path)
		assert.Equal(t, "linear", req.URL.Query().Get("category"))
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"openInterest":"54321.5","timestamp":"1700000001000"}]}}`))
	}))
	defer bybitSrv.Close()

	cfg := &appconfig.Config{
		Watchlist: []appconfig.WatchTarget{
			{Exchange: "binance", Symbol: "BTCUSDT"},
			{Exchange: "bybit", Symbol: "BTCUSDT"},
		},
		Poller: appconfig.PollerConfig{
			Enabled:           true,
			Interval:          10 * time.Second,
			RequestsPerSecond: 100,
			Timeout:           time.Second,
		},
		Source: appconfig.SourceConfig{
			Binance: appconfig.BinanceSourceConfig{RestURL: binanceSrv.URL},
			Bybit:   appconfig.BybitSourceConfig{RestURL: bybitSrv.URL, Category: "linear"},
		},
	}

	p, ch := newTestPoller(cfg)
	before := time.Now().UnixMilli()
	p.pollAll()
	after := time.Now().UnixMilli()

	first := <-ch.OI
	assert.Equal(t, "binance", first.Exchange)
	assert.Equal(t, 81427.52, first.Value)
	assert.Equal(t, int64(1700000000000), first.Timestamp)

	// Bybit readings carry the poll time, not the response's stale
	// interval-boundary timestamp.
	second := <-ch.OI
	assert.Equal(t, "bybit", second.Exchange)
	assert.Equal(t, 54321.5, second.Value)
	assert.GreaterOrEqual(t, second.Timestamp, before)
	assert.LessOrEqual(t, second.Timestamp, after)
}

func TestFailedTargetSkipped(t *testing.T) {
	binanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer binanceSrv.Close()

	bybitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[{"openInterest":"54321.5","timestamp":"1700000001000"}]}}`))
	}))
	defer bybitSrv.Close()

	cfg := &appconfig.Config{
		Watchlist: []appconfig.WatchTarget{
			{Exchange: "binance", Symbol: "BTCUSDT"},
			{Exchange: "bybit", Symbol: "BTCUSDT"},
		},
		Poller: appconfig.PollerConfig{
			Enabled:           true,
			Interval:          10 * time.Second,
			RequestsPerSecond: 100,
			Timeout:           time.Second,
		},
		Source: appconfig.SourceConfig{
			Binance: appconfig.BinanceSourceConfig{RestURL: binanceSrv.URL},
			Bybit:   appconfig.BybitSourceConfig{RestURL: bybitSrv.URL},
		},
	}

	p, ch := newTestPoller(cfg)
	p.pollAll()

	// The failed binance target must not block the bybit one.
	ev := <-ch.OI
	assert.Equal(t, "bybit", ev.Exchange)
	assert.Empty(t, ch.OI)
}

func TestFetchBybitErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"params error","result":{"list":[]}}`))
	}))
	defer srv.Close()

	cfg := &appconfig.Config{
		Source: appconfig.SourceConfig{
			Bybit: appconfig.BybitSourceConfig{RestURL: srv.URL},
		},
	}
	p, _ := newTestPoller(cfg)

	_, _, err := p.fetchBybit("BTCUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10001")
}

func TestStartDisabled(t *testing.T) {
	p, _ := newTestPoller(&appconfig.Config{})
	require.Error(t, p.Start(context.Background()))
}
