package bybit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/models"
)

func newTestReader() (*Reader, *channel.Channels) {
	cfg := &appconfig.Config{
		Source: appconfig.SourceConfig{
			Bybit: appconfig.BybitSourceConfig{
				Enabled:   true,
				Category:  "linear",
				BookDepth: 50,
			},
		},
	}
	ch := channel.NewChannels(8, 8, 8)
	r := NewReader(cfg, ch, []string{"BTCUSDT"})
	r.ctx = context.Background()
	r.symbolSet = map[string]struct{}{"BTCUSDT": {}}
	r.books = make(map[string]*localBook)
	return r, ch
}

func TestHandleTradeMessage(t *testing.T) {
	r, ch := newTestReader()

	raw := `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":10550,"data":[{"T":10500,"s":"BTCUSDT","S":"Buy","v":"0.5","p":"30100.25"},{"T":10510,"s":"BTCUSDT","S":"Sell","v":"1.0","p":"30099.75"}]}`
	require.NoError(t, r.handleMessage(raw))

	first := <-ch.Trades
	assert.Equal(t, "bybit", first.Exchange)
	assert.Equal(t, int64(10500), first.Timestamp)
	assert.Equal(t, 30100.25, first.Price)
	assert.Equal(t, 0.5, first.Quantity)
	assert.Equal(t, models.SideBuy, first.Side)

	second := <-ch.Trades
	assert.Equal(t, models.SideSell, second.Side)
}

func TestHandleTickerMessage(t *testing.T) {
	r, ch := newTestReader()

	raw := `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":12000,"data":{"symbol":"BTCUSDT","openInterest":"54321.5"}}`
	require.NoError(t, r.handleMessage(raw))

	ev := <-ch.OI
	assert.Equal(t, "BTCUSDT", ev.Symbol)
	assert.Equal(t, int64(12000), ev.Timestamp)
	assert.Equal(t, 54321.5, ev.Value)

	// Delta frames without the open-interest field carry no reading.
	raw = `{"topic":"tickers.BTCUSDT","type":"delta","ts":12100,"data":{"symbol":"BTCUSDT"}}`
	require.NoError(t, r.handleMessage(raw))
	assert.Empty(t, ch.OI)
}

func TestHandleOrderbookSnapshotAndDelta(t *testing.T) {
	r, ch := newTestReader()

	snapshot := `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":13000,"data":{"s":"BTCUSDT","b":[["100","1.5"],["99","2"]],"a":[["101","1"]]}}`
	require.NoError(t, r.handleMessage(snapshot))

	ev := <-ch.Books
	require.Len(t, ev.Bids, 2)
	assert.Equal(t, 100.0, ev.Bids[0].Price, "bids sorted best first")
	require.Len(t, ev.Asks, 1)

	// The delta removes the 99 bid and adds an ask; the emitted book is
	// the merged state.
	delta := `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":13100,"data":{"s":"BTCUSDT","b":[["99","0"]],"a":[["102","3"]]}}`
	require.NoError(t, r.handleMessage(delta))

	ev = <-ch.Books
	require.Len(t, ev.Bids, 1)
	assert.Equal(t, 100.0, ev.Bids[0].Price)
	require.Len(t, ev.Asks, 2)
	assert.Equal(t, 101.0, ev.Asks[0].Price, "asks sorted best first")
	assert.Equal(t, 102.0, ev.Asks[1].Price)

	// A new snapshot resets the local book.
	reset := `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":13200,"data":{"s":"BTCUSDT","b":[["95","1"]],"a":[["96","1"]]}}`
	require.NoError(t, r.handleMessage(reset))
	ev = <-ch.Books
	require.Len(t, ev.Bids, 1)
	assert.Equal(t, 95.0, ev.Bids[0].Price)
}

func TestUnwatchedSymbolIgnored(t *testing.T) {
	r, ch := newTestReader()

	raw := `{"topic":"publicTrade.ETHUSDT","type":"snapshot","ts":10550,"data":[{"T":10500,"s":"ETHUSDT","S":"Buy","v":"1","p":"2000"}]}`
	require.NoError(t, r.handleMessage(raw))
	assert.Empty(t, ch.Trades)
}

func TestSubscriptionAckHandled(t *testing.T) {
	r, ch := newTestReader()

	require.NoError(t, r.handleMessage(`{"op":"subscribe","success":true,"ret_msg":""}`))
	require.NoError(t, r.handleMessage(`{"op":"subscribe","success":false,"ret_msg":"bad topic"}`))
	assert.Empty(t, ch.Trades)
	assert.Empty(t, ch.OI)
	assert.Empty(t, ch.Books)
}

func TestMalformedEntriesDropped(t *testing.T) {
	r, ch := newTestReader()

	raw := `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":10550,"data":[{"T":10500,"s":"BTCUSDT","S":"Buy","v":"abc","p":"100"},{"T":10510,"s":"BTCUSDT","S":"Buy","v":"1","p":"100"}]}`
	require.NoError(t, r.handleMessage(raw))

	// Only the well-formed entry survives.
	ev := <-ch.Trades
	assert.Equal(t, 1.0, ev.Quantity)
	assert.Empty(t, ch.Trades)
}
