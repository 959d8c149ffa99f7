package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/models"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Source: appconfig.SourceConfig{
			Binance: appconfig.BinanceSourceConfig{
				Enabled:        true,
				DepthInterval:  "100ms",
				ReconnectDelay: 20 * time.Millisecond,
			},
		},
	}
}

func newTestReader(cfg *appconfig.Config) (*Reader, *channel.Channels) {
	ch := channel.NewChannels(8, 8, 8)
	r := NewReader(cfg, ch, []string{"BTCUSDT"})
	r.ctx = context.Background()
	return r, ch
}

func TestEndpoint(t *testing.T) {
	cfg := testConfig()
	r, _ := newTestReader(cfg)

	endpoint := r.Endpoint()
	assert.True(t, strings.HasSuffix(endpoint,
		"/stream?streams=btcusdt@aggTrade/btcusdt@openInterest@1s/btcusdt@depth@100ms"), endpoint)

	cfg.Source.Binance.WsURL = "wss://example.com/ws"
	assert.Equal(t,
		"wss://example.com/stream?streams=btcusdt@aggTrade/btcusdt@openInterest@1s/btcusdt@depth@100ms",
		r.Endpoint())
}

func TestHandleTradeMessage(t *testing.T) {
	r, ch := newTestReader(testConfig())

	raw := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":10550,"s":"BTCUSDT","p":"100.5","q":"2.25","T":10500,"m":true}}`
	r.handleMessage([]byte(raw))

	select {
	case ev := <-ch.Trades:
		assert.Equal(t, "binance", ev.Exchange)
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.Equal(t, int64(10500), ev.Timestamp)
		assert.Equal(t, 100.5, ev.Price)
		assert.Equal(t, 2.25, ev.Quantity)
		assert.Equal(t, models.SideSell, ev.Side, "buyer-is-maker normalizes to sell")
	default:
		t.Fatal("expected a trade event")
	}
}

func TestHandleTradeMessageTakerBuy(t *testing.T) {
	r, ch := newTestReader(testConfig())

	raw := `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":10550,"s":"BTCUSDT","p":"100.5","q":"1","T":10500,"m":false}}`
	r.handleMessage([]byte(raw))

	select {
	case ev := <-ch.Trades:
		assert.Equal(t, models.SideBuy, ev.Side)
	default:
		t.Fatal("expected a trade event")
	}
}

// Exchange frames carry both the lowercase "e" event-type key and the
// uppercase "E" event-time key; the decode must keep them apart instead of
// letting "e" match EventTime case-insensitively.
func TestPayloadDecodeSeparatesEventTypeFromEventTime(t *testing.T) {
	var tr aggTradePayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"e":"aggTrade","E":10550,"s":"BTCUSDT","p":"100.5","q":"1","T":10500,"m":true}`), &tr))
	assert.Equal(t, "aggTrade", tr.Event)
	assert.Equal(t, int64(10550), tr.EventTime)

	var oi openInterestPayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"e":"openInterest","E":12000,"s":"BTCUSDT","o":"81427.52"}`), &oi))
	assert.Equal(t, "openInterest", oi.Event)
	assert.Equal(t, int64(12000), oi.EventTime)

	var depth depthPayload
	require.NoError(t, json.Unmarshal(
		[]byte(`{"e":"depthUpdate","E":13000,"s":"BTCUSDT","b":[["100","1"]],"a":[["101","1"]]}`), &depth))
	assert.Equal(t, "depthUpdate", depth.Event)
	assert.Equal(t, int64(13000), depth.EventTime)
}

func TestHandleOpenInterestMessage(t *testing.T) {
	r, ch := newTestReader(testConfig())

	raw := `{"stream":"btcusdt@openInterest@1s","data":{"e":"openInterest","E":12000,"s":"BTCUSDT","o":"81427.52"}}`
	r.handleMessage([]byte(raw))

	select {
	case ev := <-ch.OI:
		assert.Equal(t, "BTCUSDT", ev.Symbol)
		assert.Equal(t, int64(12000), ev.Timestamp)
		assert.Equal(t, 81427.52, ev.Value)
	default:
		t.Fatal("expected an open-interest event")
	}
}

func TestHandleDepthMessage(t *testing.T) {
	r, ch := newTestReader(testConfig())

	raw := `{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":13000,"s":"BTCUSDT","b":[["100.0","1.5"],["99.0","0"]],"a":[["101.0","2.0"]]}}`
	r.handleMessage([]byte(raw))

	select {
	case ev := <-ch.Books:
		require.Len(t, ev.Bids, 1, "zero-quantity levels are dropped")
		assert.Equal(t, 100.0, ev.Bids[0].Price)
		assert.Equal(t, 1.5, ev.Bids[0].Quantity)
		require.Len(t, ev.Asks, 1)
		assert.Equal(t, 101.0, ev.Asks[0].Price)
	default:
		t.Fatal("expected a book event")
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	r, ch := newTestReader(testConfig())

	r.handleMessage([]byte(`not json`))
	r.handleMessage([]byte(`{"stream":"btcusdt@aggTrade","data":{"p":"abc","q":"1","s":"BTCUSDT"}}`))
	r.handleMessage([]byte(`{"stream":"btcusdt@openInterest@1s","data":{"o":"","s":"BTCUSDT"}}`))
	r.handleMessage([]byte(`{"stream":"btcusdt@depth@100ms","data":{"s":"BTCUSDT","b":[["x","1"]],"a":[]}}`))

	assert.Empty(t, ch.Trades)
	assert.Empty(t, ch.OI)
	assert.Empty(t, ch.Books)
}

func TestStreamLoopReconnects(t *testing.T) {
	var connections int32
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&connections, 1)
		msg := fmt.Sprintf(`{"stream":"btcusdt@aggTrade","data":{"E":10500,"s":"BTCUSDT","p":"%d","q":"1","T":10500,"m":false}}`, 100+n)
		conn.WriteMessage(websocket.TextMessage, []byte(msg))
		conn.Close()
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Source.Binance.WsURL = "ws" + strings.TrimPrefix(server.URL, "http")

	ch := channel.NewChannels(8, 8, 8)
	r := NewReader(cfg, ch, []string{"BTCUSDT"})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	require.Error(t, r.Start(ctx), "second start must be rejected")

	var first, second models.TradeEvent
	select {
	case first = <-ch.Trades:
	case <-time.After(2 * time.Second):
		t.Fatal("no trade received from first connection")
	}
	select {
	case second = <-ch.Trades:
	case <-time.After(2 * time.Second):
		t.Fatal("no trade received after reconnect")
	}

	assert.Equal(t, 101.0, first.Price)
	assert.Equal(t, 102.0, second.Price)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&connections), int32(2))

	cancel()
	r.Stop()
}
