package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	bybit_connector "github.com/bybit-exchange/bybit.go.api"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/models"
	"orderflow/logger"
)

const exchangeName = "bybit"

// Reader consumes Bybit v5 public topics for the configured symbols: public
// trades, tickers (open interest) and the depth-N orderbook. Orderbook deltas
// are applied to a local book so every update yields a full snapshot.
type Reader struct {
	config    *appconfig.Config
	channels  *channel.Channels
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	running   bool
	log       *logger.Log
	symbols   []string
	symbolSet map[string]struct{}
	books     map[string]*localBook
	ws        *bybit_connector.WebSocket
}

// localBook mirrors one symbol's depth-N book from snapshot/delta frames.
type localBook struct {
	bids map[string]float64
	asks map[string]float64
}

// NewReader builds a topic reader for the given symbols.
func NewReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Start establishes the websocket connection and topic subscriptions.
func (r *Reader) Start(ctx context.Context) error {
	cfg := r.config.Source.Bybit
	if !cfg.Enabled {
		return fmt.Errorf("bybit source disabled")
	}
	if len(r.symbols) == 0 {
		return fmt.Errorf("no symbols configured for bybit reader")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("bybit reader already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	depth := cfg.BookDepth
	if depth <= 0 {
		depth = 50
	}

	r.symbolSet = make(map[string]struct{}, len(r.symbols))
	r.books = make(map[string]*localBook, len(r.symbols))
	args := make([]string, 0, len(r.symbols)*3)
	for _, sym := range r.symbols {
		symbol := strings.ToUpper(sym)
		r.symbolSet[symbol] = struct{}{}
		args = append(args,
			fmt.Sprintf("publicTrade.%s", symbol),
			fmt.Sprintf("tickers.%s", symbol),
			fmt.Sprintf("orderbook.%d.%s", depth, symbol),
		)
	}

	wsURL := strings.TrimSpace(cfg.WsURL)
	if wsURL == "" {
		wsURL = "wss://stream.bybit.com/v5/public/linear"
	}

	ws := bybit_connector.NewBybitPublicWebSocket(wsURL, func(message string) error {
		return r.handleMessage(message)
	})
	if ws == nil {
		r.resetAfterFailedStart()
		return fmt.Errorf("failed to create bybit websocket client")
	}
	if ws.Connect() == nil {
		r.resetAfterFailedStart()
		return fmt.Errorf("failed to connect to bybit websocket")
	}
	if _, err := ws.SendSubscription(args); err != nil {
		ws.Disconnect()
		r.resetAfterFailedStart()
		return fmt.Errorf("failed to subscribe to bybit topics: %w", err)
	}

	r.ws = ws
	go r.monitorContext()

	r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"symbols":    r.symbols,
		"book_depth": depth,
	}).Info("bybit reader started")
	return nil
}

// Stop disconnects the websocket and cancels background workers.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	ws := r.ws
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Disconnect()
	}
	r.log.WithComponent("bybit_reader").Info("bybit reader stopped")
}

func (r *Reader) resetAfterFailedStart() {
	r.mu.Lock()
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Reader) monitorContext() {
	<-r.ctx.Done()
	r.Stop()
}

type topicFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type publicTradeEntry struct {
	TradeTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	Volume    string `json:"v"`
	Price     string `json:"p"`
}

type tickerData struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
}

type orderbookData struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

func (r *Reader) handleMessage(raw string) error {
	var ack struct {
		Op      string `json:"op"`
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal([]byte(raw), &ack); err == nil && ack.Op != "" {
		if !ack.Success {
			r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
				"op":      ack.Op,
				"message": ack.RetMsg,
			}).Warn("subscription acknowledgement failure")
		}
		return nil
	}

	var frame topicFrame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		r.log.WithComponent("bybit_reader").WithError(err).Warn("failed to decode bybit frame")
		return nil
	}

	switch {
	case strings.HasPrefix(frame.Topic, "publicTrade."):
		r.handleTrades(frame)
	case strings.HasPrefix(frame.Topic, "tickers."):
		r.handleTicker(frame)
	case strings.HasPrefix(frame.Topic, "orderbook."):
		r.handleOrderbook(frame)
	}
	return nil
}

func (r *Reader) watched(symbol string) bool {
	_, ok := r.symbolSet[symbol]
	return ok
}

func (r *Reader) handleTrades(frame topicFrame) {
	var entries []publicTradeEntry
	if err := json.Unmarshal(frame.Data, &entries); err != nil {
		r.log.WithComponent("bybit_reader").WithError(err).Warn("failed to decode publicTrade payload")
		return
	}

	for _, entry := range entries {
		symbol := strings.ToUpper(entry.Symbol)
		if !r.watched(symbol) {
			continue
		}

		price, err := strconv.ParseFloat(entry.Price, 64)
		if err != nil {
			r.log.WithComponent("bybit_reader").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("unparsable trade price, entry dropped")
			continue
		}
		qty, err := strconv.ParseFloat(entry.Volume, 64)
		if err != nil {
			r.log.WithComponent("bybit_reader").WithError(err).WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("unparsable trade volume, entry dropped")
			continue
		}

		side := models.SideSell
		if entry.Side == "Buy" {
			side = models.SideBuy
		}

		ts := entry.TradeTime
		if ts == 0 {
			ts = frame.Ts
		}

		ev := models.TradeEvent{
			Meta: models.Meta{
				Exchange:  exchangeName,
				Symbol:    symbol,
				Timestamp: ts,
			},
			Price:    price,
			Quantity: qty,
			Side:     side,
		}

		if !r.channels.SendTrade(r.ctx, ev) && r.ctx.Err() == nil {
			r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
				"symbol": symbol,
			}).Warn("dropping bybit trade due to backpressure")
		}
	}
}

func (r *Reader) handleTicker(frame topicFrame) {
	var data tickerData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		r.log.WithComponent("bybit_reader").WithError(err).Warn("failed to decode ticker payload")
		return
	}

	symbol := strings.ToUpper(data.Symbol)
	if !r.watched(symbol) {
		return
	}
	// Delta ticker frames omit unchanged fields.
	if data.OpenInterest == "" {
		return
	}

	value, err := strconv.ParseFloat(data.OpenInterest, 64)
	if err != nil {
		r.log.WithComponent("bybit_reader").WithError(err).WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("unparsable open-interest value, message dropped")
		return
	}

	ev := models.OpenInterestEvent{
		Meta: models.Meta{
			Exchange:  exchangeName,
			Symbol:    symbol,
			Timestamp: frame.Ts,
		},
		Value: value,
	}

	if !r.channels.SendOI(r.ctx, ev) && r.ctx.Err() == nil {
		r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("dropping bybit open-interest update due to backpressure")
	}
}

func (r *Reader) handleOrderbook(frame topicFrame) {
	var data orderbookData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		r.log.WithComponent("bybit_reader").WithError(err).Warn("failed to decode orderbook payload")
		return
	}

	symbol := strings.ToUpper(data.Symbol)
	if !r.watched(symbol) {
		return
	}

	r.mu.Lock()
	book, ok := r.books[symbol]
	if !ok || frame.Type == "snapshot" {
		book = &localBook{bids: make(map[string]float64), asks: make(map[string]float64)}
		r.books[symbol] = book
	}
	okBids := applyLevels(book.bids, data.Bids)
	okAsks := applyLevels(book.asks, data.Asks)
	bids := flattenSide(book.bids, true)
	asks := flattenSide(book.asks, false)
	r.mu.Unlock()

	if !okBids || !okAsks {
		r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("unparsable orderbook levels, frame skipped")
		return
	}
	if len(bids) == 0 && len(asks) == 0 {
		return
	}

	ev := models.BookEvent{
		Meta: models.Meta{
			Exchange:  exchangeName,
			Symbol:    symbol,
			Timestamp: frame.Ts,
		},
		Bids: bids,
		Asks: asks,
	}

	if !r.channels.SendBook(r.ctx, ev) && r.ctx.Err() == nil {
		r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("dropping bybit book update due to backpressure")
	}
}

// applyLevels merges delta rows into one side of the local book. A zero
// quantity removes the level.
func applyLevels(side map[string]float64, rows [][2]string) bool {
	for _, row := range rows {
		qty, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return false
		}
		if qty == 0 {
			delete(side, row[0])
			continue
		}
		side[row[0]] = qty
	}
	return true
}

func flattenSide(side map[string]float64, descending bool) []models.Level {
	levels := make([]models.Level, 0, len(side))
	for priceStr, qty := range side {
		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}
		levels = append(levels, models.Level{Price: price, Quantity: qty})
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}
