package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/gorilla/websocket"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/models"
	"orderflow/logger"
)

const exchangeName = "binance"

// Reader consumes the Binance futures combined stream for the configured
// symbols: aggregate trades, the one-second open-interest stream, and depth
// updates, all multiplexed over a single connection.
type Reader struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
}

// NewReader constructs a combined-stream reader for the given symbols.
func NewReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *Reader {
	return &Reader{
		config:   cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  symbols,
	}
}

// Start launches the websocket worker.
func (r *Reader) Start(ctx context.Context) error {
	if !r.config.Source.Binance.Enabled {
		return fmt.Errorf("binance source disabled")
	}
	if len(r.symbols) == 0 {
		return fmt.Errorf("no symbols configured for binance reader")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	r.wg.Add(1)
	go r.streamLoop()

	r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbols": r.symbols,
	}).Info("binance reader started")
	return nil
}

// Stop waits for the websocket worker to exit. Cancel the context passed to
// Start before calling Stop.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance reader")
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance reader stopped")
}

// Endpoint returns the combined-stream URL for the configured symbols.
func (r *Reader) Endpoint() string {
	baseURL := strings.TrimSpace(r.config.Source.Binance.WsURL)
	if baseURL == "" {
		baseURL = futures.BaseWsMainUrl
	}
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/ws")

	depthInterval := r.config.Source.Binance.DepthInterval
	if depthInterval == "" {
		depthInterval = "100ms"
	}

	streams := make([]string, 0, len(r.symbols)*3)
	for _, symbol := range r.symbols {
		s := strings.ToLower(symbol)
		streams = append(streams,
			s+"@aggTrade",
			s+"@openInterest@1s",
			s+"@depth@"+depthInterval,
		)
	}
	return fmt.Sprintf("%s/stream?streams=%s", baseURL, strings.Join(streams, "/"))
}

func (r *Reader) streamLoop() {
	defer r.wg.Done()

	endpoint := r.Endpoint()
	reconnect := r.config.Source.Binance.ReconnectDelay
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"endpoint": endpoint,
	})

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, endpoint, nil)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to connect to binance combined stream")
			select {
			case <-time.After(reconnect):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		closeOnCancel := make(chan struct{})
		go func() {
			select {
			case <-r.ctx.Done():
				conn.Close()
			case <-closeOnCancel:
			}
		}()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				close(closeOnCancel)
				if r.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("binance combined stream error, reconnecting")
				break
			}
			r.handleMessage(raw)
		}

		select {
		case <-time.After(reconnect):
		case <-r.ctx.Done():
			return
		}
	}
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Every payload names both the "e" event-type key and the "E" event-time
// key: without the exact-match Event field, encoding/json would map the
// lowercase "e" onto EventTime case-insensitively and fail every frame.
type aggTradePayload struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type openInterestPayload struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	OpenInterest string `json:"o"`
}

type depthPayload struct {
	Event     string      `json:"e"`
	EventTime int64       `json:"E"`
	Symbol    string      `json:"s"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

func (r *Reader) handleMessage(raw []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.log.WithComponent("binance_reader").WithError(err).Warn("failed to decode combined stream frame")
		return
	}

	switch {
	case strings.Contains(frame.Stream, "@aggTrade"):
		r.handleTrade(frame.Data)
	case strings.Contains(frame.Stream, "@openInterest"):
		r.handleOpenInterest(frame.Data)
	case strings.Contains(frame.Stream, "@depth"):
		r.handleDepth(frame.Data)
	}
}

func (r *Reader) handleTrade(data json.RawMessage) {
	var payload aggTradePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		r.log.WithComponent("binance_reader").WithError(err).Warn("failed to decode aggTrade payload")
		return
	}

	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		r.log.WithComponent("binance_reader").WithError(err).WithFields(logger.Fields{
			"symbol": payload.Symbol,
		}).Warn("unparsable trade price, message dropped")
		return
	}
	qty, err := strconv.ParseFloat(payload.Quantity, 64)
	if err != nil {
		r.log.WithComponent("binance_reader").WithError(err).WithFields(logger.Fields{
			"symbol": payload.Symbol,
		}).Warn("unparsable trade quantity, message dropped")
		return
	}

	// Buyer-is-maker means the aggressor sold.
	side := models.SideBuy
	if payload.BuyerIsMaker {
		side = models.SideSell
	}

	ts := payload.TradeTime
	if ts == 0 {
		ts = payload.EventTime
	}

	ev := models.TradeEvent{
		Meta: models.Meta{
			Exchange:  exchangeName,
			Symbol:    strings.ToUpper(payload.Symbol),
			Timestamp: ts,
		},
		Price:    price,
		Quantity: qty,
		Side:     side,
	}

	if !r.channels.SendTrade(r.ctx, ev) && r.ctx.Err() == nil {
		r.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"symbol": ev.Symbol,
		}).Warn("dropping binance trade due to backpressure")
	}
}

func (r *Reader) handleOpenInterest(data json.RawMessage) {
	var payload openInterestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		r.log.WithComponent("binance_reader").WithError(err).Warn("failed to decode openInterest payload")
		return
	}

	value, err := strconv.ParseFloat(payload.OpenInterest, 64)
	if err != nil {
		r.log.WithComponent("binance_reader").WithError(err).WithFields(logger.Fields{
			"symbol": payload.Symbol,
		}).Warn("unparsable open-interest value, message dropped")
		return
	}

	ev := models.OpenInterestEvent{
		Meta: models.Meta{
			Exchange:  exchangeName,
			Symbol:    strings.ToUpper(payload.Symbol),
			Timestamp: payload.EventTime,
		},
		Value: value,
	}

	if !r.channels.SendOI(r.ctx, ev) && r.ctx.Err() == nil {
		r.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"symbol": ev.Symbol,
		}).Warn("dropping binance open-interest update due to backpressure")
	}
}

func (r *Reader) handleDepth(data json.RawMessage) {
	var payload depthPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		r.log.WithComponent("binance_reader").WithError(err).Warn("failed to decode depth payload")
		return
	}

	bids, ok := parseLevels(payload.Bids)
	if !ok {
		r.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"symbol": payload.Symbol,
		}).Warn("unparsable bid levels, message dropped")
		return
	}
	asks, ok := parseLevels(payload.Asks)
	if !ok {
		r.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"symbol": payload.Symbol,
		}).Warn("unparsable ask levels, message dropped")
		return
	}
	if len(bids) == 0 && len(asks) == 0 {
		return
	}

	ev := models.BookEvent{
		Meta: models.Meta{
			Exchange:  exchangeName,
			Symbol:    strings.ToUpper(payload.Symbol),
			Timestamp: payload.EventTime,
		},
		Bids: bids,
		Asks: asks,
	}

	if !r.channels.SendBook(r.ctx, ev) && r.ctx.Err() == nil {
		r.log.WithComponent("binance_reader").WithFields(logger.Fields{
			"symbol": ev.Symbol,
		}).Warn("dropping binance book update due to backpressure")
	}
}

func parseLevels(raw [][2]string) ([]models.Level, bool) {
	levels := make([]models.Level, 0, len(raw))
	for _, pair := range raw {
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, false
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, false
		}
		if qty <= 0 {
			continue
		}
		levels = append(levels, models.Level{Price: price, Quantity: qty})
	}
	return levels, true
}
