package aggregate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/models"
	"orderflow/logger"
)

// Sink receives finalized buckets. The durable buffer implements it.
type Sink interface {
	Append(ctx context.Context, rec models.Record) error
	SetLatestBook(ctx context.Context, rec models.Record) error
}

// Manager owns one accumulator per (exchange, symbol, kind). Watch-listed
// targets are assigned small integer ids at startup; all per-key state is
// indexed by that id and guarded by a per-target mutex, so keys fail and
// progress independently of each other.
type Manager struct {
	channels *channel.Channels
	sink     Sink

	windowSec int64
	binSize   float64

	ids   map[string]int
	locks []sync.Mutex
	trade []tradeAccumulator
	oi    []oiAccumulator
	book  []bookAccumulator

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewManager allocates aggregation state for every watch-listed target.
func NewManager(cfg *appconfig.Config, ch *channel.Channels, sink Sink) *Manager {
	n := len(cfg.Watchlist)
	m := &Manager{
		channels:  ch,
		sink:      sink,
		windowSec: int64(cfg.Aggregation.Window.Seconds()),
		binSize:   cfg.Aggregation.BookBinSize,
		ids:       make(map[string]int, n),
		locks:     make([]sync.Mutex, n),
		trade:     make([]tradeAccumulator, n),
		oi:        make([]oiAccumulator, n),
		book:      make([]bookAccumulator, n),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
	for i, target := range cfg.Watchlist {
		m.ids[targetKey(target.Exchange, target.Symbol)] = i
		m.trade[i].reset()
		m.oi[i].reset()
		m.book[i].reset()
	}
	return m
}

func targetKey(exchange, symbol string) string {
	return strings.ToLower(exchange) + "|" + strings.ToUpper(symbol)
}

// Start launches one consumer per signal kind.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("aggregation manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(3)
	go m.consumeTrades()
	go m.consumeOI()
	go m.consumeBooks()

	m.log.WithComponent("aggregate").WithFields(logger.Fields{
		"targets":    len(m.ids),
		"window_sec": m.windowSec,
		"bin_size":   m.binSize,
	}).Info("aggregation manager started")
	return nil
}

// Stop cancels the consumers and waits for them to exit. Open accumulators
// are kept; call FlushOpen afterwards to push them into the buffer.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.log.WithComponent("aggregate").Info("aggregation manager stopped")
}

func (m *Manager) consumeTrades() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.channels.Trades:
			if !ok {
				return
			}
			m.AddTrade(m.ctx, ev)
		}
	}
}

func (m *Manager) consumeOI() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.channels.OI:
			if !ok {
				return
			}
			m.AddOpenInterest(m.ctx, ev)
		}
	}
}

func (m *Manager) consumeBooks() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-m.channels.Books:
			if !ok {
				return
			}
			m.AddBook(m.ctx, ev)
		}
	}
}

// AddTrade accumulates one trade into the target's open window, finalizing
// the previous window when the event falls outside of it.
func (m *Manager) AddTrade(ctx context.Context, ev models.TradeEvent) {
	id, ok := m.lookup(ev.Meta)
	if !ok {
		return
	}
	if !validPriceQty(ev.Price, ev.Quantity) {
		m.log.WithComponent("aggregate").WithFields(logger.Fields{
			"exchange": ev.Exchange,
			"symbol":   ev.Symbol,
			"price":    ev.Price,
			"qty":      ev.Quantity,
		}).Warn("discarding trade with malformed numeric fields")
		return
	}

	m.locks[id].Lock()
	closed := m.trade[id].add(ev, m.windowSec, keyFor(ev.Meta, models.KindTrade))
	m.locks[id].Unlock()

	if closed != nil {
		m.emit(ctx, *closed)
	}
}

// AddOpenInterest retains the most recent value within the window; the
// previous window's last-seen value is emitted on the first event of a new
// window.
func (m *Manager) AddOpenInterest(ctx context.Context, ev models.OpenInterestEvent) {
	id, ok := m.lookup(ev.Meta)
	if !ok {
		return
	}
	if math.IsNaN(ev.Value) || math.IsInf(ev.Value, 0) || ev.Value < 0 {
		m.log.WithComponent("aggregate").WithFields(logger.Fields{
			"exchange": ev.Exchange,
			"symbol":   ev.Symbol,
			"value":    ev.Value,
		}).Warn("discarding malformed open-interest value")
		return
	}

	m.locks[id].Lock()
	closed := m.oi[id].add(ev, m.windowSec, keyFor(ev.Meta, models.KindOpenInterest))
	m.locks[id].Unlock()

	if closed != nil {
		m.emit(ctx, *closed)
	}
}

// AddBook accepts at most one snapshot per window. The accepted snapshot is
// bucketized and emitted immediately; later samples in the same window are
// ignored.
func (m *Manager) AddBook(ctx context.Context, ev models.BookEvent) {
	id, ok := m.lookup(ev.Meta)
	if !ok {
		return
	}
	if len(ev.Bids) == 0 || len(ev.Asks) == 0 {
		return
	}

	m.locks[id].Lock()
	rec := m.book[id].add(ev, m.windowSec, m.binSize, keyFor(ev.Meta, models.KindBook))
	m.locks[id].Unlock()

	if rec != nil {
		m.emit(ctx, *rec)
		if err := m.sink.SetLatestBook(ctx, *rec); err != nil {
			m.log.WithComponent("aggregate").WithError(err).WithFields(logger.Fields{
				"exchange": ev.Exchange,
				"symbol":   ev.Symbol,
			}).Warn("failed to publish latest book snapshot")
		}
	}
}

// FlushOpen finalizes every currently open accumulator and pushes the
// resulting buckets into the buffer. Used on graceful shutdown so
// in-progress windows are not silently discarded.
func (m *Manager) FlushOpen(ctx context.Context) {
	flushed := 0
	for _, id := range m.ids {
		m.locks[id].Lock()
		tradeRec := m.trade[id].finalize()
		oiRec := m.oi[id].finalize()
		m.locks[id].Unlock()

		if tradeRec != nil {
			m.emit(ctx, *tradeRec)
			flushed++
		}
		if oiRec != nil {
			m.emit(ctx, *oiRec)
			flushed++
		}
	}
	m.log.WithComponent("aggregate").WithFields(logger.Fields{
		"buckets": flushed,
	}).Info("flushed open accumulators")
}

func (m *Manager) lookup(meta models.Meta) (int, bool) {
	id, ok := m.ids[targetKey(meta.Exchange, meta.Symbol)]
	if !ok {
		m.log.WithComponent("aggregate").WithFields(logger.Fields{
			"exchange": meta.Exchange,
			"symbol":   meta.Symbol,
		}).Debug("event for unwatched target dropped")
	}
	return id, ok
}

func (m *Manager) emit(ctx context.Context, rec models.Record) {
	if err := m.sink.Append(ctx, rec); err != nil {
		m.log.WithComponent("aggregate").WithError(err).WithFields(logger.Fields{
			"exchange":     rec.Key.Exchange,
			"symbol":       rec.Key.Symbol,
			"kind":         rec.Key.Kind,
			"bucket_start": rec.Key.BucketStart,
		}).Error("failed to buffer finalized bucket")
	}
}

func keyFor(meta models.Meta, kind models.Kind) models.BucketKey {
	return models.BucketKey{
		Exchange: strings.ToLower(meta.Exchange),
		Symbol:   strings.ToUpper(meta.Symbol),
		Kind:     kind,
	}
}

func validPriceQty(price, qty float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return false
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		return false
	}
	return true
}
