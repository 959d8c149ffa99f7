package channel

import (
	"context"
	"sync"

	"orderflow/internal/models"
	"orderflow/logger"
)

// ChannelStats keeps counters for telemetry.
type ChannelStats struct {
	TradesSent    int64
	TradesDropped int64
	OISent        int64
	OIDropped     int64
	BooksSent     int64
	BooksDropped  int64
}

// Channels carries canonical events from the exchange readers to the
// aggregation manager, one bounded stream per signal kind. Sends never
// block: a saturated channel drops the event and counts the drop.
type Channels struct {
	Trades chan models.TradeEvent
	OI     chan models.OpenInterestEvent
	Books  chan models.BookEvent

	stats ChannelStats
	mu    sync.RWMutex
	log   *logger.Log
}

// NewChannels constructs the canonical event channel group.
func NewChannels(tradeBuffer, oiBuffer, bookBuffer int) *Channels {
	log := logger.GetLogger()
	ch := &Channels{
		Trades: make(chan models.TradeEvent, tradeBuffer),
		OI:     make(chan models.OpenInterestEvent, oiBuffer),
		Books:  make(chan models.BookEvent, bookBuffer),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"trade_buffer": tradeBuffer,
		"oi_buffer":    oiBuffer,
		"book_buffer":  bookBuffer,
	}).Info("event channels initialized")

	return ch
}

// Close releases all resources.
func (c *Channels) Close() {
	close(c.Trades)
	close(c.OI)
	close(c.Books)
	c.log.WithComponent("channels").Info("event channels closed")
}

// SendTrade attempts to enqueue a trade event.
func (c *Channels) SendTrade(ctx context.Context, ev models.TradeEvent) bool {
	select {
	case c.Trades <- ev:
		c.count(&c.stats.TradesSent)
		logger.RecordChannelMessage("trades")
		return true
	case <-ctx.Done():
		return false
	default:
		c.count(&c.stats.TradesDropped)
		logger.RecordChannelDrop("trades")
		return false
	}
}

// SendOI attempts to enqueue an open-interest event.
func (c *Channels) SendOI(ctx context.Context, ev models.OpenInterestEvent) bool {
	select {
	case c.OI <- ev:
		c.count(&c.stats.OISent)
		logger.RecordChannelMessage("oi")
		return true
	case <-ctx.Done():
		return false
	default:
		c.count(&c.stats.OIDropped)
		logger.RecordChannelDrop("oi")
		return false
	}
}

// SendBook attempts to enqueue a book event.
func (c *Channels) SendBook(ctx context.Context, ev models.BookEvent) bool {
	select {
	case c.Books <- ev:
		c.count(&c.stats.BooksSent)
		logger.RecordChannelMessage("books")
		return true
	case <-ctx.Done():
		return false
	default:
		c.count(&c.stats.BooksDropped)
		logger.RecordChannelDrop("books")
		return false
	}
}

// GetStats returns a snapshot of the channel counters.
func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Channels) count(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}
