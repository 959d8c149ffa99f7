package aggregate

import "orderflow/internal/models"

// tradeAccumulator is the per-target trade state machine. windowStart < 0
// means no window is open.
type tradeAccumulator struct {
	key         models.BucketKey
	windowStart int64
	bucket      models.TradeBucket
}

func (a *tradeAccumulator) reset() {
	a.windowStart = -1
	a.bucket = models.TradeBucket{}
}

// add accumulates one trade. When the event falls outside the open window
// the finalized bucket for that window is returned and a new window is
// opened with the event as its first entry.
func (a *tradeAccumulator) add(ev models.TradeEvent, windowSec int64, key models.BucketKey) *models.Record {
	ws := ev.WindowStart(windowSec)

	var closed *models.Record
	if a.windowStart >= 0 && ws != a.windowStart {
		closed = a.finalize()
	}
	if a.windowStart < 0 {
		a.key = key
		a.windowStart = ws
		a.bucket = models.TradeBucket{
			Open: ev.Price,
			High: ev.Price,
			Low:  ev.Price,
		}
	}

	b := &a.bucket
	if ev.Price > b.High {
		b.High = ev.Price
	}
	if ev.Price < b.Low {
		b.Low = ev.Price
	}
	b.Close = ev.Price
	b.TotalQty += ev.Quantity
	if ev.Side == models.SideBuy {
		b.BuyQty += ev.Quantity
	} else {
		b.SellQty += ev.Quantity
	}
	b.TradeCount++

	return closed
}

// finalize closes the open window, if any, and resets the accumulator.
func (a *tradeAccumulator) finalize() *models.Record {
	if a.windowStart < 0 {
		return nil
	}
	key := a.key
	key.BucketStart = a.windowStart
	bucket := a.bucket
	a.reset()
	return &models.Record{Key: key, Trade: &bucket}
}
