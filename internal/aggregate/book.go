package aggregate

import (
	"math"
	"strconv"

	"orderflow/internal/models"
)

// bookAccumulator models one book sample per window: the first snapshot of
// a new window is bucketized and emitted, later snapshots in the same
// window are ignored rather than merged.
type bookAccumulator struct {
	lastWindow int64
}

func (a *bookAccumulator) reset() {
	a.lastWindow = -1
}

func (a *bookAccumulator) add(ev models.BookEvent, windowSec int64, binSize float64, key models.BucketKey) *models.Record {
	ws := ev.WindowStart(windowSec)
	if ws == a.lastWindow {
		return nil
	}
	a.lastWindow = ws

	key.BucketStart = ws
	bucket := &models.BookBucket{
		MidPrice:   (ev.Bids[0].Price + ev.Asks[0].Price) / 2,
		BidBuckets: bucketizeSide(ev.Bids, binSize, true),
		AskBuckets: bucketizeSide(ev.Asks, binSize, false),
	}
	return &models.Record{Key: key, Book: bucket}
}

// bucketizeSide maps levels onto the price grid: bids round down to their
// cell, asks round up, and quantities landing in the same cell are summed.
// The grids are computed independently per side, so the same price can map
// to different neighboring cells depending on side.
func bucketizeSide(levels []models.Level, binSize float64, isBid bool) map[string]float64 {
	buckets := make(map[string]float64, len(levels))
	for _, level := range levels {
		var cell float64
		if isBid {
			cell = math.Floor(level.Price/binSize) * binSize
		} else {
			cell = math.Ceil(level.Price/binSize) * binSize
		}
		buckets[formatCell(cell)] += level.Quantity
	}
	return buckets
}

func formatCell(cell float64) string {
	return strconv.FormatFloat(cell, 'f', -1, 64)
}
