package aggregate

import "orderflow/internal/models"

// oiAccumulator keeps the last open-interest value seen within the window
// (last write wins, not an average). A value that never changes within the
// window is still captured once at window close.
type oiAccumulator struct {
	key         models.BucketKey
	windowStart int64
	value       float64
}

func (a *oiAccumulator) reset() {
	a.windowStart = -1
	a.value = 0
}

func (a *oiAccumulator) add(ev models.OpenInterestEvent, windowSec int64, key models.BucketKey) *models.Record {
	ws := ev.WindowStart(windowSec)

	var closed *models.Record
	if a.windowStart >= 0 && ws != a.windowStart {
		closed = a.finalize()
	}
	a.key = key
	a.windowStart = ws
	a.value = ev.Value
	return closed
}

func (a *oiAccumulator) finalize() *models.Record {
	if a.windowStart < 0 {
		return nil
	}
	key := a.key
	key.BucketStart = a.windowStart
	value := a.value
	a.reset()
	return &models.Record{Key: key, OI: &models.OIBucket{Value: value}}
}
