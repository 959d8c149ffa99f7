package models

// Kind identifies the signal a canonical event or bucket belongs to.
type Kind string

const (
	KindTrade        Kind = "trade"
	KindOpenInterest Kind = "oi"
	KindBook         Kind = "book"
)

// Side is the normalized taker side of a trade. Exchange specific
// conventions (maker flags, side strings) are resolved by the readers
// before an event enters the pipeline.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Meta carries the fields shared by every canonical event. Timestamp is
// milliseconds since epoch, as delivered by both exchange families.
type Meta struct {
	Exchange  string
	Symbol    string
	Timestamp int64
}

// WindowStart returns the start of the aggregation window the event falls
// into, in unix seconds.
func (m Meta) WindowStart(widthSec int64) int64 {
	if widthSec <= 0 {
		widthSec = 1
	}
	return (m.Timestamp / 1000 / widthSec) * widthSec
}

// TradeEvent is a single executed trade in canonical form.
type TradeEvent struct {
	Meta
	Price    float64
	Quantity float64
	Side     Side
}

// OpenInterestEvent is one open-interest observation, either streamed or
// sampled by a REST poller.
type OpenInterestEvent struct {
	Meta
	Value float64
}

// Level is one price level of an order book side.
type Level struct {
	Price    float64
	Quantity float64
}

// BookEvent is an order book sample in canonical form, best levels first.
type BookEvent struct {
	Meta
	Bids []Level
	Asks []Level
}
