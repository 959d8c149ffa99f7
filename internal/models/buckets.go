package models

import (
	"fmt"
	"strings"
)

// BucketKey uniquely identifies one finalized aggregation window.
// BucketStart is unix seconds, aligned to the window width.
type BucketKey struct {
	Exchange    string `json:"exchange"`
	Symbol      string `json:"symbol"`
	Kind        Kind   `json:"kind"`
	BucketStart int64  `json:"bucket_start"`
}

// StreamKey returns the buffer stream the key's records are appended to.
// One stream exists per (kind, exchange, symbol) so retention and
// consumption are isolated per key prefix.
func (k BucketKey) StreamKey() string {
	return fmt.Sprintf("orderflow:%s:%s:%s", k.Kind, strings.ToLower(k.Exchange), strings.ToUpper(k.Symbol))
}

// TradeBucket aggregates all trades of one key within one window.
// Invariant: BuyQty + SellQty == TotalQty.
type TradeBucket struct {
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	TotalQty   float64 `json:"total_qty"`
	BuyQty     float64 `json:"buy_qty"`
	SellQty    float64 `json:"sell_qty"`
	TradeCount int64   `json:"trade_count"`
}

// OIBucket holds the last open-interest value observed within the window.
type OIBucket struct {
	Value float64 `json:"value"`
}

// BookBucket is one bucketized order book snapshot. BidBuckets and
// AskBuckets map a price grid cell (formatted as a decimal string) to the
// summed quantity of all levels that round into it.
type BookBucket struct {
	MidPrice   float64            `json:"mid_price"`
	BidBuckets map[string]float64 `json:"bid_buckets"`
	AskBuckets map[string]float64 `json:"ask_buckets"`
}

// Record is a finalized bucket pending durable persistence. Exactly one of
// Trade, OI and Book is set, matching Key.Kind.
type Record struct {
	Key   BucketKey    `json:"key"`
	Trade *TradeBucket `json:"trade,omitempty"`
	OI    *OIBucket    `json:"oi,omitempty"`
	Book  *BookBucket  `json:"book,omitempty"`
}
