package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamKey(t *testing.T) {
	key := BucketKey{Exchange: "Binance", Symbol: "btcusdt", Kind: KindBook, BucketStart: 42}
	assert.Equal(t, "orderflow:book:binance:BTCUSDT", key.StreamKey())
}

func TestWindowStart(t *testing.T) {
	meta := Meta{Timestamp: 12_345}
	assert.Equal(t, int64(12), meta.WindowStart(1))
	assert.Equal(t, int64(10), meta.WindowStart(5))
	// A non-positive width falls back to one second.
	assert.Equal(t, int64(12), meta.WindowStart(0))
}

func TestRecordJSONOmitsUnsetBuckets(t *testing.T) {
	rec := Record{
		Key: BucketKey{Exchange: "binance", Symbol: "BTCUSDT", Kind: KindOpenInterest, BucketStart: 10},
		OI:  &OIBucket{Value: 5200},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"trade"`)
	assert.NotContains(t, string(data), `"book"`)

	var back Record
	require.NoError(t, json.Unmarshal(data, &back))
	require.NotNil(t, back.OI)
	assert.Equal(t, 5200.0, back.OI.Value)
	assert.Equal(t, rec.Key, back.Key)
}
