package buffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/models"
)

func tradeRecord(bucketStart int64) models.Record {
	return models.Record{
		Key: models.BucketKey{
			Exchange:    "binance",
			Symbol:      "BTCUSDT",
			Kind:        models.KindTrade,
			BucketStart: bucketStart,
		},
		Trade: &models.TradeBucket{Open: 100, High: 101, Low: 99, Close: 100, TotalQty: 1, BuyQty: 1, TradeCount: 1},
	}
}

func TestMemoryBufferAppendAndDrain(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(100)

	require.NoError(t, buf.Append(ctx, tradeRecord(10)))
	require.NoError(t, buf.Append(ctx, tradeRecord(11)))

	entries, err := buf.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "orderflow:trade:binance:BTCUSDT", entries[0].Stream)

	// Drain removes what it returns.
	entries, err = buf.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryBufferRetentionEvictsOldest(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(2)

	require.NoError(t, buf.Append(ctx, tradeRecord(10)))
	require.NoError(t, buf.Append(ctx, tradeRecord(11)))
	require.NoError(t, buf.Append(ctx, tradeRecord(12)))

	stream := tradeRecord(10).Key.StreamKey()
	assert.Equal(t, 2, buf.Len(stream))

	entries, err := buf.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(11), entries[0].Record.Key.BucketStart)
	assert.Equal(t, int64(12), entries[1].Record.Key.BucketStart)
}

func TestMemoryBufferRetentionEvictsUnacked(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(1)

	require.NoError(t, buf.Append(ctx, tradeRecord(10)))
	delivered, err := buf.ReadPending(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	// Appending past retention drops the delivered-but-unacked record too.
	require.NoError(t, buf.Append(ctx, tradeRecord(11)))
	backlog, err := buf.ReadBacklog(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, backlog)
}

func TestMemoryBufferPendingAck(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(100)

	require.NoError(t, buf.Append(ctx, tradeRecord(10)))
	require.NoError(t, buf.Append(ctx, tradeRecord(11)))

	first, err := buf.ReadPending(ctx, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := buf.ReadPending(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, second, 1, "delivered records are not re-read")

	// Both are in the backlog until acknowledged.
	backlog, err := buf.ReadBacklog(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, backlog, 2)

	require.NoError(t, buf.Ack(ctx, first...))
	backlog, err = buf.ReadBacklog(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, second[0].ID, backlog[0].ID)

	require.NoError(t, buf.Ack(ctx, second...))
	stream := tradeRecord(10).Key.StreamKey()
	assert.Equal(t, 0, buf.Len(stream))
}

func TestMemoryBufferBacklogIsPerConsumer(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(100)

	require.NoError(t, buf.Append(ctx, tradeRecord(10)))

	delivered, err := buf.ReadPending(ctx, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	// A second consumer sees neither new deliveries nor w1's pending entry.
	pending, err := buf.ReadPending(ctx, "w2", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
	backlog, err := buf.ReadBacklog(ctx, "w2")
	require.NoError(t, err)
	assert.Empty(t, backlog)

	// A restart under the same consumer name recovers it.
	backlog, err = buf.ReadBacklog(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	assert.Equal(t, delivered[0].ID, backlog[0].ID)
}

func TestMemoryBufferLatestBook(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(100)

	key := models.BucketKey{Exchange: "bybit", Symbol: "BTCUSDT", Kind: models.KindBook, BucketStart: 10}
	rec := models.Record{Key: key, Book: &models.BookBucket{MidPrice: 105.5}}
	require.NoError(t, buf.SetLatestBook(ctx, rec))

	got, ok := buf.LatestBook(key)
	require.True(t, ok)
	assert.Equal(t, 105.5, got.Book.MidPrice)

	// Later snapshots replace the previous one.
	rec2 := models.Record{Key: key, Book: &models.BookBucket{MidPrice: 106}}
	require.NoError(t, buf.SetLatestBook(ctx, rec2))
	got, ok = buf.LatestBook(key)
	require.True(t, ok)
	assert.Equal(t, 106.0, got.Book.MidPrice)
}
