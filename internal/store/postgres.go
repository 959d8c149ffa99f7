// Package store persists finalized buckets into PostgreSQL. All writes are
// idempotent per bucket key: a repeated upsert for an already present key
// is a no-op, so at-least-once redelivery from the buffer is absorbed here.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/internal/models"
	"orderflow/logger"
)

const (
	createTradeAggTable = `CREATE TABLE IF NOT EXISTS trade_agg (
		bucket_start BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		total_qty DOUBLE PRECISION NOT NULL,
		buy_qty DOUBLE PRECISION NOT NULL,
		sell_qty DOUBLE PRECISION NOT NULL,
		trade_count BIGINT NOT NULL,
		PRIMARY KEY (bucket_start, exchange, symbol))`

	createOpenInterestTable = `CREATE TABLE IF NOT EXISTS open_interest (
		bucket_start BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (bucket_start, exchange, symbol))`

	createBookSnapshotTable = `CREATE TABLE IF NOT EXISTS book_snapshot (
		bucket_start BIGINT NOT NULL,
		exchange TEXT NOT NULL,
		symbol TEXT NOT NULL,
		mid_price DOUBLE PRECISION NOT NULL,
		bid_buckets JSONB NOT NULL,
		ask_buckets JSONB NOT NULL,
		PRIMARY KEY (bucket_start, exchange, symbol))`

	insertTradeAgg = `INSERT INTO trade_agg
		(bucket_start, exchange, symbol, open, high, low, close, total_qty, buy_qty, sell_qty, trade_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (bucket_start, exchange, symbol) DO NOTHING`

	insertOpenInterest = `INSERT INTO open_interest
		(bucket_start, exchange, symbol, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket_start, exchange, symbol) DO NOTHING`

	insertBookSnapshot = `INSERT INTO book_snapshot
		(bucket_start, exchange, symbol, mid_price, bid_buckets, ask_buckets)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bucket_start, exchange, symbol) DO NOTHING`
)

// Postgres wraps a pgx connection pool over the three bucket tables.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

// NewPostgres connects to the database and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool, log: logger.GetLogger()}
	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) initSchema(ctx context.Context) error {
	for _, stmt := range []string{createTradeAggTable, createOpenInterestTable, createBookSnapshotTable} {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// UpsertBatch writes all records in one transaction. Either every record
// commits or none does, so the caller can acknowledge the whole batch after
// a successful return.
func (p *Postgres) UpsertBatch(ctx context.Context, recs []models.Record) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		query, args, err := upsertArgs(rec)
		if err != nil {
			// A record that cannot be mapped to a row is dropped rather
			// than failing the batch; the buffer has already bounded its
			// lifetime anyway.
			p.log.WithComponent("store").WithError(err).WithFields(logger.Fields{
				"kind":   rec.Key.Kind,
				"symbol": rec.Key.Symbol,
			}).Warn("skipping unmappable record")
			continue
		}
		batch.Queue(query, args...)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert record %d of %d: %w", i+1, batch.Len(), err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close upsert batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert tx: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func upsertArgs(rec models.Record) (string, []any, error) {
	key := rec.Key
	switch key.Kind {
	case models.KindTrade:
		if rec.Trade == nil {
			return "", nil, fmt.Errorf("trade record without trade bucket")
		}
		b := rec.Trade
		return insertTradeAgg, []any{
			key.BucketStart, key.Exchange, key.Symbol,
			b.Open, b.High, b.Low, b.Close,
			b.TotalQty, b.BuyQty, b.SellQty, b.TradeCount,
		}, nil
	case models.KindOpenInterest:
		if rec.OI == nil {
			return "", nil, fmt.Errorf("open-interest record without bucket")
		}
		return insertOpenInterest, []any{
			key.BucketStart, key.Exchange, key.Symbol, rec.OI.Value,
		}, nil
	case models.KindBook:
		if rec.Book == nil {
			return "", nil, fmt.Errorf("book record without bucket")
		}
		bids, err := json.Marshal(rec.Book.BidBuckets)
		if err != nil {
			return "", nil, fmt.Errorf("encode bid buckets: %w", err)
		}
		asks, err := json.Marshal(rec.Book.AskBuckets)
		if err != nil {
			return "", nil, fmt.Errorf("encode ask buckets: %w", err)
		}
		return insertBookSnapshot, []any{
			key.BucketStart, key.Exchange, key.Symbol,
			rec.Book.MidPrice, bids, asks,
		}, nil
	default:
		return "", nil, fmt.Errorf("unknown record kind '%s'", key.Kind)
	}
}
