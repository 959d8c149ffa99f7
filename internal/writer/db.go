package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "orderflow/config"
	"orderflow/internal/buffer"
	"orderflow/internal/models"
	"orderflow/logger"
)

// readBlock bounds how long one buffer read may wait for new records
// within a flush cycle.
const readBlock = 500 * time.Millisecond

// Store is the persistence target of the flush loop.
type Store interface {
	UpsertBatch(ctx context.Context, recs []models.Record) error
}

// DBWriter periodically moves finalized buckets from the buffer into the
// store. In group mode records are acknowledged only after the transaction
// that persists them commits, so a failed flush is retried on the next
// cycle; in drain mode the buffer is cleared before the write, trading a
// crash window for simplicity.
type DBWriter struct {
	cfg      *appconfig.Config
	buf      buffer.Buffer
	store    Store
	archive  *ArchiveWriter
	consumer string

	// carry holds entries delivered in a previous cycle whose commit
	// failed; they are retried before new records are read.
	carry []buffer.Entry

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// NewDBWriter configures the flush task. archive may be nil.
func NewDBWriter(cfg *appconfig.Config, buf buffer.Buffer, store Store, archive *ArchiveWriter) *DBWriter {
	// The consumer name is deliberately stable across restarts: pending
	// entries stay attached to the consumer they were delivered to, so a
	// fresh name after a crash would strand the previous run's backlog.
	consumer := cfg.Writer.Consumer
	if consumer == "" {
		consumer = "writer-1"
	}
	return &DBWriter{
		cfg:      cfg,
		buf:      buf,
		store:    store,
		archive:  archive,
		consumer: consumer,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the flush loop.
func (w *DBWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("db writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	if w.cfg.Writer.Mode == "group" {
		backlog, err := w.buf.ReadBacklog(w.ctx, w.consumer)
		if err != nil {
			w.log.WithComponent("db_writer").WithError(err).Warn("failed to read consumer backlog")
		} else if len(backlog) > 0 {
			w.carry = backlog
			w.log.WithComponent("db_writer").WithFields(logger.Fields{
				"records": len(backlog),
			}).Info("recovered unacknowledged records from a previous run")
		}
	}

	w.log.WithComponent("db_writer").WithFields(logger.Fields{
		"mode":           w.cfg.Writer.Mode,
		"flush_interval": w.cfg.Writer.FlushInterval,
		"batch_size":     w.cfg.Writer.BatchSize,
		"consumer":       w.consumer,
	}).Info("starting db writer")

	w.wg.Add(1)
	go w.flushLoop()
	return nil
}

// Stop runs one final flush and waits for the loop to exit.
func (w *DBWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()

	// The shutdown flush uses a fresh context: the loop context is
	// already cancelled and open buckets were just pushed to the buffer.
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	w.FlushOnce(shutdownCtx)
	w.log.WithComponent("db_writer").Info("db writer stopped")
}

func (w *DBWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.Writer.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.FlushOnce(w.ctx)
		}
	}
}

// FlushOnce performs one flush cycle in the configured mode.
func (w *DBWriter) FlushOnce(ctx context.Context) {
	switch w.cfg.Writer.Mode {
	case "drain":
		w.flushDrain(ctx)
	default:
		w.flushGroup(ctx)
	}
}

func (w *DBWriter) flushGroup(ctx context.Context) {
	entries := w.carry
	for {
		batch, err := w.buf.ReadPending(ctx, w.consumer, int64(w.cfg.Writer.BatchSize), readBlock)
		if err != nil {
			w.log.WithComponent("db_writer").WithError(err).Error("failed to read pending records")
			break
		}
		if len(batch) == 0 {
			break
		}
		entries = append(entries, batch...)
		if len(batch) < w.cfg.Writer.BatchSize {
			break
		}
	}
	if len(entries) == 0 {
		return
	}

	recs := make([]models.Record, 0, len(entries))
	for _, entry := range entries {
		recs = append(recs, entry.Record)
	}

	if err := w.store.UpsertBatch(ctx, recs); err != nil {
		// Not acknowledged: the batch stays pending and is retried on
		// the next cycle. Prolonged outages lose data only once buffer
		// retention evicts it.
		w.carry = entries
		w.log.WithComponent("db_writer").WithError(err).WithFields(logger.Fields{
			"records": len(recs),
		}).Error("flush failed, batch kept for retry")
		return
	}

	if err := w.buf.Ack(ctx, entries...); err != nil {
		// Rows are committed; a lost ack means redelivery, which the
		// idempotent upserts absorb.
		w.log.WithComponent("db_writer").WithError(err).Warn("failed to acknowledge flushed records")
	}
	w.carry = nil

	if w.archive != nil {
		w.archive.Enqueue(recs)
	}

	w.log.WithComponent("db_writer").WithFields(logger.Fields{
		"records": len(recs),
	}).Info("flushed records to store")
}

func (w *DBWriter) flushDrain(ctx context.Context) {
	entries, err := w.buf.Drain(ctx)
	if err != nil {
		w.log.WithComponent("db_writer").WithError(err).Error("failed to drain buffer")
	}
	if len(entries) == 0 {
		return
	}

	recs := make([]models.Record, 0, len(entries))
	for _, entry := range entries {
		recs = append(recs, entry.Record)
	}

	if err := w.store.UpsertBatch(ctx, recs); err != nil {
		// The drain already removed the batch from the buffer, so it is
		// lost. Group mode avoids this window.
		w.log.WithComponent("db_writer").WithError(err).WithFields(logger.Fields{
			"records": len(recs),
		}).Error("flush failed, drained batch lost")
		return
	}

	if w.archive != nil {
		w.archive.Enqueue(recs)
	}

	w.log.WithComponent("db_writer").WithFields(logger.Fields{
		"records": len(recs),
	}).Info("flushed records to store")
}
