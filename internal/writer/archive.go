package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "orderflow/config"
	"orderflow/internal/models"
	"orderflow/logger"
)

type bucketParquetRecord struct {
	Kind        string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange    string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	BucketStart int64   `parquet:"name=bucket_start, type=INT64"`
	Open        float64 `parquet:"name=open, type=DOUBLE"`
	High        float64 `parquet:"name=high, type=DOUBLE"`
	Low         float64 `parquet:"name=low, type=DOUBLE"`
	Close       float64 `parquet:"name=close, type=DOUBLE"`
	TotalQty    float64 `parquet:"name=total_qty, type=DOUBLE"`
	BuyQty      float64 `parquet:"name=buy_qty, type=DOUBLE"`
	SellQty     float64 `parquet:"name=sell_qty, type=DOUBLE"`
	TradeCount  int64   `parquet:"name=trade_count, type=INT64"`
	OIValue     float64 `parquet:"name=oi_value, type=DOUBLE"`
	MidPrice    float64 `parquet:"name=mid_price, type=DOUBLE"`
	BidBuckets  string  `parquet:"name=bid_buckets, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskBuckets  string  `parquet:"name=ask_buckets, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type archiveBatch struct {
	Exchange string
	Kind     models.Kind
	Symbol   string
	Records  []models.Record
}

type archiveMemFile struct {
	buffer *bytes.Buffer
}

func newArchiveMemFile() *archiveMemFile {
	return &archiveMemFile{buffer: &bytes.Buffer{}}
}

func (m *archiveMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *archiveMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *archiveMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *archiveMemFile) Read([]byte) (int, error)                  { return 0, fmt.Errorf("read not supported") }
func (m *archiveMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *archiveMemFile) Close() error                              { return nil }
func (m *archiveMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// ArchiveWriter uploads store-committed buckets to S3 as partitioned
// Parquet files. It never gates the flush path: enqueueing is non-blocking
// and failures are logged, not propagated.
type ArchiveWriter struct {
	cfg      *appconfig.Config
	s3Client *s3.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	mu          sync.Mutex
	buffer      map[string][]models.Record
	flushTicker *time.Ticker

	jobCh   chan archiveBatch
	running bool
	log     *logger.Log
}

// NewArchiveWriter configures an ArchiveWriter backed by the provided
// configuration.
func NewArchiveWriter(cfg *appconfig.Config) (*ArchiveWriter, error) {
	if !cfg.Storage.S3.Enabled {
		return nil, fmt.Errorf("s3 storage disabled")
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	return &ArchiveWriter{
		cfg:      cfg,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		buffer:   make(map[string][]models.Record),
		jobCh:    make(chan archiveBatch, 128),
		log:      logger.GetLogger(),
	}, nil
}

// Start launches the flush and upload workers.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.buffer = make(map[string][]models.Record)
	interval := w.cfg.Storage.S3.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	w.flushTicker = time.NewTicker(interval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.flushLoop()
	w.wg.Add(1)
	go w.uploadWorker()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":         w.cfg.Storage.S3.Bucket,
		"flush_interval": interval,
	}).Info("archive writer started")
	return nil
}

// Stop flushes pending batches and waits for uploads to finish.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	ticker := w.flushTicker
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	w.flushBuffers()
	close(w.jobCh)
	w.wg.Wait()
	if cancel != nil {
		cancel()
	}
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

// Enqueue buffers store-committed records for the next archive flush.
func (w *ArchiveWriter) Enqueue(recs []models.Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	for _, rec := range recs {
		key := archiveKey(rec.Key)
		w.buffer[key] = append(w.buffer[key], rec)
	}
}

func archiveKey(key models.BucketKey) string {
	return strings.Join([]string{key.Exchange, string(key.Kind), key.Symbol}, "|")
}

func (w *ArchiveWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *ArchiveWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.Record)
	w.mu.Unlock()

	for key, recs := range buffers {
		if len(recs) == 0 {
			continue
		}
		parts := strings.SplitN(key, "|", 3)
		batch := archiveBatch{
			Exchange: parts[0],
			Kind:     models.Kind(parts[1]),
			Symbol:   parts[2],
			Records:  recs,
		}
		select {
		case w.jobCh <- batch:
		default:
			w.log.WithComponent("archive_writer").WithFields(logger.Fields{
				"key":     key,
				"records": len(recs),
			}).Warn("archive queue full, dropping batch")
		}
	}
}

func (w *ArchiveWriter) uploadWorker() {
	defer w.wg.Done()
	for batch := range w.jobCh {
		w.processBatch(batch)
	}
}

func (w *ArchiveWriter) processBatch(batch archiveBatch) {
	entryLog := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"exchange": batch.Exchange,
		"kind":     batch.Kind,
		"symbol":   batch.Symbol,
		"records":  len(batch.Records),
	})

	data, err := w.createParquet(batch)
	if err != nil {
		entryLog.WithError(err).Error("failed to create archive parquet")
		return
	}

	key := w.generateS3Key(batch)
	if err := w.uploadToS3(key, data); err != nil {
		entryLog.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload archive parquet")
		return
	}

	entryLog.WithFields(logger.Fields{
		"s3_key":    key,
		"file_size": len(data),
	}).Info("archive batch uploaded")
}

func (w *ArchiveWriter) createParquet(batch archiveBatch) ([]byte, error) {
	mem := newArchiveMemFile()
	pw, err := parquetwriter.NewParquetWriter(mem, new(bucketParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}

	switch strings.ToLower(w.cfg.Storage.S3.Compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range batch.Records {
		if err := pw.Write(toParquetRecord(rec)); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func toParquetRecord(rec models.Record) bucketParquetRecord {
	out := bucketParquetRecord{
		Kind:        string(rec.Key.Kind),
		Exchange:    rec.Key.Exchange,
		Symbol:      rec.Key.Symbol,
		BucketStart: rec.Key.BucketStart,
	}
	switch {
	case rec.Trade != nil:
		out.Open = rec.Trade.Open
		out.High = rec.Trade.High
		out.Low = rec.Trade.Low
		out.Close = rec.Trade.Close
		out.TotalQty = rec.Trade.TotalQty
		out.BuyQty = rec.Trade.BuyQty
		out.SellQty = rec.Trade.SellQty
		out.TradeCount = rec.Trade.TradeCount
	case rec.OI != nil:
		out.OIValue = rec.OI.Value
	case rec.Book != nil:
		out.MidPrice = rec.Book.MidPrice
		if bids, err := json.Marshal(rec.Book.BidBuckets); err == nil {
			out.BidBuckets = string(bids)
		}
		if asks, err := json.Marshal(rec.Book.AskBuckets); err == nil {
			out.AskBuckets = string(asks)
		}
	}
	return out
}

func (w *ArchiveWriter) generateS3Key(batch archiveBatch) string {
	first := batch.Records[0].Key.BucketStart
	datePart := time.Unix(first, 0).UTC().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		batch.Exchange,
		batch.Symbol,
		string(batch.Kind),
		time.Now().UTC().Format("20060102150405")+uuid.NewString(),
	)
	key := filepath.Join(
		fmt.Sprintf("exchange=%s", batch.Exchange),
		fmt.Sprintf("kind=%s", batch.Kind),
		fmt.Sprintf("symbol=%s", batch.Symbol),
		fmt.Sprintf("date=%s", datePart),
		filename,
	)
	return filepath.ToSlash(key)
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"orderflow-version": w.cfg.Orderflow.Version,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload archive parquet: %w", err)
	}
	return nil
}
