package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"orderflow/config"
	"orderflow/internal/aggregate"
	"orderflow/internal/buffer"
	"orderflow/internal/channel"
	"orderflow/internal/reader/binance"
	"orderflow/internal/reader/bybit"
	"orderflow/internal/reader/poller"
	"orderflow/internal/store"
	"orderflow/internal/writer"
	"orderflow/logger"
)

const superviseRetryDelay = 5 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Orderflow.Name,
		"version": cfg.Orderflow.Version,
	}).Info("starting orderflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.TradeBuffer,
		cfg.Channels.OIBuffer,
		cfg.Channels.BookBuffer,
	)

	var buf buffer.Buffer
	switch cfg.Buffer.Backend {
	case "memory":
		buf = buffer.NewMemoryBuffer(int(cfg.Buffer.Retention))
	default:
		redisBuf, err := buffer.NewRedisBuffer(ctx, cfg)
		if err != nil {
			log.WithError(err).Error("failed to connect to redis buffer")
			os.Exit(1)
		}
		buf = redisBuf
	}

	pg, err := store.NewPostgres(ctx, cfg.Storage.Postgres.DSN)
	if err != nil {
		log.WithError(err).Error("failed to connect to postgres")
		os.Exit(1)
	}

	var archive *writer.ArchiveWriter
	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewArchiveWriter(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archive disabled")
	}

	manager := aggregate.NewManager(cfg, channels, buf)
	dbWriter := writer.NewDBWriter(cfg, buf, pg, archive)

	binanceSymbols := cfg.Symbols("binance")
	bybitSymbols := cfg.Symbols("bybit")

	var binanceReader *binance.Reader
	if cfg.Source.Binance.Enabled && len(binanceSymbols) > 0 {
		binanceReader = binance.NewReader(cfg, channels, binanceSymbols)
	}
	var bybitReader *bybit.Reader
	if cfg.Source.Bybit.Enabled && len(bybitSymbols) > 0 {
		bybitReader = bybit.NewReader(cfg, channels, bybitSymbols)
	}
	var oiPoller *poller.Poller
	if cfg.Poller.Enabled {
		oiPoller = poller.NewPoller(cfg, channels)
	}

	var wg sync.WaitGroup

	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start aggregation manager")
		os.Exit(1)
	}

	if archive != nil {
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	if err := dbWriter.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start db writer")
		os.Exit(1)
	}

	if binanceReader != nil {
		supervise(ctx, &wg, log, "binance_reader", binanceReader.Start)
	}
	if bybitReader != nil {
		supervise(ctx, &wg, log, "bybit_reader", bybitReader.Start)
	}
	if oiPoller != nil {
		supervise(ctx, &wg, log, "oi_poller", oiPoller.Start)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	if binanceReader != nil {
		log.Info("stopping binance reader")
		binanceReader.Stop()
	}
	if bybitReader != nil {
		log.Info("stopping bybit reader")
		bybitReader.Stop()
	}
	if oiPoller != nil {
		log.Info("stopping open-interest poller")
		oiPoller.Stop()
	}

	log.Info("stopping aggregation manager")
	manager.Stop()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	manager.FlushOpen(flushCtx)
	flushCancel()

	log.Info("stopping db writer")
	dbWriter.Stop()

	if archive != nil {
		log.Info("stopping archive writer")
		archive.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	if err := buf.Close(); err != nil {
		log.WithError(err).Warn("buffer close failed")
	}
	pg.Close()
	channels.Close()

	log.Info("orderflow stopped")
}

// supervise starts a component and restarts it on failure until the context
// is cancelled. Components that start successfully own their own reconnect
// handling; the supervisor only covers startup failures.
func supervise(ctx context.Context, wg *sync.WaitGroup, log *logger.Log, name string, start func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			err := start(ctx)
			if err == nil {
				return
			}
			log.WithError(err).WithFields(logger.Fields{
				"component": name,
			}).Warn("component failed to start, retrying")
			select {
			case <-time.After(superviseRetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}()
}
