package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	appconfig "orderflow/config"
	"orderflow/internal/channel"
	"orderflow/internal/models"
	"orderflow/logger"
)

const (
	defaultBinanceRestURL = "https://fapi.binance.com"
	defaultBybitRestURL   = "https://api.bybit.com"
)

// Poller fetches open interest over REST for every watch-listed pair on a
// fixed interval. Websocket open-interest streams are best effort on some
// venues; the poller guarantees at least one reading per interval.
type Poller struct {
	config   *appconfig.Config
	channels *channel.Channels
	client   *http.Client
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

// NewPoller constructs a poller over the configured watch-list.
func NewPoller(cfg *appconfig.Config, ch *channel.Channels) *Poller {
	timeout := cfg.Poller.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.Poller.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &Poller{
		config:   cfg,
		channels: ch,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	if !p.config.Poller.Enabled {
		return fmt.Errorf("open-interest poller disabled")
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("open-interest poller already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	interval := p.config.Poller.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	p.wg.Add(1)
	go p.pollLoop(interval)

	p.log.WithComponent("oi_poller").WithFields(logger.Fields{
		"interval": interval,
		"targets":  len(p.config.Watchlist),
	}).Info("open-interest poller started")
	return nil
}

// Stop waits for the polling loop to exit. Cancel the context passed to
// Start before calling Stop.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.WithComponent("oi_poller").Info("open-interest poller stopped")
}

func (p *Poller) pollLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pollAll()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll fetches every watch target once. A failed target is skipped until
// the next tick; it never delays the other targets.
func (p *Poller) pollAll() {
	for _, target := range p.config.Watchlist {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}

		value, ts, err := p.fetch(target.Exchange, target.Symbol)
		if err != nil {
			p.log.WithComponent("oi_poller").WithError(err).WithFields(logger.Fields{
				"exchange": target.Exchange,
				"symbol":   target.Symbol,
			}).Warn("open-interest poll failed, skipping until next tick")
			continue
		}

		ev := models.OpenInterestEvent{
			Meta: models.Meta{
				Exchange:  target.Exchange,
				Symbol:    target.Symbol,
				Timestamp: ts,
			},
			Value: value,
		}
		if !p.channels.SendOI(p.ctx, ev) && p.ctx.Err() == nil {
			p.log.WithComponent("oi_poller").WithFields(logger.Fields{
				"exchange": target.Exchange,
				"symbol":   target.Symbol,
			}).Warn("dropping polled open interest due to backpressure")
		}
	}
}

func (p *Poller) fetch(exchange, symbol string) (float64, int64, error) {
	switch exchange {
	case "binance":
		return p.fetchBinance(symbol)
	case "bybit":
		return p.fetchBybit(symbol)
	default:
		return 0, 0, fmt.Errorf("unsupported exchange %q", exchange)
	}
}

type binanceOIResponse struct {
	OpenInterest string `json:"openInterest"`
	Symbol       string `json:"symbol"`
	Time         int64  `json:"time"`
}

func (p *Poller) fetchBinance(symbol string) (float64, int64, error) {
	base := strings.TrimRight(p.config.Source.Binance.RestURL, "/")
	if base == "" {
		base = defaultBinanceRestURL
	}
	url := fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", base, symbol)

	body, err := p.get(url)
	if err != nil {
		return 0, 0, err
	}

	var resp binanceOIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, fmt.Errorf("decode binance open-interest response: %w", err)
	}
	value, err := strconv.ParseFloat(resp.OpenInterest, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse binance open-interest value: %w", err)
	}
	ts := resp.Time
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return value, ts, nil
}

type bybitOIResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
		} `json:"list"`
	} `json:"result"`
}

func (p *Poller) fetchBybit(symbol string) (float64, int64, error) {
	base := strings.TrimRight(p.config.Source.Bybit.RestURL, "/")
	if base == "" {
		base = defaultBybitRestURL
	}
	category := p.config.Source.Bybit.Category
	if category == "" {
		category = "linear"
	}
	url := fmt.Sprintf("%s/v5/market/open-interest?category=%s&symbol=%s&intervalTime=5min&limit=1",
		base, category, symbol)

	body, err := p.get(url)
	if err != nil {
		return 0, 0, err
	}

	var resp bybitOIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, fmt.Errorf("decode bybit open-interest response: %w", err)
	}
	if resp.RetCode != 0 {
		return 0, 0, fmt.Errorf("bybit open-interest error %d: %s", resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return 0, 0, fmt.Errorf("bybit open-interest response has no entries")
	}

	value, err := strconv.ParseFloat(resp.Result.List[0].OpenInterest, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse bybit open-interest value: %w", err)
	}
	// The list timestamp sits on a five-minute interval boundary, which can
	// land polled readings in windows the writer already flushed. Stamp the
	// observation time instead so readings always fall in the live window.
	return value, time.Now().UnixMilli(), nil
}

func (p *Poller) get(url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
