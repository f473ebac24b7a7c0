package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"polybot/internal/config"
)

const (
	defaultHistory     = 5 * time.Minute
	defaultIdleTimeout = 30 * time.Second
	reconnectBackoff   = 30 * time.Second
)

type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

type Callback func(Tick)

type Health struct {
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	LastTickAt *time.Time `json:"last_tick_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
}

// BinanceFeed streams spot prices from the combined miniTicker stream and
// falls back to REST polling while the stream is unavailable. Each symbol
// keeps a short rolling history for momentum checks.
type BinanceFeed struct {
	Logger *zap.Logger

	StreamURL    string
	Symbols      []string
	PollInterval time.Duration
	IdleTimeout  time.Duration
	History      time.Duration
	REST         *resty.Client

	mu        sync.RWMutex
	prices    map[string]Tick
	history   map[string][]Tick
	callbacks []Callback
	cancel    context.CancelFunc
	status    string
	source    string
	lastTick  *time.Time
	lastError *string
}

func NewBinanceFeed(cfg config.FeedConfig, logger *zap.Logger) *BinanceFeed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	rest := resty.New()
	rest.SetBaseURL(strings.TrimRight(cfg.RESTBaseURL, "/"))
	rest.SetTimeout(timeout)
	rest.SetHeader("Accept", "application/json")
	return &BinanceFeed{
		Logger:       logger,
		StreamURL:    cfg.StreamURL,
		Symbols:      normalizeSymbols(cfg.Symbols),
		PollInterval: cfg.PollInterval,
		IdleTimeout:  cfg.IdleTimeout,
		REST:         rest,
	}
}

// OnPrice registers a callback invoked on every tick. Callbacks run on the
// feed goroutine and must not block.
func (f *BinanceFeed) OnPrice(cb Callback) {
	if f == nil || cb == nil {
		return
	}
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

func (f *BinanceFeed) GetPrice(symbol string) (decimal.Decimal, bool) {
	if f == nil {
		return decimal.Zero, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, false
	}
	return t.Price, true
}

// PriceHistory returns the retained ticks for symbol, oldest first.
func (f *BinanceFeed) PriceHistory(symbol string) []Tick {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	h := f.history[strings.ToUpper(symbol)]
	out := make([]Tick, len(h))
	copy(out, h)
	return out
}

// Update records one price and fans it out to callbacks.
func (f *BinanceFeed) Update(symbol string, price decimal.Decimal, at time.Time) {
	if f == nil || !price.IsPositive() {
		return
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	tick := Tick{Symbol: symbol, Price: price, At: at}

	f.mu.Lock()
	if f.prices == nil {
		f.prices = map[string]Tick{}
		f.history = map[string][]Tick{}
	}
	f.prices[symbol] = tick
	h := append(f.history[symbol], tick)
	cutoff := at.Add(-f.historyWindow())
	i := 0
	for i < len(h) && h[i].At.Before(cutoff) {
		i++
	}
	f.history[symbol] = h[i:]
	ts := at
	f.lastTick = &ts
	callbacks := append([]Callback(nil), f.callbacks...)
	f.mu.Unlock()

	for _, cb := range callbacks {
		f.safeCall(cb, tick)
	}
}

func (f *BinanceFeed) safeCall(cb Callback, tick Tick) {
	defer func() {
		if r := recover(); r != nil && f.Logger != nil {
			f.Logger.Error("feed: price callback panic", zap.Any("panic", r), zap.String("symbol", tick.Symbol))
		}
	}()
	cb(tick)
}

// Run keeps the feed alive until ctx is cancelled or Stop is called. When the
// stream drops it polls REST for reconnectBackoff before dialing again.
func (f *BinanceFeed) Run(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if len(f.Symbols) == 0 {
		return errors.New("feed: no symbols configured")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.setHealth("degraded", "rest", err)
		if f.Logger != nil {
			f.Logger.Warn("feed: stream unavailable, polling rest", zap.Error(err))
		}
		pollCtx, stopPoll := context.WithTimeout(ctx, reconnectBackoff)
		_ = f.poll(pollCtx)
		stopPoll()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (f *BinanceFeed) Stop() {
	if f == nil {
		return
	}
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *BinanceFeed) Health() Health {
	if f == nil {
		return Health{Status: "unknown"}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	status := f.status
	if status == "" {
		status = "unknown"
	}
	return Health{Status: status, Source: f.source, LastTickAt: f.lastTick, LastError: f.lastError}
}

func (f *BinanceFeed) stream(ctx context.Context) error {
	streamURL, err := f.streamURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, streamURL, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}()
	conn.SetReadLimit(1 << 20)
	if f.Logger != nil {
		f.Logger.Info("feed: stream connected", zap.Strings("symbols", f.Symbols))
	}

	idle := f.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	for {
		readCtx, cancel := context.WithTimeout(ctx, idle)
		_, msg, err := conn.Read(readCtx)
		stalled := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			if stalled && ctx.Err() == nil {
				return fmt.Errorf("feed: stream idle for %s: %w", idle, err)
			}
			return err
		}
		tick, ok := parseMiniTicker(msg)
		if !ok {
			continue
		}
		f.setHealth("healthy", "stream", nil)
		f.Update(tick.Symbol, tick.Price, tick.At)
	}
}

func (f *BinanceFeed) streamURL() (string, error) {
	base := strings.TrimSpace(f.StreamURL)
	if base == "" {
		return "", errors.New("feed: missing stream url")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("feed: parse stream url: %w", err)
	}
	streams := make([]string, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		streams = append(streams, strings.ToLower(s)+"@miniTicker")
	}
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

func (f *BinanceFeed) poll(ctx context.Context) error {
	interval := f.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	f.pollOnce(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			f.pollOnce(ctx)
		}
	}
}

func (f *BinanceFeed) pollOnce(ctx context.Context) {
	ticks, err := f.FetchPrices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			f.setHealth("down", "rest", err)
		}
		return
	}
	f.setHealth("degraded", "rest", nil)
	for _, t := range ticks {
		f.Update(t.Symbol, t.Price, t.At)
	}
}

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrices reads /api/v3/ticker/price for every configured symbol.
func (f *BinanceFeed) FetchPrices(ctx context.Context) ([]Tick, error) {
	if f.REST == nil {
		return nil, errors.New("feed: rest client not configured")
	}
	symbols, _ := json.Marshal(f.Symbols)
	var rows []tickerPrice
	resp, err := f.REST.R().
		SetContext(ctx).
		SetQueryParam("symbols", string(symbols)).
		SetResult(&rows).
		Get("/api/v3/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("feed: fetch prices: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("feed: API error %d: %s", resp.StatusCode(), resp.String())
	}
	now := time.Now()
	out := make([]Tick, 0, len(rows))
	for _, r := range rows {
		p, err := decimal.NewFromString(strings.TrimSpace(r.Price))
		if err != nil || !p.IsPositive() {
			continue
		}
		out = append(out, Tick{Symbol: strings.ToUpper(r.Symbol), Price: p, At: now})
	}
	return out, nil
}

func (f *BinanceFeed) setHealth(status, source string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.source = source
	if err != nil {
		msg := err.Error()
		f.lastError = &msg
	} else {
		f.lastError = nil
	}
}

func (f *BinanceFeed) historyWindow() time.Duration {
	if f.History > 0 {
		return f.History
	}
	return defaultHistory
}

type miniTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

type streamEnvelope struct {
	Stream string      `json:"stream"`
	Data   *miniTicker `json:"data"`
}

// parseMiniTicker accepts both combined-stream envelopes and raw payloads.
func parseMiniTicker(msg []byte) (Tick, bool) {
	if len(msg) == 0 {
		return Tick{}, false
	}
	var mt *miniTicker
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err == nil && env.Data != nil {
		mt = env.Data
	} else {
		var raw miniTicker
		if err := json.Unmarshal(msg, &raw); err != nil {
			return Tick{}, false
		}
		mt = &raw
	}
	if mt.Symbol == "" || mt.Close == "" {
		return Tick{}, false
	}
	price, err := decimal.NewFromString(mt.Close)
	if err != nil || !price.IsPositive() {
		return Tick{}, false
	}
	at := time.Now()
	if mt.EventTime > 0 {
		at = time.UnixMilli(mt.EventTime)
	}
	return Tick{Symbol: strings.ToUpper(mt.Symbol), Price: price, At: at}, true
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
