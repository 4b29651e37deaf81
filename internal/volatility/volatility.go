// Package volatility maintains the per-symbol daily-volatility estimates the
// risk circuit breaker consumes. Estimates come from config seeds and an
// optional scheduled refresh that recomputes them from price history.
package volatility

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qtos-io/tradegate/internal/tools/market"
)

// Provider holds volatility estimates behind a read-write lock so lookups on
// the gating path never block on a refresh.
type Provider struct {
	mu         sync.RWMutex
	bySymbol   map[string]float64
	defaultVol float64 // 0 = no default, lookups for unknown symbols miss.
}

// NewProvider seeds a provider from static estimates. Symbols are normalized
// to upper case.
func NewProvider(seed map[string]float64, defaultVol float64) *Provider {
	p := &Provider{
		bySymbol:   make(map[string]float64, len(seed)),
		defaultVol: defaultVol,
	}
	for sym, vol := range seed {
		p.bySymbol[strings.ToUpper(sym)] = vol
	}
	return p
}

// Lookup returns the volatility estimate for a symbol. Falls back to the
// default when one is configured; otherwise reports a miss so the breaker's
// vol-scaled check is skipped.
func (p *Provider) Lookup(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if vol, ok := p.bySymbol[strings.ToUpper(symbol)]; ok {
		return vol, true
	}
	if p.defaultVol > 0 {
		return p.defaultVol, true
	}
	return 0, false
}

// Set stores an estimate for a symbol.
func (p *Provider) Set(symbol string, vol float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bySymbol[strings.ToUpper(symbol)] = vol
}

// DailyVol computes a volatility estimate from a close-price series: the 90th
// percentile of absolute daily returns. Returns false when fewer than two
// closes are available or any close is non-positive.
func DailyVol(closes []float64) (float64, bool) {
	if len(closes) < 2 {
		return 0, false
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev <= 0 || cur <= 0 || math.IsNaN(prev) || math.IsNaN(cur) {
			return 0, false
		}
		returns = append(returns, math.Abs(cur/prev-1))
	}
	sort.Float64s(returns)
	idx := int(math.Ceil(0.90*float64(len(returns)))) - 1
	if idx < 0 {
		idx = 0
	}
	return returns[idx], true
}

// Refresher periodically recomputes volatility estimates from the data
// service's price history.
type Refresher struct {
	provider *Provider
	client   *market.Client
	symbols  []string
	lookback int
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewRefresher creates a refresher for the given symbols over a lookback
// window of trading days.
func NewRefresher(provider *Provider, client *market.Client, symbols []string, lookbackDays int, logger *slog.Logger) *Refresher {
	return &Refresher{
		provider: provider,
		client:   client,
		symbols:  symbols,
		lookback: lookbackDays,
		logger:   logger,
	}
}

// Start schedules the refresh on the given cron spec and runs one refresh
// immediately in the background so the provider is warm before the first
// scheduled tick.
func (r *Refresher) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { r.RefreshAll(context.Background()) }); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	go r.RefreshAll(context.Background())
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RefreshAll recomputes estimates for all configured symbols. Failures are
// logged and skipped; stale estimates stay in place.
func (r *Refresher) RefreshAll(ctx context.Context) {
	start := time.Now()
	updated := 0
	for _, symbol := range r.symbols {
		rows, err := r.client.Prices(ctx, symbol, r.lookback+1)
		if err != nil {
			r.logger.Warn("volatility refresh failed", "symbol", symbol, "error", err)
			continue
		}
		closes := make([]float64, len(rows))
		for i, row := range rows {
			closes[i] = row.Close
		}
		vol, ok := DailyVol(closes)
		if !ok {
			r.logger.Warn("volatility refresh skipped, insufficient history", "symbol", symbol, "rows", len(rows))
			continue
		}
		r.provider.Set(symbol, vol)
		updated++
	}
	r.logger.Info("volatility refresh complete",
		"symbols", len(r.symbols),
		"updated", updated,
		"duration", time.Since(start).String())
}
