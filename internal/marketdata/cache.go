// Package marketdata maintains the latest-quote cache consulted by the
// fat-finger price-context rule, and the ADV lookup used for liquidity
// footprint checks.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exec_gateway/internal/core"
	apperrors "exec_gateway/pkg/errors"
)

// QuoteCache stores the freshest quote per symbol. It is fed two ways: a
// polling loop against the broker's quote endpoint for watched symbols, and
// pushes from the trade-update stream. Readers always get the cached copy;
// staleness is the fat-finger validator's call via the quote timestamp.
type QuoteCache struct {
	broker       core.IBrokerClient
	logger       core.ILogger
	pollInterval time.Duration

	mu      sync.RWMutex
	quotes  map[string]*core.Quote
	watched map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQuoteCache creates the cache; Start launches the polling loop
func NewQuoteCache(broker core.IBrokerClient, pollInterval time.Duration, logger core.ILogger) *QuoteCache {
	ctx, cancel := context.WithCancel(context.Background())
	return &QuoteCache{
		broker:       broker,
		logger:       logger.WithField("component", "quote_cache"),
		pollInterval: pollInterval,
		quotes:       make(map[string]*core.Quote),
		watched:      make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Watch adds a symbol to the polling set. Admission calls this for every
// symbol it sees so subsequent orders find a warm cache.
func (qc *QuoteCache) Watch(symbol string) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.watched[symbol] = struct{}{}
}

// Put stores a quote pushed from the stream
func (qc *QuoteCache) Put(quote *core.Quote) {
	if quote == nil {
		return
	}
	qc.mu.Lock()
	defer qc.mu.Unlock()
	existing, ok := qc.quotes[quote.Symbol]
	if ok && existing.Timestamp.After(quote.Timestamp) {
		return
	}
	cp := *quote
	qc.quotes[quote.Symbol] = &cp
}

// GetQuote returns the cached quote for a symbol, fetching synchronously on
// a cold cache so the first order for a symbol is not refused for missing
// price context.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (*core.Quote, error) {
	qc.mu.RLock()
	quote, ok := qc.quotes[symbol]
	qc.mu.RUnlock()
	if ok {
		cp := *quote
		return &cp, nil
	}

	quotes, err := qc.broker.GetLatestQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	fetched, ok := quotes[symbol]
	if !ok || fetched == nil {
		return nil, &apperrors.AvailabilityError{Component: "quote for " + symbol}
	}
	qc.Put(fetched)
	qc.Watch(symbol)
	cp := *fetched
	return &cp, nil
}

// Start launches the polling loop
func (qc *QuoteCache) Start() {
	qc.wg.Add(1)
	go qc.runLoop()
}

// Stop terminates the polling loop
func (qc *QuoteCache) Stop() {
	qc.cancel()
	qc.wg.Wait()
}

func (qc *QuoteCache) runLoop() {
	defer qc.wg.Done()
	ticker := time.NewTicker(qc.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-qc.ctx.Done():
			return
		case <-ticker.C:
			qc.refresh()
		}
	}
}

func (qc *QuoteCache) refresh() {
	qc.mu.RLock()
	symbols := make([]string, 0, len(qc.watched))
	for sym := range qc.watched {
		symbols = append(symbols, sym)
	}
	qc.mu.RUnlock()

	if len(symbols) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(qc.ctx, qc.pollInterval)
	defer cancel()
	quotes, err := qc.broker.GetLatestQuotes(ctx, symbols)
	if err != nil {
		qc.logger.Warn("Quote refresh failed", "symbols", len(symbols), "error", err)
		return
	}
	for _, quote := range quotes {
		qc.Put(quote)
	}
}

// ADVCache resolves average daily volume for the fat-finger adv_pct check.
// Values are seeded from configuration or an external liquidity feed and
// refreshed out of band; a missing symbol is a hard error so the check
// fails closed on unknown liquidity.
type ADVCache struct {
	mu   sync.RWMutex
	advs map[string]decimal.Decimal
}

// NewADVCache builds an empty ADV cache
func NewADVCache() *ADVCache {
	return &ADVCache{advs: make(map[string]decimal.Decimal)}
}

// Seed replaces the ADV value for a symbol
func (a *ADVCache) Seed(symbol string, adv decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advs[symbol] = adv
}

// GetADV returns the cached ADV for a symbol
func (a *ADVCache) GetADV(ctx context.Context, symbol string) (decimal.Decimal, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	adv, ok := a.advs[symbol]
	if !ok {
		return decimal.Zero, &apperrors.AvailabilityError{Component: "adv for " + symbol}
	}
	return adv, nil
}
