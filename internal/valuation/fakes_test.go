package valuation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seenimoa/openvalue/internal/cache"
	"github.com/seenimoa/openvalue/internal/config"
	"github.com/seenimoa/openvalue/internal/llm"
	"github.com/seenimoa/openvalue/pkg/models"
)

// fakeFundamentals serves a fixed snapshot.
type fakeFundamentals struct {
	snap  *models.FundamentalsSnapshot
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (f *fakeFundamentals) Fetch(ctx context.Context, ticker string) (*models.FundamentalsSnapshot, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	s := *f.snap
	return &s, nil
}

// fakeEngine returns a fixed price or error.
type fakeEngine struct {
	model models.ModelID
	price float64
	err   error
	delay time.Duration
	calls atomic.Int32
	// started, when set, is signalled on entry.
	started chan<- models.ModelID
	// release, when set, blocks the call until closed.
	release <-chan struct{}
}

func (e *fakeEngine) Model() models.ModelID { return e.model }

func (e *fakeEngine) Value(ctx context.Context, ticker string, snap *models.FundamentalsSnapshot) (*models.IndividualValuation, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.started <- e.model
	}
	if e.release != nil {
		select {
		case <-e.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.err != nil {
		return nil, e.err
	}
	return &models.IndividualValuation{
		Model:          e.model,
		ModelName:      e.model.DisplayName(),
		PricePerShare:  e.price,
		UpsideDownside: upside(e.price, snap.CurrentPrice),
		WACC:           0.09,
		Assumptions:    map[string]any{"terminal_growth": 0.025},
	}, nil
}

func engines(es ...*fakeEngine) []Engine {
	out := make([]Engine, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// fakeLLM replies with fixed content, or blocks until the context ends
// when block is set.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	block   bool
	calls   int
	opts    []llm.ChatOptions
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.Message, opts *llm.ChatOptions) (*llm.Response, error) {
	f.mu.Lock()
	f.calls++
	if opts != nil {
		f.opts = append(f.opts, *opts)
	}
	var reply string
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: reply, Provider: "fake", FinishReason: llm.FinishStop}, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingStore fails every operation.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Delete(context.Context, string) error { return errStoreDown }
func (failingStore) Close() error                         { return nil }

var _ cache.Store = failingStore{}

func defaultCaps() config.CapsConfig {
	return config.CapsConfig{
		Enabled:         true,
		GeneralMultiple: 3.0,
		SectorMultiples: map[string]float64{"healthcare": 2.0},
	}
}

func testValuationConfig() config.ValuationConfig {
	return config.ValuationConfig{
		CacheTTL:           3600,
		SelectorTimeoutSec: 1,
		NarratorTimeoutSec: 1,
		Caps:               defaultCaps(),
	}
}

// snapshot returns a complete, fresh snapshot priced at price.
func snapshot(ticker string, price float64) *models.FundamentalsSnapshot {
	return &models.FundamentalsSnapshot{
		Ticker:            ticker,
		CompanyName:       ticker + " Inc.",
		Sector:            "Technology",
		Revenue:           100e9,
		RevenueCAGR3Y:     0.08,
		EBITDAMargin:      0.30,
		FCFMargin:         0.20,
		MarketCap:         800e9,
		CurrentPrice:      price,
		SharesOutstanding: 5e9,
		AnalystAvgTarget:  price * 1.1,
		AnalystCount:      30,
		LastUpdated:       models.Timestamp{Time: time.Now()},
	}
}
