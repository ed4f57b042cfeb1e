package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/seenimoa/openvalue/internal/trace"
	"github.com/seenimoa/openvalue/pkg/models"
)

// Fundamentals fetches company snapshots from the fundamentals service.
type Fundamentals struct {
	client *Client
}

// NewFundamentals creates a fundamentals client for the service at baseURL.
func NewFundamentals(baseURL string, opts ...ClientOption) *Fundamentals {
	return &Fundamentals{client: NewClient(baseURL, opts...)}
}

// Fetch returns the snapshot for ticker. The returned snapshot keeps the
// raw upstream document in Raw so it can be forwarded to the engines.
func (f *Fundamentals) Fetch(ctx context.Context, ticker string) (*models.FundamentalsSnapshot, error) {
	ctx, span := trace.StartSpan(ctx, "fundamentals.fetch", attribute.String("ticker", ticker))
	defer span.End()

	data, err := f.client.post(ctx, "/fundamentals", map[string]string{"ticker": ticker})
	if err != nil {
		trace.Fail(span, err)
		return nil, fmt.Errorf("fundamentals %s: %w", ticker, err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		trace.Fail(span, err)
		return nil, fmt.Errorf("fundamentals %s: %w", ticker, err)
	}
	if !strings.EqualFold(snap.Ticker, ticker) {
		err := fmt.Errorf("%w: asked for %s, got %s", ErrInvalidPayload, ticker, snap.Ticker)
		trace.Fail(span, err)
		return nil, fmt.Errorf("fundamentals %s: %w", ticker, err)
	}
	return snap, nil
}

func decodeSnapshot(data json.RawMessage) (*models.FundamentalsSnapshot, error) {
	var snap models.FundamentalsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(&snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	snap.Raw = append(json.RawMessage(nil), data...)
	return &snap, nil
}
