package valuation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/openvalue/internal/trace"
	"github.com/seenimoa/openvalue/pkg/models"
)

// Engine computes one valuation model.
type Engine interface {
	Model() models.ModelID
	Value(ctx context.Context, ticker string, snap *models.FundamentalsSnapshot) (*models.IndividualValuation, error)
}

// RunResult holds the outcome of running the selected models.
type RunResult struct {
	Valuations []models.IndividualValuation
	Missing    []models.ModelID
	Failures   []models.ModelFailure
}

// Runner calls the model engines concurrently.
type Runner struct {
	engines map[models.ModelID]Engine
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunner creates a runner over engines. A non-positive timeout means
// calls are bounded only by the caller's context.
func NewRunner(engines []Engine, timeout time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[models.ModelID]Engine, len(engines))
	for _, e := range engines {
		m[e.Model()] = e
	}
	return &Runner{engines: m, timeout: timeout, logger: logger}
}

// Run values ticker with every model in selected and waits for all of
// them. Failed models are recorded, not returned as errors; the result is
// an error only when no model succeeds.
func (r *Runner) Run(ctx context.Context, ticker string, snap *models.FundamentalsSnapshot, selected []models.ModelID) (*RunResult, error) {
	vals := make([]*models.IndividualValuation, len(selected))
	errs := make([]error, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	for i, model := range selected {
		g.Go(func() error {
			// Each goroutine writes only its own slot.
			vals[i], errs[i] = r.runOne(gctx, ticker, snap, model)
			return nil // non-fatal
		})
	}
	_ = g.Wait()

	res := &RunResult{}
	for i, model := range selected {
		if errs[i] != nil {
			res.Missing = append(res.Missing, model)
			res.Failures = append(res.Failures, models.ModelFailure{Model: model, Reason: errs[i].Error()})
			r.logger.Warn("model failed",
				zap.String("ticker", ticker),
				zap.String("model", string(model)),
				zap.Error(errs[i]))
			continue
		}
		res.Valuations = append(res.Valuations, *vals[i])
	}

	if len(res.Valuations) == 0 {
		return res, ErrTotalModelFailure
	}
	return res, nil
}

func (r *Runner) runOne(ctx context.Context, ticker string, snap *models.FundamentalsSnapshot, model models.ModelID) (*models.IndividualValuation, error) {
	engine, ok := r.engines[model]
	if !ok {
		return nil, fmt.Errorf("no engine registered for %s", model)
	}

	ctx, span := trace.StartSpan(ctx, "valuation.run_model",
		attribute.String("ticker", ticker), attribute.String("model", string(model)))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := engine.Value(ctx, ticker, snap)
	if err == nil {
		err = checkValuation(model, v)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %v: %w", time.Since(start).Round(time.Millisecond), err)
		}
		trace.Fail(span, err)
		return nil, err
	}

	out := *v
	out.Model = model
	if out.ModelName == "" {
		out.ModelName = model.DisplayName()
	}
	if out.LatencyMS == 0 {
		out.LatencyMS = time.Since(start).Milliseconds()
	}
	return &out, nil
}

func checkValuation(model models.ModelID, v *models.IndividualValuation) error {
	switch {
	case v == nil:
		return errors.New("engine returned no valuation")
	case v.Model != "" && v.Model != model:
		return fmt.Errorf("engine returned model %q", v.Model)
	case !(v.PricePerShare > 0) || math.IsInf(v.PricePerShare, 0):
		return fmt.Errorf("invalid price per share %v", v.PricePerShare)
	}
	return nil
}
