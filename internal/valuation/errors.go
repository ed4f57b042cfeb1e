package valuation

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service.Value wraps exactly one of them.
var (
	ErrInvalidInput        = errors.New("valuation: invalid input")
	ErrUpstreamUnavailable = errors.New("valuation: upstream unavailable")
	ErrTotalModelFailure   = errors.New("valuation: all selected models failed")
)

// Error is a valuation failure for one ticker.
type Error struct {
	Kind   error
	Ticker string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", e.Kind, e.Ticker)
	}
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Ticker, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, ticker string, err error) *Error {
	return &Error{Kind: kind, Ticker: ticker, Err: err}
}
