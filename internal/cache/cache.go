// Package cache provides the TTL key/value stores that hold serialized
// valuation results: an in-process map and a Badger-backed disk store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seenimoa/openvalue/internal/config"
)

// Backend names accepted in configuration.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// Store is a TTL byte store. Implementations are safe for concurrent use;
// concurrent Sets to the same key are last-writer-wins.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New opens the store selected by cfg.Backend.
func New(cfg config.CacheConfig) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendBadger:
		return OpenBadger(cfg.BadgerPath)
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Cleaner is implemented by stores that need periodic eviction of
// expired entries. Badger expires keys itself.
type Cleaner interface {
	Cleanup()
}

// RunJanitor calls Cleanup on s every interval until ctx is done. It
// returns immediately when s does not implement Cleaner.
func RunJanitor(ctx context.Context, s Store, interval time.Duration) {
	c, ok := s.(Cleaner)
	if !ok || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Cleanup()
		}
	}
}
