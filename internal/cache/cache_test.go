package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seenimoa/openvalue/internal/config"
)

// storeContract runs the behaviour every Store must share.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "valuation:v1:AAPL:auto")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "valuation:v1:AAPL:auto", []byte(`{"ticker":"AAPL"}`), time.Hour))
	got, err := s.Get(ctx, "valuation:v1:AAPL:auto")
	require.NoError(t, err)
	assert.Equal(t, `{"ticker":"AAPL"}`, string(got))

	// Last writer wins.
	require.NoError(t, s.Set(ctx, "valuation:v1:AAPL:auto", []byte(`{"ticker":"AAPL","v":2}`), time.Hour))
	got, err = s.Get(ctx, "valuation:v1:AAPL:auto")
	require.NoError(t, err)
	assert.Equal(t, `{"ticker":"AAPL","v":2}`, string(got))

	require.NoError(t, s.Delete(ctx, "valuation:v1:AAPL:auto"))
	_, err = s.Get(ctx, "valuation:v1:AAPL:auto")
	assert.ErrorIs(t, err, ErrNotFound)

	// Concurrent writers and readers.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			assert.NoError(t, s.Set(ctx, key, []byte{byte(i)}, time.Hour))
			_, _ = s.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	for i := 0; i < 4; i++ {
		_, err := s.Get(ctx, fmt.Sprintf("k%d", i))
		assert.NoError(t, err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemory())
}

func TestBadgerStore(t *testing.T) {
	b, err := OpenBadger("")
	require.NoError(t, err)
	defer b.Close()
	storeContract(t, b)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenBadger(dir)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "key", []byte("value"), time.Hour))
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", string(got))
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), 2*time.Hour))

	now = now.Add(59 * time.Minute)
	_, err := m.Get(ctx, "a")
	assert.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	m.Cleanup()
	assert.Equal(t, 1, m.Len())
	_, err = m.Get(ctx, "b")
	assert.NoError(t, err)
}

func TestMemoryGetEvictsExpired(t *testing.T) {
	m := NewMemory()
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.Equal(t, 1, m.Len())

	now = now.Add(time.Minute)
	_, err := m.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, m.Len())

	// A fresh value written after expiry survives.
	require.NoError(t, m.Set(ctx, "a", []byte("2"), time.Minute))
	m.evict("a")
	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestRunJanitor(t *testing.T) {
	m := NewMemory()
	var mu sync.Mutex
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute))
	}
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		RunJanitor(ctx, m, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop on cancel")
	}
}

func TestRunJanitorSkipsStoresWithoutCleanup(t *testing.T) {
	db, err := OpenBadger("")
	require.NoError(t, err)
	defer db.Close()

	done := make(chan struct{})
	go func() {
		RunJanitor(context.Background(), db, time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor should return immediately for badger")
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", buf, time.Hour))
	buf[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	got[1] = 'Y'

	again, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestNew(t *testing.T) {
	s, err := New(config.CacheConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New(config.CacheConfig{Backend: "badger", BadgerPath: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Badger{}, s)
	require.NoError(t, s.Close())

	_, err = New(config.CacheConfig{Backend: "redis"})
	assert.Error(t, err)
}
