package tunecord

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintRequest(t *testing.T) {
	t.Run(
		"param order is irrelevant", func(t *testing.T) {
			a := FingerprintRequest(
				"https://api.example.com/2.0/",
				url.Values{"user": {"alice"}, "method": {"user.gettoptracks"}},
				nil,
				nil,
			)
			b := FingerprintRequest(
				"https://api.example.com/2.0/",
				url.Values{"method": {"user.gettoptracks"}, "user": {"alice"}},
				nil,
				nil,
			)
			assert.Equal(t, a, b)
		},
	)

	t.Run(
		"url query and params merge", func(t *testing.T) {
			a := FingerprintRequest(
				"https://api.example.com/2.0/?format=json",
				url.Values{"user": {"alice"}},
				nil,
				nil,
			)
			b := FingerprintRequest(
				"https://api.example.com/2.0/",
				url.Values{"user": {"alice"}, "format": {"json"}},
				nil,
				nil,
			)
			assert.Equal(t, a, b)
		},
	)

	t.Run(
		"different params differ", func(t *testing.T) {
			a := FingerprintRequest(
				"https://api.example.com/2.0/",
				url.Values{"user": {"alice"}},
				nil,
				nil,
			)
			b := FingerprintRequest(
				"https://api.example.com/2.0/",
				url.Values{"user": {"bob"}},
				nil,
				nil,
			)
			assert.NotEqual(t, a, b)
		},
	)

	t.Run(
		"only allow-listed headers contribute", func(t *testing.T) {
			base := FingerprintRequest(
				"https://api.example.com/2.0/",
				nil,
				http.Header{"Authorization": {"Bearer x"}},
				nil,
			)
			noHeaders := FingerprintRequest("https://api.example.com/2.0/", nil, nil, nil)
			assert.Equal(t, noHeaders, base)

			allowed := FingerprintRequest(
				"https://api.example.com/2.0/",
				nil,
				http.Header{"Accept-Language": {"de"}},
				[]string{"accept-language"},
			)
			assert.NotEqual(t, noHeaders, allowed)

			// Allow-list casing is canonicalized.
			allowedUpper := FingerprintRequest(
				"https://api.example.com/2.0/",
				nil,
				http.Header{"Accept-Language": {"de"}},
				[]string{"ACCEPT-LANGUAGE"},
			)
			assert.Equal(t, allowed, allowedUpper)
		},
	)

	t.Run(
		"values are percent-encoded", func(t *testing.T) {
			a := FingerprintRequest(
				"https://api.example.com/2.0/",
				url.Values{"user": {"a b&c"}},
				nil,
				nil,
			)
			assert.Contains(t, string(a), "a+b%26c")
		},
	)
}

func TestCacheGetOrFetchHit(t *testing.T) {
	c := NewResponseCache(16, time.Minute, testLogger(t))
	ctx := context.Background()
	fp := Fingerprint("GET https://example.com/a")

	var calls atomic.Int64
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`{"ok":true}`), nil
	}

	payload, err := c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), payload)

	payload, err = c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), payload)

	assert.Equal(t, int64(1), calls.Load())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Loads)
	assert.Equal(t, int64(1), stats.Hits)
}

// Ten concurrent requests for the same unknown user trigger exactly one
// upstream fetch; every caller sees the same not-found result, and later
// requests within the negative TTL are answered from the cache.
func TestCacheSingleFlightNegative(t *testing.T) {
	c := NewResponseCache(16, time.Minute, testLogger(t))
	ctx := context.Background()
	fp := Fingerprint("GET https://example.com/missing")

	var calls atomic.Int64
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return nil, &NotFoundError{Message: "User not found"}
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, "not found: User not found", err.Error())
	}

	// An eleventh request within the TTL never reaches the loader, and the
	// upstream's message replays verbatim.
	_, err := c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not found: User not found", err.Error())
	assert.Equal(t, int64(1), calls.Load())
	assert.GreaterOrEqual(t, c.Stats().NegativeHits, int64(1))
}

// Transient failures are never cached: the next request retries the
// upstream.
func TestCacheTransientErrorsNotCached(t *testing.T) {
	c := NewResponseCache(16, time.Minute, testLogger(t))
	ctx := context.Background()
	fp := Fingerprint("GET https://example.com/flaky")

	var calls atomic.Int64
	loader := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("%w: connection refused", ErrUnavailable)
		}
		return []byte(`{"ok":true}`), nil
	}

	_, err := c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, c.Len())

	payload, err := c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), payload)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCacheExpiryAndSweep(t *testing.T) {
	c := NewResponseCache(16, time.Minute, testLogger(t))
	ctx := context.Background()
	fp := Fingerprint("GET https://example.com/a")

	base := time.Now()
	c.now = func() time.Time { return base }

	var calls atomic.Int64
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(`{"n":1}`), nil
	}

	_, err := c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.NoError(t, err)

	// Fresh at 59s, stale at 61s.
	c.now = func() time.Time { return base.Add(59 * time.Second) }
	_, err = c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	c.now = func() time.Time { return base.Add(61 * time.Second) }
	_, err = c.GetOrFetch(ctx, fp, loader, time.Minute, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())

	c.Sweep(base.Add(3 * time.Minute))
	assert.Equal(t, 0, c.Len())
}

// At the soft ceiling, the oldest entry by insertion order is evicted,
// regardless of how recently it was read.
func TestCacheFIFOEviction(t *testing.T) {
	c := NewResponseCache(2, time.Minute, testLogger(t))
	ctx := context.Background()

	loaderFor := func(payload string) Loader {
		return func(context.Context) ([]byte, error) {
			return []byte(payload), nil
		}
	}

	_, err := c.GetOrFetch(ctx, "fp-a", loaderFor("a"), time.Hour, time.Hour)
	require.NoError(t, err)
	_, err = c.GetOrFetch(ctx, "fp-b", loaderFor("b"), time.Hour, time.Hour)
	require.NoError(t, err)

	// Reading fp-a must not save it from eviction.
	_, err = c.GetOrFetch(ctx, "fp-a", loaderFor("a"), time.Hour, time.Hour)
	require.NoError(t, err)

	_, err = c.GetOrFetch(ctx, "fp-c", loaderFor("c"), time.Hour, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), c.Stats().Evictions)

	var calls atomic.Int64
	_, err = c.GetOrFetch(
		ctx, "fp-a", func(context.Context) ([]byte, error) {
			calls.Add(1)
			return []byte("a"), nil
		}, time.Hour, time.Hour,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load(), "evicted entry should reload")
}

// Refreshing an existing fingerprint replaces it in place instead of
// consuming a second slot.
func TestCacheRefreshDoesNotGrow(t *testing.T) {
	c := NewResponseCache(2, time.Minute, testLogger(t))
	ctx := context.Background()

	base := time.Now()
	c.now = func() time.Time { return base }

	short := func(context.Context) ([]byte, error) { return []byte("x"), nil }

	_, err := c.GetOrFetch(ctx, "fp-a", short, time.Second, time.Second)
	require.NoError(t, err)
	_, err = c.GetOrFetch(ctx, "fp-b", short, time.Hour, time.Hour)
	require.NoError(t, err)

	// fp-a goes stale and is refilled.
	c.now = func() time.Time { return base.Add(2 * time.Second) }
	_, err = c.GetOrFetch(ctx, "fp-a", short, time.Hour, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().Evictions)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewResponseCache(16, time.Minute, testLogger(t))
	ctx := context.Background()
	fp := Fingerprint("GET https://example.com/a")

	var calls atomic.Int64
	loader := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("a"), nil
	}

	_, err := c.GetOrFetch(ctx, fp, loader, time.Hour, time.Hour)
	require.NoError(t, err)
	c.Invalidate(fp)
	assert.Equal(t, 0, c.Len())

	_, err = c.GetOrFetch(ctx, fp, loader, time.Hour, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())

	// Invalidating an absent fingerprint is a no-op.
	c.Invalidate("fp-unknown")
	assert.Equal(t, 1, c.Len())
}

// Loaders run outside the cache lock, so a loader is free to inspect the
// cache it is filling.
func TestCacheLoaderMayUseCache(t *testing.T) {
	c := NewResponseCache(16, time.Minute, testLogger(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrFetch(
			context.Background(),
			"fp-a",
			func(context.Context) ([]byte, error) {
				_ = c.Len()
				return []byte("a"), nil
			},
			time.Minute,
			time.Minute,
		)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loader deadlocked against the cache lock")
	}
}

func TestCacheWatchStopsOnCancel(t *testing.T) {
	c := NewResponseCache(16, 10*time.Millisecond, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.GetOrFetch(
		ctx,
		"fp-a",
		func(context.Context) ([]byte, error) { return []byte("a"), nil },
		time.Millisecond,
		time.Millisecond,
	)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.Watch(ctx)
		close(done)
	}()

	assert.Eventually(
		t, func() bool {
			return c.Len() == 0
		}, 2*time.Second, 10*time.Millisecond,
	)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop on context cancellation")
	}
}
