package tunecord

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheMaxEntries is the cache's soft ceiling.
	DefaultCacheMaxEntries = 4096

	// DefaultCacheSweepInterval is how often the background sweep runs.
	DefaultCacheSweepInterval = 60 * time.Second

	// DefaultCacheTTLHit is the lifetime of a successful response entry.
	DefaultCacheTTLHit = 5 * time.Minute

	// DefaultCacheTTLMiss is the lifetime of a negative entry.
	DefaultCacheTTLMiss = 30 * time.Minute
)

// Fingerprint is a canonical, deterministic identifier for a fully
// resolved outbound GET request.
type Fingerprint string

// FingerprintRequest canonicalizes a request into a Fingerprint: query
// parameters from both the URL and params are merged, sorted
// lexicographically and percent-encoded; only headers on the allow-list
// contribute to the key.
func FingerprintRequest(
	rawURL string,
	params url.Values,
	headers http.Header,
	headerAllowList []string,
) Fingerprint {
	base := rawURL
	merged := url.Values{}
	if u, err := url.Parse(rawURL); err == nil {
		for k, vs := range u.Query() {
			merged[k] = append(merged[k], vs...)
		}
		u.RawQuery = ""
		u.Fragment = ""
		base = u.String()
	}
	for k, vs := range params {
		merged[k] = append(merged[k], vs...)
	}

	var b strings.Builder
	b.WriteString(http.MethodGet)
	b.WriteString(" ")
	b.WriteString(base)
	if len(merged) > 0 {
		b.WriteString("?")
		// url.Values.Encode sorts keys and percent-encodes consistently.
		b.WriteString(merged.Encode())
	}

	if len(headerAllowList) > 0 && headers != nil {
		allowed := make([]string, 0, len(headerAllowList))
		for _, k := range headerAllowList {
			canonical := http.CanonicalHeaderKey(k)
			if v := headers.Get(canonical); v != "" {
				allowed = append(allowed, canonical+"="+v)
			}
		}
		sort.Strings(allowed)
		for _, kv := range allowed {
			b.WriteString("|")
			b.WriteString(kv)
		}
	}
	return Fingerprint(b.String())
}

type entryKind string

const (
	entryHit  entryKind = "hit"
	entryMiss entryKind = "miss"
)

type cacheEntry struct {
	kind       entryKind
	expiresAt  time.Time
	payload    []byte
	errMessage string
}

// CacheStats is a point-in-time snapshot of cache counters, exposed
// through the ops API.
type CacheStats struct {
	Entries      int   `json:"entries"`
	Capacity     int   `json:"capacity"`
	Hits         int64 `json:"hits"`
	NegativeHits int64 `json:"negative_hits"`
	Loads        int64 `json:"loads"`
	Evictions    int64 `json:"evictions"`
}

// Loader fetches the payload for a fingerprint on a cache fill. It runs
// outside the cache lock.
type Loader func(ctx context.Context) ([]byte, error)

// ResponseCache memoizes upstream responses by request fingerprint,
// including negative (not-found) results. Fills are single-flighted: at
// most one loader runs per fingerprint, and all concurrent callers observe
// its result. Capacity is a soft ceiling enforced with a sweep first and
// FIFO eviction second, so hot keys can't starve others over a long
// horizon.
type ResponseCache struct {
	mu            sync.Mutex
	entries       map[Fingerprint]*cacheEntry
	order         []Fingerprint
	maxEntries    int
	sweepInterval time.Duration
	flight        singleflight.Group
	logger        *slog.Logger
	now           func() time.Time

	metricHits         atomic.Int64
	metricNegativeHits atomic.Int64
	metricLoads        atomic.Int64
	metricEvictions    atomic.Int64
}

func NewResponseCache(
	maxEntries int,
	sweepInterval time.Duration,
	logger *slog.Logger,
) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultCacheSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{
		entries:       map[Fingerprint]*cacheEntry{},
		maxEntries:    maxEntries,
		sweepInterval: sweepInterval,
		logger:        logger.With(loggerNameKey, "response_cache"),
		now:           time.Now,
	}
}

// GetOrFetch returns the cached payload for the fingerprint, or runs the
// loader exactly once across concurrent callers to fill it. A fresh
// negative entry returns ErrNotFound without invoking the loader. Loader
// failures other than not-found are propagated to every waiter of the
// flight and leave the cache unchanged.
func (c *ResponseCache) GetOrFetch(
	ctx context.Context,
	fp Fingerprint,
	loader Loader,
	ttlHit time.Duration,
	ttlMiss time.Duration,
) ([]byte, error) {
	if payload, err, ok := c.cached(fp); ok {
		return payload, err
	}

	v, err, _ := c.flight.Do(
		string(fp), func() (any, error) {
			// A flight finishing between the freshness check and Do may
			// already have filled the entry.
			if payload, cachedErr, ok := c.cached(fp); ok {
				return payload, cachedErr
			}

			c.metricLoads.Add(1)
			payload, loadErr := loader(ctx)
			now := c.now()

			switch {
			case loadErr == nil:
				c.insert(
					fp, &cacheEntry{
						kind:      entryHit,
						expiresAt: now.Add(ttlHit),
						payload:   payload,
					},
				)
				return payload, nil
			case errors.Is(loadErr, ErrNotFound):
				c.insert(
					fp, &cacheEntry{
						kind:       entryMiss,
						expiresAt:  now.Add(ttlMiss),
						errMessage: notFoundMessage(loadErr),
					},
				)
				return nil, loadErr
			default:
				// Transient failures are not cached, so the next request
				// retries.
				return nil, loadErr
			}
		},
	)
	if err != nil {
		return nil, err
	}
	payload, _ := v.([]byte)
	return payload, nil
}

// cached returns the fresh entry's result, if one exists.
func (c *ResponseCache) cached(fp Fingerprint) ([]byte, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[fp]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, nil, false
	}
	if entry.kind == entryMiss {
		c.metricNegativeHits.Add(1)
		return nil, &NotFoundError{Message: entry.errMessage}, true
	}
	c.metricHits.Add(1)
	return entry.payload, nil, true
}

// insert stores an entry, enforcing the soft ceiling: a full sweep first,
// FIFO eviction if that frees nothing.
func (c *ResponseCache) insert(fp Fingerprint, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp]; exists {
		c.removeFromOrder(fp)
	} else if len(c.entries) >= c.maxEntries {
		c.sweepLocked(c.now())
		for len(c.entries) >= c.maxEntries && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
			c.metricEvictions.Add(1)
		}
	}
	c.entries[fp] = entry
	c.order = append(c.order, fp)
}

// Invalidate removes the entry for a fingerprint unconditionally.
func (c *ResponseCache) Invalidate(fp Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[fp]; !ok {
		return
	}
	delete(c.entries, fp)
	c.removeFromOrder(fp)
}

// Sweep removes every entry whose TTL has expired.
func (c *ResponseCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
}

func (c *ResponseCache) sweepLocked(now time.Time) {
	if len(c.entries) == 0 {
		return
	}
	kept := c.order[:0]
	for _, fp := range c.order {
		entry, ok := c.entries[fp]
		if !ok {
			continue
		}
		if !entry.expiresAt.After(now) {
			delete(c.entries, fp)
			continue
		}
		kept = append(kept, fp)
	}
	c.order = kept
}

// Len returns the number of live entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Entries:      entries,
		Capacity:     c.maxEntries,
		Hits:         c.metricHits.Load(),
		NegativeHits: c.metricNegativeHits.Load(),
		Loads:        c.metricLoads.Load(),
		Evictions:    c.metricEvictions.Load(),
	}
}

// Watch runs the background sweep until the context is cancelled.
func (c *ResponseCache) Watch(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	c.logger.InfoContext(
		ctx,
		"watching response cache",
		"sweep_interval", c.sweepInterval,
	)
	for {
		select {
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "stopping response cache sweep")
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// removeFromOrder drops one occurrence of fp from the FIFO order slice.
func (c *ResponseCache) removeFromOrder(fp Fingerprint) {
	for i, k := range c.order {
		if k == fp {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// notFoundMessage extracts the upstream's message from a not-found error
// so negative entries replay it verbatim.
func notFoundMessage(err error) string {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nf.Message
	}
	return ""
}
