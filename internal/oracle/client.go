package oracle

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"arena/internal/metrics"
)

// Config controls caching, retry and validation of price reads.
type Config struct {
	Asset            string
	CacheTTL         time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration // base delay, doubled after each failed attempt
	EnableFallback   bool
	MinPrice         float64
	MaxPrice         float64
	MaxChangePercent float64 // 0 disables the spike guard
}

// Stats is a point-in-time view of the client for health reporting.
type Stats struct {
	Asset       string    `json:"asset"`
	LastPrice   float64   `json:"last_price"`
	LastSource  string    `json:"last_source"`
	LastFetch   time.Time `json:"last_fetch"`
	CacheFresh  bool      `json:"cache_fresh"`
	CacheAgeMs  int64     `json:"cache_age_ms"`
	Subscribers int       `json:"subscribers"`
}

// Client is a cached, de-duplicated reader of the current asset price with
// retries, fallback and validation.
type Client struct {
	primary  Source
	fallback Source
	cfg      Config
	clock    clockwork.Clock
	mirror   Mirror
	group    singleflight.Group

	mu           sync.RWMutex
	cache        *Snapshot
	cachedAt     time.Time
	lastAccepted float64
	lastSnapshot *Snapshot

	subMu        sync.Mutex
	subscribers  map[uint64]func(PriceUpdate)
	nextSubID    uint64
	pollStop     chan struct{}
	lastObserved float64
}

// NewClient creates a price client. fallback may be nil.
func NewClient(primary, fallback Source, cfg Config) *Client {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Client{
		primary:     primary,
		fallback:    fallback,
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		subscribers: make(map[uint64]func(PriceUpdate)),
	}
}

// SetClock replaces the clock. Call before first use.
func (c *Client) SetClock(clock clockwork.Clock) {
	c.clock = clock
}

// SetMirror publishes every accepted snapshot to m. Call before first use.
func (c *Client) SetMirror(m Mirror) {
	c.mirror = m
}

// GetCurrentPrice returns the cached snapshot while it is fresh, otherwise
// fetches a new one. Concurrent callers share a single upstream fetch.
func (c *Client) GetCurrentPrice(ctx context.Context) (*Snapshot, error) {
	if snap := c.fresh(); snap != nil {
		return snap, nil
	}

	ch := c.group.DoChan(c.cfg.Asset, func() (interface{}, error) {
		// A fetch that finished after our cache check already refreshed it.
		if snap := c.fresh(); snap != nil {
			return snap, nil
		}
		snap, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.accept(snap)
		return snap, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClearCache forces the next GetCurrentPrice to go upstream. A fetch already
// in flight is not cancelled.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// Stats returns the last accepted price and subscription count.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		Asset:     c.cfg.Asset,
		LastPrice: c.lastAccepted,
	}
	if c.cache != nil {
		age := c.clock.Since(c.cachedAt)
		s.CacheFresh = age < c.cfg.CacheTTL
		s.CacheAgeMs = age.Milliseconds()
	}
	if c.lastSnapshot != nil {
		s.LastSource = c.lastSnapshot.Source
		s.LastFetch = c.lastSnapshot.FetchedAt
	}
	c.mu.RUnlock()

	c.subMu.Lock()
	s.Subscribers = len(c.subscribers)
	c.subMu.Unlock()
	return s
}

func (c *Client) fresh() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return nil
	}
	if c.clock.Since(c.cachedAt) >= c.cfg.CacheTTL {
		return nil
	}
	return c.cache
}

func (c *Client) accept(snap *Snapshot) {
	c.mu.Lock()
	c.cache = snap
	c.cachedAt = c.clock.Now()
	c.lastAccepted = snap.Price
	c.lastSnapshot = snap
	c.mu.Unlock()

	if c.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.mirror.Publish(ctx, snap); err != nil {
			log.Warn().Err(err).Str("asset", snap.Asset).Msg("price mirror publish failed")
		}
	}
}

// fetch runs the retry sequence against the primary source, then the
// fallback once.
func (c *Client) fetch(ctx context.Context) (*Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		snap, err := c.fetchFrom(ctx, c.primary)
		if err == nil {
			return snap, nil
		}
		lastErr = err
		log.Warn().Err(err).
			Str("source", c.primary.Name()).
			Int("attempt", attempt+1).
			Int("max_attempts", c.cfg.RetryAttempts).
			Msg("price fetch failed")

		if attempt < c.cfg.RetryAttempts-1 {
			delay := c.cfg.RetryDelay * time.Duration(1<<attempt)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, &FetchError{Asset: c.cfg.Asset, Attempts: attempt + 1, Err: err}
			}
		}
	}

	fetchErr := &FetchError{Asset: c.cfg.Asset, Attempts: c.cfg.RetryAttempts, Err: lastErr}
	if c.cfg.EnableFallback && c.fallback != nil {
		log.Info().Str("source", c.fallback.Name()).Msg("trying fallback price source")
		snap, err := c.fetchFrom(ctx, c.fallback)
		if err == nil {
			return snap, nil
		}
		log.Error().Err(err).Str("source", c.fallback.Name()).Msg("fallback price fetch failed")
		fetchErr.FallbackUsed = true
		fetchErr.Err = err
	}
	return nil, fetchErr
}

func (c *Client) fetchFrom(ctx context.Context, src Source) (*Snapshot, error) {
	start := c.clock.Now()
	snap, err := src.FetchPrice(ctx)
	metrics.PriceFetchSeconds.WithLabelValues(src.Name()).Observe(c.clock.Since(start).Seconds())
	if err != nil {
		metrics.PriceFetches.WithLabelValues(src.Name(), "error").Inc()
		return nil, err
	}
	if err := c.validate(snap.Price); err != nil {
		metrics.PriceFetches.WithLabelValues(src.Name(), "rejected").Inc()
		return nil, err
	}
	metrics.PriceFetches.WithLabelValues(src.Name(), "ok").Inc()

	snap.FetchedAt = c.clock.Now()
	if snap.Source == "" {
		snap.Source = src.Name()
	}
	if snap.Asset == "" {
		snap.Asset = c.cfg.Asset
	}
	return snap, nil
}

func (c *Client) validate(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return fmt.Errorf("%w: invalid price %v", ErrPriceRejected, price)
	}
	if price < c.cfg.MinPrice || price > c.cfg.MaxPrice {
		return fmt.Errorf("%w: %.4f outside [%.2f, %.2f]", ErrPriceRejected, price, c.cfg.MinPrice, c.cfg.MaxPrice)
	}

	c.mu.RLock()
	last := c.lastAccepted
	c.mu.RUnlock()

	if c.cfg.MaxChangePercent > 0 && last > 0 {
		change := math.Abs(price-last) / last * 100
		if change > c.cfg.MaxChangePercent {
			return fmt.Errorf("%w: %.2f%% move from %.4f", ErrPriceRejected, change, last)
		}
	}
	return nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
