package oracle

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeSource struct {
	name    string
	mu      sync.Mutex
	calls   int
	prices  []float64 // consumed in order, last value repeats
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchPrice(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.started != nil && n == 1 {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	price := f.prices[len(f.prices)-1]
	if n-1 < len(f.prices) {
		price = f.prices[n-1]
	}
	return &Snapshot{Asset: "SOL", Price: price, PublishedAt: time.Unix(1700000000, 0)}, nil
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{
		Asset:            "SOL",
		CacheTTL:         5 * time.Second,
		RetryAttempts:    3,
		RetryDelay:       0,
		EnableFallback:   true,
		MinPrice:         1,
		MaxPrice:         10000,
		MaxChangePercent: 50,
	}
}

func TestConcurrentCallsShareOneFetch(t *testing.T) {
	src := &fakeSource{
		name:    "primary",
		prices:  []float64{150},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := NewClient(src, nil, testConfig())
	c.SetClock(clockwork.NewFakeClock())

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Snapshot, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetCurrentPrice(context.Background())
		}(i)
	}

	<-src.started
	close(src.release)
	wg.Wait()

	if src.Calls() != 1 {
		t.Fatalf("Expected 1 upstream call, got %d", src.Calls())
	}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("caller %d got a different snapshot", i)
		}
	}
}

func TestCacheTTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{name: "primary", prices: []float64{150, 151}}
	c := NewClient(src, nil, testConfig())
	c.SetClock(clock)
	ctx := context.Background()

	first, err := c.GetCurrentPrice(ctx)
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}

	clock.Advance(4 * time.Second)
	second, err := c.GetCurrentPrice(ctx)
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if second != first {
		t.Error("Expected the cached snapshot within TTL")
	}
	if src.Calls() != 1 {
		t.Errorf("Expected 1 upstream call within TTL, got %d", src.Calls())
	}

	clock.Advance(time.Second + time.Millisecond)
	third, err := c.GetCurrentPrice(ctx)
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if third == first {
		t.Error("Expected a new snapshot after TTL")
	}
	if third.Price != 151 {
		t.Errorf("Expected price 151, got %v", third.Price)
	}
	if src.Calls() != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", src.Calls())
	}
}

func TestClearCacheForcesFetch(t *testing.T) {
	src := &fakeSource{name: "primary", prices: []float64{150, 148.5}}
	c := NewClient(src, nil, testConfig())
	c.SetClock(clockwork.NewFakeClock())
	ctx := context.Background()

	if _, err := c.GetCurrentPrice(ctx); err != nil {
		t.Fatal(err)
	}
	c.ClearCache()
	snap, err := c.GetCurrentPrice(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Price != 148.5 {
		t.Errorf("Expected fresh price 148.5, got %v", snap.Price)
	}
	if src.Calls() != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", src.Calls())
	}
}

func TestRetryThenFallback(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("boom")}
	fallback := &fakeSource{name: "fallback", prices: []float64{149}}
	c := NewClient(primary, fallback, testConfig())
	c.SetClock(clockwork.NewFakeClock())

	snap, err := c.GetCurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentPrice: %v", err)
	}
	if snap.Price != 149 {
		t.Errorf("Expected fallback price 149, got %v", snap.Price)
	}
	if snap.Source != "fallback" {
		t.Errorf("Expected source fallback, got %q", snap.Source)
	}
	if primary.Calls() != 3 {
		t.Errorf("Expected 3 primary attempts, got %d", primary.Calls())
	}
	if fallback.Calls() != 1 {
		t.Errorf("Expected 1 fallback attempt, got %d", fallback.Calls())
	}
}

func TestFallbackDisabled(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("boom")}
	fallback := &fakeSource{name: "fallback", prices: []float64{149}}
	cfg := testConfig()
	cfg.EnableFallback = false
	c := NewClient(primary, fallback, cfg)
	c.SetClock(clockwork.NewFakeClock())

	_, err := c.GetCurrentPrice(context.Background())
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("Expected ErrPriceUnavailable, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *FetchError, got %T", err)
	}
	if fe.Attempts != 3 || fe.FallbackUsed {
		t.Errorf("Unexpected fetch error: %+v", fe)
	}
	if fallback.Calls() != 0 {
		t.Errorf("Expected no fallback attempts, got %d", fallback.Calls())
	}
}

func TestRetryBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &fakeSource{name: "primary", err: errors.New("boom")}
	cfg := testConfig()
	cfg.RetryDelay = time.Second
	cfg.EnableFallback = false
	c := NewClient(primary, nil, cfg)
	c.SetClock(clock)

	done := make(chan error, 1)
	go func() {
		_, err := c.GetCurrentPrice(context.Background())
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// 1s after the first failure, 2s after the second
	for _, d := range []time.Duration{time.Second, 2 * time.Second} {
		if err := clock.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("waiting for backoff timer: %v", err)
		}
		clock.Advance(d)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrPriceUnavailable) {
			t.Errorf("Expected ErrPriceUnavailable, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("fetch did not finish")
	}
	if primary.Calls() != 3 {
		t.Errorf("Expected 3 attempts, got %d", primary.Calls())
	}
}

func TestValidationRejects(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
	}{
		{"below minimum", []float64{0.5}},
		{"above maximum", []float64{20000}},
		{"spike", []float64{100, 160}},
		{"not a number", []float64{math.NaN()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{name: "primary", prices: tt.prices}
			cfg := testConfig()
			cfg.RetryAttempts = 1
			cfg.EnableFallback = false
			c := NewClient(src, nil, cfg)
			c.SetClock(clockwork.NewFakeClock())

			var err error
			for range tt.prices {
				c.ClearCache()
				_, err = c.GetCurrentPrice(context.Background())
			}
			if !errors.Is(err, ErrPriceRejected) {
				t.Errorf("Expected ErrPriceRejected, got %v", err)
			}
		})
	}
}

func TestFallbackIsValidated(t *testing.T) {
	primary := &fakeSource{name: "primary", err: errors.New("boom")}
	fallback := &fakeSource{name: "fallback", prices: []float64{-3}}
	c := NewClient(primary, fallback, testConfig())
	c.SetClock(clockwork.NewFakeClock())

	_, err := c.GetCurrentPrice(context.Background())
	if !errors.Is(err, ErrPriceRejected) {
		t.Errorf("Expected ErrPriceRejected, got %v", err)
	}
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("Expected ErrPriceUnavailable, got %v", err)
	}
}

func TestSubscribeFanOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	src := &fakeSource{name: "primary", prices: []float64{150}}
	c := NewClient(src, nil, testConfig())
	c.SetClock(clock)

	got := make(chan PriceUpdate, 1)
	unsubPanic := c.Subscribe(func(PriceUpdate) { panic("bad subscriber") }, 2*time.Second)
	unsub := c.Subscribe(func(u PriceUpdate) { got <- u }, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for ticker: %v", err)
	}
	clock.Advance(2 * time.Second)

	select {
	case u := <-got:
		if u.Price != 150 {
			t.Errorf("Expected price 150, got %v", u.Price)
		}
		if u.Change != 0 {
			t.Errorf("Expected no change on first update, got %v", u.Change)
		}
	case <-ctx.Done():
		t.Fatal("subscriber never received an update")
	}

	if n := c.Stats().Subscribers; n != 2 {
		t.Errorf("Expected 2 subscribers, got %d", n)
	}

	unsubPanic()
	unsub()
	unsub()

	if n := c.Stats().Subscribers; n != 0 {
		t.Errorf("Expected 0 subscribers, got %d", n)
	}
	c.subMu.Lock()
	stopped := c.pollStop == nil
	c.subMu.Unlock()
	if !stopped {
		t.Error("Expected polling loop to stop after last unsubscribe")
	}
}

func TestHermesSource(t *testing.T) {
	const feed = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/updates/price/latest" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query()["ids[]"]; len(got) != 1 || got[0] != feed {
			http.Error(w, "bad ids", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parsed":[{"id":"` + feed + `","price":{"price":"15012345678","conf":"2500000","expo":-8,"publish_time":1700000000}}]}`))
	}))
	defer srv.Close()

	src := NewHermesSource(srv.URL, feed, "SOL", time.Second)
	snap, err := src.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if math.Abs(snap.Price-150.12345678) > 1e-9 {
		t.Errorf("Expected 150.12345678, got %v", snap.Price)
	}
	if math.Abs(snap.Confidence-0.025) > 1e-9 {
		t.Errorf("Expected confidence 0.025, got %v", snap.Confidence)
	}
	if snap.TimestampMs() != 1700000000000 {
		t.Errorf("Expected publish time in ms, got %d", snap.TimestampMs())
	}
}

func TestHermesSourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"empty parsed", http.StatusOK, `{"parsed":[]}`},
		{"bad mantissa", http.StatusOK, `{"parsed":[{"price":{"price":"abc","conf":"1","expo":-8}}]}`},
		{"non-positive", http.StatusOK, `{"parsed":[{"price":{"price":"0","conf":"1","expo":-8}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			src := NewHermesSource(srv.URL, "feed", "SOL", time.Second)
			if _, err := src.FetchPrice(context.Background()); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestJupiterSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "SOL" {
			http.Error(w, "bad ids", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"data":{"SOL":{"id":"SOL","price":148.5}}}`))
	}))
	defer srv.Close()

	src := NewJupiterSource(srv.URL, "SOL", "SOL", time.Second)
	snap, err := src.FetchPrice(context.Background())
	if err != nil {
		t.Fatalf("FetchPrice: %v", err)
	}
	if snap.Price != 148.5 {
		t.Errorf("Expected 148.5, got %v", snap.Price)
	}
	if snap.Confidence != 0 || snap.Exponent != 0 {
		t.Errorf("Expected zero confidence and exponent, got %v/%v", snap.Confidence, snap.Exponent)
	}
}

func TestSyntheticSourceStaysInBounds(t *testing.T) {
	src := NewSyntheticSource("SOL", 150, 0.5)
	for i := 0; i < 1000; i++ {
		snap, err := src.FetchPrice(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if snap.Price < 1 || snap.Price > 10000 {
			t.Fatalf("price %v out of bounds", snap.Price)
		}
	}
}

type recordingMirror struct {
	mu    sync.Mutex
	snaps []*Snapshot
}

func (m *recordingMirror) Publish(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func TestMirrorReceivesAcceptedSnapshots(t *testing.T) {
	src := &fakeSource{name: "primary", prices: []float64{150}}
	c := NewClient(src, nil, testConfig())
	c.SetClock(clockwork.NewFakeClock())
	m := &recordingMirror{}
	c.SetMirror(m)

	snap, err := c.GetCurrentPrice(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c.GetCurrentPrice(context.Background())

	if len(m.snaps) != 1 || m.snaps[0] != snap {
		t.Errorf("Expected one mirrored snapshot, got %d", len(m.snaps))
	}
}

func TestSnapshotFromHash(t *testing.T) {
	snap, err := snapshotFromHash("SOL/USD", map[string]string{
		"price":        "151.25",
		"confidence":   "0.08",
		"source":       "hermes",
		"published_ms": "1700000000000",
		"fetched_ms":   "1700000000500",
	})
	if err != nil {
		t.Fatalf("snapshotFromHash: %v", err)
	}
	if snap.Asset != "SOL/USD" || snap.Price != 151.25 || snap.Confidence != 0.08 || snap.Source != "hermes" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.TimestampMs() != 1700000000000 || snap.FetchedAt.UnixMilli() != 1700000000500 {
		t.Errorf("unexpected times %v / %v", snap.PublishedAt, snap.FetchedAt)
	}

	if _, err := snapshotFromHash("SOL/USD", map[string]string{}); !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable for a missing key, got %v", err)
	}
	if _, err := snapshotFromHash("SOL/USD", map[string]string{"price": "abc"}); err == nil {
		t.Error("expected an error for a malformed price")
	}
}
