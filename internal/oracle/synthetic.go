package oracle

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SyntheticSource produces a random-walk price for local development when no
// upstream feed is reachable.
type SyntheticSource struct {
	mu         sync.Mutex
	asset      string
	price      float64
	volatility float64 // standard deviation of each step as a fraction of price
	minPrice   float64
	maxPrice   float64
	rng        *rand.Rand
}

// NewSyntheticSource creates a random walk starting at initialPrice.
func NewSyntheticSource(asset string, initialPrice, volatility float64) *SyntheticSource {
	return &SyntheticSource{
		asset:      asset,
		price:      initialPrice,
		volatility: volatility,
		minPrice:   1,
		maxPrice:   10000,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SyntheticSource) Name() string { return "synthetic" }

// FetchPrice performs one random walk step and returns the new price.
func (s *SyntheticSource) FetchPrice(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.price * (1 + s.volatility*s.rng.NormFloat64())

	// Clamp to bounds
	if next < s.minPrice {
		next = s.minPrice
	}
	if next > s.maxPrice {
		next = s.maxPrice
	}
	s.price = next

	return &Snapshot{
		Asset:       s.asset,
		Price:       next,
		Confidence:  next * s.volatility,
		PublishedAt: time.Now(),
		Source:      "synthetic",
	}, nil
}
