package oracle

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPriceUnavailable is returned when every attempt, including the
	// fallback source, failed to produce an acceptable price.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrPriceRejected marks a fetched price that failed validation.
	ErrPriceRejected = errors.New("price rejected")
)

// Snapshot is a single price reading. It is never mutated after the client
// publishes it; a newer reading replaces it.
type Snapshot struct {
	Asset       string    `json:"asset"`
	Price       float64   `json:"price"`
	Confidence  float64   `json:"confidence"`
	Exponent    int32     `json:"exponent"`
	PublishedAt time.Time `json:"published_at"` // upstream publish time
	FetchedAt   time.Time `json:"fetched_at"`
	Source      string    `json:"source"`
}

// TimestampMs returns the upstream publish time in Unix milliseconds.
func (s *Snapshot) TimestampMs() int64 {
	return s.PublishedAt.UnixMilli()
}

// PriceUpdate is delivered to push subscribers on every poll.
type PriceUpdate struct {
	Price         float64   `json:"price"`
	PreviousPrice float64   `json:"previous_price"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
	Timestamp     time.Time `json:"timestamp"`
}

// FetchError reports an exhausted fetch sequence.
type FetchError struct {
	Asset        string
	Attempts     int
	FallbackUsed bool
	Err          error // last underlying failure
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s price: %d attempts failed", e.Asset, e.Attempts)
	if e.FallbackUsed {
		msg += " (fallback failed)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPriceUnavailable}
	}
	return []error{ErrPriceUnavailable, e.Err}
}
