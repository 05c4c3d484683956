package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Source fetches one price reading from an upstream service.
type Source interface {
	Name() string
	FetchPrice(ctx context.Context) (*Snapshot, error)
}

// HermesSource reads the latest price of one feed from the Pyth Hermes API.
type HermesSource struct {
	baseURL    string
	feedID     string
	asset      string
	httpClient *http.Client
}

// NewHermesSource creates a Hermes client for a single price feed.
func NewHermesSource(baseURL, feedID, asset string, timeout time.Duration) *HermesSource {
	return &HermesSource{
		baseURL: baseURL,
		feedID:  feedID,
		asset:   asset,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// hermesResponse is the subset of /v2/updates/price/latest we read.
type hermesResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

type hermesPrice struct {
	Price       string `json:"price"` // integer mantissa
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"` // unix seconds
}

func (s *HermesSource) Name() string { return "hermes" }

// FetchPrice returns the latest parsed price for the feed.
func (s *HermesSource) FetchPrice(ctx context.Context) (*Snapshot, error) {
	q := url.Values{}
	q.Add("ids[]", s.feedID)
	endpoint := fmt.Sprintf("%s/v2/updates/price/latest?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("hermes request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hermes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hermes returned status %d", resp.StatusCode)
	}

	var body hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode hermes response: %w", err)
	}
	if len(body.Parsed) == 0 {
		return nil, fmt.Errorf("hermes response has no parsed price")
	}

	return parseHermesPrice(s.asset, body.Parsed[0].Price)
}

// parseHermesPrice scales the integer mantissa by 10^expo.
func parseHermesPrice(asset string, p hermesPrice) (*Snapshot, error) {
	mantissa, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid hermes price %q: %w", p.Price, err)
	}
	conf, err := decimal.NewFromString(p.Conf)
	if err != nil {
		conf = decimal.Zero
	}

	price := mantissa.Shift(p.Expo)
	if !price.IsPositive() {
		return nil, fmt.Errorf("invalid price value %s", price)
	}

	return &Snapshot{
		Asset:       asset,
		Price:       price.InexactFloat64(),
		Confidence:  conf.Shift(p.Expo).InexactFloat64(),
		Exponent:    p.Expo,
		PublishedAt: time.Unix(p.PublishTime, 0),
		Source:      "hermes",
	}, nil
}

// JupiterSource reads a token price from the Jupiter price API. It is used as
// the fallback when the primary feed is unavailable.
type JupiterSource struct {
	baseURL    string
	id         string
	asset      string
	httpClient *http.Client
}

// NewJupiterSource creates a Jupiter price client for the given token id.
func NewJupiterSource(baseURL, id, asset string, timeout time.Duration) *JupiterSource {
	return &JupiterSource{
		baseURL: baseURL,
		id:      id,
		asset:   asset,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type jupiterResponse struct {
	Data map[string]struct {
		ID    string          `json:"id"`
		Price decimal.Decimal `json:"price"` // number or quoted string
	} `json:"data"`
}

func (s *JupiterSource) Name() string { return "jupiter" }

// FetchPrice returns the current Jupiter price. Jupiter reports no confidence
// interval or exponent, so both are zero.
func (s *JupiterSource) FetchPrice(ctx context.Context) (*Snapshot, error) {
	q := url.Values{}
	q.Set("ids", s.id)
	endpoint := fmt.Sprintf("%s?%s", s.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("jupiter request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupiter request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jupiter returned status %d", resp.StatusCode)
	}

	var body jupiterResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode jupiter response: %w", err)
	}

	entry, ok := body.Data[s.id]
	if !ok {
		return nil, fmt.Errorf("jupiter response has no %s price", s.id)
	}
	if !entry.Price.IsPositive() {
		return nil, fmt.Errorf("invalid price value %s", entry.Price)
	}

	return &Snapshot{
		Asset:       s.asset,
		Price:       entry.Price.InexactFloat64(),
		PublishedAt: time.Now(),
		Source:      "jupiter",
	}, nil
}
