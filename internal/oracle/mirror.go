package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror receives every accepted snapshot so other processes can read the
// latest price without calling upstream.
type Mirror interface {
	Publish(ctx context.Context, snap *Snapshot) error
}

// RedisMirror writes snapshots to a hash at price:<asset>.
type RedisMirror struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisMirror creates a mirror. Keys expire after ttl when ttl > 0.
func NewRedisMirror(rdb redis.Cmdable, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func priceKey(asset string) string {
	return "price:" + asset
}

func (m *RedisMirror) Publish(ctx context.Context, snap *Snapshot) error {
	key := priceKey(snap.Asset)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price":        snap.Price,
		"confidence":   snap.Confidence,
		"source":       snap.Source,
		"published_ms": snap.PublishedAt.UnixMilli(),
		"fetched_ms":   snap.FetchedAt.UnixMilli(),
	})
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror %s: %w", key, err)
	}
	return nil
}

// Latest reads the mirrored snapshot for asset. A missing or expired key
// reports ErrPriceUnavailable.
func (m *RedisMirror) Latest(ctx context.Context, asset string) (*Snapshot, error) {
	fields, err := m.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return nil, fmt.Errorf("read mirrored %s price: %w", asset, err)
	}
	return snapshotFromHash(asset, fields)
}

func snapshotFromHash(asset string, fields map[string]string) (*Snapshot, error) {
	raw, ok := fields["price"]
	if !ok {
		return nil, fmt.Errorf("no mirrored %s price: %w", asset, ErrPriceUnavailable)
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("mirrored %s price %q: %w", asset, raw, err)
	}

	snap := &Snapshot{Asset: asset, Price: price, Source: fields["source"]}
	if v, err := strconv.ParseFloat(fields["confidence"], 64); err == nil {
		snap.Confidence = v
	}
	if ms, err := strconv.ParseInt(fields["published_ms"], 10, 64); err == nil {
		snap.PublishedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["fetched_ms"], 10, 64); err == nil {
		snap.FetchedAt = time.UnixMilli(ms)
	}
	return snap, nil
}
