package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Subscribe registers fn to receive a PriceUpdate every interval. All
// subscribers share one polling loop, started by the first subscriber and
// stopped when the last one leaves. The returned func unsubscribes and is
// safe to call more than once.
func (c *Client) Subscribe(fn func(PriceUpdate), interval time.Duration) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	if c.pollStop == nil {
		c.pollStop = make(chan struct{})
		go c.pollLoop(interval, c.pollStop)
	}
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(id) })
	}
}

func (c *Client) unsubscribe(id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscribers, id)
	if len(c.subscribers) == 0 && c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

// Close drops all subscribers and stops the polling loop.
func (c *Client) Close() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers = make(map[uint64]func(PriceUpdate))
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}

func (c *Client) pollLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			c.poll(interval)
		}
	}
}

func (c *Client) poll(interval time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), interval*4)
	defer cancel()

	snap, err := c.GetCurrentPrice(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("price subscription poll failed")
		return
	}

	c.subMu.Lock()
	prev := c.lastObserved
	c.lastObserved = snap.Price
	fns := make([]func(PriceUpdate), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	update := PriceUpdate{
		Price:         snap.Price,
		PreviousPrice: prev,
		Timestamp:     snap.PublishedAt,
	}
	if prev > 0 {
		update.Change = snap.Price - prev
		update.ChangePercent = update.Change / prev * 100
	}

	for _, fn := range fns {
		deliver(fn, update)
	}
}

// deliver isolates a panicking subscriber from the rest.
func deliver(fn func(PriceUpdate), update PriceUpdate) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("price subscriber panicked")
		}
	}()
	fn(update)
}
