package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"arena/internal/game"
)

func testClient(h *Hub, id string) *Client {
	c := &Client{id: id, send: make(chan []byte, 4)}
	h.Register(c)
	return c
}

func TestHubEmitEnvelope(t *testing.T) {
	h := NewHub()
	c := testClient(h, "c1")

	h.Emit("c1", game.EventQueued, game.QueuedPayload{QueueSize: 3})
	h.Emit("nobody", game.EventQueued, game.QueuedPayload{QueueSize: 1})

	select {
	case data := <-c.send:
		var msg struct {
			Event string             `json:"event"`
			Data  game.QueuedPayload `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Event != game.EventQueued || msg.Data.QueueSize != 3 {
			t.Errorf("unexpected frame %s", data)
		}
	default:
		t.Fatal("expected a frame")
	}

	if len(c.send) != 0 {
		t.Error("unknown connection leaked a frame")
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	c := testClient(h, "c1")

	for i := 0; i < 10; i++ {
		h.Emit("c1", game.EventQueued, game.QueuedPayload{QueueSize: i})
	}
	if len(c.send) != cap(c.send) {
		t.Errorf("expected a full buffer, got %d", len(c.send))
	}
}

func TestHubBinding(t *testing.T) {
	h := NewHub()
	c1 := testClient(h, "c1")
	testClient(h, "c2")

	if err := h.Bind("c1", "walletA"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := h.Bind("c1", "walletA"); err != nil {
		t.Errorf("rebinding the same wallet should succeed: %v", err)
	}
	if err := h.Bind("c1", "walletB"); !errors.Is(err, game.ErrWalletMismatch) {
		t.Errorf("expected ErrWalletMismatch, got %v", err)
	}
	if got := h.Wallet("c1"); got != "walletA" {
		t.Errorf("expected walletA, got %q", got)
	}
	if id, ok := h.ConnFor("walletA"); !ok || id != "c1" {
		t.Errorf("expected c1, got %q", id)
	}

	// A newer connection takes over the wallet
	if err := h.Bind("c2", "walletA"); err != nil {
		t.Fatalf("bind c2: %v", err)
	}
	if wallet := h.Unregister(c1); wallet != "" {
		t.Errorf("old connection should not release the wallet, got %q", wallet)
	}
	if id, _ := h.ConnFor("walletA"); id != "c2" {
		t.Errorf("expected c2 to own walletA, got %q", id)
	}
}

func TestHubUnregister(t *testing.T) {
	h := NewHub()
	c := testClient(h, "c1")
	h.Bind("c1", "walletA")

	if wallet := h.Unregister(c); wallet != "walletA" {
		t.Errorf("expected walletA, got %q", wallet)
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed")
	}
	if wallet := h.Unregister(c); wallet != "" {
		t.Errorf("second unregister should be a no-op, got %q", wallet)
	}
	if h.Count() != 0 {
		t.Errorf("expected no clients, got %d", h.Count())
	}

	// Emitting to a gone connection must not panic on the closed channel
	h.Emit("c1", game.EventQueued, game.QueuedPayload{})
}

func TestRateLimiterWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := NewRateLimiter(2, time.Second, clock)
	defer rl.Stop()

	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("k") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("other") {
		t.Error("keys are independent")
	}

	clock.Advance(1100 * time.Millisecond)
	if !rl.Allow("k") {
		t.Error("window should have slid")
	}

	rl.Forget("k")
	if !rl.Allow("k") || !rl.Allow("k") {
		t.Error("forgotten key should start fresh")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Second, clockwork.NewFakeClock())
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("zero limit should disable limiting")
		}
	}
}
