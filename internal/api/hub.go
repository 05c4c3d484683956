package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"arena/internal/game"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Envelope is the JSON frame exchanged over the socket in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub maintains active WebSocket connections and the connection to wallet
// binding. It implements game.Emitter.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	byWallet map[string]string // wallet -> connID
}

// Client is one websocket connection
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	wallet string // guarded by hub.mu

	// owned by the read goroutine
	unsubscribePrice func()
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		byWallet: make(map[string]string),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
}

// Unregister removes the client and returns the wallet it was bound to, if
// this connection still owns that wallet.
func (h *Hub) Unregister(client *Client) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.id]; !ok {
		return ""
	}
	delete(h.clients, client.id)
	close(client.send)

	wallet := client.wallet
	if wallet != "" && h.byWallet[wallet] == client.id {
		delete(h.byWallet, wallet)
		return wallet
	}
	return ""
}

// Bind associates connID with wallet. A connection keeps its first wallet for
// its lifetime. A newer connection for the same wallet takes over the binding.
func (h *Hub) Bind(connID, wallet string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	if c.wallet != "" && c.wallet != wallet {
		return game.ErrWalletMismatch
	}
	c.wallet = wallet
	h.byWallet[wallet] = connID
	return nil
}

// Wallet returns the wallet bound to connID, or ""
func (h *Hub) Wallet(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		return c.wallet
	}
	return ""
}

// ConnFor returns the connection currently bound to wallet
func (h *Hub) ConnFor(wallet string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.byWallet[wallet]
	return id, ok
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit sends one event to connID. Unknown connections and full buffers drop
// the message.
func (h *Hub) Emit(connID, event string, payload interface{}) {
	data, err := json.Marshal(outgoing{Event: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	select {
	case client.send <- data:
	default:
		log.Warn().Str("conn_id", connID).Str("event", event).Msg("send buffer full, dropping event")
	}
}

// Close drops every connection
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ReadPump hands each frame to handle in order and calls done once the
// connection closes.
func (c *Client) ReadPump(handle func(*Client, []byte), done func(*Client)) {
	defer func() {
		done(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("conn_id", c.id).Msg("websocket closed unexpectedly")
			}
			return
		}
		handle(c, message)
	}
}
