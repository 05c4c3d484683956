package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Type is a game lifecycle event type
type Type string

const (
	GameMatched   Type = "matched"
	GameResolved  Type = "resolved"
	GameCancelled Type = "cancelled"
	GameFailed    Type = "failed"
)

// Event is a lifecycle notification for other services
type Event struct {
	ID        string      `json:"eventId"`
	Type      Type        `json:"eventType"`
	GameID    string      `json:"gameId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEvent stamps an event with an id and the current time
func NewEvent(t Type, gameID string, payload interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		GameID:    gameID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Publisher sends lifecycle events
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                        { return nil }

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher publishes events on <prefix>.game.<type>
type NATSPublisher struct {
	nc     *nats.Conn
	pub    msgPublisher
	prefix string
}

// NewNATSPublisher connects to NATS with reconnects enabled
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("arena"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, pub: nc, prefix: prefix}, nil
}

// Subject returns the subject an event type is published on
func (p *NATSPublisher) Subject(t Type) string {
	return fmt.Sprintf("%s.game.%s", p.prefix, t)
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.Subject(e.Type)
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Event-Type": []string{string(e.Type)},
			"Game-ID":    []string{e.GameID},
			"Event-ID":   []string{e.ID},
		},
	}
	if err := p.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("event_id", e.ID).
		Str("game_id", e.GameID).
		Msg("published event")
	return nil
}

func (p *NATSPublisher) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}
