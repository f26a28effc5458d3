package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RelayChannel is the Redis channel events travel on between processes.
const RelayChannel = "ws:events"

// relayEnvelope addresses one event. An empty UserID means broadcast.
type relayEnvelope struct {
	UserID string          `json:"userId,omitempty"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Publisher is an Emitter for processes without sockets, such as a
// standalone worker. Events are published to Redis and delivered by the
// Subscriber of every API process.
type Publisher struct {
	rdb     redis.UniversalClient
	timeout time.Duration
	logger  zerolog.Logger
}

func NewPublisher(rdb redis.UniversalClient, logger zerolog.Logger) *Publisher {
	return &Publisher{
		rdb:     rdb,
		timeout: 2 * time.Second,
		logger:  logger.With().Str("component", "ws_relay").Logger(),
	}
}

func (p *Publisher) EmitToUser(userID, event string, data any) {
	p.publish(userID, event, data)
}

func (p *Publisher) Broadcast(event string, data any) {
	p.publish("", event, data)
}

func (p *Publisher) publish(userID, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		p.logger.Error().Err(err).Str("type", event).Msg("failed to encode relay event")
		return
	}
	msg, _ := json.Marshal(relayEnvelope{UserID: userID, Type: event, Data: raw})

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.rdb.Publish(ctx, RelayChannel, msg).Err(); err != nil {
		p.logger.Warn().Err(err).Str("type", event).Msg("relay publish failed")
	}
}

// Subscriber feeds relayed events into a local hub.
type Subscriber struct {
	rdb    redis.UniversalClient
	hub    *Hub
	logger zerolog.Logger
}

func NewSubscriber(rdb redis.UniversalClient, hub *Hub, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		rdb:    rdb,
		hub:    hub,
		logger: logger.With().Str("component", "ws_relay").Logger(),
	}
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, RelayChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Info().Str("channel", RelayChannel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch([]byte(m.Payload))
		}
	}
}

func (s *Subscriber) dispatch(payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
		s.logger.Warn().Msg("dropping malformed relay event")
		return
	}
	if env.UserID == "" {
		s.hub.Broadcast(env.Type, env.Data)
		return
	}
	s.hub.EmitToUser(env.UserID, env.Type, env.Data)
}
