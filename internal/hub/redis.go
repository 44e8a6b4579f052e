package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/comigor/botrelay/internal/logger"
	"github.com/comigor/botrelay/internal/metrics"
)

const relayBacklog = 256

// envelope is the wire form of a relayed notification.
type envelope struct {
	Origin    string          `json:"origin"`
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	AtMs      int64           `json:"at_ms"`
}

// RedisRelay shares notifications between replicas over Redis pub/sub so a
// viewer connected to any instance sees events ingested by every instance.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	out     chan Notification
}

// NewRedisRelay creates a relay publishing on channel.
func NewRedisRelay(client *redis.Client, channel string) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		out:     make(chan Notification, relayBacklog),
	}
}

// Forward queues n for publication; it drops n when the backlog is full.
func (r *RedisRelay) Forward(n Notification) {
	select {
	case r.out <- n:
	default:
		metrics.RelayErrors.WithLabelValues("backlog").Inc()
	}
}

// Run publishes forwarded notifications and delivers remote ones to h
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, h *Hub) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	incoming := pubsub.Channel()
	logger.L.Info("redis relay started", "channel", r.channel, "origin", r.origin)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-r.out:
			data, err := r.encode(n)
			if err != nil {
				metrics.RelayErrors.WithLabelValues("encode").Inc()
				logger.L.Warn("relay encode failed", "session", n.SessionID, "error", err)
				continue
			}
			if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
				metrics.RelayErrors.WithLabelValues("publish").Inc()
				logger.L.Warn("relay publish failed", "error", err)
			}
		case msg, ok := <-incoming:
			if !ok {
				return errors.New("redis subscription closed")
			}
			n, remote, err := r.decode([]byte(msg.Payload))
			if err != nil {
				metrics.RelayErrors.WithLabelValues("decode").Inc()
				logger.L.Warn("relay decode failed", "error", err)
				continue
			}
			if remote {
				h.Deliver(n)
			}
		}
	}
}

func (r *RedisRelay) encode(n Notification) ([]byte, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, err
	}
	at := n.At
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(envelope{
		Origin:    r.origin,
		Type:      n.Type,
		SessionID: n.SessionID,
		Payload:   payload,
		AtMs:      at.UnixMilli(),
	})
}

// decode reports remote=false for messages this relay published itself.
func (r *RedisRelay) decode(data []byte) (Notification, bool, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Notification{}, false, err
	}
	if env.Type == "" || env.SessionID == "" {
		return Notification{}, false, errors.New("relay envelope missing type or session")
	}
	n := Notification{
		Type:      env.Type,
		SessionID: env.SessionID,
		Payload:   env.Payload,
		At:        time.UnixMilli(env.AtMs),
	}
	return n, env.Origin != r.origin, nil
}
