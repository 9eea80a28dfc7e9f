package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// DefaultRelayChannel is the Redis channel trace events travel on.
const DefaultRelayChannel = "planner:trace"

// envelope tags an event with the instance that recorded it.
type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Relay mirrors trace events between server instances over Redis pub/sub,
// so an observer connected to one instance sees stages run on another.
type Relay struct {
	rdb     *goredis.Client
	hub     *Hub
	origin  string
	channel string
}

// NewRelay connects to addr and verifies the connection. origin must be
// unique per instance.
func NewRelay(ctx context.Context, addr, origin string, hub *Hub) (*Relay, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Relay{rdb: rdb, hub: hub, origin: origin, channel: DefaultRelayChannel}, nil
}

// Publish sends ev to the other instances.
func (r *Relay) Publish(ctx context.Context, ev domain.Event) error {
	raw, err := encodeEnvelope(r.origin, ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// Start subscribes and forwards events from other instances to the local
// hub until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				ev, local, err := decodeEnvelope(r.origin, []byte(m.Payload))
				if err != nil {
					slog.Warn("Bad trace relay payload", "error", err)
					continue
				}
				if !local && r.hub != nil {
					r.hub.Publish(ev)
				}
			}
		}
	}()
	return nil
}

// Close closes the Redis client.
func (r *Relay) Close() error {
	return r.rdb.Close()
}

func encodeEnvelope(origin string, ev domain.Event) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Event: ev})
}

// decodeEnvelope reports whether the event was recorded by origin itself.
func decodeEnvelope(origin string, raw []byte) (domain.Event, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Event{}, false, err
	}
	if env.Event.SessionID == "" {
		return domain.Event{}, false, fmt.Errorf("event without session id")
	}
	return env.Event, env.Origin == origin, nil
}
