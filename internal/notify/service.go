package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tessera/internal/config"
)

// EventType enumerates queue events.
type EventType string

const (
	EventEnqueued   EventType = "enqueued"
	EventReleased   EventType = "released"
	EventCompleted  EventType = "completed"
	EventDeadLetter EventType = "dead_letter"
)

// Event describes a queue change.
type Event struct {
	Type      EventType `json:"type"`
	EntryID   int64     `json:"entry_id,omitempty"`
	DatasetID string    `json:"dataset_id,omitempty"`
	Position  int64     `json:"position,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	At        time.Time `json:"at"`
}

// Subscription delivers events until closed.
type Subscription interface {
	// Events returns the delivery channel. A nil channel never delivers.
	Events() <-chan Event
	Close() error
}

// Service defines the notification surface exposed to queue producers and workers.
type Service interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (Subscription, error)
	Close() error
}

// NewService builds a Redis-backed service when notify.redis_addr is set.
// Otherwise a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	addr := strings.TrimSpace(cfg.Notify.RedisAddr)
	if addr == "" {
		return noopService{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Notify.RedisPassword,
		DB:       cfg.Notify.RedisDB,
	})
	return &redisService{client: client, channel: cfg.Notify.Channel}
}

type redisService struct {
	client  *redis.Client
	channel string
}

func (r *redisService) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

func (r *redisService) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	sub := &redisSubscription{pubsub: pubsub, events: make(chan Event, 16)}
	go sub.forward()
	return sub, nil
}

func (r *redisService) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan Event
}

func (s *redisSubscription) forward() {
	defer close(s.events)
	for msg := range s.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		select {
		case s.events <- event:
		default:
			// A wake-up is already pending; dropping is harmless.
		}
	}
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

// NewNoop returns a service that drops every event.
func NewNoop() Service {
	return noopService{}
}

type noopService struct{}

func (noopService) Publish(context.Context, Event) error { return nil }

func (noopService) Subscribe(context.Context) (Subscription, error) { return noopSubscription{}, nil }

func (noopService) Close() error { return nil }

type noopSubscription struct{}

func (noopSubscription) Events() <-chan Event { return nil }

func (noopSubscription) Close() error { return nil }
