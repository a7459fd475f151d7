// Package realtime delivers "something changed" notifications and turns them
// into refreshed result sets for subscribers.
//
// Delivery is full refresh: a subscriber re-runs its own query after each
// debounced burst of events and receives the complete result, never a diff.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Topic string

const (
	TopicAppointments Topic = "appointments"
	TopicDoctors      Topic = "doctors"
)

type Event struct {
	Topic      Topic     `json:"topic"`
	Action     string    `json:"action"`
	ResourceID uuid.UUID `json:"resource_id"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Feed hands out event streams per topic. The returned stop func releases the
// subscription and closes the channel.
type Feed interface {
	Publisher
	Subscribe(ctx context.Context, topic Topic) (<-chan Event, func(), error)
}

func channelName(topic Topic) string {
	return "changes:" + string(topic)
}

// RedisFeed fans events out through Redis pub/sub so every api-server
// instance sees mutations made by any other instance or by the worker.
type RedisFeed struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisFeed(client *redis.Client, log *zap.Logger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := f.client.Publish(ctx, channelName(ev.Topic), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, topic Topic) (<-chan Event, func(), error) {
	ps := f.client.Subscribe(ctx, channelName(topic))
	// Receive blocks until the subscription is confirmed so no event
	// published after Subscribe returns can be missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	out := make(chan Event, 64)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					f.log.Warn("dropping malformed change event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				default:
					// subscriber is behind; it will refetch everything on the next event anyway
				}
			}
		}
	}()

	return out, stop, nil
}

// MemoryFeed is an in-process Feed.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[Topic]map[chan Event]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[Topic]map[chan Event]struct{})}
}

func (f *MemoryFeed) Publish(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(_ context.Context, topic Topic) (<-chan Event, func(), error) {
	ch := make(chan Event, 64)

	f.mu.Lock()
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[chan Event]struct{})
	}
	f.subs[topic][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[topic], ch)
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, stop, nil
}

// SubscriberCount reports how many subscriptions are open on topic.
func (f *MemoryFeed) SubscriberCount(topic Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[topic])
}
