package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result is one delivery to a subscriber. Stale marks a result served from
// the snapshot store because the live query failed.
type Result[T any] struct {
	Items     []T       `json:"items"`
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Watcher struct {
	feed     Feed
	store    SnapshotStore
	debounce time.Duration
	log      *zap.Logger
}

func NewWatcher(feed Feed, store SnapshotStore, debounce time.Duration, log *zap.Logger) *Watcher {
	return &Watcher{feed: feed, store: store, debounce: debounce, log: log}
}

// SnapshotKey builds a stable cache key from a topic and filter fields.
func SnapshotKey(topic Topic, filter map[string]string) string {
	keys := make([]string, 0, len(filter))
	for k, v := range filter {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("snapshot:")
	b.WriteString(string(topic))
	for _, k := range keys {
		fmt.Fprintf(&b, ":%s=%s", k, filter[k])
	}
	return b.String()
}

// Watch delivers the result of query immediately and again after every
// debounced burst of events on topic, until ctx is cancelled. It returns nil
// on cancellation.
func Watch[T any](ctx context.Context, w *Watcher, topic Topic, key string, query func(ctx context.Context) ([]T, error), deliver func(Result[T])) error {
	events, stop, err := w.feed.Subscribe(ctx, topic)
	if err != nil {
		// no live feed: hand out what we have once so the caller is not left empty
		deliver(refresh(ctx, w, key, query))
		return fmt.Errorf("watch %s: %w", topic, err)
	}
	defer stop()

	deliver(refresh(ctx, w, key, query))

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watch %s: feed closed", topic)
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			deliver(refresh(ctx, w, key, query))
		}
	}
}

func refresh[T any](ctx context.Context, w *Watcher, key string, query func(ctx context.Context) ([]T, error)) Result[T] {
	items, err := query(ctx)
	if err == nil {
		if items == nil {
			items = []T{}
		}
		if data, mErr := json.Marshal(items); mErr == nil {
			if sErr := w.store.Save(ctx, key, data); sErr != nil {
				w.log.Warn("snapshot save failed", zap.String("key", key), zap.Error(sErr))
			}
		}
		return Result[T]{Items: items, FetchedAt: time.Now().UTC()}
	}

	w.log.Warn("subscription query failed, serving snapshot", zap.String("key", key), zap.Error(err))

	stale := Result[T]{Items: []T{}, Stale: true, FetchedAt: time.Now().UTC()}
	data, lErr := w.store.Load(ctx, key)
	if lErr != nil {
		if !errors.Is(lErr, ErrNoSnapshot) {
			w.log.Warn("snapshot load failed", zap.String("key", key), zap.Error(lErr))
		}
		return stale
	}
	var cached []T
	if uErr := json.Unmarshal(data, &cached); uErr != nil {
		w.log.Warn("snapshot decode failed", zap.String("key", key), zap.Error(uErr))
		return stale
	}
	stale.Items = cached
	return stale
}
