package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector[T any] struct {
	mu      sync.Mutex
	results []Result[T]
}

func (c *collector[T]) add(r Result[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector[T]) snapshot() []Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result[T](nil), c.results...)
}

func TestSnapshotKeyIsOrderIndependent(t *testing.T) {
	a := SnapshotKey(TopicAppointments, map[string]string{"doctor_id": "d1", "patient_id": "p1", "status": ""})
	b := SnapshotKey(TopicAppointments, map[string]string{"patient_id": "p1", "doctor_id": "d1"})
	assert.Equal(t, a, b)
	assert.Equal(t, "snapshot:appointments:doctor_id=d1:patient_id=p1", a)
}

func TestWatchRefetchesAfterDebouncedBurst(t *testing.T) {
	feed := NewMemoryFeed()
	w := NewWatcher(feed, NewMemorySnapshotStore(), 20*time.Millisecond, zap.NewNop())

	var calls atomic.Int32
	query := func(ctx context.Context) ([]int, error) {
		n := calls.Add(1)
		return []int{int(n)}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	got := &collector[int]{}
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, w, TopicAppointments, "k", query, got.add) }()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, feed.SubscriberCount(TopicAppointments))

	for i := 0; i < 5; i++ {
		_ = feed.Publish(ctx, Event{Topic: TopicAppointments, Action: "updated", ResourceID: uuid.New()})
	}

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, got.snapshot(), 2, "a burst of events must collapse into one refetch")
	assert.Equal(t, []int{2}, got.snapshot()[1].Items)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 0, feed.SubscriberCount(TopicAppointments))
}

func TestWatchServesSnapshotWhenQueryFails(t *testing.T) {
	feed := NewMemoryFeed()
	store := NewMemorySnapshotStore()
	w := NewWatcher(feed, store, 5*time.Millisecond, zap.NewNop())

	var fail atomic.Bool
	query := func(ctx context.Context) ([]string, error) {
		if fail.Load() {
			return nil, errors.New("connection refused")
		}
		return []string{"a", "b"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := &collector[string]{}
	go func() { _ = Watch(ctx, w, TopicDoctors, "snapshot:doctors", query, got.add) }()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, got.snapshot()[0].Stale)

	fail.Store(true)
	_ = feed.Publish(ctx, Event{Topic: TopicDoctors, Action: "updated"})

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	second := got.snapshot()[1]
	assert.True(t, second.Stale)
	assert.Equal(t, []string{"a", "b"}, second.Items)
}

func TestWatchWithoutSnapshotDeliversEmptyStale(t *testing.T) {
	w := NewWatcher(NewMemoryFeed(), NewMemorySnapshotStore(), time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	got := &collector[string]{}

	go func() {
		_ = Watch(ctx, w, TopicDoctors, "missing", func(context.Context) ([]string, error) {
			return nil, errors.New("down")
		}, got.add)
	}()

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	r := got.snapshot()[0]
	assert.True(t, r.Stale)
	assert.Empty(t, r.Items)
	assert.NotNil(t, r.Items)
}
