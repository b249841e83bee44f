package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidolon-project/eidolon/internal/scanevents"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := NewBus(16, nil, nil)
	sub := b.Subscribe("task-1")

	b.Publish("task-1", scanevents.NewHostUpEvent("10.0.0.1", ""))
	b.Publish("task-1", scanevents.NewHostUpEvent("10.0.0.2", ""))
	b.Publish("task-1", scanevents.NewHostUpEvent("10.0.0.3", ""))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var seqs []uint64
	for i := 0; i < 3; i++ {
		ev, ok := sub.Next(ctx)
		require.True(t, ok)
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := NewBus(16, nil, nil)
	subA := b.Subscribe("task-a")
	subB := b.Subscribe("task-b")

	b.Publish("task-a", scanevents.NewHostUpEvent("10.0.0.1", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ev, ok := subA.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, "task-a", ev.TaskID)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, ok = subB.Next(ctx2)
	assert.False(t, ok, "task-b subscriber must not see task-a events")
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBus(2, nil, nil)
	sub := b.Subscribe("task-1")

	for i := 0; i < 5; i++ {
		b.Publish("task-1", scanevents.NewHostDownEvent("10.0.0.1"))
	}

	assert.Equal(t, uint64(3), sub.DroppedCount())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, ok := sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(4), ev.Seq, "oldest events should have been dropped, leaving seq 4 and 5")

	ev, ok = sub.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, uint64(5), ev.Seq)
}

func TestCloseDrainsThenTerminates(t *testing.T) {
	b := NewBus(16, nil, nil)
	sub := b.Subscribe("task-1")

	b.Publish("task-1", scanevents.NewHostUpEvent("10.0.0.1", ""))
	b.Close("task-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, ok := sub.Next(ctx)
	require.True(t, ok, "buffered event must be drained before terminal")
	assert.Equal(t, uint64(1), ev.Seq)

	_, ok = sub.Next(ctx)
	assert.False(t, ok, "subscription must terminate once drained after close")
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	b := NewBus(16, nil, nil)
	sub := b.Subscribe("task-1")
	b.Close("task-1")
	b.Publish("task-1", scanevents.NewHostUpEvent("10.0.0.1", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestUnsubscribeIsIdempotentAndStopsDelivery(t *testing.T) {
	b := NewBus(16, nil, nil)
	sub := b.Subscribe("task-1")

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // must not panic

	b.Publish("task-1", scanevents.NewHostUpEvent("10.0.0.1", ""))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestSubscribeToClosedTopicIsImmediatelyDrained(t *testing.T) {
	b := NewBus(16, nil, nil)
	b.Close("task-1")

	sub := b.Subscribe("task-1")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := sub.Next(ctx)
	assert.False(t, ok)
}

func TestShutdownClosesAllTopics(t *testing.T) {
	b := NewBus(16, nil, nil)
	subA := b.Subscribe("task-a")
	subB := b.Subscribe("task-b")

	b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, okA := subA.Next(ctx)
	_, okB := subB.Next(ctx)
	assert.False(t, okA)
	assert.False(t, okB)
}

func TestConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBus(256, nil, nil)
	var wg sync.WaitGroup
	subs := make([]*Subscription, 10)
	for i := range subs {
		subs[i] = b.Subscribe("task-1")
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish("task-1", scanevents.NewProgressTickEvent(scanevents.StagePing, n, 100))
		}(i)
	}
	wg.Wait()
	b.Close("task-1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, sub := range subs {
		count := 0
		for {
			_, ok := sub.Next(ctx)
			if !ok {
				break
			}
			count++
		}
		assert.Equal(t, 100, count)
	}
}
