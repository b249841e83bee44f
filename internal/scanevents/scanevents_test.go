package scanevents

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsSetExactlyOnePayload(t *testing.T) {
	events := []Event{
		NewHostUpEvent("10.0.0.1", "host1"),
		NewHostDownEvent("10.0.0.2"),
		NewPortStateEvent(PortState{Address: "10.0.0.1", Port: 22, State: "open"}),
		NewOSMatchEvent("10.0.0.1", "Linux 5.x", 95),
		NewProgressTickEvent(StagePing, 1, 4),
		NewStageCompleteEvent(StagePing, []string{"10.0.0.1"}),
		NewLogLineEvent("stderr", "error", "boom"),
		NewFinalizedEvent("complete"),
	}

	for _, ev := range events {
		nonNil := 0
		if ev.HostUp != nil {
			nonNil++
		}
		if ev.HostDown != nil {
			nonNil++
		}
		if ev.PortState != nil {
			nonNil++
		}
		if ev.OSMatch != nil {
			nonNil++
		}
		if ev.ProgressTick != nil {
			nonNil++
		}
		if ev.StageComplete != nil {
			nonNil++
		}
		if ev.LogLine != nil {
			nonNil++
		}
		if ev.Finalized != nil {
			nonNil++
		}
		assert.Equal(t, 1, nonNil, "event of kind %s must have exactly one payload", ev.Kind)
	}
}

func TestSequenceCounterStrictlyIncreasing(t *testing.T) {
	var sc SequenceCounter
	prev := uint64(0)
	for i := 0; i < 100; i++ {
		n := sc.Next()
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestSequenceCounterConcurrentUse(t *testing.T) {
	var sc SequenceCounter
	var wg sync.WaitGroup
	results := make(chan uint64, 1000)

	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- sc.Next()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for n := range results {
		assert.False(t, seen[n], "sequence number %d issued twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, 1000)
}
