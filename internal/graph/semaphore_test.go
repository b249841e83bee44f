package graph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteGateBoundsConcurrency(t *testing.T) {
	g := newWriteGate(2)
	require.NoError(t, g.Acquire(context.Background(), "a"))
	require.NoError(t, g.Acquire(context.Background(), "b"))
	assert.Equal(t, 2, g.ActiveWrites())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, "c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWriteGateReleaseFreesSlot(t *testing.T) {
	g := newWriteGate(1)
	require.NoError(t, g.Acquire(context.Background(), "a"))
	g.Release("a")
	assert.Equal(t, 0, g.ActiveWrites())
	require.NoError(t, g.Acquire(context.Background(), "b"))
}

func TestWriteGateReleaseIsIdempotent(t *testing.T) {
	g := newWriteGate(1)
	g.Release("never-acquired")
	assert.Equal(t, 0, g.ActiveWrites())
}

func TestWriteGateClosedRejectsAcquire(t *testing.T) {
	g := newWriteGate(1)
	g.Close()
	err := g.Acquire(context.Background(), "a")
	assert.Error(t, err)
}

func TestWriteGateIsOverBudget(t *testing.T) {
	g := newWriteGate(1)
	require.NoError(t, g.Acquire(context.Background(), "a"))
	assert.False(t, g.IsOverBudget(time.Hour))
	assert.True(t, g.IsOverBudget(-1*time.Second))
}
