package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverWithNoServerIsNoOp(t *testing.T) {
	r := &Resolver{}
	name, err := r.PTR(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestResolverNilReceiverIsNoOp(t *testing.T) {
	var r *Resolver
	name, err := r.PTR(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestResolverRejectsInvalidAddress(t *testing.T) {
	r := NewResolver("127.0.0.1:53")
	_, err := r.PTR(context.Background(), "not-an-ip")
	assert.Error(t, err)
}

func TestResolverUnreachableServerReturnsEmptyNotError(t *testing.T) {
	// Port 1 on loopback refuses immediately; Exchange fails and PTR must
	// treat that as a best-effort miss, never propagating the transport
	// error to the Writer.
	r := NewResolver("127.0.0.1:1")
	name, err := r.PTR(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Empty(t, name)
}
