package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrimaryKeyPrefersMAC(t *testing.T) {
	h := HostResult{Address: "10.0.0.5", MAC: "AA:BB:CC:DD:EE:FF", ContainedBy: []string{"10.0.0.0/24"}}
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", h.primaryKey())
}

func TestPrimaryKeyFallsBackToIPAtCIDR(t *testing.T) {
	h := HostResult{Address: "10.0.0.5", ContainedBy: []string{"10.0.0.0/24"}}
	assert.Equal(t, "10.0.0.5@10.0.0.0/24", h.primaryKey())
}

func TestPrimaryKeyFallsBackToBareAddress(t *testing.T) {
	h := HostResult{Address: "10.0.0.5"}
	assert.Equal(t, "10.0.0.5", h.primaryKey())
}

func TestAssetNodeIDStableAcrossRuns(t *testing.T) {
	h := HostResult{Address: "10.0.0.5", MAC: "AA:BB:CC:DD:EE:FF"}
	id1 := assetNodeID(h)
	id2 := assetNodeID(h)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 32)
}

func TestAssetNodeIDDiffersByHost(t *testing.T) {
	a := assetNodeID(HostResult{Address: "10.0.0.5", MAC: "AA:BB:CC:DD:EE:FF"})
	b := assetNodeID(HostResult{Address: "10.0.0.6", MAC: "11:22:33:44:55:66"})
	assert.NotEqual(t, a, b)
}

func TestNetworkNodeIDStable(t *testing.T) {
	assert.Equal(t, networkNodeID("10.0.0.0/24"), networkNodeID("10.0.0.0/24"))
	assert.NotEqual(t, networkNodeID("10.0.0.0/24"), networkNodeID("10.0.1.0/24"))
}

func TestServiceNodeIDDiffersByPortAndProtocol(t *testing.T) {
	assetID := "abc123"
	tcp := serviceNodeID(assetID, 80, "tcp")
	udp := serviceNodeID(assetID, 80, "udp")
	other := serviceNodeID(assetID, 443, "tcp")
	assert.NotEqual(t, tcp, udp)
	assert.NotEqual(t, tcp, other)
}
