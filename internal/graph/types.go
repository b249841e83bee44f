// Package graph implements the Graph Writer: idempotent upsert of
// NetworkContainer, Asset, and Service nodes (and their CONTAINS/HAS_SERVICE
// edges) into a Postgres-backed property graph, per spec.md §4.5. Tables
// stand in for graph nodes/edges and custom sql.Scanner/driver.Valuer types
// from internal/dbtypes carry over the teacher's internal/db/models.go
// convention of typed Postgres columns.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// LifecycleState is an Asset's derived liveness classification.
type LifecycleState string

const (
	LifecycleOnline  LifecycleState = "online"
	LifecycleIdle    LifecycleState = "idle"
	LifecycleOffline LifecycleState = "offline"
)

// ServiceState mirrors a Service node's observed port state; "closed" marks
// a service absent from the current scan but retained for history (spec.md
// §4.5's open question, resolved in favor of mark-closed over delete).
type ServiceState string

const (
	ServiceOpen     ServiceState = "open"
	ServiceFiltered ServiceState = "filtered"
	ServiceClosed   ServiceState = "closed"
)

// PortObservation is one open (or filtered) port seen on a host during the
// current scan, the Writer's unit of Service-node input.
type PortObservation struct {
	Port        int
	Protocol    string
	State       string
	Service     string
	Product     string
	Version     string
	CertSubject string
	CertIssuer  string
	CertExpiry  string
}

// HostResult is everything the Orchestrator has accumulated for one host by
// the time a scan reaches FINALIZING: the Writer's unit of work. Ports is the
// current scan's complete observation set for the host; it replaces, not
// merges with, whatever was previously stored (spec.md §4.5 step 2).
type HostResult struct {
	Address     string
	MAC         string
	Hostname    string
	OSMatches   []string
	Distance    int
	RTTSrttUs   int64
	UptimeSec   int64
	Ports       []PortObservation
	ContainedBy []string // normalized CIDRs this host's address falls within
	ScannedAt   time.Time
}

// assetMetadata is the JSON shape stored in assets.metadata, matching
// spec.md §4.5's documented key set.
type assetMetadata struct {
	Hostname      string   `json:"hostname,omitempty"`
	MAC           string   `json:"mac,omitempty"`
	Status        string   `json:"status"`
	Ports         []int    `json:"ports"`
	OSMatches     []string `json:"os_matches,omitempty"`
	Distance      int      `json:"distance,omitempty"`
	RTTSrttUs     int64    `json:"rtt_srtt_us,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds,omitempty"`
}

func (h HostResult) primaryKey() string {
	if mac := strings.ToLower(strings.TrimSpace(h.MAC)); mac != "" {
		return mac
	}
	// ip@cidr: the first containing network, or the bare address if the
	// host matched no known network (should not happen in practice, since
	// the Planner only emits hosts drawn from the plan's own CIDRs).
	if len(h.ContainedBy) > 0 {
		return h.Address + "@" + h.ContainedBy[0]
	}
	return h.Address
}

// hashNodeID computes node_id = H(primary_key), a stable content hash
// (crypto/sha256, the teacher's own checksum primitive in
// internal/db/migrate.go and internal/auth/apikey.go) truncated to 32 hex
// characters, which is enough entropy to make collisions practically
// impossible while keeping node_id a convenient indexable text column.
func hashNodeID(primaryKey string) string {
	sum := sha256.Sum256([]byte(primaryKey))
	return hex.EncodeToString(sum[:])[:32]
}

// assetNodeID computes the Asset node_id for h.
func assetNodeID(h HostResult) string {
	return hashNodeID(h.primaryKey())
}

// networkNodeID computes a NetworkContainer node_id from a normalized CIDR.
func networkNodeID(cidr string) string {
	return hashNodeID("net:" + cidr)
}

// serviceNodeID computes a Service node_id from its owning asset and port
// identity (spec.md §4.5 step 4: `H(asset, port, proto)`).
func serviceNodeID(assetID string, port int, protocol string) string {
	return hashNodeID(assetID + ":" + strconv.Itoa(port) + "/" + protocol)
}
