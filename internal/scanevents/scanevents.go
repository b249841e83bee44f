// Package scanevents defines ScanEvent, the tagged union the Scanner Driver
// emits and the Event Bus/Stream Endpoint relay. Exactly one payload pointer
// is populated per event, enforced by constructor functions rather than
// public field assignment so a Kind/payload mismatch cannot be constructed.
package scanevents

import "sync"

// Kind discriminates the payload carried by an Event.
type Kind string

const (
	KindHostUp        Kind = "host_up"
	KindHostDown      Kind = "host_down"
	KindPortState     Kind = "port_state"
	KindOSMatch       Kind = "os_match"
	KindProgressTick  Kind = "progress_tick"
	KindStageComplete Kind = "stage_complete"
	KindLogLine       Kind = "log_line"
	KindFinalized     Kind = "finalized"
)

// Stage names one of the Scanner Driver's two invocations.
type Stage string

const (
	StagePing Stage = "ping"
	StagePort Stage = "port"
)

// HostUp reports a host that responded to the ping stage.
type HostUp struct {
	Address  string `json:"address"`
	Hostname string `json:"hostname,omitempty"`
}

// HostDown reports a host that did not respond to the ping stage.
type HostDown struct {
	Address string `json:"address"`
}

// PortState reports one TCP port's observed state during the port stage,
// optionally enriched with TLS certificate metadata (§4.2 enrichment) when
// the scanner captured an ssl-cert script block for the port.
type PortState struct {
	Address     string `json:"address"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	State       string `json:"state"`
	Service     string `json:"service,omitempty"`
	Product     string `json:"product,omitempty"`
	Version     string `json:"version,omitempty"`
	CertSubject string `json:"cert_subject,omitempty"`
	CertIssuer  string `json:"cert_issuer,omitempty"`
	CertExpiry  string `json:"cert_expiry,omitempty"`
}

// OSMatch reports an OS fingerprint guess for a host.
type OSMatch struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Accuracy int    `json:"accuracy"`
}

// ProgressTick reports stage completion progress. The Scanner Driver emits
// one per completed host; while no host completes, no tick is sent.
type ProgressTick struct {
	Stage          Stage `json:"stage"`
	HostsCompleted int   `json:"hosts_completed"`
	HostsTotal     int   `json:"hosts_total"`
}

// StageComplete closes out a stage. For the ping stage LiveHosts lists the
// hosts that answered and becomes the port stage's input; for the port stage
// it lists every host the report covered.
type StageComplete struct {
	Stage     Stage    `json:"stage"`
	LiveHosts []string `json:"live_hosts,omitempty"`
}

// LogLine carries a non-fatal diagnostic: a scanner stderr line, or a
// ParseError for a fragment that failed to decode.
type LogLine struct {
	Source string `json:"source"` // "stderr", "parser", "orchestrator" or "graph_writer"
	Level  string `json:"level"`  // "info" or "error"
	Line   string `json:"line"`
}

// Finalized is the synthetic event the Orchestrator publishes as the last
// event on a task's topic, carrying the terminal tasks.Status verbatim so
// subscribers never have to race a separate Task Registry read to learn how
// a scan ended (spec.md §5: "the final cancelled event is the last event
// published on the task's topic").
type Finalized struct {
	Status string `json:"status"`
}

// Event is the tagged union published on the Event Bus. TaskID and Seq are
// set by eventbus.Bus.Publish and Collector by internal/orchestrator, not by
// the constructors below, since sequence numbers are assigned at publish time
// per task and the collector ("ping"/"port") is known only at the call site
// that relays the event, not by the event itself.
type Event struct {
	TaskID    string `json:"task_id"`
	Seq       uint64 `json:"seq"`
	Kind      Kind   `json:"kind"`
	Collector string `json:"collector,omitempty"`

	HostUp        *HostUp        `json:"host_up,omitempty"`
	HostDown      *HostDown      `json:"host_down,omitempty"`
	PortState     *PortState     `json:"port_state,omitempty"`
	OSMatch       *OSMatch       `json:"os_match,omitempty"`
	ProgressTick  *ProgressTick  `json:"progress_tick,omitempty"`
	StageComplete *StageComplete `json:"stage_complete,omitempty"`
	LogLine       *LogLine       `json:"log_line,omitempty"`
	Finalized     *Finalized     `json:"finalized,omitempty"`
}

// NewHostUpEvent constructs a host_up event.
func NewHostUpEvent(address, hostname string) Event {
	return Event{Kind: KindHostUp, HostUp: &HostUp{Address: address, Hostname: hostname}}
}

// NewHostDownEvent constructs a host_down event.
func NewHostDownEvent(address string) Event {
	return Event{Kind: KindHostDown, HostDown: &HostDown{Address: address}}
}

// NewPortStateEvent constructs a port_state event.
func NewPortStateEvent(p PortState) Event {
	return Event{Kind: KindPortState, PortState: &p}
}

// NewOSMatchEvent constructs an os_match event.
func NewOSMatchEvent(address, name string, accuracy int) Event {
	return Event{Kind: KindOSMatch, OSMatch: &OSMatch{Address: address, Name: name, Accuracy: accuracy}}
}

// NewProgressTickEvent constructs a progress_tick event.
func NewProgressTickEvent(stage Stage, completed, total int) Event {
	return Event{Kind: KindProgressTick, ProgressTick: &ProgressTick{
		Stage: stage, HostsCompleted: completed, HostsTotal: total,
	}}
}

// NewStageCompleteEvent constructs a stage_complete event.
func NewStageCompleteEvent(stage Stage, liveHosts []string) Event {
	return Event{Kind: KindStageComplete, StageComplete: &StageComplete{Stage: stage, LiveHosts: liveHosts}}
}

// NewLogLineEvent constructs a log_line event.
func NewLogLineEvent(source, level, line string) Event {
	return Event{Kind: KindLogLine, LogLine: &LogLine{Source: source, Level: level, Line: line}}
}

// NewFinalizedEvent constructs the terminal finalized event, status being
// one of tasks.Status's terminal values.
func NewFinalizedEvent(status string) Event {
	return Event{Kind: KindFinalized, Finalized: &Finalized{Status: status}}
}

// SequenceCounter hands out strictly increasing sequence numbers for one
// task's events; the Event Bus keeps one per topic. Safe for concurrent use,
// since the Orchestrator may publish from more than one goroutine (relayed
// parser events, graph-writer log_line events, the synthetic finalized
// event).
type SequenceCounter struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next sequence number, starting at 1.
func (s *SequenceCounter) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}
