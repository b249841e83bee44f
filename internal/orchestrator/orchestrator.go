// Package orchestrator wires the Planner, Scanner Driver, Graph Writer,
// Event Bus, and Task Registry into the single CREATED→PING→PORT→
// FINALIZING→{COMPLETE|PARTIAL|FAILED|CANCELLED} state machine (spec.md
// §4.6), grounded on the teacher's worker/pool.go dispatcher/result-processor
// goroutine shape generalized from a generic job queue into this specific
// two-stage scan pipeline, and on internal/scanning/scan.go's
// RunScanWithContext top-level sequencing (validate -> discover -> scan ->
// store).
package orchestrator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/eidolon-project/eidolon/internal/eventbus"
	"github.com/eidolon-project/eidolon/internal/graph"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/planner"
	"github.com/eidolon-project/eidolon/internal/scandriver"
	"github.com/eidolon-project/eidolon/internal/scanevents"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

// cancelPollInterval is how often a running task's context is checked
// against the Task Registry's cancel_requested flag. Cancellation is
// cooperative: the Scanner Driver only observes ctx at process-lifecycle
// boundaries (stdin close, SIGTERM), so sub-second granularity here is
// plenty.
const cancelPollInterval = 200 * time.Millisecond

// Orchestrator runs scans end to end. The zero value is not usable; use
// New. Writer may be nil (graph persistence skipped, e.g. in tests that
// only exercise the event pipeline).
type Orchestrator struct {
	driver   *scandriver.Driver
	bus      *eventbus.Bus
	writer   *graph.Writer
	registry *tasks.Registry
	logger   *logging.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds an Orchestrator over its four collaborators.
func New(driver *scandriver.Driver, bus *eventbus.Bus, writer *graph.Writer, registry *tasks.Registry, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		driver:   driver,
		bus:      bus,
		writer:   writer,
		registry: registry,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start validates cfg, registers a new task for userID, and runs the scan
// asynchronously, returning the task_id immediately (spec.md §6: POST
// /collector/scan responds before the scan completes).
func (o *Orchestrator) Start(ctx context.Context, userID string, cfg planner.ScanConfig) (string, error) {
	plan, err := planner.Plan(cfg)
	if err != nil {
		return "", err
	}

	taskID, err := o.registry.Start(userID, plan)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, taskID, plan)
	return taskID, nil
}

// Cancel requests cancellation of taskID, per spec.md §4.4.
func (o *Orchestrator) Cancel(taskID string) tasks.CancelResult {
	return o.registry.Cancel(taskID)
}

// Shutdown cancels every task currently running, for graceful server
// shutdown.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, id := range o.registry.CancelAllRunning(ctx) {
		o.forceCancel(id)
	}
}

func (o *Orchestrator) forceCancel(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) releaseCancel(taskID string) {
	o.mu.Lock()
	delete(o.cancels, taskID)
	o.mu.Unlock()
}

// run drives one task through its full stage sequence.
func (o *Orchestrator) run(ctx context.Context, taskID string, plan *planner.ScanPlan) {
	defer o.releaseCancel(taskID)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go o.watchCancelFlag(watchCtx, taskID)

	hosts := make(map[string]*graph.HostResult)

	o.registry.SetStage(taskID, tasks.StagePing)
	pingEvents, err := o.driver.RunPing(ctx, plan)
	if err != nil {
		o.fail(taskID, err)
		return
	}
	liveHosts := o.consumePingEvents(taskID, pingEvents, hosts)

	if o.registry.IsCancelRequested(taskID) {
		o.finish(taskID, tasks.StatusCancelled)
		return
	}

	// The port stage's workload (and hence total_events's denominator) is
	// exactly len(liveHosts) * len(plan.Ports) once the live-host set is
	// known; AllPorts scans (the "full" preset) have no fixed per-host port
	// count to multiply by, so total_events stays unset for them.
	if !plan.AllPorts {
		o.registry.SetExpectedEvents(taskID, len(liveHosts)*len(plan.Ports))
	}

	if len(liveHosts) > 0 {
		o.registry.SetStage(taskID, tasks.StagePort)
		portEvents, err := o.driver.RunPort(ctx, plan, liveHosts)
		if err != nil {
			o.fail(taskID, err)
			return
		}
		o.consumePortEvents(taskID, portEvents, hosts)
	}

	if o.registry.IsCancelRequested(taskID) {
		o.finish(taskID, tasks.StatusCancelled)
		return
	}

	o.registry.SetStage(taskID, tasks.StageFinalizing)
	failedWrites := o.writeResults(ctx, taskID, plan, hosts)

	status := tasks.StatusComplete
	switch {
	case o.registry.IsCancelRequested(taskID):
		status = tasks.StatusCancelled
	case failedWrites > 0 && failedWrites < len(hosts):
		status = tasks.StatusPartial
	case failedWrites > 0 && failedWrites >= len(hosts) && len(hosts) > 0:
		status = tasks.StatusFailed
	}

	o.finish(taskID, status)
}

// finish finalizes taskID in the registry, publishes the terminal status as
// a synthetic finalized event (the last event published on the task's
// topic, per spec.md §5's "the final cancelled event is the last event
// published on the task's topic" and Invariant 6/7), then closes the topic.
func (o *Orchestrator) finish(taskID string, status tasks.Status) {
	o.registry.Finalize(taskID, status)
	o.bus.Publish(taskID, scanevents.NewFinalizedEvent(string(status)))
	o.bus.Close(taskID)
}

func (o *Orchestrator) watchCancelFlag(ctx context.Context, taskID string) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.registry.IsCancelRequested(taskID) {
				o.forceCancel(taskID)
				return
			}
		}
	}
}

func (o *Orchestrator) fail(taskID string, err error) {
	o.bus.Publish(taskID, scanevents.NewLogLineEvent("orchestrator", "error", err.Error()))
	o.finish(taskID, tasks.StatusFailed)
	if o.logger != nil {
		o.logger.Error("scan task failed", "task_id", taskID, "error", err)
	}
}

// consumePingEvents relays every ping-stage event to the bus and records
// per-address liveness, returning the live-host address list the port
// stage needs (spec.md §9 S2: port stage only scans ping survivors).
func (o *Orchestrator) consumePingEvents(taskID string, events <-chan scanevents.Event, hosts map[string]*graph.HostResult) []string {
	var live []string
	for ev := range events {
		ev.TaskID = taskID
		ev.Collector = "ping"
		o.bus.Publish(taskID, ev)
		o.registry.RecordEvent(taskID, "ping")

		switch ev.Kind {
		case scanevents.KindHostUp:
			hosts[ev.HostUp.Address] = &graph.HostResult{
				Address:   ev.HostUp.Address,
				Hostname:  ev.HostUp.Hostname,
				ScannedAt: time.Now(),
			}
			live = append(live, ev.HostUp.Address)
		}
	}
	return live
}

// consumePortEvents relays every port-stage event to the bus and folds
// port/OS observations into each host's accumulated result.
func (o *Orchestrator) consumePortEvents(taskID string, events <-chan scanevents.Event, hosts map[string]*graph.HostResult) {
	for ev := range events {
		ev.TaskID = taskID
		ev.Collector = "port"
		o.bus.Publish(taskID, ev)
		o.registry.RecordEvent(taskID, "port")

		switch ev.Kind {
		case scanevents.KindPortState:
			h, ok := hosts[ev.PortState.Address]
			if !ok {
				h = &graph.HostResult{Address: ev.PortState.Address, ScannedAt: time.Now()}
				hosts[ev.PortState.Address] = h
			}
			h.Ports = append(h.Ports, graph.PortObservation{
				Port:        ev.PortState.Port,
				Protocol:    ev.PortState.Protocol,
				State:       ev.PortState.State,
				Service:     ev.PortState.Service,
				Product:     ev.PortState.Product,
				Version:     ev.PortState.Version,
				CertSubject: ev.PortState.CertSubject,
				CertIssuer:  ev.PortState.CertIssuer,
				CertExpiry:  ev.PortState.CertExpiry,
			})
		case scanevents.KindOSMatch:
			h, ok := hosts[ev.OSMatch.Address]
			if !ok {
				h = &graph.HostResult{Address: ev.OSMatch.Address, ScannedAt: time.Now()}
				hosts[ev.OSMatch.Address] = h
			}
			h.OSMatches = append(h.OSMatches, ev.OSMatch.Name)
		}
	}
}

// writeResults persists every accumulated host result to the Graph Writer
// concurrently (bounded by the Writer's own semaphore), returning the
// number of hosts whose write ultimately failed after retries.
func (o *Orchestrator) writeResults(ctx context.Context, taskID string, plan *planner.ScanPlan, hosts map[string]*graph.HostResult) int {
	if o.writer == nil || len(hosts) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, h := range hosts {
		h.ContainedBy = containingCIDRs(plan.Ranges, h.Address)
		wg.Add(1)
		go func(result graph.HostResult) {
			defer wg.Done()
			if err := o.writer.WriteHost(ctx, result); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
				o.bus.Publish(taskID, scanevents.NewLogLineEvent("graph_writer", "error", err.Error()))
			}
		}(*h)
	}
	wg.Wait()
	return failed
}

// containingCIDRs returns the subset of ranges that are CIDR-form and
// contain addr, falling back to addr's own /32 so every host belongs to at
// least one NetworkContainer even when its originating range was a single
// address or dash range rather than a CIDR block.
func containingCIDRs(ranges []string, addr string) []string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}

	var matches []string
	for _, r := range ranges {
		_, ipnet, err := net.ParseCIDR(r)
		if err != nil {
			continue
		}
		if ipnet.Contains(ip) {
			matches = append(matches, ipnet.String())
		}
	}
	if len(matches) == 0 {
		matches = []string{addr + "/32"}
	}
	return matches
}
