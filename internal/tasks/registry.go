// Package tasks implements the Task Registry: the process-wide mapping from
// task_id to a running (or recently terminal) scan handle. It enforces
// at-most-one running task per user and evicts terminal tasks after a
// retention window, generalized from the teacher's worker pool's
// pendingJobs map/mutex pattern and the Scanner Driver's resource-manager
// semaphore shape.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/planner"
)

// Stage names where a task currently is.
type Stage string

const (
	StageCreated    Stage = "created"
	StagePing       Stage = "ping"
	StagePort       Stage = "port"
	StageFinalizing Stage = "finalizing"
)

// Status is a task's terminal or in-flight disposition.
type Status string

const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusPartial, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CancelResult is the outcome of a Registry.Cancel call.
type CancelResult string

const (
	CancelResultCancelled      CancelResult = "cancelled"
	CancelResultNotFound       CancelResult = "not_found"
	CancelResultAlreadyTerminal CancelResult = "already_terminal"
)

// Task is a snapshot of one scan's progress. EventsProcessed is keyed by
// collector ("ping"/"port") as the data model's per-collector counter.
// TotalEvents is a running aggregate of every event processed so far across
// collectors, not a denominator; ExpectedEvents is the denominator
// (spec.md §6 total_events), 0/unset until the port stage's workload size
// is known (the live-host count from the ping stage_complete), which is
// also why an empty-ping scan (no live hosts) reports ExpectedEvents=0
// forever (spec.md §9 S2).
type Task struct {
	TaskID          string
	UserID          string
	CreatedAt       time.Time
	Plan            *planner.ScanPlan
	Stage           Stage
	CancelRequested bool
	EventsProcessed map[string]int
	TotalEvents     int
	ExpectedEvents  int
	Status          Status
	terminalAt      time.Time
}

// snapshot returns a value copy of t safe to hand to callers outside the
// registry's lock.
func (t *Task) snapshot() Task {
	cp := *t
	cp.EventsProcessed = make(map[string]int, len(t.EventsProcessed))
	for k, v := range t.EventsProcessed {
		cp.EventsProcessed[k] = v
	}
	return cp
}

// Registry is the process-wide task_id -> Task map. The zero value is not
// usable; use NewRegistry. Safe for concurrent use.
type Registry struct {
	mu              sync.RWMutex
	tasks           map[string]*Task
	runningByUser   map[string]string // user_id -> task_id
	retentionWindow time.Duration

	janitor *cron.Cron
	logger  *logging.Logger
}

// NewRegistry creates a Registry whose janitor evicts terminal tasks older
// than retentionWindow (spec.md §4.4's ≥5s retention), running once per
// second via robfig/cron/v3, the teacher's scheduler library left otherwise
// unused in the pack.
func NewRegistry(retentionWindow time.Duration, logger *logging.Logger) *Registry {
	if retentionWindow <= 0 {
		retentionWindow = 5 * time.Second
	}
	r := &Registry{
		tasks:           make(map[string]*Task),
		runningByUser:   make(map[string]string),
		retentionWindow: retentionWindow,
		janitor:         cron.New(cron.WithSeconds()),
		logger:          logger,
	}
	return r
}

// StartJanitor schedules the retention eviction job. Call once after
// construction; Stop the registry to halt it.
func (r *Registry) StartJanitor() error {
	_, err := r.janitor.AddFunc("@every 1s", r.evictExpired)
	if err != nil {
		return err
	}
	r.janitor.Start()
	return nil
}

// Stop halts the janitor. Safe to call even if StartJanitor was never called.
func (r *Registry) Stop() {
	ctx := r.janitor.Stop()
	<-ctx.Done()
}

// Start creates a new running task for userID, failing with
// CodeScanAlreadyRunning if userID already has a running task.
func (r *Registry) Start(userID string, plan *planner.ScanPlan) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, ok := r.runningByUser[userID]; ok {
		if t, found := r.tasks[existingID]; found && t.Status == StatusRunning {
			return "", errors.NewScanError(errors.CodeScanAlreadyRunning,
				"user already has a running scan task").WithContext("task_id", existingID)
		}
	}

	taskID := uuid.NewString()
	r.tasks[taskID] = &Task{
		TaskID:          taskID,
		UserID:          userID,
		CreatedAt:       time.Now(),
		Plan:            plan,
		Stage:           StageCreated,
		EventsProcessed: make(map[string]int),
		Status:          StatusRunning,
	}
	r.runningByUser[userID] = taskID

	if r.logger != nil {
		r.logger.Info("task started", "task_id", taskID, "user_id", userID, "host_count", plan.HostCount())
	}
	return taskID, nil
}

// SetStage advances a running task to a new stage. No-op on unknown or
// already-terminal tasks.
func (r *Registry) SetStage(taskID string, stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		return
	}
	t.Stage = stage
}

// RecordEvent increments the per-collector event counter and the total.
func (r *Registry) RecordEvent(taskID, collector string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return
	}
	t.EventsProcessed[collector]++
	t.TotalEvents++
}

// SetExpectedEvents records the denominator for total_events once the port
// stage's workload size is known (collector event count a running task
// cannot exceed, per spec.md Invariant 2). No-op on unknown or
// already-terminal tasks; never decreases once a non-zero value is set,
// since the only caller (the Orchestrator, once per task) computes it from
// the live-host count exactly once.
func (r *Registry) SetExpectedEvents(taskID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		return
	}
	t.ExpectedEvents = n
}

// Cancel sets cancel_requested on taskID. Idempotent.
func (r *Registry) Cancel(taskID string) CancelResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return CancelResultNotFound
	}
	if t.Status.IsTerminal() {
		return CancelResultAlreadyTerminal
	}
	t.CancelRequested = true
	if r.logger != nil {
		r.logger.Info("task cancellation requested", "task_id", taskID)
	}
	return CancelResultCancelled
}

// IsCancelRequested reports a task's cancellation flag, for the
// Orchestrator's stage-boundary checks.
func (r *Registry) IsCancelRequested(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	return ok && t.CancelRequested
}

// Finalize atomically transitions taskID to a terminal status. A second
// call on an already-terminal task is a no-op (finalize may occur at most
// once per spec.md §4.4).
func (r *Registry) Finalize(taskID string, status Status) error {
	if !status.IsTerminal() {
		return errors.NewScanErrorWithTarget(errors.CodeValidation, "finalize requires a terminal status", taskID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return errors.NewScanErrorWithTarget(errors.CodeNotFound, "unknown task", taskID)
	}
	if t.Status.IsTerminal() {
		return nil
	}

	t.Status = status
	t.terminalAt = time.Now()
	if r.runningByUser[t.UserID] == taskID {
		delete(r.runningByUser, t.UserID)
	}
	if r.logger != nil {
		r.logger.Info("task finalized", "task_id", taskID, "status", string(status))
	}
	return nil
}

// Get returns a snapshot of taskID, or (Task{}, false) if unknown.
func (r *Registry) Get(taskID string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// List returns a snapshot of every task currently tracked, for admin/debug
// surfaces.
func (r *Registry) List() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// evictExpired removes terminal tasks whose retention window has elapsed.
func (r *Registry) evictExpired() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tasks {
		if t.Status.IsTerminal() && now.Sub(t.terminalAt) >= r.retentionWindow {
			delete(r.tasks, id)
		}
	}
}

// CancelAllRunning requests cancellation of every currently-running task,
// used during graceful server shutdown alongside internal/eventbus.Shutdown.
func (r *Registry) CancelAllRunning(ctx context.Context) []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.tasks))
	for id, t := range r.tasks {
		if !t.Status.IsTerminal() {
			t.CancelRequested = true
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	return ids
}
