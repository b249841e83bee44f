package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidolon-project/eidolon/internal/errors"
	"github.com/eidolon-project/eidolon/internal/planner"
)

func testPlan() *planner.ScanPlan {
	return &planner.ScanPlan{Ports: []int{22}}
}

func TestStartCreatesRunningTask(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	task, ok := r.Get(taskID)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, StageCreated, task.Stage)
	assert.Equal(t, "user-1", task.UserID)
}

func TestStartRejectsSecondRunningTaskForSameUser(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	_, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	_, err = r.Start("user-1", testPlan())
	require.Error(t, err)
	assert.Equal(t, errors.CodeScanAlreadyRunning, errors.GetCode(err))
}

func TestStartAllowsDifferentUsersConcurrently(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	_, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	_, err = r.Start("user-2", testPlan())
	require.NoError(t, err)
}

func TestStartAllowsNewTaskAfterPriorFinalized(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(taskID, StatusComplete))

	_, err = r.Start("user-1", testPlan())
	assert.NoError(t, err)
}

func TestCancelIdempotentAndReportsStates(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	assert.Equal(t, CancelResultCancelled, r.Cancel(taskID))
	assert.Equal(t, CancelResultCancelled, r.Cancel(taskID), "cancel must be idempotent")
	assert.True(t, r.IsCancelRequested(taskID))

	assert.Equal(t, CancelResultNotFound, r.Cancel("nonexistent"))

	require.NoError(t, r.Finalize(taskID, StatusCancelled))
	assert.Equal(t, CancelResultAlreadyTerminal, r.Cancel(taskID))
}

func TestFinalizeIsOnceOnly(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	require.NoError(t, r.Finalize(taskID, StatusComplete))
	require.NoError(t, r.Finalize(taskID, StatusFailed), "second finalize must be a no-op, not an error")

	task, _ := r.Get(taskID)
	assert.Equal(t, StatusComplete, task.Status, "first finalize wins")
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	err = r.Finalize(taskID, StatusRunning)
	assert.Error(t, err)
}

func TestGetUnknownTaskReturnsFalse(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	_, ok := r.Get("nope")
	assert.False(t, ok)
}

func TestRecordEventAccumulatesPerCollector(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	r.RecordEvent(taskID, "ping")
	r.RecordEvent(taskID, "ping")
	r.RecordEvent(taskID, "port")

	task, _ := r.Get(taskID)
	assert.Equal(t, 2, task.EventsProcessed["ping"])
	assert.Equal(t, 1, task.EventsProcessed["port"])
	assert.Equal(t, 3, task.TotalEvents)
}

func TestSetExpectedEvents(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	task, _ := r.Get(taskID)
	assert.Equal(t, 0, task.ExpectedEvents, "unset until the port stage's workload size is known")

	r.SetExpectedEvents(taskID, 2)
	task, _ = r.Get(taskID)
	assert.Equal(t, 2, task.ExpectedEvents)
}

func TestSetExpectedEventsNoopOnTerminalTask(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(taskID, StatusComplete))

	r.SetExpectedEvents(taskID, 5)
	task, _ := r.Get(taskID)
	assert.Equal(t, 0, task.ExpectedEvents)
}

func TestEvictExpiredRemovesOldTerminalTasks(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(taskID, StatusComplete))

	_, ok := r.Get(taskID)
	require.True(t, ok, "task must still be retained immediately after finalize")

	time.Sleep(20 * time.Millisecond)
	r.evictExpired()

	_, ok = r.Get(taskID)
	assert.False(t, ok, "task must be evicted once the retention window elapses")
}

func TestEvictExpiredKeepsRunningTasks(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	r.evictExpired()

	_, ok := r.Get(taskID)
	assert.True(t, ok, "running tasks must never be evicted regardless of age")
}

func TestSetStageNoOpOnTerminalTask(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	taskID, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	require.NoError(t, r.Finalize(taskID, StatusComplete))

	r.SetStage(taskID, StagePort)
	task, _ := r.Get(taskID)
	assert.NotEqual(t, StagePort, task.Stage)
}

func TestListReturnsAllTasks(t *testing.T) {
	r := NewRegistry(5*time.Second, nil)
	_, err := r.Start("user-1", testPlan())
	require.NoError(t, err)
	_, err = r.Start("user-2", testPlan())
	require.NoError(t, err)

	assert.Len(t, r.List(), 2)
}
