package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidolon-project/eidolon/internal/eventbus"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/planner"
	"github.com/eidolon-project/eidolon/internal/scanevents"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

func newTestStreamHandler(t *testing.T) (*StreamHandler, *eventbus.Bus, *tasks.Registry) {
	t.Helper()
	logger := logging.NewDefault()
	bus := eventbus.NewBus(16, metrics.NewRegistry(), logger)
	registry := tasks.NewRegistry(5*time.Second, logger)
	return NewStreamHandler(bus, registry, testLogger(), metrics.NewRegistry()), bus, registry
}

func TestStreamHandler_Stream_NoActiveTasks(t *testing.T) {
	h, _, _ := newTestStreamHandler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := httptest.NewRequest("GET", "/tasks/stream", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	h.Stream(w, r)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}

func TestStreamHandler_Stream_ForwardsPublishedEvent(t *testing.T) {
	h, bus, registry := newTestStreamHandler(t)

	plan := &planner.ScanPlan{Hosts: nil, Ports: []int{22}}
	taskID, err := registry.Start("user-1", plan)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest("GET", "/tasks/stream?task_id="+taskID, nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.Stream(w, r)
		close(done)
	}()

	// Give the handler a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(taskID, scanevents.NewHostUpEvent("10.0.0.1", ""))

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "data: "), "expected an SSE data frame, got: %s", body)
	assert.True(t, strings.Contains(body, taskID), "expected the frame to reference the task_id")
}

func TestStreamHandler_ResolveTaskIDs_ExplicitTaskID(t *testing.T) {
	h, _, _ := newTestStreamHandler(t)

	r := httptest.NewRequest("GET", "/tasks/stream?task_id=abc-123", nil)
	ids := h.resolveTaskIDs(r)

	require.Len(t, ids, 1)
	assert.Equal(t, "abc-123", ids[0])
}

func TestStreamHandler_ResolveTaskIDs_AllActiveTasks(t *testing.T) {
	h, _, registry := newTestStreamHandler(t)

	plan := &planner.ScanPlan{Hosts: nil, Ports: []int{22}}
	id1, err := registry.Start("user-1", plan)
	require.NoError(t, err)
	id2, err := registry.Start("user-2", plan)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/tasks/stream", nil)
	ids := h.resolveTaskIDs(r)

	assert.ElementsMatch(t, []string{id1, id2}, ids)
}

func TestStreamStatus_FinalizedEventReportsItsOwnStatus(t *testing.T) {
	ev := scanevents.NewFinalizedEvent("cancelled")
	assert.Equal(t, "cancelled", streamStatus(ev, tasks.Task{}, false))
}

func TestStreamStatus_OrdinaryEventReportsProgressWhileRunning(t *testing.T) {
	ev := scanevents.NewHostUpEvent("10.0.0.1", "")
	task := tasks.Task{Status: tasks.StatusRunning}
	assert.Equal(t, "progress", streamStatus(ev, task, true))
}

func TestStreamStatus_FallsBackToRegistryTerminalStatus(t *testing.T) {
	ev := scanevents.NewHostUpEvent("10.0.0.1", "")
	task := tasks.Task{Status: tasks.StatusComplete}
	assert.Equal(t, "complete", streamStatus(ev, task, true))
}

func TestWriteFrame_UsesPerCollectorCountAndExpectedTotalAsDenominator(t *testing.T) {
	h, _, registry := newTestStreamHandler(t)

	plan := &planner.ScanPlan{Ports: []int{22, 80}}
	taskID, err := registry.Start("user-1", plan)
	require.NoError(t, err)

	registry.RecordEvent(taskID, "port")
	registry.SetExpectedEvents(taskID, 2)

	ev := scanevents.NewPortStateEvent(scanevents.PortState{Address: "10.0.0.1", Port: 22, State: "open"})
	ev.TaskID = taskID
	ev.Collector = "port"

	w := httptest.NewRecorder()
	require.NoError(t, h.writeFrame(w, ev))

	body := w.Body.String()
	assert.Contains(t, body, `"collector":"port"`)
	assert.Contains(t, body, `"events_processed":1`)
	assert.Contains(t, body, `"total_events":2`)
}

func TestWriteFrame_OmitsTotalEventsUntilExpectedIsSet(t *testing.T) {
	h, _, registry := newTestStreamHandler(t)

	plan := &planner.ScanPlan{Ports: []int{22}}
	taskID, err := registry.Start("user-1", plan)
	require.NoError(t, err)
	registry.RecordEvent(taskID, "ping")

	ev := scanevents.NewHostUpEvent("10.0.0.1", "")
	ev.TaskID = taskID
	ev.Collector = "ping"

	w := httptest.NewRecorder()
	require.NoError(t, h.writeFrame(w, ev))

	body := w.Body.String()
	assert.Contains(t, body, `"events_processed":1`)
	assert.NotContains(t, body, "total_events")
}
