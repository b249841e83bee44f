// Package handlers provides HTTP request handlers for the Eidolon collector API.
// This file implements the Stream Endpoint: a long-lived Server-Sent-Events
// connection forwarding ScanEvents from the Event Bus to a connected client
// (spec.md §4.5).
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eidolon-project/eidolon/internal/eventbus"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/scanevents"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

// streamHeartbeatInterval is how often an idle connection gets an SSE
// comment frame to keep intermediaries (load balancers, proxies) from
// closing it (spec.md §4.5's 15s heartbeat).
const streamHeartbeatInterval = 15 * time.Second

// streamFrame is the JSON payload of one `data:` SSE frame.
type streamFrame struct {
	EventType string             `json:"event_type"`
	Status    string             `json:"status"`
	Payload   streamFramePayload `json:"payload"`
}

type streamFramePayload struct {
	TaskID          string `json:"task_id"`
	Seq             uint64 `json:"seq"`
	Collector       string `json:"collector,omitempty"`
	EventsProcessed int    `json:"events_processed"`
	TotalEvents     int    `json:"total_events,omitempty"`
	Output          string `json:"output,omitempty"`
}

// StreamHandler serves GET /tasks/stream.
type StreamHandler struct {
	bus      *eventbus.Bus
	registry *tasks.Registry
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(bus *eventbus.Bus, registry *tasks.Registry, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *StreamHandler {
	return &StreamHandler{
		bus:      bus,
		registry: registry,
		logger:   logger.With("handler", "stream"),
		metrics:  metricsRegistry,
	}
}

// Stream handles GET /tasks/stream. With a `task_id` query parameter it
// subscribes to that task only; otherwise it subscribes to every task
// currently tracked by the Task Registry at connect time (spec.md §4.5 —
// "subscribes to all active tasks (or a specified task)"). Tasks started
// after the connection opens are not retroactively joined, matching the
// Event Bus's per-topic subscription model.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError,
			fmt.Errorf("response writer does not support streaming"))
		return
	}

	taskIDs := h.resolveTaskIDs(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if len(taskIDs) == 0 {
		return
	}

	ctx := r.Context()
	merged := make(chan scanevents.Event, eventbus.DefaultQueueCapacity)
	subs := make([]*eventbus.Subscription, 0, len(taskIDs))
	for _, taskID := range taskIDs {
		sub := h.bus.Subscribe(taskID)
		subs = append(subs, sub)
		go h.pump(ctx, sub, merged)
	}
	defer func() {
		for _, sub := range subs {
			h.bus.Unsubscribe(sub)
		}
	}()

	recordMetric(h.metrics, "stream_connections_total", nil)

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-merged:
			if !ok {
				return
			}
			if err := h.writeFrame(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolveTaskIDs returns the task_id query parameter as a single-element
// slice, or every task currently tracked by the registry when absent.
func (h *StreamHandler) resolveTaskIDs(r *http.Request) []string {
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		return []string{taskID}
	}
	all := h.registry.List()
	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.TaskID)
	}
	return ids
}

// pump forwards one subscription's events onto the merged channel until the
// subscription closes or ctx is done.
func (h *StreamHandler) pump(ctx context.Context, sub *eventbus.Subscription, merged chan<- scanevents.Event) {
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return
		}
		select {
		case merged <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// writeFrame encodes ev as one `data: <json>\n\n` SSE frame using the
// status/payload shape spec.md §4.5 defines.
func (h *StreamHandler) writeFrame(w http.ResponseWriter, ev scanevents.Event) error {
	task, found := h.registry.Get(ev.TaskID)

	frame := streamFrame{
		EventType: "collector.scan",
		Status:    streamStatus(ev, task, found),
		Payload: streamFramePayload{
			TaskID:    ev.TaskID,
			Seq:       ev.Seq,
			Collector: ev.Collector,
		},
	}
	if found {
		frame.Payload.EventsProcessed = task.EventsProcessed[ev.Collector]
		frame.Payload.TotalEvents = task.ExpectedEvents
	}

	body, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal stream frame", "error", err, "task_id", ev.TaskID)
		return nil
	}

	_, err = fmt.Fprintf(w, "data: %s\n\n", body)
	return err
}

// streamStatus maps ev to the SSE frame's status field. The terminal
// finalized event carries its own status (the Orchestrator publishes it as
// the last event on the topic, so there is no race against a separate
// registry read); every other event reports "progress", falling back to
// the registry's own status only as a defensive measure should a terminal
// status somehow be observed without its finalized event.
func streamStatus(ev scanevents.Event, task tasks.Task, found bool) string {
	if ev.Kind == scanevents.KindFinalized && ev.Finalized != nil {
		return ev.Finalized.Status
	}
	if found && task.Status.IsTerminal() {
		return string(task.Status)
	}
	return "progress"
}
