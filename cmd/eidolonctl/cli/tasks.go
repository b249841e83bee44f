package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const maxStreamRows = 20

var streamTaskID string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Follow task progress from the Stream Endpoint",
}

var tasksStreamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Follow GET /tasks/stream, redrawing a live table of recent events",
	Long: `Without --task-id, subscribes to every task the registry is tracking
at connect time; tasks started afterward are not retroactively joined,
matching the server's per-connection subscription model (spec.md §4.5).`,
	RunE: runTasksStream,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksStreamCmd)

	tasksStreamCmd.Flags().StringVar(&streamTaskID, "task-id", "", "subscribe to a single task_id instead of all active tasks")
}

// streamFrame mirrors internal/api/handlers.streamFrame's wire shape.
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

func runTasksStream(_ *cobra.Command, _ []string) error {
	client, err := NewAPIClient()
	if err != nil {
		return err
	}

	endpoint := "/tasks/stream"
	if streamTaskID != "" {
		endpoint += "?task_id=" + streamTaskID
	}

	resp, err := client.StreamRequest(endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	rows := make([]streamFrame, 0, maxStreamRows)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			continue
		}

		rows = append(rows, frame)
		if len(rows) > maxStreamRows {
			rows = rows[len(rows)-maxStreamRows:]
		}
		renderStreamTable(rows)
	}
	return scanner.Err()
}

func renderStreamTable(rows []streamFrame) {
	fmt.Print("\033[H\033[2J")

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Seq", "Task", "Collector", "Event", "Status", "Events", "Total")

	for _, f := range rows {
		_ = table.Append([]string{
			strconv.FormatUint(f.Payload.Seq, 10),
			f.Payload.TaskID,
			f.Payload.Collector,
			f.EventType,
			f.Status,
			strconv.Itoa(f.Payload.EventsProcessed),
			strconv.Itoa(f.Payload.TotalEvents),
		})
	}

	_ = table.Render()
}
