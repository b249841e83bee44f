package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Start or cancel a scan against the caller's stored configuration",
}

var scanStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a scan using the config stored via 'eidolonctl config put'",
	Long: `Start handles POST /collector/scan: the collector always runs the
config most recently PUT for this user, so the request body is empty.`,
	RunE: runScanStart,
}

var cancelTaskID string

var scanCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Request cancellation of a running scan task",
	RunE:  runScanCancel,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.AddCommand(scanStartCmd)
	scanCmd.AddCommand(scanCancelCmd)

	scanCancelCmd.Flags().StringVar(&cancelTaskID, "task-id", "", "task_id to cancel (required)")
	_ = scanCancelCmd.MarkFlagRequired("task-id")
}

type startScanResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func runScanStart(_ *cobra.Command, _ []string) error {
	client, err := NewAPIClient()
	if err != nil {
		return err
	}

	var resp startScanResponse
	if err := client.Post("/collector/scan", nil, &resp); err != nil {
		return err
	}

	if verbose {
		data, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(os.Stdout, string(data))
		return nil
	}
	fmt.Printf("task_id: %s (status: %s)\n", resp.TaskID, resp.Status)
	return nil
}

type cancelScanRequest struct {
	TaskID string `json:"task_id"`
}

type cancelScanResponse struct {
	Status string `json:"status"`
}

func runScanCancel(_ *cobra.Command, _ []string) error {
	client, err := NewAPIClient()
	if err != nil {
		return err
	}

	var resp cancelScanResponse
	if err := client.Post("/collector/scan/cancel", cancelScanRequest{TaskID: cancelTaskID}, &resp); err != nil {
		return err
	}

	fmt.Printf("task %s: %s\n", cancelTaskID, resp.Status)
	return nil
}
