package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eidolon-project/eidolon/internal/daemon"
	"github.com/eidolon-project/eidolon/internal/logging"
)

const (
	daemonStopProgressStep = 5  // show progress every N seconds
	daemonStopTimeout      = 30 // seconds to wait before force kill
	statusLineLength       = 30 // characters for status separator line
)

var (
	daemonPidFile    string
	daemonForeground bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control the eidolond background service",
	Long: `Start, stop, and inspect eidolond as a background service: the
scan collector API, task registry, and graph writer running continuously.`,
	Example: `  eidolond daemon start
  eidolond daemon stop
  eidolond daemon status
  eidolond daemon restart`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start eidolond",
	Long:  `Start the eidolond collector daemon, optionally detaching to the background.`,
	Example: `  eidolond daemon start
  eidolond daemon start --foreground`,
	Run: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:     "stop",
	Short:   "Stop the running eidolond daemon",
	Long:    `Gracefully stop the currently running eidolond daemon.`,
	Example: `  eidolond daemon stop`,
	Run:     runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Check eidolond's status",
	Example: `  eidolond daemon status`,
	Run:     runDaemonStatus,
}

var daemonRestartCmd = &cobra.Command{
	Use:     "restart",
	Short:   "Restart eidolond",
	Example: `  eidolond daemon restart`,
	Run:     runDaemonRestart,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonRestartCmd)

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "/tmp/eidolond.pid", "path to PID file")
	daemonStartCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "run in the foreground instead of detaching")
	daemonRestartCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "run in the foreground instead of detaching")
}

func runDaemonStart(_ *cobra.Command, _ []string) {
	if isDaemonRunning() {
		fmt.Fprintf(os.Stderr, "eidolond is already running (PID file: %s)\n", daemonPidFile)
		fmt.Fprintf(os.Stderr, "Use 'eidolond daemon stop' to stop it first, or 'daemon restart' to restart\n")
		os.Exit(1)
	}

	cfg, err := loadConfigFromPath(getConfigFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg.Daemon.PIDFile = daemonPidFile
	cfg.Daemon.Daemonize = !daemonForeground

	if verbose {
		fmt.Printf("Starting eidolond with configuration:\n")
		fmt.Printf("  PID file: %s\n", daemonPidFile)
		fmt.Printf("  API address: %s\n", cfg.GetAPIAddress())
		fmt.Printf("  Foreground: %t\n", daemonForeground)
	}

	d := daemon.New(cfg, logging.NewDefault())

	fmt.Printf("Starting eidolond...\n")
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting eidolond: %v\n", err)
		os.Exit(1)
	}
}

func runDaemonStop(_ *cobra.Command, _ []string) {
	if !isDaemonRunning() {
		fmt.Printf("eidolond is not running (no PID file found at %s)\n", daemonPidFile)
		return
	}

	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading PID file: %v\n", err)
		os.Exit(1)
	}

	if verbose {
		fmt.Printf("Stopping eidolond with PID %d...\n", pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding daemon process: %v\n", err)
		os.Exit(1)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error sending stop signal to daemon: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Stopping eidolond (PID %d)...\n", pid)
	for i := 0; i < daemonStopTimeout; i++ {
		if !isDaemonRunning() {
			fmt.Println("eidolond stopped successfully")
			return
		}
		time.Sleep(1 * time.Second)
		if i%daemonStopProgressStep == (daemonStopProgressStep - 1) {
			fmt.Printf("Waiting for eidolond to stop... (%d seconds)\n", i+1)
		}
	}

	fmt.Printf("eidolond did not stop gracefully, sending SIGKILL...\n")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		fmt.Fprintf(os.Stderr, "Error force-killing daemon: %v\n", err)
		os.Exit(1)
	}

	time.Sleep(2 * time.Second)
	if !isDaemonRunning() {
		fmt.Println("eidolond force-stopped")
	} else {
		fmt.Fprintf(os.Stderr, "Failed to stop eidolond\n")
		os.Exit(1)
	}
}

func runDaemonStatus(_ *cobra.Command, _ []string) {
	fmt.Printf("eidolond Daemon Status\n")
	fmt.Println(strings.Repeat("=", statusLineLength))

	if !isDaemonRunning() {
		fmt.Printf("Status: Not running\n")
		fmt.Printf("PID file: %s (not found)\n", daemonPidFile)
		return
	}

	pid, err := readPIDFile()
	if err != nil {
		fmt.Printf("Status: Unknown (error reading PID file: %v)\n", err)
		return
	}

	fmt.Printf("Status: Running\n")
	fmt.Printf("PID: %d\n", pid)
	fmt.Printf("PID file: %s\n", daemonPidFile)

	if info, err := os.Stat(daemonPidFile); err == nil {
		fmt.Printf("Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Printf("Uptime: %s\n", time.Since(info.ModTime()).Round(time.Second))
	}

	fmt.Printf("\nTo stop eidolond: eidolond daemon stop\n")
}

func runDaemonRestart(cmd *cobra.Command, args []string) {
	fmt.Println("Restarting eidolond...")

	if isDaemonRunning() {
		fmt.Println("Stopping existing daemon...")
		runDaemonStop(cmd, args)
		time.Sleep(1 * time.Second)
	}

	fmt.Println("Starting new daemon...")
	runDaemonStart(cmd, args)
}

func isDaemonRunning() bool {
	if _, err := os.Stat(daemonPidFile); os.IsNotExist(err) {
		return false
	}

	pid, err := readPIDFile()
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	return process.Signal(syscall.Signal(0)) == nil
}

func readPIDFile() (int, error) {
	// #nosec G304 - daemonPidFile is a controlled path from command line flags
	data, err := os.ReadFile(daemonPidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %v", err)
	}

	return pid, nil
}
