// Package daemon provides the background service functionality for
// eidolond. It owns the process lifecycle (fork, privilege drop, PID file,
// signal handling) and wires together the scan orchestration stack: the
// database connection, Graph Writer, Config Store, Scanner Driver, Event
// Bus, Task Registry, Orchestrator, and collector API server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/eidolon-project/eidolon/internal/api"
	"github.com/eidolon-project/eidolon/internal/config"
	"github.com/eidolon-project/eidolon/internal/configstore"
	"github.com/eidolon-project/eidolon/internal/eventbus"
	"github.com/eidolon-project/eidolon/internal/graph"
	"github.com/eidolon-project/eidolon/internal/logging"
	"github.com/eidolon-project/eidolon/internal/metrics"
	"github.com/eidolon-project/eidolon/internal/orchestrator"
	"github.com/eidolon-project/eidolon/internal/scandriver"
	"github.com/eidolon-project/eidolon/internal/tasks"
)

const (
	// Health check interval in seconds.
	healthCheckIntervalSeconds = 10
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main eidolond process.
type Daemon struct {
	config *config.Config
	logger *logging.Logger

	db          *sqlx.DB
	writer      *graph.Writer
	configStore *configstore.Store
	driver      *scandriver.Driver
	bus         *eventbus.Bus
	registry    *tasks.Registry
	orch        *orchestrator.Orchestrator
	apiServer   *api.Server

	pidFile   string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	debugMode bool
	mu        sync.RWMutex
}

// New creates a new daemon instance.
func New(cfg *config.Config, logger *logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		logger:  logger,
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start starts the daemon.
func (d *Daemon) Start() error {
	d.logger.Info("starting eidolond")

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if d.config.Daemon.WorkDir != "" {
		if err := os.MkdirAll(d.config.Daemon.WorkDir, DefaultDirPermissions); err != nil {
			return fmt.Errorf("failed to create working directory: %w", err)
		}
		if err := os.Chdir(d.config.Daemon.WorkDir); err != nil {
			return fmt.Errorf("failed to change to working directory: %w", err)
		}
	}

	if d.config.Daemon.Daemonize {
		if err := d.fork(); err != nil {
			return fmt.Errorf("failed to fork daemon: %w", err)
		}
	}

	if err := d.dropPrivileges(); err != nil {
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	d.setupSignalHandlers()

	if err := d.initDatabase(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := d.initDomain(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize orchestration stack: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.logger.Info("eidolond started successfully")
	return d.run()
}

// Stop stops the daemon gracefully.
func (d *Daemon) Stop() error {
	d.logger.Info("stopping eidolond")

	d.cancel()

	select {
	case <-d.done:
		d.logger.Info("daemon stopped gracefully")
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		d.logger.Warn("shutdown timeout reached, forcing exit")
	}

	d.cleanup()
	return nil
}

// fork creates a background process.
func (d *Daemon) fork() error {
	if os.Getppid() == 1 {
		return nil // already a daemon
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{executable}
	for _, arg := range os.Args[1:] {
		if arg != "--daemon" && arg != "-d" {
			args = append(args, arg)
		}
	}

	procAttr := &os.ProcAttr{
		Dir:   d.config.Daemon.WorkDir,
		Env:   os.Environ(),
		Files: []*os.File{nil, nil, nil},
	}

	process, err := os.StartProcess(executable, args, procAttr)
	if err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}

	d.logger.Info("daemon forked", "pid", process.Pid)
	os.Exit(0)
	return nil
}

// dropPrivileges drops root privileges if configured.
func (d *Daemon) dropPrivileges() error {
	if d.config.Daemon.User == "" && d.config.Daemon.Group == "" {
		return nil
	}

	if os.Getuid() != 0 {
		d.logger.Info("not running as root, skipping privilege drop")
		return nil
	}

	if d.config.Daemon.Group != "" {
		grp, err := user.LookupGroup(d.config.Daemon.Group)
		if err != nil {
			return fmt.Errorf("failed to lookup group %s: %w", d.config.Daemon.Group, err)
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil {
			return fmt.Errorf("invalid group ID: %w", err)
		}
		if err := syscall.Setgid(gid); err != nil {
			return fmt.Errorf("failed to set GID to %d: %w", gid, err)
		}
		d.logger.Info("changed group", "group", d.config.Daemon.Group, "gid", gid)
	}

	if d.config.Daemon.User != "" {
		usr, err := user.Lookup(d.config.Daemon.User)
		if err != nil {
			return fmt.Errorf("failed to lookup user %s: %w", d.config.Daemon.User, err)
		}
		uid, err := strconv.Atoi(usr.Uid)
		if err != nil {
			return fmt.Errorf("invalid user ID: %w", err)
		}
		if err := syscall.Setuid(uid); err != nil {
			return fmt.Errorf("failed to setuid to %d: %w", uid, err)
		}
		d.logger.Info("changed user", "user", d.config.Daemon.User, "uid", uid)
	}

	return nil
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Info("created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID checks if a PID file exists and if the process is still running.
func (d *Daemon) checkExistingPID() error {
	if _, err := os.Stat(d.pidFile); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		_ = os.Remove(d.pidFile)
		return nil
	}

	if d.isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func (d *Daemon) isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers sets up signal handling for graceful shutdown,
// config reload, status dump, and debug toggling.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	)

	go func() {
		for sig := range sigChan {
			d.logger.Info("received signal", "signal", sig.String())

			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.logger.Info("initiating graceful shutdown")
				d.cancel()
				return
			case syscall.SIGHUP:
				if err := d.reloadConfiguration(); err != nil {
					d.logger.Error("configuration reload failed", "error", err)
				} else {
					d.logger.Info("configuration reloaded successfully")
				}
			case syscall.SIGUSR1:
				d.dumpStatus()
			case syscall.SIGUSR2:
				d.toggleDebugMode()
			}
		}
	}()
}

// initDatabase opens the shared Postgres connection pool backing the Graph
// Writer and Config Store.
func (d *Daemon) initDatabase() error {
	d.logger.Info("connecting to database")

	db, err := sqlx.ConnectContext(d.ctx, "postgres", d.config.Database.DSN())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	db.SetMaxOpenConns(d.config.Database.MaxOpenConns)
	db.SetMaxIdleConns(d.config.Database.MaxIdleConns)
	db.SetConnMaxLifetime(d.config.Database.ConnMaxLifetime)
	db.SetConnMaxIdleTime(d.config.Database.ConnMaxIdleTime)

	d.db = db
	d.logger.Info("database connection established")
	return nil
}

// initDomain builds the Graph Writer, Config Store, Scanner Driver, Event
// Bus, Task Registry, and Orchestrator over the now-open database
// connection, applying both schemas and starting the Task Registry's
// janitor.
func (d *Daemon) initDomain() error {
	resolver := graph.NewResolver(d.config.Scanning.DNSResolver())
	writer := graph.NewWriter(d.db, resolver, d.logger)
	writer.DeleteStaleServices = d.config.Graph.DeleteStaleServices
	if err := writer.EnsureSchema(d.ctx); err != nil {
		return fmt.Errorf("graph schema: %w", err)
	}
	d.writer = writer

	store := configstore.NewStore(d.db)
	if err := store.EnsureSchema(d.ctx); err != nil {
		return fmt.Errorf("config store schema: %w", err)
	}
	d.configStore = store

	d.driver = scandriver.New(d.config.Scanning.ScannerBin, d.config.Scanning.KillGracePeriod, d.logger)

	metricsRegistry := metrics.NewRegistry()
	d.bus = eventbus.NewBus(d.config.Tasks.SubscriptionQueueCap, metricsRegistry, d.logger)

	retention := time.Duration(d.config.Tasks.RetentionSeconds) * time.Second
	d.registry = tasks.NewRegistry(retention, d.logger)
	if err := d.registry.StartJanitor(); err != nil {
		return fmt.Errorf("starting task janitor: %w", err)
	}

	d.orch = orchestrator.New(d.driver, d.bus, d.writer, d.registry, d.logger)
	return nil
}

// initAPIServer initializes the collector API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.IsAPIEnabled() {
		d.logger.Info("API server disabled, skipping initialization")
		return nil
	}

	d.logger.Info("initializing API server", "address", d.config.GetAPIAddress())

	apiServer, err := api.New(d.config, api.Dependencies{
		Database:     d.db,
		Orchestrator: d.orch,
		ConfigStore:  d.configStore,
		Tasks:        d.registry,
		Bus:          d.bus,
	}, d.logger)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}

	d.apiServer = apiServer
	d.logger.Info("API server initialized")
	return nil
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	d.logger.Info("entering main daemon loop")

	if d.apiServer != nil {
		go func() {
			d.logger.Info("starting API server", "address", d.config.GetAPIAddress())
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.logger.Error("API server error", "error", err)
			}
		}()
	}

	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("shutdown signal received")
			close(d.done)
			return nil

		case <-time.After(healthCheckIntervalSeconds * time.Second):
			d.performHealthCheck()
		}
	}
}

// performHealthCheck pings the database and, on failure, retries with
// backoff. database/sql pools redial transparently on the next query, so
// unlike the teacher's full reconnect (which rebuilds its *db.DB wrapper)
// this only needs to confirm the pool has recovered, not replace it — the
// Orchestrator holds no swappable reference to it anyway.
func (d *Daemon) performHealthCheck() {
	if d.db == nil {
		return
	}
	if err := d.db.PingContext(d.ctx); err != nil {
		d.logger.Error("database health check failed", "error", err)
		if err := d.waitForDatabase(); err != nil {
			d.logger.Error("database did not recover", "error", err)
		}
	}

	if d.writer != nil && d.writer.IsBackedUp() {
		d.logger.Warn("graph writer backed up past per-host budget")
	}
}

// waitForDatabase retries Ping with exponential backoff, capped at 30s
// per attempt, up to 5 attempts.
func (d *Daemon) waitForDatabase() error {
	const maxRetries = 5
	const baseDelay = 2 * time.Second
	const maxDelay = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		multiplier := int64(1) << (attempt - 1)
		delay := time.Duration(int64(baseDelay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}

		if attempt > 1 {
			select {
			case <-d.ctx.Done():
				return fmt.Errorf("reconnection cancelled due to shutdown")
			case <-time.After(delay):
			}
		}

		if err := d.db.PingContext(d.ctx); err == nil {
			d.logger.Info("database reconnected", "attempt", attempt)
			return nil
		}
	}

	return fmt.Errorf("database unreachable after %d attempts", maxRetries)
}

// cleanup performs cleanup tasks in reverse order of initialization.
func (d *Daemon) cleanup() {
	d.logger.Info("performing cleanup")

	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.Error("error stopping API server", "error", err)
		} else {
			d.logger.Info("API server stopped")
		}
	}

	if d.registry != nil {
		d.registry.Stop()
	}

	if d.writer != nil {
		d.writer.Close()
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Error("error closing database", "error", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("error removing PID file", "error", err)
		} else {
			d.logger.Info("removed PID file", "path", d.pidFile)
		}
	}

	d.logger.Info("cleanup completed")
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning checks if the daemon is running.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// reloadConfiguration reloads the daemon configuration from file and, if
// the API section changed, restarts only the API server. The database and
// orchestration stack are left running: none of their config knobs
// (connection pool sizing, scanner binary path, task retention) support a
// safe hot swap the way the API server's listener does.
func (d *Daemon) reloadConfiguration() error {
	d.logger.Info("starting configuration reload")

	oldAPI := d.config.API
	if err := d.config.Reload(); err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("reloaded configuration is invalid: %w", err)
	}

	if d.hasAPIConfigChanged(oldAPI, d.config.API) {
		d.restartAPIServer(d.config)
	}

	d.logger.Info("configuration reload completed successfully")
	return nil
}

// restartAPIServer stops and starts the API server with new configuration.
func (d *Daemon) restartAPIServer(newConfig *config.Config) {
	d.logger.Info("API configuration changed, restarting API server")

	if d.apiServer != nil {
		if err := d.apiServer.Stop(); err != nil {
			d.logger.Error("failed to stop API server", "error", err)
		}
	}

	if !newConfig.API.Enabled {
		d.apiServer = nil
		return
	}

	apiServer, err := api.New(newConfig, api.Dependencies{
		Database:     d.db,
		Orchestrator: d.orch,
		ConfigStore:  d.configStore,
		Tasks:        d.registry,
		Bus:          d.bus,
	}, d.logger)
	if err != nil {
		d.logger.Error("failed to create API server with new config", "error", err)
		return
	}

	go func() {
		if err := apiServer.Start(d.ctx); err != nil {
			d.logger.Error("API server error", "error", err)
		}
	}()

	d.apiServer = apiServer
}

// hasAPIConfigChanged reports whether the API's enabled flag or listen
// address changed between the old and new sections.
func (d *Daemon) hasAPIConfigChanged(oldAPI, newAPI config.APIConfig) bool {
	return oldAPI.Enabled != newAPI.Enabled ||
		oldAPI.Host != newAPI.Host ||
		oldAPI.Port != newAPI.Port
}

// dumpStatus dumps the current daemon status to the log.
func (d *Daemon) dumpStatus() {
	d.mu.RLock()
	debugMode := d.debugMode
	d.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStatus := "NOT CONFIGURED"
	if d.db != nil {
		if err := d.db.PingContext(d.ctx); err != nil {
			dbStatus = fmt.Sprintf("DISCONNECTED (%v)", err)
		} else {
			dbStatus = "CONNECTED"
		}
	}

	apiStatus := "DISABLED"
	if d.apiServer != nil && d.config.API.Enabled {
		apiStatus = fmt.Sprintf("RUNNING on %s", d.config.GetAPIAddress())
	}

	trackedTasks := 0
	if d.registry != nil {
		trackedTasks = len(d.registry.List())
	}

	d.logger.Info("daemon status dump",
		"pid", os.Getpid(),
		"debug_mode", debugMode,
		"alloc_kb", m.Alloc/1024,
		"sys_kb", m.Sys/1024,
		"num_gc", m.NumGC,
		"goroutines", runtime.NumGoroutine(),
		"database", dbStatus,
		"api_server", apiStatus,
		"tracked_tasks", trackedTasks,
	)
}

// toggleDebugMode toggles debug mode on/off.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	newMode := d.debugMode
	d.mu.Unlock()

	d.logger.Info("debug mode toggled", "enabled", newMode)
}

// IsDebugMode returns the current debug mode state.
func (d *Daemon) IsDebugMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// GetContext returns the daemon's context.
func (d *Daemon) GetContext() context.Context {
	return d.ctx
}

// GetDatabase returns the shared database connection.
func (d *Daemon) GetDatabase() *sqlx.DB {
	return d.db
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
