// Package cli provides the command-line interface for eidolond: the
// Cobra-based root command and daemon lifecycle subcommands (start, stop,
// status, restart).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eidolon-project/eidolon/internal/config"
	"github.com/eidolon-project/eidolon/internal/logging"
)

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "eidolond",
	Short: "Eidolon scan collector daemon",
	Long: `eidolond runs the Eidolon scan orchestrator as a background service:
it accepts scan requests over its collector HTTP API, drives the nmap-backed
scanner driver through the ping/port pipeline, streams progress to
subscribers, and persists results into the property graph.`,
	Version: getVersion(),
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig locates the config file via viper and initializes structured
// logging from it. Struct population of config.Config itself goes through
// internal/config.Load, not viper.Unmarshal; viper here only resolves the
// file path and the --verbose flag, same split as the teacher repo.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("EIDOLON")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the resolved config file path, or "" if viper
// found none.
func getConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// loadConfigFromPath loads the config at path, or returns config.Default()
// when path is empty: config.Load rejects an empty path outright, but an
// unconfigured eidolond/eidolonctl invocation with no discovered config file
// is the common case, not an error.
func loadConfigFromPath(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging from the loaded configuration,
// falling back to defaults if the config can't be loaded.
func initLogging() {
	cfg, err := loadConfigFromPath(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.Level == "debug",
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}

	logging.SetDefault(logger)

	if verbose {
		logging.Info("structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}
