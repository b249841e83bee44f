// Package cli provides the command-line client for the Eidolon scan
// collector API: scan start/cancel, config get/put, and task stream
// subcommands, all authenticated with the x-user-id header scheme the
// collector API requires.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eidolon-project/eidolon/internal/config"
)

var (
	cfgFile string
	verbose bool
	userID  string
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "eidolonctl",
	Short: "Eidolon scan collector client",
	Long: `eidolonctl talks to a running eidolond collector API: it stores
scan configuration, starts and cancels scans, and follows task progress.`,
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
	rootCmd.PersistentFlags().StringVar(&userID, "user-id", "", "caller identity sent as the x-user-id header (default: $EIDOLON_USER_ID)")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

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
}

func getConfigFilePath() string {
	return viper.ConfigFileUsed()
}

// loadConfigFromPath loads the config at path, or returns config.Default()
// when path is empty: config.Load rejects an empty path outright, but an
// unconfigured eidolonctl invocation with no discovered config file is the
// common case, not an error.
func loadConfigFromPath(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

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

// resolveUserID returns the --user-id flag value, falling back to
// $EIDOLON_USER_ID, since every collector endpoint requires one.
func resolveUserID() (string, error) {
	if userID != "" {
		return userID, nil
	}
	if env := os.Getenv("EIDOLON_USER_ID"); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("no user identity configured; pass --user-id or set EIDOLON_USER_ID")
}

// loadConfig loads the collector's config.Config purely to read its API
// address/TLS settings for building the client's base URL.
func loadConfig() (*config.Config, error) {
	return loadConfigFromPath(getConfigFilePath())
}
