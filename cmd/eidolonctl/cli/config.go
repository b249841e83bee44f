package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/eidolon-project/eidolon/internal/planner"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Get or set the caller's stored scan configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the caller's stored ScanConfig",
	RunE:  runConfigGet,
}

var configFilePath string

var configPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store a new ScanConfig for the caller, replacing any previous one",
	Long: `Reads a ScanConfig from --file (YAML, or JSON — a valid subset of
YAML) and PUTs it to /collector/config. Options may be omitted; the
collector fills in planner.DefaultScanOptions() for a zero value.`,
	RunE: runConfigPut,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPutCmd)

	configPutCmd.Flags().StringVar(&configFilePath, "file", "", "path to a YAML or JSON ScanConfig (required)")
	_ = configPutCmd.MarkFlagRequired("file")
}

func runConfigGet(_ *cobra.Command, _ []string) error {
	client, err := NewAPIClient()
	if err != nil {
		return err
	}

	var cfg planner.ScanConfig
	if err := client.Get("/collector/config", &cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func runConfigPut(_ *cobra.Command, _ []string) error {
	raw, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", configFilePath, err)
	}

	var cfg planner.ScanConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", configFilePath, err)
	}

	client, err := NewAPIClient()
	if err != nil {
		return err
	}

	var stored planner.ScanConfig
	if err := client.Put("/collector/config", cfg, &stored); err != nil {
		return err
	}

	if verbose {
		data, _ := json.MarshalIndent(stored, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	fmt.Println("config stored")
	return nil
}
