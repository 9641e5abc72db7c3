package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/hazardsync/internal/config"
	"github.com/psantana5/hazardsync/internal/harvest"
	"github.com/psantana5/hazardsync/internal/history"
	"github.com/psantana5/hazardsync/internal/orchestrator"
	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/container"
	"github.com/psantana5/hazardsync/pkg/logging"
	"github.com/psantana5/hazardsync/pkg/tracing"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "hazardsync",
	Short:         "Geospatial hazard dataset updater",
	Long:          `hazardsync runs configured download tasks into a fresh run workspace, harvests the loose artifacts they leave behind and publishes everything as one shareable container.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hazardsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// consoleWriter is where run logs are mirrored: stdout for tables, stderr
// when stdout carries JSON
func consoleWriter(cfg *config.Config) io.Writer {
	if !cfg.Log.Console {
		return nil
	}
	if IsJSONOutput() {
		return os.Stderr
	}
	return os.Stdout
}

func newLogger(cfg *config.Config) *logging.Logger {
	log := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if IsJSONOutput() {
		log.SetOutput(os.Stderr)
	}
	return log
}

// capabilities probes the native runtime named in the config, if one loads
func capabilities() container.Capabilities {
	if cfg, err := loadConfig(); err == nil {
		return cfg.Capabilities()
	}
	return container.DetectCapabilities("")
}

func openHistory(cfg *config.Config) (history.Store, error) {
	return history.NewStore(history.Config{
		Type: cfg.History.Type,
		DSN:  cfg.History.DSN,
		Path: cfg.History.Path,
	})
}

func initTracing(cfg *config.Config) (*tracing.Provider, error) {
	return tracing.InitTracer(tracing.Config{
		ServiceName:    "hazardsync",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Enabled:        cfg.Tracing.Enabled,
	})
}

func harvestFilter(cfg *config.Config) *harvest.FilterConfig {
	f := harvest.NewFilterConfig()
	f.AllowedExtensions = append(f.AllowedExtensions, cfg.Harvest.AllowedExtensions...)
	f.BlockedDirs = append(f.BlockedDirs, cfg.Harvest.BlockedDirs...)
	return f
}

// newOrchestrator maps the configuration onto orchestrator options
func newOrchestrator(cfg *config.Config, deps orchestrator.Deps, label, tag string) (*orchestrator.Orchestrator, error) {
	fallback, err := cfg.FallbackCRS()
	if err != nil {
		return nil, err
	}
	if tag == "" {
		tag = cfg.RunTag
	}
	return orchestrator.New(orchestrator.Options{
		BaseDir:         cfg.BaseDir,
		Label:           label,
		Tag:             tag,
		Workspace:       cfg.WorkspaceOptions(cfg.Capabilities()),
		Runner:          runner.Config{Timeout: cfg.TaskTimeout, Grace: cfg.TaskGrace},
		Filter:          harvestFilter(cfg),
		FallbackCRS:     fallback,
		ToolPath:        cfg.ToolPath,
		LogLevel:        logging.ParseLevel(cfg.Log.Level),
		Console:         consoleWriter(cfg),
		MetricsTextfile: cfg.Metrics.Textfile,
	}, deps), nil
}
