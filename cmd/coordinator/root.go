package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/spawn-mcp/research-coordinator/pkg/config"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Multi-agent research coordinator",
	Long: `Runs research questions through a planning, searching, analyzing,
verification and synthesis pipeline of LLM workers, locally or against
drone services.`,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&rootFlags.configPath, "config", "c", "", "Path to YAML config (defaults plus environment when empty)")
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.Version = version
}

// loadConfig reads the config and installs the logger it describes.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return cfg, err
	}
	if rootFlags.logLevel != "" {
		cfg.Logging.Level = rootFlags.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return cfg, err
	}
	logging.Setup(level, cfg.Logging.Format)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
