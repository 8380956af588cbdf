package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modgate/modgate/config"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "modgate",
	Short: "Module execution engine with contracts, policies and call-chain guards",
	Long: `Modgate executes registered modules under declared input/output
contracts, a caller-to-target authorization policy and call-chain
guards against runaway recursion.

Operator tooling:
  modgate validate                 # Validate configuration, policy and manifests
  modgate explain <caller> <target>  # Explain an authorization decision`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "modgate.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging.format")
}

// loadCLIConfig loads the config file and applies the global flag
// overrides.
func loadCLIConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
