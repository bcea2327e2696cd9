// Package main implements the convergence engine's CLI: the harvester
// binary that drives the Round Controller over one product at a time.
//
// This file is the entry point and command registration hub. Subcommands
// live in their own cmd_*.go files:
//
//   - cmd_run.go     - runCmd, runHarvest()
//   - cmd_resume.go  - resumeCmd, runResume()
//   - cmd_status.go  - statusCmd, runStatus()
//   - cmd_explain.go - explainCmd, runExplain()
//   - deps.go        - buildDependencies(), shared wiring for every subcommand
//   - render.go      - styled run-summary rendering (lipgloss/glamour)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-harvester/convergence/internal/logging"
)

var (
	workspace   string
	configPath  string
	hostTable   string
	lexiconFile string
	adapterFile string
	timeoutSec  int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Round Controller CLI for the spec-harvester convergence engine",
	Long: `harvester drives one product at a time through the convergence
engine's bounded, evidence-first round loop, harvesting a structured
category specification from web sources and writing a run summary.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".harvester", "Run state directory (db, logs, runs)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.yaml (defaults baked in if empty)")
	rootCmd.PersistentFlags().StringVar(&hostTable, "host-table", "tables/host_strategy.yaml", "Known-host strategy table")
	rootCmd.PersistentFlags().StringVar(&lexiconFile, "lexicon", "tables/lexicon.yaml", "Component lexicon seed table")
	rootCmd.PersistentFlags().StringVar(&adapterFile, "adapter-rules", "tables/adapter_rules.yaml", "Adapter extraction rule table")
	rootCmd.PersistentFlags().IntVar(&timeoutSec, "timeout", 0, "Per-run timeout in seconds (0 = no deadline)")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, explainCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
