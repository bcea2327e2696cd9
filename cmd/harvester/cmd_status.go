package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spec-harvester/convergence/internal/types"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Render a persisted run summary",
	Long: `status reads a run.json artifact back from the workspace's runs/
directory and renders it the same way run does, without re-running
anything. Defaults to the most recently started run.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "Run to show (defaults to the most recent run)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := statusSummary()
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s %s", s.Product.Brand, s.Product.Model)))
	fmt.Println(mutedStyle.Render(fmt.Sprintf("run %s", s.RunID)))
	fmt.Println(renderSummary(s))
	return nil
}

func statusSummary() (types.RunSummary, error) {
	if statusRunID != "" {
		return loadRunSummary(statusRunID)
	}
	return latestRunFor("")
}
