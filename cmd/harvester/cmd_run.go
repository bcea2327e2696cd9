package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-harvester/convergence/internal/roundctl"
	"github.com/spec-harvester/convergence/internal/types"
)

var (
	runProduct          productArgs
	runContract         string
	runSeedURLs         []string
	runAmbiguity        string
	runFamilyModelCount int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Converge on one product's category specification",
	Long: `run drives a product through Round 0 (bootstrap) and however many
targeted rounds it takes to hit a stop condition, writing a run.json
summary under the workspace's runs/ directory.`,
	RunE: runHarvest,
}

func init() {
	runCmd.Flags().StringVar(&runProduct.category, "category", "", "Category key (must match the contract file)")
	runCmd.Flags().StringVar(&runProduct.brand, "brand", "", "Product brand")
	runCmd.Flags().StringVar(&runProduct.model, "model", "", "Product model")
	runCmd.Flags().StringVar(&runProduct.variant, "variant", "", "Product variant")
	runCmd.Flags().StringVar(&runProduct.sku, "sku", "", "Product SKU")
	runCmd.Flags().StringSliceVar(&runProduct.aliases, "alias", nil, "Alternate name/SKU tokens (repeatable)")
	runCmd.Flags().StringVar(&runContract, "contract", "", "Path to the category contract JSON file (required)")
	runCmd.Flags().StringSliceVar(&runSeedURLs, "seed-url", nil, "Seed URL to fetch in round 0 (repeatable)")
	runCmd.Flags().StringVar(&runAmbiguity, "ambiguity", "easy", "Declared identity ambiguity: easy|medium|hard")
	runCmd.Flags().IntVar(&runFamilyModelCount, "family-model-count", 0, "Known count of near-duplicate family members to disambiguate against")
	runCmd.MarkFlagRequired("contract")
	runCmd.MarkFlagRequired("brand")
	runCmd.MarkFlagRequired("model")
}

func runHarvest(cmd *cobra.Command, args []string) error {
	contract, err := loadContract(runContract)
	if err != nil {
		return err
	}
	if runProduct.category == "" {
		runProduct.category = contract.Category
	}

	rt, err := buildDependencies(contract)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	if timeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
		defer cancel()
	}

	controller := roundctl.New(rt.deps)
	logger.Info("starting run", zap.String("brand", runProduct.brand), zap.String("model", runProduct.model))

	summary, err := controller.Run(ctx, roundctl.RunInput{
		Product:          runProduct.toProduct(),
		SeedURLs:         runSeedURLs,
		AmbiguityLevel:   types.AmbiguityLevel(runAmbiguity),
		FamilyModelCount: runFamilyModelCount,
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if err := writeRunSummary(summary); err != nil {
		logger.Warn("failed to persist run summary", zap.Error(err))
	}

	fmt.Println(renderSummary(summary))
	return nil
}

// writeRunSummary persists the run artifact to workspace/runs/<run_id>.json,
// the same flat per-run JSON file layout the teacher uses for campaigns
// under .nerd/campaigns/.
func writeRunSummary(s types.RunSummary) error {
	dir := filepath.Join(workspace, "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	path := filepath.Join(dir, s.RunID+".json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
