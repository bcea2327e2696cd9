package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-harvester/convergence/internal/roundctl"
	"github.com/spec-harvester/convergence/internal/types"
)

var (
	resumeRunID            string
	resumeContract         string
	resumeSeedURLs         []string
	resumeAmbiguity        string
	resumeFamilyModelCount int
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-run a previous target, picking up from the stored evidence and learning state",
	Long: `resume re-derives a product from an earlier run.json and drives it
through the Round Controller again. There is no in-process checkpoint to
restore: every prior round's evidence stays indexed and every accepted
anchor stays in the learning stores, so a fresh Round 0 against the same
product reuses what is already on disk. Pages are fetched again; unchanged
content is a dedupe hit in the index.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeRunID, "run-id", "", "Prior run to resume (defaults to the most recent run)")
	resumeCmd.Flags().StringVar(&resumeContract, "contract", "", "Path to the category contract JSON file (required)")
	resumeCmd.Flags().StringSliceVar(&resumeSeedURLs, "seed-url", nil, "Extra seed URL for round 0 (repeatable)")
	resumeCmd.Flags().StringVar(&resumeAmbiguity, "ambiguity", "easy", "Declared identity ambiguity: easy|medium|hard")
	resumeCmd.Flags().IntVar(&resumeFamilyModelCount, "family-model-count", 0, "Known count of near-duplicate family members to disambiguate against")
	resumeCmd.MarkFlagRequired("contract")
}

func runResume(cmd *cobra.Command, args []string) error {
	contract, err := loadContract(resumeContract)
	if err != nil {
		return err
	}

	var prior types.RunSummary
	if resumeRunID != "" {
		prior, err = loadRunSummary(resumeRunID)
	} else {
		prior, err = latestRunFor("")
	}
	if err != nil {
		return fmt.Errorf("resolve prior run: %w", err)
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
	logger.Info("resuming run",
		zap.String("prior_run_id", prior.RunID),
		zap.String("brand", prior.Product.Brand),
		zap.String("model", prior.Product.Model),
	)

	summary, err := controller.Run(ctx, roundctl.RunInput{
		Product:          prior.Product,
		SeedURLs:         resumeSeedURLs,
		AmbiguityLevel:   types.AmbiguityLevel(resumeAmbiguity),
		FamilyModelCount: resumeFamilyModelCount,
	})
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if err := writeRunSummary(summary); err != nil {
		logger.Warn("failed to persist run summary", zap.Error(err))
	}

	fmt.Println(renderSummary(summary))
	return nil
}
