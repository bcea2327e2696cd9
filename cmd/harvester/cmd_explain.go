package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-harvester/convergence/internal/consensus"
	"github.com/spec-harvester/convergence/internal/extraction"
	"github.com/spec-harvester/convergence/internal/needset"
	"github.com/spec-harvester/convergence/internal/retriever"
	"github.com/spec-harvester/convergence/internal/types"
)

var (
	explainContract string
	explainField    string
	explainRunID    string
)

var explainCmd = &cobra.Command{
	Use:   "explain",
	Short: "Show why a field sits where it does: NeedSet reasons, Prime Source pack, consensus trail",
	Long: `explain re-runs retrieval, extraction, and consensus scoring for one
field against the evidence already indexed, without writing anything back
to the field state or learning stores. It is a glass box onto a decision,
not a new decision.`,
	RunE: runExplain,
}

func init() {
	explainCmd.Flags().StringVar(&explainContract, "contract", "", "Path to the category contract JSON file (required)")
	explainCmd.Flags().StringVar(&explainField, "field", "", "Field key to explain (required)")
	explainCmd.Flags().StringVar(&explainRunID, "run-id", "", "Run to explain against (defaults to the most recent run)")
	explainCmd.MarkFlagRequired("contract")
	explainCmd.MarkFlagRequired("field")
}

func runExplain(cmd *cobra.Command, args []string) error {
	contract, err := loadContract(explainContract)
	if err != nil {
		return err
	}
	field, ok := contract.FieldByKey(explainField)
	if !ok {
		return fmt.Errorf("field %q is not in contract %s", explainField, contract.Category)
	}

	var run types.RunSummary
	if explainRunID != "" {
		run, err = loadRunSummary(explainRunID)
	} else {
		run, err = latestRunFor("")
	}
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}

	rt, err := buildDependencies(contract)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()

	var anchors []types.FieldAnchorRow
	if rt.deps.Learning != nil {
		anchors, err = rt.deps.Learning.ActiveAnchors(contract.Category, field.Key)
		if err != nil {
			logger.Warn("active anchors lookup failed", zap.Error(err))
		}
	}

	pack := retriever.Retrieve(retriever.Input{
		Field:    field,
		Product:  run.Product,
		Searcher: rt.deps.Index,
		Anchors:  anchors,
		Limit:    25,
	})

	current := run.FinalFields[field.Key]
	needRow := needset.Compute(needset.Input{
		Field:    field,
		State:    current,
		Identity: types.IdentityLockState{Status: types.IdentityLocked, Certainty: 1, PublishGateOpen: true},
	})

	fmt.Println(explainMarkdown(field, run, needRow, pack))

	if len(pack.Accepted) == 0 {
		return nil
	}

	snippetSource := make(map[string]retriever.ScoredSnippet, len(pack.Accepted))
	for _, s := range pack.Accepted {
		snippetSource[s.SnippetID] = s
	}

	ec := extraction.BuildContext(field, run.Product, "", nil, nil, pack)
	var units []types.EvidenceUnit
	for _, x := range rt.deps.Extractors {
		batch, err := x.Extract(ctx, ec)
		if err != nil {
			continue
		}
		for _, u := range batch {
			if u.CandidateValue != "" {
				units = append(units, u)
			}
		}
	}
	if len(units) == 0 {
		fmt.Println("\nno extractor produced a candidate value from the Prime Source pack.")
		return nil
	}

	candidates := explainGroupByValue(units)
	decision := consensus.Decide(consensus.DecideInput{
		Candidates: candidates,
		Policy:     field.EvidencePolicy,
		Weights:    consensus.DefaultWeights(),
	})

	fmt.Println(decisionMarkdown(decision, candidates))
	return nil
}

func explainMarkdown(field types.FieldContract, run types.RunSummary, need types.NeedSetRow, pack retriever.PrimeSourcePack) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s %s)\n\n", field.Key, run.Product.Brand, run.Product.Model)
	fmt.Fprintf(&b, "need_score: %.3f, effective_confidence: %.2f, capped: %v\n", need.NeedScore, need.EffectiveConfidence, need.ConfidenceCapped)
	if len(need.Reasons) > 0 {
		reasons := make([]string, 0, len(need.Reasons))
		for _, r := range need.Reasons {
			reasons = append(reasons, string(r))
		}
		fmt.Fprintf(&b, "reasons: %s\n", strings.Join(reasons, ", "))
	}
	fmt.Fprintf(&b, "\nPrime Source pack: %d accepted, %d scored\n", len(pack.Accepted), len(pack.Trace))
	for i, s := range pack.Accepted {
		if i >= 8 {
			fmt.Fprintf(&b, "... %d more\n", len(pack.Accepted)-i)
			break
		}
		fmt.Fprintf(&b, "  - [%.3f] %s tier=%d anchor=%v :: %s\n", s.Score, s.Source.FinalURL, s.Source.Tier, s.AnchorMatched, truncate(s.Text, 90))
	}
	if len(pack.MissReasons) > 0 {
		misses := make([]string, 0, len(pack.MissReasons))
		for _, m := range pack.MissReasons {
			misses = append(misses, string(m))
		}
		fmt.Fprintf(&b, "miss_reasons: %s\n", strings.Join(misses, ", "))
	}
	return b.String()
}

func decisionMarkdown(d consensus.Decision, candidates []consensus.Candidate) string {
	var b strings.Builder
	b.WriteString("\nConsensus trail:\n")
	for _, c := range candidates {
		score := consensus.Score(c, consensus.DefaultWeights())
		mark := " "
		if d.Winner != nil && c.Value == d.Winner.Value {
			mark = "*"
		}
		fmt.Fprintf(&b, "  %s %-30s score=%.3f units=%d\n", mark, truncate(c.Value, 30), score, len(c.Units))
	}
	fmt.Fprintf(&b, "\noutcome: %s, status: %s, margin=%.3f\n", d.Outcome, d.Status, d.WinnerScore-d.RunnerUpScore)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// explainGroupByValue is a read-only mirror of the Round Controller's
// candidate grouping: it has no state-mutation side effects, so it is
// safe to keep a second copy here rather than exporting the controller's
// internal helper.
func explainGroupByValue(units []types.EvidenceUnit) []consensus.Candidate {
	byValue := map[string][]types.EvidenceUnit{}
	var order []string
	for _, u := range units {
		if _, ok := byValue[u.CandidateValue]; !ok {
			order = append(order, u.CandidateValue)
		}
		byValue[u.CandidateValue] = append(byValue[u.CandidateValue], u)
	}
	sort.Strings(order)
	out := make([]consensus.Candidate, 0, len(order))
	for _, v := range order {
		out = append(out, consensus.Candidate{Value: v, Units: byValue[v]})
	}
	return out
}
