// Package roundctl implements the Round Controller: the bounded,
// cooperative loop that drives one product through Round 0 (bootstrap) and
// Rounds 1..N (targeted), wiring the Discovery Planner, Fetch Scheduler,
// the HTML parse lane, the Evidence Index, the Tier-Aware Retriever, the
// Extraction Context Assembler and its extractors, the Consensus Engine,
// the NeedSet Engine, the Identity Gate, the Automation Queue, and the
// Learning Stores into one per-round pass, and applying the seven stop
// conditions at each round boundary.
//
// The controller never holds a back-reference to the components it calls:
// each round is computed from a read-only snapshot and returns a
// structured result, so there is no orchestrator/executor cycle to manage.
package roundctl

import (
	"context"

	"github.com/google/uuid"

	"github.com/spec-harvester/convergence/internal/automation"
	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/discovery"
	"github.com/spec-harvester/convergence/internal/evidenceindex"
	"github.com/spec-harvester/convergence/internal/eventstream"
	"github.com/spec-harvester/convergence/internal/extraction"
	"github.com/spec-harvester/convergence/internal/fetch"
	"github.com/spec-harvester/convergence/internal/frontier"
	"github.com/spec-harvester/convergence/internal/learning"
	"github.com/spec-harvester/convergence/internal/llmclient"
	"github.com/spec-harvester/convergence/internal/types"
)

// SearchProvider is the search lane's external capability: given one
// Discovery Planner query, return the raw SERP candidates for Triage to
// score. Satisfied by a real SERP client in production; tests substitute a
// fake, the same boundary pattern as fetch.HeadlessFetcher and
// retriever.EvidenceSearcher.
type SearchProvider interface {
	Search(ctx context.Context, query discovery.QueryRow) ([]discovery.Candidate, error)
}

// Dependencies bundles every component the Round Controller orchestrates.
// Config, Index and Fetcher are always used. Search, LLM, Learning, Queue
// and Frontier may be nil; the steps that use them are then skipped. A nil
// Bus is replaced by a fresh Bus for each run.
type Dependencies struct {
	Config     *config.Config
	Contract   types.CategoryContract
	Tables     *config.OperatorTables
	Index      *evidenceindex.Index
	Frontier   *frontier.Frontier
	Fetcher    *fetch.Scheduler
	Queue      *automation.Queue
	Learning   *learning.Store
	LLM        *llmclient.Client
	Bus        *eventstream.Bus
	Extractors []extraction.Extractor
	Search     SearchProvider
}

// Controller drives one run at a time; it holds no per-run mutable state
// between calls to Run, so one Controller can run many products in
// sequence or be shared across goroutines each calling Run independently.
type Controller struct {
	deps Dependencies
}

// New builds a Controller over a fixed set of dependencies.
func New(deps Dependencies) *Controller {
	return &Controller{deps: deps}
}

// RunInput is one run's starting point: the product to converge on, plus
// any caller-supplied seed URLs (e.g. from a prior manual submission) on
// top of whatever url_memory already holds for this identity, and the
// job's declared identity-ambiguity characterization (how many
// near-duplicate family members this product has to be disambiguated
// from). AmbiguityLevel defaults to "easy" when left zero-valued.
type RunInput struct {
	Product          types.Product
	SeedURLs         []string
	AmbiguityLevel   types.AmbiguityLevel
	FamilyModelCount int
}

// maxConcurrentFetches bounds the fan-out of one round's fetch stage.
const maxConcurrentFetches = 8

// Run drives a single product from Round 0 through however many targeted
// rounds it takes to hit a stop condition, and returns the run's summary.
func (c *Controller) Run(ctx context.Context, in RunInput) (types.RunSummary, error) {
	runID := uuid.NewString()
	summary := types.RunSummary{
		RunID:     runID,
		Product:   in.Product,
		StartedAt: types.Now(),
	}
	if c.deps.Bus == nil {
		deps := c.deps
		deps.Bus = eventstream.NewBus(runID)
		c = &Controller{deps: deps}
	}
	bus := c.deps.Bus

	bus.Emit(eventstream.StageRound, eventstream.KindRunStarted, eventstream.RunStartedPayload{
		ProductID: in.Product.ProductID,
		Category:  in.Product.Category,
	})

	ambiguity := in.AmbiguityLevel
	if ambiguity == "" {
		ambiguity = types.AmbiguityEasy
	}
	st := &runState{
		fieldStates:  initialFieldStates(c.deps.Contract),
		identity:     types.IdentityLockState{Status: types.IdentityUnlocked, AmbiguityLevel: ambiguity, FamilyModelCount: in.FamilyModelCount},
		allTimeQuery: map[string]bool{},
		seedURLs:     in.SeedURLs,
	}

	cfg := c.deps.Config.Convergence
	var stopReason types.StopReason
	var noProgressStreak, lowQualityStreak, identityStuckStreak int

	for round := 0; ; round++ {
		if round > cfg.MaxRounds {
			stopReason = types.StopMaxRoundsReached
			break
		}

		roundStarted := types.Now()
		bus.Emit(eventstream.StageRound, eventstream.KindConvergenceRoundStarted, eventstream.RoundStartedPayload{
			RoundIndex: round, Bootstrap: round == 0,
		})

		before := cloneFieldStates(st.fieldStates)
		rs, ro, err := c.runRound(ctx, runID, round, in.Product, st)
		if err != nil {
			stopReason = types.StopFatalError
			summary.Rounds = append(summary.Rounds, rs)
			break
		}
		st.totalURLsFetched += ro.urlsFetched
		rs.StartedAt = roundStarted
		rs.CompletedAt = types.Now()
		rs.Progress = computeProgress(before, st.fieldStates, ro.needSetActive, ro.sourcesIdentityMatched, ro.newQueries)
		rs.NeedSet = ro.needSetRows
		rs.Identity = st.identity
		rs.FieldStates = cloneFieldStates(st.fieldStates)
		summary.Rounds = append(summary.Rounds, rs)

		bus.Emit(eventstream.StageRound, eventstream.KindConvergenceRoundCompleted, eventstream.RoundCompletedPayload{
			RoundIndex: round,
			Accepted:   rs.Progress.FieldsAcceptedDelta,
			ConfDelta:  rs.Progress.ConfidenceDelta,
			NeedSize:   rs.Progress.NeedSetSize,
		})

		reason, stop := evaluateStop(stopInput{
			Round:                round,
			MaxRounds:            cfg.MaxRounds,
			Progress:             rs.Progress,
			Identity:             st.identity,
			AvgConfidence:        averageConfidence(st.fieldStates),
			URLsFetched:          st.totalURLsFetched,
			URLBudget:            cfg.PerRunURLCap,
			NoProgressEpsilon:    cfg.NoProgressEpsilon,
			NNoProgress:          cfg.NNoProgress,
			LowQualityConfidence: cfg.LowQualityConfidence,
			NLowQuality:          cfg.NLowQuality,
			NIdentityFastFail:    cfg.NIdentityFastFail,
			NoProgressStreak:     &noProgressStreak,
			LowQualityStreak:     &lowQualityStreak,
			IdentityStuckStreak:  &identityStuckStreak,
			Complete:             allFieldsSettled(c.deps.Contract, st.fieldStates),
			EscalationExhausted:  ro.escalationExhausted,
		})
		if stop {
			stopReason = reason
			break
		}
	}

	summary.CompletedAt = types.Now()
	summary.StopReason = stopReason
	summary.FinalFields = cloneFieldStates(st.fieldStates)
	summary.Publishable = publishable(c.deps.Contract, st.fieldStates, st.identity)

	bus.Emit(eventstream.StageRound, eventstream.KindConvergenceStop, eventstream.ConvergenceStopPayload{
		Reason: string(stopReason), RoundIndex: len(summary.Rounds) - 1,
	})
	bus.Emit(eventstream.StageRound, eventstream.KindRunCompleted, eventstream.RunCompletedPayload{
		StopReason: string(stopReason), Publishable: summary.Publishable, Rounds: len(summary.Rounds),
	})
	_ = bus.Flush()

	return summary, nil
}

// runState is the controller's only cross-round mutable state, threaded
// explicitly through Run rather than hidden on Controller so a single
// Controller can drive concurrent runs safely.
type runState struct {
	fieldStates      map[string]types.FieldState
	identity         types.IdentityLockState
	allTimeQuery     map[string]bool
	seedURLs         []string
	totalURLsFetched int
}

func initialFieldStates(contract types.CategoryContract) map[string]types.FieldState {
	out := make(map[string]types.FieldState, len(contract.Fields))
	for _, f := range contract.Fields {
		out[f.Key] = types.FieldState{FieldKey: f.Key, Status: types.StatusUnknown}
	}
	return out
}

func cloneFieldStates(in map[string]types.FieldState) map[string]types.FieldState {
	out := make(map[string]types.FieldState, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func allFieldsSettled(contract types.CategoryContract, states map[string]types.FieldState) bool {
	for _, f := range contract.Fields {
		s := states[f.Key]
		if f.RequiredLevel == types.LevelOptional {
			continue
		}
		if s.Status != types.StatusAccepted {
			return false
		}
	}
	return true
}

func publishable(contract types.CategoryContract, states map[string]types.FieldState, identity types.IdentityLockState) bool {
	if !identity.PublishGateOpen {
		return false
	}
	for _, f := range contract.Fields {
		if f.RequiredLevel != types.LevelIdentity && f.RequiredLevel != types.LevelCritical {
			continue
		}
		if states[f.Key].Status != types.StatusAccepted {
			return false
		}
	}
	return true
}

func computeProgress(before, after map[string]types.FieldState, needSetActive, sourcesMatched, newQueries int) types.RoundProgress {
	acceptedBefore, acceptedAfter := 0, 0
	var confBefore, confAfter float64
	for _, s := range before {
		if s.Status == types.StatusAccepted {
			acceptedBefore++
		}
		confBefore += s.Confidence
	}
	for _, s := range after {
		if s.Status == types.StatusAccepted {
			acceptedAfter++
		}
		confAfter += s.Confidence
	}
	n := float64(len(after))
	if n == 0 {
		n = 1
	}
	return types.RoundProgress{
		FieldsAcceptedDelta:    acceptedAfter - acceptedBefore,
		ConfidenceDelta:        (confAfter - confBefore) / n,
		NeedSetSize:            needSetActive,
		SourcesIdentityMatched: sourcesMatched,
		AllTimeQueriesAdded:    newQueries,
	}
}

func rootDomain(host string) string {
	parts := splitHost(host)
	if len(parts) <= 2 {
		return host
	}
	return parts[len(parts)-2] + "." + parts[len(parts)-1]
}

func splitHost(host string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(host); i++ {
		if host[i] == '.' {
			parts = append(parts, host[start:i])
			start = i + 1
		}
	}
	parts = append(parts, host[start:])
	return parts
}

// averageConfidence is the mean confidence across every contract field,
// used by the repeated-low-quality stop condition.
func averageConfidence(states map[string]types.FieldState) float64 {
	if len(states) == 0 {
		return 0
	}
	var total float64
	for _, s := range states {
		total += s.Confidence
	}
	return total / float64(len(states))
}
