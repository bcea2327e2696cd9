package roundctl

import "github.com/spec-harvester/convergence/internal/types"

// stopInput bundles everything evaluateStop needs to apply the seven stop
// conditions, in the declared order: complete, max_rounds_reached,
// budget_exhausted, no_progress, repeated_low_quality, identity_gate_stuck,
// escalation_exhausted. The three streak counters are owned by the caller
// (Run) and threaded by pointer so they persist across rounds.
type stopInput struct {
	Round       int
	MaxRounds   int
	Complete    bool
	Progress    types.RoundProgress
	Identity    types.IdentityLockState
	AvgConfidence float64

	URLsFetched int
	URLBudget   int

	EscalationExhausted bool

	NoProgressEpsilon    float64
	NNoProgress          int
	LowQualityConfidence float64
	NLowQuality          int
	NIdentityFastFail    int

	NoProgressStreak    *int
	LowQualityStreak    *int
	IdentityStuckStreak *int
}

// evaluateStop applies the seven stop conditions in order and returns the
// first that fires. Streak counters are updated unconditionally before the
// ordered checks so a later round still sees an accurate streak even when
// an earlier-priority condition fires first.
func evaluateStop(in stopInput) (types.StopReason, bool) {
	if in.Progress.FieldsAcceptedDelta == 0 && in.Progress.ConfidenceDelta < in.NoProgressEpsilon {
		*in.NoProgressStreak++
	} else {
		*in.NoProgressStreak = 0
	}

	if in.AvgConfidence < in.LowQualityConfidence {
		*in.LowQualityStreak++
	} else {
		*in.LowQualityStreak = 0
	}

	identityStuck := (in.Identity.Status == types.IdentityUnlocked || in.Identity.Status == types.IdentityConflict || in.Identity.Status == types.IdentityFailed) &&
		in.Progress.SourcesIdentityMatched == 0
	if identityStuck {
		*in.IdentityStuckStreak++
	} else {
		*in.IdentityStuckStreak = 0
	}

	switch {
	case in.Complete:
		return types.StopComplete, true
	case in.Round >= in.MaxRounds:
		return types.StopMaxRoundsReached, true
	case in.URLBudget > 0 && in.URLsFetched >= in.URLBudget:
		return types.StopBudgetExhausted, true
	case *in.NoProgressStreak >= in.NNoProgress:
		return types.StopNoProgress, true
	case *in.LowQualityStreak >= in.NLowQuality:
		return types.StopRepeatedLowQuality, true
	case in.Round >= 1 && *in.IdentityStuckStreak >= in.NIdentityFastFail:
		return types.StopIdentityGateStuck, true
	case in.Round >= 1 && in.EscalationExhausted:
		return types.StopEscalationExhausted, true
	default:
		return "", false
	}
}
