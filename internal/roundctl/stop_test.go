package roundctl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/types"
)

func baseStopInput() stopInput {
	noProgress, lowQuality, identityStuck := 0, 0, 0
	return stopInput{
		Round:                1,
		MaxRounds:            6,
		Progress:             types.RoundProgress{FieldsAcceptedDelta: 1, ConfidenceDelta: 0.1},
		Identity:             types.IdentityLockState{Status: types.IdentityLocked},
		AvgConfidence:        0.9,
		URLsFetched:          5,
		URLBudget:            100,
		NoProgressEpsilon:    0.01,
		NNoProgress:          3,
		LowQualityConfidence: 0.3,
		NLowQuality:          3,
		NIdentityFastFail:    3,
		NoProgressStreak:     &noProgress,
		LowQualityStreak:     &lowQuality,
		IdentityStuckStreak:  &identityStuck,
	}
}

func TestEvaluateStopCompleteTakesPriorityOverEverythingElse(t *testing.T) {
	in := baseStopInput()
	in.Complete = true
	in.Round = in.MaxRounds
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopComplete, reason)
}

func TestEvaluateStopMaxRoundsReached(t *testing.T) {
	in := baseStopInput()
	in.Round = in.MaxRounds
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopMaxRoundsReached, reason)
}

func TestEvaluateStopBudgetExhausted(t *testing.T) {
	in := baseStopInput()
	in.URLsFetched = 100
	in.URLBudget = 100
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopBudgetExhausted, reason)
}

func TestEvaluateStopNoProgressFiresAfterStreak(t *testing.T) {
	in := baseStopInput()
	in.Progress = types.RoundProgress{FieldsAcceptedDelta: 0, ConfidenceDelta: 0}
	*in.NoProgressStreak = 2
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopNoProgress, reason)
	require.Equal(t, 3, *in.NoProgressStreak)
}

func TestEvaluateStopNoProgressResetsStreakOnRealProgress(t *testing.T) {
	in := baseStopInput()
	*in.NoProgressStreak = 2
	_, stop := evaluateStop(in)
	require.False(t, stop)
	require.Equal(t, 0, *in.NoProgressStreak)
}

func TestEvaluateStopRepeatedLowQuality(t *testing.T) {
	in := baseStopInput()
	in.AvgConfidence = 0.1
	*in.LowQualityStreak = 2
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopRepeatedLowQuality, reason)
}

func TestEvaluateStopIdentityGateStuckNeverFiresInRoundZero(t *testing.T) {
	in := baseStopInput()
	in.Round = 0
	in.Identity = types.IdentityLockState{Status: types.IdentityUnlocked}
	*in.IdentityStuckStreak = in.NIdentityFastFail
	_, stop := evaluateStop(in)
	require.False(t, stop)
}

func TestEvaluateStopIdentityGateStuckFiresAfterRoundZero(t *testing.T) {
	in := baseStopInput()
	in.Identity = types.IdentityLockState{Status: types.IdentityUnlocked}
	*in.IdentityStuckStreak = in.NIdentityFastFail - 1
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopIdentityGateStuck, reason)
}

func TestEvaluateStopEscalationExhausted(t *testing.T) {
	in := baseStopInput()
	in.EscalationExhausted = true
	reason, stop := evaluateStop(in)
	require.True(t, stop)
	require.Equal(t, types.StopEscalationExhausted, reason)
}

func TestEvaluateStopContinuesWhenNothingFires(t *testing.T) {
	in := baseStopInput()
	_, stop := evaluateStop(in)
	require.False(t, stop)
}
