package needset

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/types"
)

func baseField() types.FieldContract {
	return types.FieldContract{
		Key:            "polling_rate",
		RequiredLevel:  types.LevelCritical,
		TierPreference: []types.Tier{types.TierManufacturer},
		EvidencePolicy: types.EvidencePolicy{MinRefs: 2},
	}
}

func lockedIdentity() types.IdentityLockState {
	return types.IdentityLockState{Status: types.IdentityLocked, PublishGateOpen: true, ExtractionGateOpen: true}
}

func TestComputeMissingFieldHasHighestMissingMultiplier(t *testing.T) {
	row := Compute(Input{
		Field:    baseField(),
		State:    types.FieldState{Status: types.StatusUnknown},
		Identity: lockedIdentity(),
	})
	require.Contains(t, row.Reasons, types.ReasonMissing)
	require.Greater(t, row.NeedScore, 0.0)
}

func TestComputeAcceptedFullEvidenceHasLowerScoreThanMissing(t *testing.T) {
	missing := Compute(Input{
		Field:    baseField(),
		State:    types.FieldState{Status: types.StatusUnknown},
		Identity: lockedIdentity(),
	})
	accepted := Compute(Input{
		Field: baseField(),
		State: types.FieldState{
			Status: types.StatusAccepted, Confidence: 0.95,
			BestTierSeen: types.TierManufacturer, RefsFromDistinctSources: 2,
		},
		Identity: lockedIdentity(),
	})
	require.Less(t, accepted.NeedScore, missing.NeedScore)
}

func TestComputeTierDeficitDoublesScore(t *testing.T) {
	withDeficit := Compute(Input{
		Field: baseField(),
		State: types.FieldState{
			Status: types.StatusAccepted, Confidence: 0.9,
			BestTierSeen: types.TierRetail, RefsFromDistinctSources: 2,
		},
		Identity: lockedIdentity(),
	})
	withoutDeficit := Compute(Input{
		Field: baseField(),
		State: types.FieldState{
			Status: types.StatusAccepted, Confidence: 0.9,
			BestTierSeen: types.TierManufacturer, RefsFromDistinctSources: 2,
		},
		Identity: lockedIdentity(),
	})
	require.Contains(t, withDeficit.Reasons, types.ReasonTierDeficit)
	require.InDelta(t, withoutDeficit.NeedScore*2, withDeficit.NeedScore, 1e-9)
}

func TestComputeIdentityUnlockedCapsConfidenceAndBlocksIdentityField(t *testing.T) {
	identityField := baseField()
	identityField.RequiredLevel = types.LevelIdentity

	row := Compute(Input{
		Field: identityField,
		State: types.FieldState{Status: types.StatusAccepted, Confidence: 0.99, RefsFromDistinctSources: 2, BestTierSeen: types.TierManufacturer},
		Identity: types.IdentityLockState{Status: types.IdentityUnlocked},
	})
	require.True(t, row.ConfidenceCapped)
	require.InDelta(t, 0.59, row.EffectiveConfidence, 1e-9)
	require.Equal(t, "identity", row.BlockedBy)
}

func TestComputeIsPureAndDeterministic(t *testing.T) {
	in := Input{
		Field:    baseField(),
		State:    types.FieldState{Status: types.StatusCandidate, Confidence: 0.4},
		Identity: lockedIdentity(),
	}
	a := Compute(in)
	b := Compute(in)
	require.Equal(t, a, b)
}

func TestComputeAllOrdersByFieldKeyAscending(t *testing.T) {
	fieldB := baseField()
	fieldB.Key = "weight_g"
	fieldA := baseField()
	fieldA.Key = "brand"

	rows := ComputeAll([]Input{
		{Field: fieldB, State: types.FieldState{Status: types.StatusUnknown}, Identity: lockedIdentity()},
		{Field: fieldA, State: types.FieldState{Status: types.StatusUnknown}, Identity: lockedIdentity()},
	})
	require.Equal(t, []string{"brand", "weight_g"}, []string{rows[0].FieldKey, rows[1].FieldKey})
}
