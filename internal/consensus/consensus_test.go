package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/types"
)

func unit(method types.Method, tier types.Tier, identity types.IdentityMatchLevel, targetMatch bool, snippetID string) types.EvidenceUnit {
	return types.EvidenceUnit{
		SnippetID:           snippetID,
		SourceID:            snippetID,
		Method:              method,
		Tier:                tier,
		SourceIdentityMatch: identity,
		TargetMatchPassed:   targetMatch,
	}
}

func TestScoreSumsMethodTierIdentityWeights(t *testing.T) {
	w := DefaultWeights()
	c := Candidate{Value: "8000", Units: []types.EvidenceUnit{
		unit(types.MethodHTMLSpecTable, types.TierManufacturer, types.IdentityLocked, true, "s1"),
	}}
	require.InDelta(t, 1.00*1.00*1.0, Score(c, w), 1e-9)
}

func TestDecideAcceptsWhenMarginAndEvidenceClear(t *testing.T) {
	w := DefaultWeights()
	winner := Candidate{Value: "8000", Units: []types.EvidenceUnit{
		unit(types.MethodHTMLSpecTable, types.TierManufacturer, types.IdentityLocked, true, "s1"),
		unit(types.MethodEmbeddedJSON, types.TierManufacturer, types.IdentityLocked, true, "s2"),
	}}
	loser := Candidate{Value: "4000", Units: []types.EvidenceUnit{
		unit(types.MethodArticleText, types.TierForum, types.IdentityUnlocked, false, "s3"),
	}}
	d := Decide(DecideInput{
		Candidates: []Candidate{loser, winner},
		Policy:     types.EvidencePolicy{MinRefs: 2},
		Weights:    w,
	})
	require.Equal(t, OutcomeFull, d.Outcome)
	require.Equal(t, types.StatusAccepted, d.Status)
	require.Equal(t, "8000", d.Winner.Value)
}

func TestDecideFallsToProvisionalWhenMarginTooThin(t *testing.T) {
	w := DefaultWeights()
	a := Candidate{Value: "8000", Units: []types.EvidenceUnit{
		unit(types.MethodArticleText, types.TierRetail, types.IdentityProvisional, true, "s1"),
	}}
	b := Candidate{Value: "4000", Units: []types.EvidenceUnit{
		unit(types.MethodArticleText, types.TierRetail, types.IdentityProvisional, true, "s2"),
	}}
	d := Decide(DecideInput{
		Candidates: []Candidate{a, b},
		Policy:     types.EvidencePolicy{MinRefs: 1},
		Weights:    w,
	})
	require.Equal(t, OutcomeProvisional, d.Outcome)
	require.Equal(t, types.StatusConflict, d.Status)
}

func TestDecideAbortsWhenNoCandidates(t *testing.T) {
	d := Decide(DecideInput{Weights: DefaultWeights()})
	require.Equal(t, OutcomeAbort, d.Outcome)
	require.Equal(t, types.ReasonMissingEvidence, d.UnknownReason)
}

func TestDecideRejectsWhenIdentityBlocks(t *testing.T) {
	w := DefaultWeights()
	winner := Candidate{Value: "8000", Units: []types.EvidenceUnit{
		unit(types.MethodHTMLSpecTable, types.TierManufacturer, types.IdentityLocked, true, "s1"),
		unit(types.MethodEmbeddedJSON, types.TierManufacturer, types.IdentityLocked, true, "s2"),
	}}
	d := Decide(DecideInput{
		Candidates:     []Candidate{winner},
		Policy:         types.EvidencePolicy{MinRefs: 2},
		IdentityBlocks: true,
		Weights:        w,
	})
	require.NotEqual(t, OutcomeFull, d.Outcome)
}

func TestDecideRejectsWhenTierRequirementUnmet(t *testing.T) {
	w := DefaultWeights()
	required := types.TierLabReview
	winner := Candidate{Value: "8000", Units: []types.EvidenceUnit{
		unit(types.MethodArticleText, types.TierForum, types.IdentityLocked, true, "s1"),
		unit(types.MethodArticleText, types.TierForum, types.IdentityLocked, true, "s2"),
	}}
	d := Decide(DecideInput{
		Candidates: []Candidate{winner},
		Policy:     types.EvidencePolicy{MinRefs: 2, RequiredTier: &required},
		Weights:    w,
	})
	require.NotEqual(t, OutcomeFull, d.Outcome)
}

func TestOrderCandidatesTieBreaksOnSnippetIDAscending(t *testing.T) {
	w := DefaultWeights()
	a := Candidate{Value: "a", Units: []types.EvidenceUnit{
		unit(types.MethodArticleText, types.TierRetail, types.IdentityUnlocked, false, "zzz"),
	}}
	b := Candidate{Value: "b", Units: []types.EvidenceUnit{
		unit(types.MethodArticleText, types.TierRetail, types.IdentityUnlocked, false, "aaa"),
	}}
	ordered := orderCandidates([]Candidate{a, b}, w)
	require.Equal(t, "b", ordered[0].Value)
}
