// Package consensus implements the Consensus Engine: scoring
// and acceptance of field-value candidates across methods and tiers.
// Closed-form weighted-sum scoring with a margin-threshold acceptance rule;
// no third-party dependency from the pack addresses this domain-specific
// decision surface, so it is plain Go arithmetic like internal/needset and
// internal/identity.
package consensus

import (
	"sort"

	"github.com/spec-harvester/convergence/internal/types"
)

// Weights holds the configurable scoring tables, sourced from
// internal/config.ConsensusConfig.
type Weights struct {
	MethodWeight    map[types.Method]float64
	TierWeight      map[types.Tier]float64
	IdentityWeight  map[types.IdentityMatchLevel]float64
	MarginThreshold float64
}

// DefaultWeights holds the documented default weights.
func DefaultWeights() Weights {
	return Weights{
		TierWeight: map[types.Tier]float64{
			types.TierManufacturer: 1.00,
			types.TierLabReview:    0.80,
			types.TierRetail:       0.45,
			types.TierForum:        0.25,
		},
		IdentityWeight: map[types.IdentityMatchLevel]float64{
			types.IdentityLocked:      1.0,
			types.IdentityProvisional: 0.74,
			types.IdentityUnlocked:    0.59,
			types.IdentityConflict:    0.39,
			types.IdentityFailed:      0.0,
		},
		MethodWeight: map[types.Method]float64{
			types.MethodHTMLSpecTable:          1.00,
			types.MethodEmbeddedJSON:           0.95,
			types.MethodStructuredMetadata:     0.90,
			types.MethodAdapter:                0.85,
			types.MethodDeterministicNormalizer: 0.85,
			types.MethodPDFText:                0.75,
			types.MethodArticleText:            0.65,
			types.MethodPDFOCR:                 0.55,
			types.MethodImageOCR:               0.50,
			types.MethodLLMExtract:             0.60,
		},
		MarginThreshold: 0.08,
	}
}

// Candidate is one proposed value for a field, backed by the evidence
// units that support it.
type Candidate struct {
	Value    string
	Units    []types.EvidenceUnit
}

// Score computes the weighted sum for one candidate:
//
//	score(c) = Σ method_weight(e.method) × tier_weight(e.tier) × identity_weight(e)
func Score(c Candidate, w Weights) float64 {
	var total float64
	for _, e := range c.Units {
		total += w.MethodWeight[e.Method] * w.TierWeight[e.Tier] * w.IdentityWeight[e.SourceIdentityMatch]
	}
	return total
}

// Outcome is the tiered acceptance verdict: full
// (publishable), provisional (stored, not published), abort (unknown).
type Outcome string

const (
	OutcomeFull        Outcome = "full"
	OutcomeProvisional Outcome = "provisional"
	OutcomeAbort       Outcome = "abort"
)

// Decision is the Consensus Engine's full verdict for one field in one
// round.
type Decision struct {
	Outcome        Outcome
	Winner         *Candidate
	WinnerScore    float64
	RunnerUpScore  float64
	Status         types.FieldStatus
	UnknownReason  types.UnknownReason
}

// DecideInput bundles everything Decide needs to resolve one field's
// candidates into a verdict.
type DecideInput struct {
	Candidates       []Candidate
	Policy           types.EvidencePolicy
	IdentityBlocks   bool // true if identity gate blocks this field
	Weights          Weights
}

// Decide picks a winning candidate (if any) and applies the four
// acceptance conditions, in the declared deterministic
// order: field_key asc (caller's responsibility across fields), candidate
// score desc with a stable snippet_id-ascending tie-break within a field.
func Decide(in DecideInput) Decision {
	if len(in.Candidates) == 0 {
		return Decision{Outcome: OutcomeAbort, Status: types.StatusInvalid, UnknownReason: types.ReasonMissingEvidence}
	}

	ordered := orderCandidates(in.Candidates, in.Weights)
	winner := ordered[0]
	winnerScore := Score(winner, in.Weights)
	var runnerUpScore float64
	if len(ordered) > 1 {
		runnerUpScore = Score(ordered[1], in.Weights)
	}

	hasTargetMatch := false
	distinctSources := map[string]bool{}
	bestTier := types.Tier(0)
	for _, e := range winner.Units {
		if e.TargetMatchPassed {
			hasTargetMatch = true
		}
		distinctSources[e.SourceID] = true
		if bestTier == 0 || e.Tier < bestTier {
			bestTier = e.Tier
		}
	}

	marginOK := (winnerScore - runnerUpScore) >= in.Weights.MarginThreshold
	evidenceOK := len(distinctSources) >= in.Policy.MinRefs
	tierOK := in.Policy.RequiredTier == nil || bestTier <= *in.Policy.RequiredTier
	identityOK := !in.IdentityBlocks

	accepted := marginOK && evidenceOK && tierOK && identityOK && hasTargetMatch

	d := Decision{
		Winner:        &winner,
		WinnerScore:   winnerScore,
		RunnerUpScore: runnerUpScore,
	}

	switch {
	case accepted:
		d.Outcome = OutcomeFull
		d.Status = types.StatusAccepted
	case !marginOK && runnerUpScore > 0:
		d.Outcome = OutcomeProvisional
		d.Status = types.StatusConflict
	case hasTargetMatch:
		d.Outcome = OutcomeProvisional
		d.Status = types.StatusCandidate
	default:
		d.Outcome = OutcomeAbort
		d.Status = types.StatusInvalid
		d.UnknownReason = types.ReasonMissingEvidence
	}

	return d
}

// orderCandidates sorts by score descending with a stable tie-break on the
// first unit's snippet_id ascending.
func orderCandidates(cands []Candidate, w Weights) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := Score(out[i], w), Score(out[j], w)
		if si != sj {
			return si > sj
		}
		return firstSnippetID(out[i]) < firstSnippetID(out[j])
	})
	return out
}

func firstSnippetID(c Candidate) string {
	if len(c.Units) == 0 {
		return ""
	}
	return c.Units[0].SnippetID
}
