// Package needset implements the NeedSet Engine: a pure function over field
// states, contracts, and identity state. It is the principal testable
// surface of the system, so it carries no I/O and no hidden state — every
// output is a function of its arguments. No third-party dependency covers
// a bespoke closed-form weighting formula, so this stays small and
// stdlib-only.
package needset

import (
	"math"
	"sort"

	"github.com/spec-harvester/convergence/internal/types"
)

// freshnessFloor is the fixed lower bound on the freshness
// multiplier so old-but-accepted evidence never decays to a need score of
// zero outright.
const freshnessFloor = 0.35

// Input bundles everything Compute needs for one field.
type Input struct {
	Field         types.FieldContract
	State         types.FieldState
	Identity      types.IdentityLockState
	AgeDays       float64 // age of the stored confidence, for freshness decay
	HalfLifeDays  float64 // 0 disables decay (freshness_mult = 1.0)
	PublishGated  bool
}

// Compute returns the NeedSet row for a single field, implementing the
// exact weighting formula.
func Compute(in Input) types.NeedSetRow {
	confCap := in.Identity.ConfidenceCap()
	effConf := in.State.Confidence
	capped := false
	if effConf > confCap {
		effConf = confCap
		capped = true
	}

	reasons := []types.NeedReason{}

	missingMult := 1.0
	if in.State.Status == types.StatusUnknown || in.State.Status == types.StatusCandidate {
		missingMult = 2.0
		reasons = append(reasons, types.ReasonMissing)
	}

	requiredWeight := in.Field.RequiredWeight()

	tierDeficitMult := 1.0
	if requiresTier1 := requiresTierOne(in.Field); requiresTier1 && in.State.BestTierSeen > types.TierManufacturer {
		tierDeficitMult = 2.0
		reasons = append(reasons, types.ReasonTierDeficit)
	}

	minRefsMult := 1.0
	if in.State.RefsFromDistinctSources < in.Field.EvidencePolicy.MinRefs {
		minRefsMult = 1.5
		reasons = append(reasons, types.ReasonMinRefsFail)
	}

	conflictMult := 1.0
	if in.State.Status == types.StatusConflict {
		conflictMult = 1.5
		reasons = append(reasons, types.ReasonFieldConflict)
	}

	freshnessMult := 1.0
	if in.HalfLifeDays > 0 {
		freshnessMult = math.Pow(2, -in.AgeDays/in.HalfLifeDays)
		if freshnessMult < freshnessFloor {
			freshnessMult = freshnessFloor
		}
	}

	if effConf < 1.0 {
		reasons = append(reasons, types.ReasonLowConf)
	}

	blockedBy := ""
	switch in.Identity.Status {
	case types.IdentityConflict, types.IdentityUnlocked:
		if in.Field.RequiredLevel == types.LevelIdentity {
			reasons = append(reasons, types.ReasonBlockedByIdentity)
			blockedBy = "identity"
		}
	}
	if in.Identity.Status != types.IdentityLocked && in.Identity.Status != types.IdentityProvisional {
		reasons = append(reasons, types.ReasonIdentityUnlocked)
	}

	if in.PublishGated && !in.Identity.PublishGateOpen {
		reasons = append(reasons, types.ReasonPublishGateBlock)
	}

	score := missingMult * (1 - clamp01(effConf)) * requiredWeight * tierDeficitMult * minRefsMult * conflictMult * freshnessMult

	dedupedReasons := dedupeReasons(reasons)
	sort.Slice(dedupedReasons, func(i, j int) bool { return dedupedReasons[i] < dedupedReasons[j] })

	return types.NeedSetRow{
		FieldKey:            in.Field.Key,
		NeedScore:           score,
		Reasons:             dedupedReasons,
		BlockedBy:           blockedBy,
		EffectiveConfidence: effConf,
		ConfidenceCapped:    capped,
	}
}

// ComputeAll computes and deterministically orders the NeedSet for an
// entire category contract — field_key ascending, matching the Round
// Controller's cross-round determinism requirement.
func ComputeAll(inputs []Input) []types.NeedSetRow {
	rows := make([]types.NeedSetRow, 0, len(inputs))
	for _, in := range inputs {
		rows = append(rows, Compute(in))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FieldKey < rows[j].FieldKey })
	return rows
}

func requiresTierOne(f types.FieldContract) bool {
	for _, t := range f.TierPreference {
		if t == types.TierManufacturer {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func dedupeReasons(reasons []types.NeedReason) []types.NeedReason {
	seen := make(map[types.NeedReason]bool, len(reasons))
	out := make([]types.NeedReason, 0, len(reasons))
	for _, r := range reasons {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
