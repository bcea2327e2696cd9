// Package identity implements the Identity Gate: tiered certainty
// classification for fetched sources and target-match gating for individual
// evidence units. Like internal/needset, this is a closed-form scoring
// surface with no natural third-party library — token-overlap thresholds
// and tolerance bands are domain-specific arithmetic, not a general
// NLP/matching problem an off-the-shelf library addresses.
package identity

import (
	"math"
	"strings"

	"github.com/spec-harvester/convergence/internal/types"
)

// Thresholds holds the Identity Gate's tunable certainty cutoffs, sourced from internal/config.IdentityConfig.
type Thresholds struct {
	LockedThreshold      float64
	ProvisionalThreshold float64
	DimensionToleranceMM float64
	ComponentOverlapMin  float64
}

// DefaultThresholds holds the documented default cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LockedThreshold:      0.95,
		ProvisionalThreshold: 0.70,
		DimensionToleranceMM: 3.0,
		ComponentOverlapMin:  0.6,
	}
}

// SourceSignal is one identity-bearing observation pulled from a fetched
// page: a token set plus where on the page it was found, used to build the
// certainty score.
type SourceSignal struct {
	Tokens   []string
	FromTitle bool
	FromURL   bool
}

// ClassifySource scores a fetched source's identity certainty against a
// product's identity tokens, from title/URL/DOM-context token overlap.
func ClassifySource(productTokens []string, signals []SourceSignal, th Thresholds) (types.IdentityMatchLevel, float64) {
	if len(signals) == 0 {
		return types.IdentityFailed, 0
	}

	productSet := tokenSet(productTokens)
	var best float64
	var disagreement bool
	var sawNonTrivial bool

	for _, sig := range signals {
		overlap := jaccard(productSet, tokenSet(sig.Tokens))
		weight := 1.0
		if sig.FromTitle {
			weight = 1.2
		}
		if sig.FromURL {
			weight = math.Max(weight, 1.1)
		}
		score := math.Min(1.0, overlap*weight)
		if score > best {
			best = score
		}
		if overlap >= th.ProvisionalThreshold {
			if sawNonTrivial && !tokensCompatible(sig.Tokens, signals[0].Tokens) {
				disagreement = true
			}
			sawNonTrivial = true
		}
	}

	if disagreement {
		return types.IdentityConflict, best
	}
	switch {
	case best >= th.LockedThreshold:
		return types.IdentityLocked, best
	case best >= th.ProvisionalThreshold:
		return types.IdentityProvisional, best
	default:
		return types.IdentityUnlocked, best
	}
}

// tokensCompatible applies relaxed-contradiction rules so real-
// world phrasing variance (e.g. "wireless" vs "wireless / wired") never
// registers as a conflict.
func tokensCompatible(a, b []string) bool {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return true
	}
	overlap := jaccard(setA, setB)
	return overlap >= 0.6 || isSubset(setA, setB) || isSubset(setB, setA)
}

func isSubset(small, large map[string]bool) bool {
	for t := range small {
		if !large[t] {
			return false
		}
	}
	return true
}

// DimensionsCompatible implements the ±3mm tolerance rule for dimension
// comparisons between two sources describing the same product.
func DimensionsCompatible(aMM, bMM, toleranceMM float64) bool {
	return math.Abs(aMM-bMM) <= toleranceMM
}

// SKUConflict treats two SKU/variant strings as conflicting only when they
// share no token; an empty string never conflicts.
func SKUConflict(a, b string) bool {
	setA, setB := tokenSet(strings.Fields(a)), tokenSet(strings.Fields(b))
	if len(setA) == 0 || len(setB) == 0 {
		return false
	}
	for t := range setA {
		if setB[t] {
			return false
		}
	}
	return true
}

// TargetMatchPassed implements the candidate-classification half of the
// gate: a unit passes only if its source is already
// provisional/locked AND the snippet text itself clears a field-scoped
// token-overlap bar: the share of the product's identity tokens that appear
// in the snippet must reach minOverlap.
func TargetMatchPassed(sourceLevel types.IdentityMatchLevel, snippetTokens, productTokens []string, minOverlap float64) bool {
	if sourceLevel != types.IdentityProvisional && sourceLevel != types.IdentityLocked {
		return false
	}
	productSet, snippetSet := tokenSet(productTokens), tokenSet(snippetTokens)
	if len(productSet) == 0 {
		return false
	}
	hits := 0
	for t := range productSet {
		if snippetSet[t] {
			hits++
		}
	}
	return float64(hits)/float64(len(productSet)) >= minOverlap
}

// ExtractionAllowed implements the extraction-gate policy: unlocked+easy/
// medium ambiguity still extracts (capped downstream by NeedSet's
// confidence cap), hard+ ambiguity suppresses extraction until provisional.
func ExtractionAllowed(status types.IdentityMatchLevel, ambiguity types.AmbiguityLevel) bool {
	if status == types.IdentityLocked || status == types.IdentityProvisional {
		return true
	}
	if status == types.IdentityUnlocked {
		return ambiguity == types.AmbiguityEasy || ambiguity == types.AmbiguityMedium
	}
	return false
}

// PublishGateOpen is always strict: only a locked identity may publish.
func PublishGateOpen(status types.IdentityMatchLevel) bool {
	return status == types.IdentityLocked
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
