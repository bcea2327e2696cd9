// Package retriever implements the Tier-Aware Retriever: per-field search
// over the Evidence Index, ranked by a weighted sum of source tier, doc_kind
// alignment, brand/model token proximity, learned anchor match, unit-hint
// presence, and identity match. The ranked pool becomes a field's Prime
// Source pack.
package retriever

import (
	"math"
	"sort"
	"strings"

	"github.com/spec-harvester/convergence/internal/consensus"
	"github.com/spec-harvester/convergence/internal/types"
)

// EvidenceSearcher is the subset of internal/evidenceindex.Index the
// retriever needs. Satisfied by *evidenceindex.Index; tests substitute a
// fake.
type EvidenceSearcher interface {
	SearchFactsFTS(query string, limit int) ([]types.Fact, error)
	SearchChunksFTS(query string, limit int) ([]types.Chunk, error)
	GetByFieldAnchor(normalizedKey string, limit int) ([]types.Fact, error)
	GetSourceByDoc(docID string) (types.Source, error)
}

// MissReason names why a field's Prime Source pack is incomplete.
type MissReason string

const (
	MissPoolEmpty        MissReason = "pool_empty"
	MissNoAnchor         MissReason = "no_anchor"
	MissTierDeficit      MissReason = "tier_deficit"
	MissIdentityMismatch MissReason = "identity_mismatch"
)

// ScoredSnippet is one candidate snippet after ranking, whether or not it
// was ultimately accepted into the Prime Source pack.
type ScoredSnippet struct {
	SnippetID     string
	DocID         string
	Text          string
	IsFact        bool
	UnitHint      string
	Source        types.Source
	Score         float64
	AnchorMatched bool
	Accepted      bool
	RejectReason  MissReason
}

// PrimeSourcePack is one field's ranked, accepted snippet pool plus a trace
// of everything scored and the miss diagnostics when it fell short.
type PrimeSourcePack struct {
	FieldKey    string
	Accepted    []ScoredSnippet
	Trace       []ScoredSnippet
	MissReasons []MissReason
}

// Input bundles everything Retrieve needs for one field.
type Input struct {
	Field           types.FieldContract
	Product         types.Product
	Searcher        EvidenceSearcher
	Anchors         []types.FieldAnchorRow // learned anchors, filtered to this field's category by the caller
	Limit           int                    // candidate pool size per query; defaults to 25
}

// Retrieve runs the field-scoped query, ranks the pool, and selects the
// Prime Source pack.
func Retrieve(in Input) PrimeSourcePack {
	if in.Limit <= 0 {
		in.Limit = 25
	}
	pack := PrimeSourcePack{FieldKey: in.Field.Key}

	candidates := gatherCandidates(in)
	if len(candidates) == 0 {
		pack.MissReasons = append(pack.MissReasons, MissPoolEmpty)
		return pack
	}

	for i := range candidates {
		scoreSnippet(&candidates[i], in)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].SnippetID < candidates[j].SnippetID
	})
	pack.Trace = candidates

	minRefs := in.Field.EvidencePolicy.MinRefs
	if minRefs <= 0 {
		minRefs = 1
	}

	distinctSources := map[string]bool{}
	tierDeficit := true
	identityExcluded := false
	anchorUsed := false

	for i := range candidates {
		c := candidates[i]
		if identityUnsafe(in.Field, c.Source) {
			c.RejectReason = MissIdentityMismatch
			identityExcluded = true
			pack.Trace[i] = c
			continue
		}
		c.Accepted = true
		pack.Trace[i] = c
		pack.Accepted = append(pack.Accepted, c)
		distinctSources[c.Source.SourceID] = true
		if tierPreferred(in.Field, c.Source.Tier) {
			tierDeficit = false
		}
		if c.AnchorMatched {
			anchorUsed = true
		}

		enoughRefs := len(pack.Accepted) >= minRefs
		enoughDistinct := in.Field.EvidencePolicy.RequireDistinctSrc && len(distinctSources) >= minRefs
		if enoughRefs || enoughDistinct {
			break
		}
	}

	if len(pack.Accepted) == 0 {
		if identityExcluded {
			pack.MissReasons = append(pack.MissReasons, MissIdentityMismatch)
		} else {
			pack.MissReasons = append(pack.MissReasons, MissPoolEmpty)
		}
		return pack
	}
	if tierDeficit {
		pack.MissReasons = append(pack.MissReasons, MissTierDeficit)
	}
	if !anchorUsed && (len(in.Field.AnchorPack) > 0 || len(in.Anchors) > 0) {
		pack.MissReasons = append(pack.MissReasons, MissNoAnchor)
	}
	return pack
}

func gatherCandidates(in Input) []ScoredSnippet {
	seen := map[string]bool{}
	var out []ScoredSnippet

	addFact := func(f types.Fact) {
		if seen[f.FactID] {
			return
		}
		seen[f.FactID] = true
		src, err := in.Searcher.GetSourceByDoc(f.DocID)
		if err != nil {
			return
		}
		out = append(out, ScoredSnippet{
			SnippetID: f.SnippetID, DocID: f.DocID, Text: f.RawValue, IsFact: true,
			UnitHint: f.UnitHint, Source: src,
		})
	}
	addChunk := func(c types.Chunk) {
		if seen[c.SnippetID] {
			return
		}
		seen[c.SnippetID] = true
		src, err := in.Searcher.GetSourceByDoc(c.DocID)
		if err != nil {
			return
		}
		out = append(out, ScoredSnippet{SnippetID: c.SnippetID, DocID: c.DocID, Text: c.Text, Source: src})
	}

	if anchorFacts, err := in.Searcher.GetByFieldAnchor(in.Field.Key, in.Limit); err == nil {
		for _, f := range anchorFacts {
			addFact(f)
		}
	}

	if query := buildQuery(in.Field); query != "" {
		if facts, err := in.Searcher.SearchFactsFTS(query, in.Limit); err == nil {
			for _, f := range facts {
				addFact(f)
			}
		}
		if chunks, err := in.Searcher.SearchChunksFTS(query, in.Limit); err == nil {
			for _, c := range chunks {
				addChunk(c)
			}
		}
	}
	return out
}

func buildQuery(field types.FieldContract) string {
	terms := append([]string{}, field.SearchHints...)
	terms = append(terms, field.AnchorPack...)
	if len(terms) == 0 {
		terms = []string{strings.ReplaceAll(field.Key, "_", " ")}
	}
	return strings.Join(terms, " OR ")
}

// scoreSnippet computes the weighted sum: tier weight dominates, the rest
// are secondary signals over the snippet text and its source.
func scoreSnippet(c *ScoredSnippet, in Input) {
	tierW := tierWeightFor(in.Field, c.Source.Tier)
	docKindW := docKindAligned(in.Field, c.Source)
	tokenW := tokenProximity(c.Text, in.Product)
	anchorW := anchorMatchScore(c.Text, in.Field, in.Anchors)
	unitW := 0.0
	if c.UnitHint != "" {
		unitW = 1.0
	}
	identityW := consensus.DefaultWeights().IdentityWeight[c.Source.IdentityMatchLevel]

	c.AnchorMatched = anchorW > 0
	c.Score = tierW*0.35 + docKindW*0.15 + tokenW*0.15 + anchorW*0.15 + unitW*0.05 + identityW*0.15
}

// tierWeightFor remaps tier weights to a field's declared tier_preference
// order when present, otherwise falls back to the fixed global tier
// weights used by the Consensus Engine.
func tierWeightFor(field types.FieldContract, tier types.Tier) float64 {
	if len(field.TierPreference) > 0 {
		for i, t := range field.TierPreference {
			if t == tier {
				return math.Max(1.0-float64(i)*0.15, 0.1)
			}
		}
		return 0.1
	}
	return consensus.DefaultWeights().TierWeight[tier]
}

// tierPreferred reports whether tier is the field's most-preferred tier
// (or, absent a preference, one of the top two global tiers).
func tierPreferred(field types.FieldContract, tier types.Tier) bool {
	if len(field.TierPreference) > 0 {
		return tier == field.TierPreference[0]
	}
	return tier <= types.TierLabReview
}

func docKindAligned(field types.FieldContract, src types.Source) float64 {
	if len(field.PreferredContentTypes) == 0 {
		return 0.5
	}
	for _, ct := range field.PreferredContentTypes {
		if ct == string(src.DocKind) {
			return 1.0
		}
	}
	return 0.2
}

func tokenProximity(text string, p types.Product) float64 {
	lower := strings.ToLower(text)
	tokens := []string{strings.ToLower(p.Brand), strings.ToLower(p.Model)}
	hits, total := 0, 0
	for _, t := range tokens {
		if t == "" {
			continue
		}
		total++
		if strings.Contains(lower, t) {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func anchorMatchScore(text string, field types.FieldContract, anchors []types.FieldAnchorRow) float64 {
	lower := strings.ToLower(text)
	best := 0.0
	for _, p := range field.AnchorPack {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			best = math.Max(best, 0.5)
		}
	}
	for _, a := range anchors {
		if a.FieldKey != field.Key {
			continue
		}
		if a.Phrase != "" && strings.Contains(lower, strings.ToLower(a.Phrase)) {
			best = math.Max(best, math.Min(a.Weight, 1.0))
		}
	}
	return best
}

// identityUnsafe reports whether a source's identity match is too weak to
// trust for an identity/critical field.
func identityUnsafe(field types.FieldContract, src types.Source) bool {
	if field.RequiredLevel != types.LevelIdentity && field.RequiredLevel != types.LevelCritical {
		return false
	}
	switch src.IdentityMatchLevel {
	case types.IdentityLocked, types.IdentityProvisional:
		return false
	default:
		return true
	}
}
