package extraction

import "github.com/spec-harvester/convergence/internal/types"

// SnippetIDSet returns the set of snippet IDs present in this context, for
// ValidateUnits to check extractor output against.
func (ec Context) SnippetIDSet() map[string]bool {
	out := make(map[string]bool, len(ec.Snippets))
	for _, s := range ec.Snippets {
		out[s.SnippetID] = true
	}
	return out
}

// ValidateUnits enforces the evidence unit schema: every populated
// snippet_id must reference a snippet that was actually in this field's
// context, every enum-typed value must be one of the field's declared
// enum members, and a unit must carry either a value or an unknown_reason,
// never neither. Violating units are dropped rather than passed through to
// the Consensus Engine.
func ValidateUnits(units []types.EvidenceUnit, field types.FieldContract, knownSnippetIDs map[string]bool) []types.EvidenceUnit {
	out := make([]types.EvidenceUnit, 0, len(units))
	for _, u := range units {
		if u.SnippetID != "" && !knownSnippetIDs[u.SnippetID] {
			continue
		}
		if u.CandidateValue == "" && u.UnknownReason == "" {
			continue
		}
		if u.CandidateValue != "" && field.ValueType == types.ValueEnum && !enumContains(field.Enum, u.CandidateValue) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func enumContains(enum []string, value string) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}
