package extraction

import (
	"context"
	"regexp"
	"sync"

	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/types"
)

// AdapterExtractor implements the adapter method: a per-field regex rule,
// sourced from the operator-editable table rather than a code-level
// registry, applied to each snippet's quote.
type AdapterExtractor struct {
	tables *config.OperatorTables

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp // field_key -> compiled pattern, cached
}

// NewAdapterExtractor wraps the operator's adapter rule table.
func NewAdapterExtractor(tables *config.OperatorTables) *AdapterExtractor {
	return &AdapterExtractor{tables: tables, compiled: map[string]*regexp.Regexp{}}
}

func (a *AdapterExtractor) Method() types.Method { return types.MethodAdapter }

func (a *AdapterExtractor) Extract(_ context.Context, ec Context) ([]types.EvidenceUnit, error) {
	rule, ok := a.tables.AdapterRuleFor(ec.Field.Key)
	if !ok {
		return nil, nil
	}
	re, err := a.compile(rule)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("adapter rule for %s: bad pattern: %v", ec.Field.Key, err)
		return nil, nil
	}

	var out []types.EvidenceUnit
	for _, s := range ec.Snippets {
		m := re.FindStringSubmatch(s.Quote)
		unit := types.EvidenceUnit{
			SnippetID: s.SnippetID, SourceID: s.SourceID, FieldKey: ec.Field.Key, Method: types.MethodAdapter,
			Tier: s.Tier, SourceIdentityMatch: s.SourceIdentityMatch, PageProductClusterID: s.PageProductClusterID,
		}
		if len(m) < 2 {
			unit.UnknownReason = types.ReasonMissingEvidence
			out = append(out, unit)
			continue
		}
		unit.CandidateValue = m[1]
		unit.TargetMatchPassed = targetMatchPassed(s, ec.Product)
		out = append(out, unit)
	}
	return out, nil
}

func (a *AdapterExtractor) compile(rule config.AdapterRule) (*regexp.Regexp, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if re, ok := a.compiled[rule.FieldKey]; ok {
		return re, nil
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, err
	}
	a.compiled[rule.FieldKey] = re
	return re, nil
}
