package extraction

import (
	"context"
	"fmt"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/spec-harvester/convergence/internal/logging"
	"github.com/spec-harvester/convergence/internal/types"
)

// DeterministicNormalizer implements the deterministic_normalizer method:
// an operator-supplied Go snippet per field, interpreted rather than
// compiled in, so adding a new field's normalization logic is a new
// configuration row, never a new code path. Each snippet must define
// func Normalize(quotes []string) (value string, ok bool).
type DeterministicNormalizer struct {
	Snippets map[string]string // field_key -> Go source

	mu     sync.Mutex
	cached map[string]func([]string) (string, bool)
}

// NewDeterministicNormalizer wraps a field_key -> Go source snippet table.
func NewDeterministicNormalizer(snippets map[string]string) *DeterministicNormalizer {
	return &DeterministicNormalizer{Snippets: snippets, cached: map[string]func([]string) (string, bool){}}
}

func (n *DeterministicNormalizer) Method() types.Method { return types.MethodDeterministicNormalizer }

func (n *DeterministicNormalizer) Extract(_ context.Context, ec Context) ([]types.EvidenceUnit, error) {
	if len(ec.Snippets) == 0 {
		return nil, nil
	}
	fn, ok, err := n.normalizerFor(ec.Field.Key)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("normalizer snippet for %s failed to load: %v", ec.Field.Key, err)
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	quotes := make([]string, len(ec.Snippets))
	for i, s := range ec.Snippets {
		quotes[i] = s.Quote
	}
	value, ok := fn(quotes)
	best := ec.Snippets[0]
	unit := types.EvidenceUnit{
		SnippetID: best.SnippetID, SourceID: best.SourceID, FieldKey: ec.Field.Key, Method: types.MethodDeterministicNormalizer,
		Tier: best.Tier, SourceIdentityMatch: best.SourceIdentityMatch, PageProductClusterID: best.PageProductClusterID,
	}
	if !ok {
		unit.UnknownReason = types.ReasonMissingEvidence
		return []types.EvidenceUnit{unit}, nil
	}
	unit.CandidateValue = value
	unit.TargetMatchPassed = targetMatchPassed(best, ec.Product)
	return []types.EvidenceUnit{unit}, nil
}

func (n *DeterministicNormalizer) normalizerFor(fieldKey string) (func([]string) (string, bool), bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if fn, ok := n.cached[fieldKey]; ok {
		return fn, true, nil
	}
	src, ok := n.Snippets[fieldKey]
	if !ok {
		return nil, false, nil
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, false, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return nil, false, fmt.Errorf("eval snippet: %w", err)
	}
	v, err := i.Eval("Normalize")
	if err != nil {
		return nil, false, fmt.Errorf("no Normalize func defined: %w", err)
	}
	fn, ok := v.Interface().(func([]string) (string, bool))
	if !ok {
		return nil, false, fmt.Errorf("Normalize has the wrong signature")
	}
	n.cached[fieldKey] = fn
	return fn, true, nil
}
