package extraction

import (
	"context"
	"regexp"
	"strings"

	"github.com/spec-harvester/convergence/internal/identity"
	"github.com/spec-harvester/convergence/internal/types"
)

// targetMatchMinOverlap is the field-scoped token-overlap bar candidate
// classification applies on top of the source's identity_match_level.
// Mirrors config.IdentityConfig.ComponentOverlapMin's default; there is no
// separate per-field knob for this yet.
const targetMatchMinOverlap = 0.6

// Extractor emits evidence units for one field from an already-assembled
// Context. Every method in the method set has exactly one implementation.
type Extractor interface {
	Method() types.Method
	Extract(ctx context.Context, ec Context) ([]types.EvidenceUnit, error)
}

var numberRE = regexp.MustCompile(`[-+]?\d[\d,]*\.?\d*`)

// TextValueExtractor is the shared implementation behind every method whose
// evidence is already a short, tagged quote by the time it reaches EC:
// html_spec_table, structured_metadata, embedded_json, article_text,
// pdf_text, pdf_ocr, and image_ocr differ only in which method they report
// and which doc kinds they're willing to read from, not in how a value is
// pulled out of a quote.
type TextValueExtractor struct {
	method   types.Method
	docKinds []types.DocKind // empty means no restriction
}

// NewTextValueExtractor builds one method's TextValueExtractor. docKinds
// restricts which source doc kinds this method will read from; pass nil for
// no restriction.
func NewTextValueExtractor(method types.Method, docKinds ...types.DocKind) *TextValueExtractor {
	return &TextValueExtractor{method: method, docKinds: docKinds}
}

func (x *TextValueExtractor) Method() types.Method { return x.method }

func (x *TextValueExtractor) Extract(_ context.Context, ec Context) ([]types.EvidenceUnit, error) {
	var out []types.EvidenceUnit
	for _, s := range ec.Snippets {
		if len(x.docKinds) > 0 && !docKindAllowed(x.docKinds, s.DocKind) {
			continue
		}
		unit := types.EvidenceUnit{
			SnippetID:            s.SnippetID,
			SourceID:             s.SourceID,
			FieldKey:             ec.Field.Key,
			Method:               x.method,
			Tier:                 s.Tier,
			SourceIdentityMatch:  s.SourceIdentityMatch,
			PageProductClusterID: s.PageProductClusterID,
		}
		value, ok := parseValue(s.Quote, ec.Field)
		if !ok {
			unit.UnknownReason = types.ReasonMissingEvidence
			out = append(out, unit)
			continue
		}
		unit.CandidateValue = value
		unit.TargetMatchPassed = targetMatchPassed(s, ec.Product)
		out = append(out, unit)
	}
	return out, nil
}

func docKindAllowed(allowed []types.DocKind, kind types.DocKind) bool {
	for _, k := range allowed {
		if k == kind {
			return true
		}
	}
	return false
}

// parseValue pulls a field's candidate value out of a quote according to
// the field's declared value type.
func parseValue(quote string, field types.FieldContract) (string, bool) {
	quote = strings.TrimSpace(quote)
	if quote == "" {
		return "", false
	}
	switch field.ValueType {
	case types.ValueNumber:
		m := numberRE.FindString(quote)
		if m == "" {
			return "", false
		}
		return strings.ReplaceAll(m, ",", ""), true
	case types.ValueBool:
		lower := strings.ToLower(quote)
		switch {
		case strings.Contains(lower, "yes") || strings.Contains(lower, "true"):
			return "true", true
		case strings.Contains(lower, "no") || strings.Contains(lower, "false"):
			return "false", true
		default:
			return "", false
		}
	case types.ValueEnum:
		lower := strings.ToLower(quote)
		for _, e := range field.Enum {
			if strings.Contains(lower, strings.ToLower(e)) {
				return e, true
			}
		}
		return "", false
	case types.ValueList:
		lower := strings.ToLower(quote)
		var hits []string
		for _, e := range field.Enum {
			if strings.Contains(lower, strings.ToLower(e)) {
				hits = append(hits, e)
			}
		}
		if len(hits) == 0 {
			return "", false
		}
		return strings.Join(hits, ","), true
	default:
		return quote, true
	}
}

// targetMatchPassed implements the candidate half of §4.3's gate: the
// enclosing source must already be provisional/locked, and the snippet
// text must clear the token-overlap bar against the product identity.
// An unlocked or conflicted source never produces a passing unit,
// regardless of how closely its text matches.
func targetMatchPassed(s SnippetRef, p types.Product) bool {
	return identity.TargetMatchPassed(s.SourceIdentityMatch, tokenize(s.Quote), productTokens(p), targetMatchMinOverlap)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func productTokens(p types.Product) []string {
	toks := tokenize(p.Brand + " " + p.Model + " " + p.Variant + " " + p.SKU)
	for _, a := range p.Aliases {
		toks = append(toks, tokenize(a)...)
	}
	return toks
}
