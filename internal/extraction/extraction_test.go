package extraction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/retriever"
	"github.com/spec-harvester/convergence/internal/types"
)

func numberField() types.FieldContract {
	return types.FieldContract{Key: "dpi_max", ValueType: types.ValueNumber, Unit: "dpi"}
}

func enumField() types.FieldContract {
	return types.FieldContract{Key: "connection", ValueType: types.ValueEnum, Enum: []string{"wired", "wireless"}}
}

func testProduct() types.Product { return types.Product{Brand: "Razer", Model: "Viper V3"} }

func buildPack(texts ...string) retriever.PrimeSourcePack {
	pack := retriever.PrimeSourcePack{FieldKey: "dpi_max"}
	for i, t := range texts {
		pack.Accepted = append(pack.Accepted, retriever.ScoredSnippet{
			SnippetID: "s" + string(rune('1'+i)),
			DocID:     "doc1",
			Text:      t,
			Source:    types.Source{Tier: types.TierManufacturer, IdentityMatchLevel: types.IdentityLocked},
		})
	}
	return pack
}

func TestBuildContextTruncatesQuotes(t *testing.T) {
	long := make([]byte, 400)
	for i := range long {
		long[i] = 'a'
	}
	pack := buildPack(string(long))
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)
	require.Len(t, ec.Snippets[0].Quote, maxQuoteChars)
}

func TestTextValueExtractorParsesNumberWithUnit(t *testing.T) {
	pack := buildPack("Sensor reaches 30,000 DPI max, Razer Viper V3")
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)

	x := NewTextValueExtractor(types.MethodArticleText)
	units, err := x.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, "30000", units[0].CandidateValue)
	require.True(t, units[0].TargetMatchPassed)
}

func TestTextValueExtractorReturnsUnknownWhenNoNumberPresent(t *testing.T) {
	pack := buildPack("no numeric spec here")
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)

	x := NewTextValueExtractor(types.MethodArticleText)
	units, err := x.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Empty(t, units[0].CandidateValue)
	require.Equal(t, types.ReasonMissingEvidence, units[0].UnknownReason)
}

func TestTextValueExtractorSkipsDisallowedDocKinds(t *testing.T) {
	pack := retriever.PrimeSourcePack{Accepted: []retriever.ScoredSnippet{
		{SnippetID: "s1", DocID: "d1", Text: "30000 dpi", Source: types.Source{DocKind: types.DocForum}},
	}}
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)

	x := NewTextValueExtractor(types.MethodHTMLSpecTable, types.DocSpec, types.DocManual)
	units, err := x.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Empty(t, units)
}

func TestTextValueExtractorMatchesEnumValue(t *testing.T) {
	pack := buildPack("This mouse ships in a Wireless configuration")
	ec := BuildContext(enumField(), testProduct(), "", nil, nil, pack)

	x := NewTextValueExtractor(types.MethodArticleText)
	units, err := x.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Equal(t, "wireless", units[0].CandidateValue)
}

func TestAdapterExtractorAppliesConfiguredPattern(t *testing.T) {
	tables := &config.OperatorTables{AdapterRules: []config.AdapterRule{
		{FieldKey: "dpi_max", Pattern: `(\d+)\s*DPI`},
	}}
	pack := buildPack("max sensor: 26000 DPI")
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)

	x := NewAdapterExtractor(tables)
	units, err := x.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, "26000", units[0].CandidateValue)
}

func TestAdapterExtractorNoOpWithoutMatchingRule(t *testing.T) {
	tables := &config.OperatorTables{}
	pack := buildPack("max sensor: 26000 DPI")
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)

	x := NewAdapterExtractor(tables)
	units, err := x.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Nil(t, units)
}

func TestDeterministicNormalizerEvaluatesSnippet(t *testing.T) {
	snippets := map[string]string{
		"dpi_max": `
func Normalize(quotes []string) (string, bool) {
	if len(quotes) == 0 {
		return "", false
	}
	return "26000", true
}
`,
	}
	pack := buildPack("max sensor: 26000 DPI")
	ec := BuildContext(numberField(), testProduct(), "", nil, nil, pack)

	n := NewDeterministicNormalizer(snippets)
	units, err := n.Extract(context.Background(), ec)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, "26000", units[0].CandidateValue)
}

func TestParseLLMResponseStripsCodeFenceAndReasoning(t *testing.T) {
	raw := "Sure, here is the answer:\n```json\n{\"value\":\"26000\",\"snippet_id\":\"s1\",\"target_match_passed\":true}\n```\nHope that helps!"
	resp, err := parseLLMResponse(raw)
	require.NoError(t, err)
	require.Equal(t, "26000", resp.Value)
	require.Equal(t, "s1", resp.SnippetID)
	require.True(t, resp.TargetMatchPassed)
}

func TestValidateUnitsRejectsDanglingSnippetIDAndBadEnum(t *testing.T) {
	known := map[string]bool{"s1": true}
	units := []types.EvidenceUnit{
		{SnippetID: "s1", FieldKey: "connection", CandidateValue: "wireless"},
		{SnippetID: "s2", FieldKey: "connection", CandidateValue: "wireless"}, // dangling ref
		{SnippetID: "s1", FieldKey: "connection", CandidateValue: "bluetooth"}, // not in enum
	}
	out := ValidateUnits(units, enumField(), known)
	require.Len(t, out, 1)
	require.Equal(t, "wireless", out[0].CandidateValue)
}
