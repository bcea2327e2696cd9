package discovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/types"
)

func testProduct() types.Product {
	return types.Product{Brand: "Razer", Model: "Viper V3 Pro", SKU: "RZ01-0593"}
}

func TestGenerateAliasesIsCappedAndDeterministic(t *testing.T) {
	p := testProduct()
	a := GenerateAliases(p)
	b := GenerateAliases(p)
	require.Equal(t, a, b)
	require.LessOrEqual(t, len(a), maxAliases)
	require.Contains(t, a, "Razer Viper V3 Pro")
}

func TestGenerateAliasesPreservesDigitGroups(t *testing.T) {
	a := GenerateAliases(testProduct())
	found := false
	for _, alias := range a {
		if containsDigits(alias, "3") {
			found = true
		}
	}
	require.True(t, found)
}

func containsDigits(s, digits string) bool {
	for i := 0; i+len(digits) <= len(s); i++ {
		if s[i:i+len(digits)] == digits {
			return true
		}
	}
	return false
}

func TestGenerateQueriesBootstrapsOnEmptyNeedSet(t *testing.T) {
	aliases := []string{"Razer Viper V3 Pro"}
	rows := GenerateQueries(aliases, nil, types.CategoryContract{})
	require.NotEmpty(t, rows)
	for _, r := range rows {
		require.Contains(t, r.Query, "Razer Viper V3 Pro")
	}
}

func TestGenerateQueriesTargetsDeficitFields(t *testing.T) {
	contract := types.CategoryContract{Fields: []types.FieldContract{
		{Key: "polling_rate"},
	}}
	needset := []types.NeedSetRow{{FieldKey: "polling_rate", NeedScore: 2.0}}
	rows := GenerateQueries([]string{"Razer Viper V3 Pro"}, needset, contract)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		require.Equal(t, []string{"polling_rate"}, r.TargetFields)
	}
}

func TestGenerateQueriesSkipsZeroScoreFields(t *testing.T) {
	contract := types.CategoryContract{Fields: []types.FieldContract{{Key: "brand"}}}
	needset := []types.NeedSetRow{{FieldKey: "brand", NeedScore: 0}}
	rows := GenerateQueries([]string{"Razer Viper"}, needset, contract)
	require.Empty(t, rows)
}

func TestExpandWithLLMReturnsNilForDisabledClient(t *testing.T) {
	rows, err := ExpandWithLLM(nil, nil, testProduct(), []string{"weight_g"})
	require.NoError(t, err)
	require.Nil(t, rows)
}

func TestDigitGroupsPreservedRejectsDroppedDigits(t *testing.T) {
	require.True(t, digitGroupsPreserved([]string{"3"}, "razer viper v3 pro review"))
	require.False(t, digitGroupsPreserved([]string{"3"}, "razer viper pro review"))
}

func TestTriageScoresTierAndDocKindMatch(t *testing.T) {
	tables := &config.OperatorTables{
		HostStrategy: []config.HostStrategyEntry{
			{Host: "razer.com", Tier: 1, DocKind: "manual_pdf"},
		},
	}
	candidates := []Candidate{
		{URL: "https://razer.com/viper.pdf", Title: "Razer Viper V3 Pro manual", Host: "razer.com"},
		{URL: "https://forum.example.com/thread", Title: "viper review", Host: "forum.example.com"},
	}
	results := Triage(candidates, DocHintManualPDF, []string{"razer", "viper"}, tables, nil)
	require.Equal(t, "razer.com", results[0].Candidate.Host)
}

func TestTriagePenalizesDeniedAndDuplicateHosts(t *testing.T) {
	tables := &config.OperatorTables{}
	candidates := []Candidate{
		{URL: "https://good.com/a", Title: "razer viper", Host: "good.com"},
		{URL: "https://bad.com/a", Title: "razer viper", Host: "bad.com"},
	}
	results := Triage(candidates, DocHintGeneral, []string{"razer", "viper"}, tables, map[string]bool{"bad.com": true})
	for _, r := range results {
		if r.Candidate.Host == "bad.com" {
			require.True(t, r.Denied)
		}
	}
}

func TestSelectTopExcludesDenied(t *testing.T) {
	results := []TriageResult{
		{Candidate: Candidate{Host: "a"}, Denied: true},
		{Candidate: Candidate{Host: "b"}, Denied: false},
	}
	top := SelectTop(results, 5)
	require.Len(t, top, 1)
	require.Equal(t, "b", top[0].Candidate.Host)
}

func TestBuildEscalationQueriesUsesNegativeContext(t *testing.T) {
	rows := BuildEscalationQueries([]string{"Razer Viper V3 Pro"}, map[string]string{"brand": "Razer"}, []string{"weight_g"})
	require.Len(t, rows, 1)
	require.Equal(t, []string{"weight_g"}, rows[0].TargetFields)
}
