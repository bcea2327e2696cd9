package roundctl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/consensus"
	"github.com/spec-harvester/convergence/internal/fetch"
	"github.com/spec-harvester/convergence/internal/retriever"
	"github.com/spec-harvester/convergence/internal/types"
)

func TestComputeProgressCountsAcceptedDeltaAndAverageConfidence(t *testing.T) {
	before := map[string]types.FieldState{
		"dpi_max": {Status: types.StatusUnknown, Confidence: 0},
		"weight":  {Status: types.StatusUnknown, Confidence: 0},
	}
	after := map[string]types.FieldState{
		"dpi_max": {Status: types.StatusAccepted, Confidence: 0.9},
		"weight":  {Status: types.StatusUnknown, Confidence: 0.2},
	}
	p := computeProgress(before, after, 1, 2, 3)
	require.Equal(t, 1, p.FieldsAcceptedDelta)
	require.InDelta(t, 0.55, p.ConfidenceDelta, 0.001)
	require.Equal(t, 1, p.NeedSetSize)
	require.Equal(t, 2, p.SourcesIdentityMatched)
	require.Equal(t, 3, p.AllTimeQueriesAdded)
}

func TestAllFieldsSettledIgnoresOptionalFields(t *testing.T) {
	contract := types.CategoryContract{Fields: []types.FieldContract{
		{Key: "dpi_max", RequiredLevel: types.LevelCritical},
		{Key: "color", RequiredLevel: types.LevelOptional},
	}}
	states := map[string]types.FieldState{
		"dpi_max": {Status: types.StatusAccepted},
		"color":   {Status: types.StatusUnknown},
	}
	require.True(t, allFieldsSettled(contract, states))
}

func TestAllFieldsSettledFalseWhenRequiredFieldUnresolved(t *testing.T) {
	contract := types.CategoryContract{Fields: []types.FieldContract{
		{Key: "dpi_max", RequiredLevel: types.LevelCritical},
	}}
	states := map[string]types.FieldState{"dpi_max": {Status: types.StatusCandidate}}
	require.False(t, allFieldsSettled(contract, states))
}

func TestPublishableRequiresOpenGateAndIdentityCriticalFieldsAccepted(t *testing.T) {
	contract := types.CategoryContract{Fields: []types.FieldContract{
		{Key: "sku", RequiredLevel: types.LevelIdentity},
		{Key: "color", RequiredLevel: types.LevelOptional},
	}}
	states := map[string]types.FieldState{"sku": {Status: types.StatusAccepted}}

	require.False(t, publishable(contract, states, types.IdentityLockState{PublishGateOpen: false}))
	require.True(t, publishable(contract, states, types.IdentityLockState{PublishGateOpen: true}))

	states["sku"] = types.FieldState{Status: types.StatusCandidate}
	require.False(t, publishable(contract, states, types.IdentityLockState{PublishGateOpen: true}))
}

func TestRootDomainCollapsesSubdomains(t *testing.T) {
	require.Equal(t, "razer.com", rootDomain("www.razer.com"))
	require.Equal(t, "razer.com", rootDomain("support.razer.com"))
	require.Equal(t, "razer.com", rootDomain("razer.com"))
}

func TestDedupeStringsDropsBlankAndRepeatedEntries(t *testing.T) {
	in := []string{"a", "", "b", "a", "c", ""}
	require.Equal(t, []string{"a", "b", "c"}, dedupeStrings(in))
}

func TestHostOfExtractsAuthorityFromURL(t *testing.T) {
	require.Equal(t, "example.com", hostOf("https://example.com/a/b"))
	require.Equal(t, "example.com", hostOf("http://example.com"))
	require.Equal(t, "not-a-url", hostOf("not-a-url"))
}

func TestTokenizeLowercasesAndSplitsOnNonAlphanumeric(t *testing.T) {
	require.Equal(t, []string{"razer", "viper", "v3", "pro"}, tokenize("Razer  Viper-V3/Pro!"))
}

func TestProductTokensIncludesAliases(t *testing.T) {
	p := types.Product{Brand: "Razer", Model: "Viper V3 Pro", Aliases: []string{"RZ01-0593"}}
	toks := productTokens(p)
	require.Contains(t, toks, "razer")
	require.Contains(t, toks, "rz01")
	require.Contains(t, toks, "0593")
}

func TestMergeIdentityPrefersHigherRankAndLatchesOnConflict(t *testing.T) {
	st := &runState{identity: types.IdentityLockState{Status: types.IdentityUnlocked}}
	mergeIdentity(st, types.IdentityProvisional, 0.7)
	require.Equal(t, types.IdentityProvisional, st.identity.Status)

	mergeIdentity(st, types.IdentityLocked, 0.95)
	require.Equal(t, types.IdentityLocked, st.identity.Status)
	require.True(t, st.identity.PublishGateOpen)

	mergeIdentity(st, types.IdentityConflict, 0.99)
	require.Equal(t, types.IdentityConflict, st.identity.Status)

	mergeIdentity(st, types.IdentityLocked, 0.99)
	require.Equal(t, types.IdentityConflict, st.identity.Status, "once conflicted, a later locked source must not clear it")
}

func TestRankOrdersIdentityLevelsByTrust(t *testing.T) {
	require.True(t, rank(types.IdentityLocked) > rank(types.IdentityProvisional))
	require.True(t, rank(types.IdentityProvisional) > rank(types.IdentityUnlocked))
	require.True(t, rank(types.IdentityUnlocked) > rank(types.IdentityConflict))
}

func TestMigrateFactKeysRewritesKnownMigrationsAndDropsUnknown(t *testing.T) {
	contract := types.CategoryContract{
		Fields:        []types.FieldContract{{Key: "dpi_max"}},
		KeyMigrations: map[string]string{"max_dpi": "dpi_max"},
	}
	facts := []types.Fact{
		{NormalizedKey: "max_dpi"},
		{NormalizedKey: "dpi_max"},
		{NormalizedKey: "unrelated_noise"},
	}
	out, dropped := migrateFactKeys(facts, contract)
	require.Equal(t, 1, dropped)
	require.Len(t, out, 2)
	for _, f := range out {
		require.Equal(t, "dpi_max", f.NormalizedKey)
	}
}

func TestGroupByValueGroupsAndOrdersDeterministically(t *testing.T) {
	units := []types.EvidenceUnit{
		{CandidateValue: "16000", SnippetID: "s1"},
		{CandidateValue: "8000", SnippetID: "s2"},
		{CandidateValue: "16000", SnippetID: "s3"},
	}
	cands := groupByValue(units)
	require.Len(t, cands, 2)
	require.Equal(t, "16000", cands[0].Value)
	require.Len(t, cands[0].Units, 2)
	require.Equal(t, "8000", cands[1].Value)
}

func TestDistinctSourceCountCountsUniqueSources(t *testing.T) {
	bySnippet := map[string]retriever.ScoredSnippet{
		"s1": {Source: types.Source{SourceID: "src-a"}},
		"s2": {Source: types.Source{SourceID: "src-a"}},
		"s3": {Source: types.Source{SourceID: "src-b"}},
	}
	units := []types.EvidenceUnit{{SnippetID: "s1"}, {SnippetID: "s2"}, {SnippetID: "s3"}}
	require.Equal(t, 2, distinctSourceCount(units, bySnippet))
}

func TestBestTierPicksLowestNumberedTier(t *testing.T) {
	units := []types.EvidenceUnit{
		{Tier: types.TierRetail},
		{Tier: types.TierManufacturer},
		{Tier: types.TierForum},
	}
	require.Equal(t, types.TierManufacturer, bestTier(units))
}

func TestFetchModeForMapsFallbackLadderRungs(t *testing.T) {
	require.Equal(t, types.FetchHTTP, fetchModeFor(fetch.FetcherHTTP))
	require.Equal(t, types.FetchHeadlessBrowser, fetchModeFor(fetch.FetcherHeadless))
	require.Equal(t, types.FetchAlternateCrawler, fetchModeFor(fetch.FetcherAlternate))
}

func TestWinnerAnchorAndSourceTruncatesQuoteAndReportsSourceMetadata(t *testing.T) {
	bySnippet := map[string]retriever.ScoredSnippet{
		"s1": {Text: "  the quick brown fox  ", Source: types.Source{URL: "https://example.com/spec", DocKind: types.DocSpec, Tier: types.TierManufacturer}},
	}
	d := consensus.Decision{Winner: &consensus.Candidate{Units: []types.EvidenceUnit{{SnippetID: "s1"}}}}
	anchor, url, docKind, tier := winnerAnchorAndSource(d, bySnippet)
	require.Equal(t, "the quick brown fox", anchor)
	require.Equal(t, "https://example.com/spec", url)
	require.Equal(t, types.DocSpec, docKind)
	require.Equal(t, types.TierManufacturer, tier)
}

func TestWinnerAnchorAndSourceHandlesNoWinner(t *testing.T) {
	anchor, url, docKind, tier := winnerAnchorAndSource(consensus.Decision{}, nil)
	require.Empty(t, anchor)
	require.Empty(t, url)
	require.Empty(t, docKind)
	require.Zero(t, tier)
}
