package retriever

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/types"
)

type fakeSearcher struct {
	anchorFacts []types.Fact
	facts       []types.Fact
	chunks      []types.Chunk
	sources     map[string]types.Source // keyed by doc_id
}

func (f *fakeSearcher) SearchFactsFTS(query string, limit int) ([]types.Fact, error) { return f.facts, nil }
func (f *fakeSearcher) SearchChunksFTS(query string, limit int) ([]types.Chunk, error) { return f.chunks, nil }
func (f *fakeSearcher) GetByFieldAnchor(normalizedKey string, limit int) ([]types.Fact, error) {
	return f.anchorFacts, nil
}
func (f *fakeSearcher) GetSourceByDoc(docID string) (types.Source, error) {
	src, ok := f.sources[docID]
	if !ok {
		return types.Source{}, assertNotFoundErr{}
	}
	return src, nil
}

type assertNotFoundErr struct{}

func (assertNotFoundErr) Error() string { return "not found" }

func fieldContract() types.FieldContract {
	return types.FieldContract{
		Key:           "dpi_max",
		RequiredLevel: types.LevelRequired,
		ValueType:     types.ValueNumber,
		EvidencePolicy: types.EvidencePolicy{
			MinRefs:            2,
			RequireDistinctSrc: true,
		},
		SearchHints: []string{"max dpi", "sensor dpi"},
	}
}

func product() types.Product {
	return types.Product{Brand: "Razer", Model: "Viper V3"}
}

func TestRetrieveRanksByTierAndReturnsPrimeSourcePack(t *testing.T) {
	searcher := &fakeSearcher{
		facts: []types.Fact{
			{FactID: "f1", DocID: "doc-retail", NormalizedKey: "dpi_max", RawValue: "30000 dpi Razer Viper V3", SnippetID: "s1"},
			{FactID: "f2", DocID: "doc-mfr", NormalizedKey: "dpi_max", RawValue: "30000 dpi Razer Viper V3 sensor", SnippetID: "s2", UnitHint: "dpi"},
		},
		sources: map[string]types.Source{
			"doc-retail": {SourceID: "src-retail", Tier: types.TierRetail, DocKind: types.DocRetail, IdentityMatchLevel: types.IdentityLocked},
			"doc-mfr":    {SourceID: "src-mfr", Tier: types.TierManufacturer, DocKind: types.DocSpec, IdentityMatchLevel: types.IdentityLocked},
		},
	}

	pack := Retrieve(Input{Field: fieldContract(), Product: product(), Searcher: searcher})

	require.Len(t, pack.Accepted, 2)
	require.Equal(t, "s2", pack.Accepted[0].SnippetID, "manufacturer-tier fact with unit hint should rank first")
	require.Empty(t, pack.MissReasons)
}

func TestRetrieveReportsPoolEmptyWhenNothingFound(t *testing.T) {
	searcher := &fakeSearcher{sources: map[string]types.Source{}}
	pack := Retrieve(Input{Field: fieldContract(), Product: product(), Searcher: searcher})
	require.Empty(t, pack.Accepted)
	require.Contains(t, pack.MissReasons, MissPoolEmpty)
}

func TestRetrieveExcludesIdentityUnsafeSourcesForCriticalFields(t *testing.T) {
	field := fieldContract()
	field.RequiredLevel = types.LevelCritical
	field.EvidencePolicy.MinRefs = 1
	field.EvidencePolicy.RequireDistinctSrc = false

	searcher := &fakeSearcher{
		facts: []types.Fact{
			{FactID: "f1", DocID: "doc-unlocked", NormalizedKey: "dpi_max", RawValue: "30000 dpi", SnippetID: "s1"},
		},
		sources: map[string]types.Source{
			"doc-unlocked": {SourceID: "src-unlocked", Tier: types.TierRetail, IdentityMatchLevel: types.IdentityUnlocked},
		},
	}

	pack := Retrieve(Input{Field: field, Product: product(), Searcher: searcher})
	require.Empty(t, pack.Accepted)
	require.Contains(t, pack.MissReasons, MissIdentityMismatch)
	require.Len(t, pack.Trace, 1)
	require.Equal(t, MissIdentityMismatch, pack.Trace[0].RejectReason)
}

func TestRetrieveFlagsTierDeficitWhenNoPreferredTierAccepted(t *testing.T) {
	field := fieldContract()
	field.EvidencePolicy.MinRefs = 1
	field.EvidencePolicy.RequireDistinctSrc = false
	field.TierPreference = []types.Tier{types.TierManufacturer, types.TierLabReview}

	searcher := &fakeSearcher{
		facts: []types.Fact{
			{FactID: "f1", DocID: "doc-forum", NormalizedKey: "dpi_max", RawValue: "30000 dpi Razer Viper V3", SnippetID: "s1"},
		},
		sources: map[string]types.Source{
			"doc-forum": {SourceID: "src-forum", Tier: types.TierForum, IdentityMatchLevel: types.IdentityLocked},
		},
	}

	pack := Retrieve(Input{Field: field, Product: product(), Searcher: searcher})
	require.Len(t, pack.Accepted, 1)
	require.Contains(t, pack.MissReasons, MissTierDeficit)
}

func TestRetrieveFlagsNoAnchorWhenNoAnchorPhraseMatched(t *testing.T) {
	field := fieldContract()
	field.EvidencePolicy.MinRefs = 1
	field.EvidencePolicy.RequireDistinctSrc = false
	field.SearchHints = nil
	field.AnchorPack = []string{"polling rate"}

	searcher := &fakeSearcher{
		chunks: []types.Chunk{
			{SnippetID: "c1", DocID: "doc-a", Text: "unrelated marketing copy"},
		},
		sources: map[string]types.Source{
			"doc-a": {SourceID: "src-a", Tier: types.TierManufacturer, IdentityMatchLevel: types.IdentityLocked},
		},
	}

	pack := Retrieve(Input{Field: field, Product: product(), Searcher: searcher})
	require.Len(t, pack.Accepted, 1)
	require.Contains(t, pack.MissReasons, MissNoAnchor)
}

func TestRetrieveStopsAtMinRefsOrDistinctSourceWhicheverFirst(t *testing.T) {
	field := fieldContract()
	field.EvidencePolicy.MinRefs = 1
	field.EvidencePolicy.RequireDistinctSrc = false

	searcher := &fakeSearcher{
		facts: []types.Fact{
			{FactID: "f1", DocID: "doc-mfr", NormalizedKey: "dpi_max", RawValue: "30000 dpi Razer Viper V3", SnippetID: "s1"},
			{FactID: "f2", DocID: "doc-mfr", NormalizedKey: "dpi_max", RawValue: "30000 dpi Razer Viper V3", SnippetID: "s2"},
		},
		sources: map[string]types.Source{
			"doc-mfr": {SourceID: "src-mfr", Tier: types.TierManufacturer, IdentityMatchLevel: types.IdentityLocked},
		},
	}

	pack := Retrieve(Input{Field: field, Product: product(), Searcher: searcher})
	require.Len(t, pack.Accepted, 1, "min_refs of 1 should stop selection after the first accepted snippet")
}
