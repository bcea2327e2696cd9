package roundctl

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/automation"
	"github.com/spec-harvester/convergence/internal/config"
	"github.com/spec-harvester/convergence/internal/evidenceindex"
	"github.com/spec-harvester/convergence/internal/extraction"
	"github.com/spec-harvester/convergence/internal/fetch"
	"github.com/spec-harvester/convergence/internal/frontier"
	"github.com/spec-harvester/convergence/internal/identity"
	"github.com/spec-harvester/convergence/internal/learning"
	"github.com/spec-harvester/convergence/internal/retry"
	"github.com/spec-harvester/convergence/internal/store"
	"github.com/spec-harvester/convergence/internal/types"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

const specPage = `<html><head><title>Acme Widget</title></head><body>
<table>
<tr><th>Spec</th><th>Value</th></tr>
<tr><td>Max DPI</td><td>Acme Widget reaches 16000 DPI</td></tr>
</table>
</body></html>`

func testConfig() *config.Config {
	th := identity.DefaultThresholds()
	return &config.Config{
		Convergence: config.ConvergenceConfig{
			MaxRounds:            4,
			PerRunURLCap:         50,
			NoProgressEpsilon:    0.01,
			NNoProgress:          2,
			LowQualityConfidence: 0.2,
			NLowQuality:          2,
			NIdentityFastFail:    2,
		},
		Identity: config.IdentityConfig{
			LockedThreshold:      th.LockedThreshold,
			ProvisionalThreshold: th.ProvisionalThreshold,
			DimensionToleranceMM: th.DimensionToleranceMM,
			ComponentOverlapMin:  th.ComponentOverlapMin,
		},
	}
}

func dpiContract() types.CategoryContract {
	return types.CategoryContract{
		Category: "mice",
		Fields: []types.FieldContract{
			{Key: "dpi_max", RequiredLevel: types.LevelCritical, ValueType: types.ValueNumber,
				EvidencePolicy: types.EvidencePolicy{MinRefs: 1}},
		},
		KeyMigrations: map[string]string{"max_dpi": "dpi_max"},
	}
}

func TestControllerRunAcceptsFieldFromManufacturerSpecPageAndStopsComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(specPage))
	}))
	defer srv.Close()
	host := mustHost(t, srv.URL)

	db := openTestDB(t)
	fr := frontier.New(db)
	tables := &config.OperatorTables{HostStrategy: []config.HostStrategyEntry{
		{Host: host, Tier: int(types.TierManufacturer), DocKind: string(types.DocSpec)},
	}}
	scheduler := fetch.New(fetch.Config{RetryConfig: retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}}, fr, nil)

	ctrl := New(Dependencies{
		Config:     testConfig(),
		Contract:   dpiContract(),
		Tables:     tables,
		Index:      evidenceindex.New(db, nil),
		Frontier:   fr,
		Fetcher:    scheduler,
		Queue:      automation.New(db, fr),
		Learning:   learning.New(db),
		Extractors: []extraction.Extractor{extraction.NewTextValueExtractor(types.MethodHTMLSpecTable)},
	})

	product := types.Product{ProductID: "p1", Category: "mice", Brand: "Acme", Model: "Widget", IdentityFingerprint: "fp1"}
	summary, err := ctrl.Run(t.Context(), RunInput{Product: product, SeedURLs: []string{srv.URL}})
	require.NoError(t, err)

	require.Equal(t, types.StopComplete, summary.StopReason)
	require.True(t, summary.Publishable)
	require.Len(t, summary.Rounds, 1)

	state := summary.FinalFields["dpi_max"]
	require.Equal(t, types.StatusAccepted, state.Status)
	require.Equal(t, "16000", state.Value)
	require.Equal(t, types.IdentityLocked, summary.Rounds[0].Identity.Status)

	anchors, err := learning.New(db).ActiveAnchors("mice", "dpi_max")
	require.NoError(t, err)
	require.NotEmpty(t, anchors, "accepted field should commit a learned anchor")
}

func TestControllerRunStopsWithoutCompletingWhenFieldNeverResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Unrelated Page</title></head><body><p>nothing useful here</p></body></html>`))
	}))
	defer srv.Close()

	db := openTestDB(t)
	fr := frontier.New(db)
	scheduler := fetch.New(fetch.Config{RetryConfig: retry.Config{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}}, fr, nil)

	cfg := testConfig()
	cfg.Convergence.MaxRounds = 2

	ctrl := New(Dependencies{
		Config:     cfg,
		Contract:   dpiContract(),
		Tables:     &config.OperatorTables{},
		Index:      evidenceindex.New(db, nil),
		Frontier:   fr,
		Fetcher:    scheduler,
		Queue:      automation.New(db, fr),
		Learning:   learning.New(db),
		Extractors: []extraction.Extractor{extraction.NewTextValueExtractor(types.MethodHTMLSpecTable)},
	})

	product := types.Product{ProductID: "p2", Category: "mice", Brand: "Acme", Model: "Widget", IdentityFingerprint: "fp2"}
	summary, err := ctrl.Run(t.Context(), RunInput{Product: product, SeedURLs: []string{srv.URL}})
	require.NoError(t, err)

	require.NotEqual(t, types.StopComplete, summary.StopReason)
	require.False(t, summary.Publishable)
	require.Equal(t, types.StatusUnknown, summary.FinalFields["dpi_max"].Status)
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}
