package frontier

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPathSignatureCollapsesNumericSegments(t *testing.T) {
	require.Equal(t, "products/#/specs", PathSignature("https://example.com/products/1234/specs"))
	require.Equal(t, "products/#/specs", PathSignature("https://example.com/products/5678/specs"))
}

func TestShouldSkipUnseenURL(t *testing.T) {
	f := New(openTestDB(t))
	skip, reason, err := f.ShouldSkip("https://example.com/a")
	require.NoError(t, err)
	require.False(t, skip)
	require.Empty(t, reason)
}

func TestRecordFetchAppliesCooldown(t *testing.T) {
	f := New(openTestDB(t))
	require.NoError(t, f.RecordFetch("https://example.com/a", false, false, time.Hour))

	skip, reason, err := f.ShouldSkip("https://example.com/a")
	require.NoError(t, err)
	require.True(t, skip)
	require.Equal(t, "url_cooldown", reason)
}

func TestRepeatedBlockMarksDomainBlocked(t *testing.T) {
	f := New(openTestDB(t))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.RecordFetch("https://blocked.example.com/p", false, true, 0))
	}
	h, err := f.DomainHealth("blocked.example.com")
	require.NoError(t, err)
	require.Equal(t, "blocked", string(h.BudgetState))
}

func TestDeadPatternMarkedAfterRepeatedFailures(t *testing.T) {
	f := New(openTestDB(t))
	for i := 0; i < deadPatternFailThreshold; i++ {
		url := "https://example.com/products/" + string(rune('0'+i)) + "/specs"
		require.NoError(t, f.RecordFetch(url, false, false, 0))
	}
	skip, reason, err := f.ShouldSkip("https://example.com/products/9/specs")
	require.NoError(t, err)
	require.True(t, skip)
	require.Equal(t, "dead_pattern", reason)
}
