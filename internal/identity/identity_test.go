package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spec-harvester/convergence/internal/types"
)

func TestClassifySourceLockedOnStrongOverlap(t *testing.T) {
	product := []string{"razer", "viper", "v3", "pro"}
	signals := []SourceSignal{{Tokens: []string{"razer", "viper", "v3", "pro", "mouse"}, FromTitle: true}}
	level, score := ClassifySource(product, signals, DefaultThresholds())
	require.Equal(t, types.IdentityLocked, level)
	require.Greater(t, score, 0.9)
}

func TestClassifySourceUnlockedOnWeakOverlap(t *testing.T) {
	product := []string{"razer", "viper", "v3", "pro"}
	signals := []SourceSignal{{Tokens: []string{"logitech", "g502"}}}
	level, _ := ClassifySource(product, signals, DefaultThresholds())
	require.Equal(t, types.IdentityUnlocked, level)
}

func TestClassifySourceNoSignalsFails(t *testing.T) {
	level, score := ClassifySource([]string{"razer"}, nil, DefaultThresholds())
	require.Equal(t, types.IdentityFailed, level)
	require.Zero(t, score)
}

func TestTokensCompatibleHandlesConnectionClassVariance(t *testing.T) {
	require.True(t, tokensCompatible([]string{"wireless"}, []string{"wireless", "wired"}))
}

func TestDimensionsCompatibleToleratesSmallDifference(t *testing.T) {
	require.True(t, DimensionsCompatible(128.0, 130.5, 3.0))
	require.False(t, DimensionsCompatible(128.0, 135.0, 3.0))
}

func TestSKUConflictOnlyWhenZeroOverlap(t *testing.T) {
	require.True(t, SKUConflict("RZ01-0593", "XY99-1234"))
	require.False(t, SKUConflict("RZ01-0593 Black", "RZ01-0593 White"))
}

func TestTargetMatchPassedRequiresProvisionalOrLockedSource(t *testing.T) {
	passed := TargetMatchPassed(types.IdentityUnlocked, []string{"razer", "viper"}, []string{"razer", "viper"}, 0.5)
	require.False(t, passed)

	passed = TargetMatchPassed(types.IdentityProvisional, []string{"razer", "viper"}, []string{"razer", "viper"}, 0.5)
	require.True(t, passed)
}

func TestExtractionAllowedSuppressesHardAmbiguityUntilProvisional(t *testing.T) {
	require.False(t, ExtractionAllowed(types.IdentityUnlocked, types.AmbiguityHard))
	require.True(t, ExtractionAllowed(types.IdentityUnlocked, types.AmbiguityEasy))
	require.True(t, ExtractionAllowed(types.IdentityProvisional, types.AmbiguityHard))
}

func TestPublishGateOnlyOpensWhenLocked(t *testing.T) {
	require.True(t, PublishGateOpen(types.IdentityLocked))
	require.False(t, PublishGateOpen(types.IdentityProvisional))
}
