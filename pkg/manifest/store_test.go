package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(content), 0o644))
}

func TestLoad_MissingManifest(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "", "", "prod")
	_, err := s.Load("operations")
	assert.ErrorIs(t, err, ErrManifestLoad)
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{not json`)
	s := NewStore(dir, "", "", "prod")
	_, err := s.Load("operations")
	assert.ErrorIs(t, err, ErrManifestLoad)
}

func TestLoad_MissingVersion(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{"operations": {}}`)
	s := NewStore(dir, "", "", "prod")
	_, err := s.Load("operations")
	assert.ErrorIs(t, err, ErrManifestLoad)
}

func TestLoad_BadVersionSchema(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{"version": "2.0.0"}`)
	s := NewStore(dir, "", "", "prod")
	_, err := s.Load("operations")
	assert.ErrorIs(t, err, ErrManifestLoad)
}

func TestLoad_OperationMissingRiskAndFallback(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{
		"version": "1.0.0",
		"operations": {"read_file": {}}
	}`)
	s := NewStore(dir, "", "", "prod")
	_, err := s.Load("operations")
	assert.ErrorIs(t, err, ErrManifestLoad)
}

func TestLoad_WildcardAndUnderscoreSkipValidation(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{
		"version": "1.0.0",
		"operations": {
			"*": {"fallback_contract": "deny"},
			"_meta": {}
		}
	}`)
	s := NewStore(dir, "", "", "prod")
	m, err := s.Load("operations")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestSourcePriority_ArchonWinsOverBaseAndProject(t *testing.T) {
	base := t.TempDir()
	project := t.TempDir()
	archon := t.TempDir()

	writeManifest(t, base, "operations", `{"version": "1.0.0", "domains": {"fs": {"enabled": true, "priority": 1}}}`)
	writeManifest(t, project, "operations", `{"version": "1.0.0", "domains": {"fs": {"enabled": true, "priority": 2}}}`)
	writeManifest(t, archon, "operations", `{"version": "1.0.0", "domains": {"fs": {"enabled": true, "priority": 3}}}`)

	s := NewStore(base, project, archon, "prod")
	m, err := s.Load("operations")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Domains["fs"].Priority)
}

func TestExtends_DeepMerge(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "base_trading", `{
		"version": "1.0.0",
		"domains": {
			"trading": {"enabled": true, "max_risk_level": 0.3}
		}
	}`)
	writeManifest(t, dir, "trading", `{
		"version": "1.0.0",
		"extends": ["base_trading"],
		"domains": {
			"trading": {"max_risk_level": 0.8}
		}
	}`)

	s := NewStore(dir, "", "", "prod")
	m, err := s.Load("trading")
	require.NoError(t, err)

	cfg := m.Domains["trading"]
	assert.True(t, cfg.Enabled, "enabled should survive from the parent")
	assert.Equal(t, 0.8, cfg.MaxRiskLevel, "child's max_risk_level should override the parent's")
}

func TestExtends_IsIdempotentAcrossRepeatedLoads(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "base_trading", `{
		"version": "1.0.0",
		"domains": {"trading": {"enabled": true, "max_risk_level": 0.3}}
	}`)
	writeManifest(t, dir, "trading", `{
		"version": "1.0.0",
		"extends": ["base_trading"],
		"domains": {"trading": {"max_risk_level": 0.8}}
	}`)

	s := NewStore(dir, "", "", "prod")
	first, err := s.Load("trading")
	require.NoError(t, err)
	second, err := s.Load("trading")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnvironmentOverlay_AppliedOnceNotToParents(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "base_trading", `{
		"version": "1.0.0",
		"domains": {"trading": {"enabled": true, "max_risk_level": 0.3}}
	}`)
	writeManifest(t, dir, "trading", `{
		"version": "1.0.0",
		"extends": ["base_trading"],
		"domains": {"trading": {"max_risk_level": 0.8}}
	}`)
	envDir := filepath.Join(dir, "environments")
	writeManifest(t, envDir, "prod", `{
		"version": "1.0.0",
		"domains": {"trading": {"max_risk_level": 0.95}}
	}`)

	s := NewStore(dir, "", dir, "prod")
	m, err := s.Load("trading")
	require.NoError(t, err)
	assert.Equal(t, 0.95, m.Domains["trading"].MaxRiskLevel)

	// The cached base parent must not have received the overlay: loading
	// base_trading directly (different cache key, same environment) must
	// still see its own un-overlaid value, proving the overlay never
	// touched the shared base cache.
	base, err := s.Load("base_trading")
	require.NoError(t, err)
	assert.Equal(t, 0.3, base.Domains["trading"].MaxRiskLevel)
}

func TestEnvironmentIsolation_DifferentEnvironmentsDoNotShareCache(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{"version": "1.0.0", "domains": {"fs": {"enabled": true}}}`)
	envDir := filepath.Join(dir, "environments")
	writeManifest(t, envDir, "prod", `{"version": "1.0.0", "domains": {"fs": {"enabled": false}}}`)

	prodStore := NewStore(dir, "", dir, "prod")
	devStore := NewStore(dir, "", dir, "dev")

	prodManifest, err := prodStore.Load("operations")
	require.NoError(t, err)
	devManifest, err := devStore.Load("operations")
	require.NoError(t, err)

	assert.False(t, prodManifest.Domains["fs"].Enabled)
	assert.True(t, devManifest.Domains["fs"].Enabled)
}

func TestGetDomainContract_FallbackChain(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{"version": "1.0.0"}`)
	s := NewStore(dir, "", "", "prod")

	cfg := s.GetDomainContract("nonexistent")
	assert.Equal(t, safeDefaults(), cfg)
}

func TestGetOperationContract_WildcardFallback(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{
		"version": "1.0.0",
		"operations": {"*": {"fallback_contract": "deny_all", "risk_level": 0.9}}
	}`)
	s := NewStore(dir, "", "", "prod")

	cfg, ok := s.GetOperationContract("unknown_op")
	require.True(t, ok)
	assert.Equal(t, "deny_all", cfg.FallbackContract)
}

func TestGetRiskLevel_DefaultWhenNoContract(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{"version": "1.0.0"}`)
	s := NewStore(dir, "", "", "prod")

	assert.Equal(t, 0.5, s.GetRiskLevel("nonexistent", 0.5))
}

func TestGetRiskLevel_ExplicitZeroIsHonoredNotTreatedAsUnset(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{
		"version": "1.0.0",
		"operations": {"read_file": {"risk_level": 0}}
	}`)
	s := NewStore(dir, "", "", "prod")

	assert.Equal(t, 0.0, s.GetRiskLevel("read_file", 0.5))
}

func TestReload_BypassesCache(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "operations", `{"version": "1.0.0", "domains": {"fs": {"enabled": true}}}`)
	s := NewStore(dir, "", "", "prod")

	first, err := s.Load("operations")
	require.NoError(t, err)
	assert.True(t, first.Domains["fs"].Enabled)

	writeManifest(t, dir, "operations", `{"version": "1.0.0", "domains": {"fs": {"enabled": false}}}`)

	cached, err := s.Load("operations")
	require.NoError(t, err)
	assert.True(t, cached.Domains["fs"].Enabled, "cache should still return the stale value")

	reloaded, err := s.Reload("operations")
	require.NoError(t, err)
	assert.False(t, reloaded.Domains["fs"].Enabled)
}
