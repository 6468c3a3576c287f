package config_test

import (
	"testing"

	"github.com/ember6784/archon-ai-sub000/pkg/config"
	"github.com/stretchr/testify/assert"
)

// TestLoad_Defaults verifies that Load() returns documented defaults when no
// environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("SECURITY_LEVEL", "")
	t.Setenv("MANIFEST_DIR", "")
	t.Setenv("AUDIT_DIR", "")
	t.Setenv("CIRCUIT_BREAKER_DIR", "")

	cfg := config.Load()

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, config.SecurityFull, cfg.SecurityLevel)
	assert.Equal(t, "manifests", cfg.ManifestDir)
	assert.Equal(t, "audit", cfg.AuditDir)
	assert.Equal(t, "state/circuit_breaker", cfg.CircuitBreakerDir)
	assert.Equal(t, 1.0, cfg.SecurityMultiplier())
}

// TestLoad_Overrides verifies that environment variables override defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SECURITY_LEVEL", "light")
	t.Setenv("MANIFEST_DIR", "/etc/kernel/manifests")
	t.Setenv("AUDIT_DIR", "/var/log/kernel-audit")
	t.Setenv("CIRCUIT_BREAKER_DIR", "/var/lib/kernel/cb")

	cfg := config.Load()

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, config.SecurityLight, cfg.SecurityLevel)
	assert.Equal(t, "/etc/kernel/manifests", cfg.ManifestDir)
	assert.Equal(t, "/var/log/kernel-audit", cfg.AuditDir)
	assert.Equal(t, "/var/lib/kernel/cb", cfg.CircuitBreakerDir)
	assert.Equal(t, 1.5, cfg.SecurityMultiplier())
}

// TestLoad_InvalidSecurityLevel falls back to full when the env var is garbage.
func TestLoad_InvalidSecurityLevel(t *testing.T) {
	t.Setenv("SECURITY_LEVEL", "bogus")
	cfg := config.Load()
	assert.Equal(t, config.SecurityFull, cfg.SecurityLevel)
}
