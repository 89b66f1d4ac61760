package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"AUTHBRIDGE_PROJECT_ID",
		"AUTHBRIDGE_BASE_URL",
		"RUNTIME_URL",
		"FLOW_URL",
		"FLOWS_MANIFEST",
		"FLOW_NAME",
		"AUTHBRIDGE_STORAGE_PASSPHRASE",
		"AUTHBRIDGE_STORAGE_PATH",
		"ENVIRONMENT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the minimum env vars for a single-flow setup.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTHBRIDGE_PROJECT_ID", "P2aaaabbbbccccddddeeeeffff0000111122")
	t.Setenv("FLOW_URL", "https://flows.example.com/sign-in")
}

// --- Load ---

func TestLoad_Minimal(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "P2aaaabbbbccccddddeeeeffff0000111122", cfg.ProjectID)
	assert.Equal(t, "https://flows.example.com/sign-in", cfg.FlowURL)
	assert.Equal(t, "ws://127.0.0.1:9222/runtime", cfg.RuntimeURL) // default
	assert.Equal(t, "sign-in", cfg.FlowName)                       // default
	assert.False(t, cfg.PersistenceEnabled())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingProjectID(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("FLOW_URL", "https://flows.example.com/sign-in")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHBRIDGE_PROJECT_ID")
}

func TestLoad_MissingFlowSource(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AUTHBRIDGE_PROJECT_ID", "P2aaaa")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FLOW_URL")
}

func TestLoad_FlowURLAndManifestConflict(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("FLOWS_MANIFEST", "flows.yaml")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestLoad_StoragePathRequiresPassphrase(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("AUTHBRIDGE_STORAGE_PATH", filepath.Join(t.TempDir(), "keyring.db"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHBRIDGE_STORAGE_PASSPHRASE")
}

func TestLoad_ResolvesManifestPathToAbsolute(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("AUTHBRIDGE_PROJECT_ID", "P2aaaa")
	t.Setenv("FLOWS_MANIFEST", "flows.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.FlowsManifest))
}

func TestLoad_Production(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

// --- ResolveFlow ---

func TestResolveFlow_SingleURL(t *testing.T) {
	cfg := &Config{FlowURL: "https://flows.example.com/sign-in"}

	f, err := cfg.ResolveFlow()
	require.NoError(t, err)
	assert.Equal(t, "https://flows.example.com/sign-in", f.URL)
	assert.Empty(t, f.OAuthProvider)
}

func TestResolveFlow_Manifest(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
flows:
  sign-in:
    url: https://flows.example.com/sign-in
    oauthProvider: apple
    magicLinkRedirect: app://auth/resume
    inputs:
      plan: trial
  step-up:
    url: https://flows.example.com/step-up
`), 0o600))

	cfg := &Config{FlowsManifest: manifest, FlowName: "sign-in"}

	f, err := cfg.ResolveFlow()
	require.NoError(t, err)
	assert.Equal(t, "https://flows.example.com/sign-in", f.URL)
	assert.Equal(t, "apple", f.OAuthProvider)
	assert.Equal(t, "app://auth/resume", f.MagicLinkRedirect)
	assert.Equal(t, map[string]any{"plan": "trial"}, f.ClientInputs)
}

func TestResolveFlow_ManifestErrors(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "flows.yaml")
	require.NoError(t, os.WriteFile(valid, []byte("flows:\n  other:\n    url: https://x\n"), 0o600))
	noURL := filepath.Join(dir, "nourl.yaml")
	require.NoError(t, os.WriteFile(noURL, []byte("flows:\n  sign-in: {}\n"), 0o600))
	badYAML := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("flows: ["), 0o600))

	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{"missing file", filepath.Join(dir, "absent.yaml"), "reading flows manifest"},
		{"unparseable", badYAML, "parsing flows manifest"},
		{"unknown flow name", valid, "not found in manifest"},
		{"entry without url", noURL, "has no url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{FlowsManifest: tt.manifest, FlowName: "sign-in"}
			_, err := cfg.ResolveFlow()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
