package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// withIsolatedEnv clears TURNIX_*/XDG_* env vars and points HOME at a fresh
// temp dir so tests never pick up the developer's real config.
func withIsolatedEnv(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	for _, key := range []string{
		"HOME", "XDG_DATA_HOME", "XDG_CONFIG_HOME", "XDG_CACHE_HOME", "XDG_STATE_HOME",
		"TURNIX_HOST", "TURNIX_PORT", "TURNIX_ROOT", "TURNIX_USERDATA", "TURNIX_SAVES", "TURNIX_LOG_LEVEL",
	} {
		old, had := os.LookupEnv(key)
		t.Cleanup(func() {
			if had {
				os.Setenv(key, old)
			} else {
				os.Unsetenv(key)
			}
		})
		os.Unsetenv(key)
	}
	os.Setenv("HOME", tmpDir)
	return tmpDir
}

func TestLoadDefaults(t *testing.T) {
	withIsolatedEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8813, cfg.Server.Port)
	require.Equal(t, "127.0.0.1", cfg.Server.Host)
	require.Equal(t, "lax", cfg.Server.CookieSameSite)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadGlobalThenProjectOverride(t *testing.T) {
	tmpDir := withIsolatedEnv(t)

	globalDir := filepath.Join(tmpDir, ".config", "turnix")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "turnix.json"), []byte(`{
		"server": {"port": 9000},
		"log": {"level": "debug"}
	}`), 0644))

	projectDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, ".turnix"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ".turnix", "turnix.jsonc"), []byte(`{
		// project overrides the port but not the log level
		"server": {"port": 9100},
	}`), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port, "project config should win over global")
	require.Equal(t, "debug", cfg.Log.Level, "global-only field should survive the merge")
}

func TestEnvOverridesWinOverFiles(t *testing.T) {
	tmpDir := withIsolatedEnv(t)

	globalDir := filepath.Join(tmpDir, ".config", "turnix")
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "turnix.json"), []byte(`{"server": {"port": 9000}}`), 0644))

	os.Setenv("TURNIX_PORT", "9999")
	os.Setenv("TURNIX_ROOT", "/srv/turnix-content")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, "/srv/turnix-content", cfg.Roots.CLIRoot)
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "turnix.json")

	cfg := defaults()
	cfg.Server.Port = 4242
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "4242")
}

func TestGetPathsHonorsXDG(t *testing.T) {
	withIsolatedEnv(t)
	os.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	p := GetPaths()
	require.Equal(t, filepath.Join("/tmp/xdg-data", "turnix"), p.Data)
	require.Equal(t, filepath.Join(p.Data, "storage"), p.StoragePath())
}
