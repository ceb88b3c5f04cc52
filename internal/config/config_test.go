package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"SILENCE_THRESHOLD", "SILENCE_DURATION_MS", "SAVE_AUDIO_ENABLED", "UI_LANGUAGE", "TURN_TIMEOUT_MS"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, 20.0, cfg.SilenceThreshold)
	assert.Equal(t, 2*time.Second, cfg.SilenceDuration)
	assert.Equal(t, 100*time.Millisecond, cfg.CheckInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.MinUtterance)
	assert.Equal(t, 30*time.Second, cfg.MaxUtterance)
	assert.Equal(t, time.Minute, cfg.TurnTimeout)
	assert.Equal(t, "en", cfg.Language)
	assert.Empty(t, cfg.SaveAudioDir)
}

func TestLoadOverridesAndInvalidValues(t *testing.T) {
	t.Setenv("SILENCE_DURATION_MS", "1500")
	t.Setenv("SILENCE_THRESHOLD", "not-a-number")
	t.Setenv("UI_LANGUAGE", "RU")
	t.Setenv("SAVE_AUDIO_ENABLED", "true")
	t.Setenv("SAVE_AUDIO_DIR", "/tmp/replies")

	cfg := Load()
	assert.Equal(t, 1500*time.Millisecond, cfg.SilenceDuration)
	assert.Equal(t, 20.0, cfg.SilenceThreshold)
	assert.Equal(t, "ru", cfg.Language)
	assert.Equal(t, "/tmp/replies", cfg.SaveAudioDir)
}

func TestLoadKeepsZeroTunables(t *testing.T) {
	t.Setenv("SILENCE_THRESHOLD", "0")
	t.Setenv("MIN_UTTERANCE_MS", "0")
	cfg := Load()
	assert.Zero(t, cfg.SilenceThreshold)
	assert.Zero(t, cfg.MinUtterance)
}

func TestLoadAllowedOrigins(t *testing.T) {
	t.Setenv("UI_ALLOWED_ORIGINS", " chrome-extension://abc , ,moz-extension://def")
	assert.Equal(t, []string{"chrome-extension://abc", "moz-extension://def"}, Load().AllowedOrigins)

	t.Setenv("UI_ALLOWED_ORIGINS", "")
	assert.Nil(t, Load().AllowedOrigins)
}

func TestLoadBackground(t *testing.T) {
	t.Setenv("BACKGROUND_LISTEN_ADDR", "")
	t.Setenv("BACKGROUND_STDIO", "TRUE")
	t.Setenv("BACKGROUND_ALLOWED_ORIGINS", "chrome-extension://abc")
	cfg := LoadBackground()
	assert.Equal(t, "127.0.0.1:7346", cfg.ListenAddr)
	assert.True(t, cfg.Stdio)
	assert.Equal(t, []string{"chrome-extension://abc"}, cfg.AllowedOrigins)
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("UI_LANGUAGE=kk\nVOICE_WS_URL=ws://dotenv\n"), 0o644))
	t.Setenv("UI_LANGUAGE", "ru")
	t.Setenv("VOICE_WS_URL", "")
	require.NoError(t, os.Unsetenv("VOICE_WS_URL"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "ru", os.Getenv("UI_LANGUAGE"))
	assert.Equal(t, "ws://dotenv", os.Getenv("VOICE_WS_URL"))
}

func TestLoadManifestOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcp.json")
	body := `{"mcpServers": {
		"background": {"transport": {"type": "websocket", "url": "ws://127.0.0.1:7346/mcp/ws"}},
		"legacy": {"command": "~/bin/legacy", "enabled": false}
	}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("MCP_CONFIG_PATH", path)

	res, err := LoadManifest()
	require.NoError(t, err)
	assert.Equal(t, []string{"background", "legacy"}, res.Order)
	assert.Equal(t, []string{path}, res.Sources)

	bg, ok := res.Lookup(BackgroundServerName)
	require.True(t, ok)
	assert.True(t, bg.IsWebSocket())

	_, ok = res.Lookup("legacy")
	assert.False(t, ok, "disabled servers are not returned")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bin", "legacy"), res.Servers["legacy"].Command)
}

func TestLoadManifestWithoutFiles(t *testing.T) {
	t.Setenv("MCP_CONFIG_PATH", "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	res, err := LoadManifest()
	require.NoError(t, err)
	assert.Empty(t, res.Order)
	assert.Empty(t, res.Sources)
}

func TestLoadManifestRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	t.Setenv("MCP_CONFIG_PATH", path)

	_, err := LoadManifest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}
