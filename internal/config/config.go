// Package config reads companion settings from the environment. Every
// setting has an in-code default so an empty environment yields a usable
// configuration.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/page-companion/companion/internal/logging"
)

// Config holds the companion process settings.
type Config struct {
	VoiceURL     string
	UIListenAddr string
	Language     string

	SilenceThreshold float64
	SilenceDuration  time.Duration
	CheckInterval    time.Duration
	MinUtterance     time.Duration
	MaxUtterance     time.Duration
	TurnTimeout      time.Duration

	SaveAudioDir       string
	SaveAudioRetention time.Duration

	Token            string
	KeyringService   string
	KeyringUser      string
	BackgroundURL    string
	MCPServiceName   string
	RelayCallTimeout time.Duration
	AllowedOrigins   []string
}

// BackgroundConfig holds the background process settings.
type BackgroundConfig struct {
	ListenAddr     string
	Stdio          bool
	Version        string
	AllowedOrigins []string
}

// LoadDotEnv loads .env files into the process environment. A missing file
// is not an error; variables already set are left untouched.
func LoadDotEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Load builds a Config from the environment.
func Load() Config {
	return Config{
		VoiceURL:     getString("VOICE_WS_URL", "wss://api.page-companion.app/voice/ws"),
		UIListenAddr: getString("UI_LISTEN_ADDR", "127.0.0.1:7345"),
		Language:     strings.ToLower(getString("UI_LANGUAGE", "en")),

		SilenceThreshold: getFloat("SILENCE_THRESHOLD", 20),
		SilenceDuration:  getMillis("SILENCE_DURATION_MS", 2000),
		CheckInterval:    getMillis("SILENCE_CHECK_INTERVAL_MS", 100),
		MinUtterance:     getMillis("MIN_UTTERANCE_MS", 500),
		MaxUtterance:     getMillis("MAX_UTTERANCE_MS", 30000),
		TurnTimeout:      getMillis("TURN_TIMEOUT_MS", 60000),

		SaveAudioDir:       getSaveAudioDir(),
		SaveAudioRetention: time.Duration(getInt("SAVE_AUDIO_RETENTION_HOURS", 24)) * time.Hour,

		Token:            strings.TrimSpace(os.Getenv("COMPANION_TOKEN")),
		KeyringService:   getString("KEYRING_SERVICE", "page-companion"),
		KeyringUser:      getString("KEYRING_USER", "default"),
		BackgroundURL:    strings.TrimSpace(os.Getenv("BACKGROUND_URL")),
		MCPServiceName:   getString("MCP_SERVICE_NAME", "companion"),
		RelayCallTimeout: getMillis("RELAY_CALL_TIMEOUT_MS", 5000),
		AllowedOrigins:   getList("UI_ALLOWED_ORIGINS"),
	}
}

// LoadBackground builds a BackgroundConfig from the environment.
func LoadBackground() BackgroundConfig {
	return BackgroundConfig{
		ListenAddr: getString("BACKGROUND_LISTEN_ADDR", "127.0.0.1:7346"),
		Stdio:      strings.EqualFold(strings.TrimSpace(os.Getenv("BACKGROUND_STDIO")), "true"),
		Version:    getString("BACKGROUND_VERSION", "1.0.0"),

		AllowedOrigins: getList("BACKGROUND_ALLOWED_ORIGINS"),
	}
}

// getSaveAudioDir returns the reply capture directory, or "" when saving is
// disabled.
func getSaveAudioDir() string {
	if strings.ToLower(strings.TrimSpace(os.Getenv("SAVE_AUDIO_ENABLED"))) != "true" {
		return ""
	}
	return strings.TrimSpace(os.Getenv("SAVE_AUDIO_DIR"))
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logging.Warnw("config: invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		logging.Warnw("config: invalid number, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func getMillis(key string, def int) time.Duration {
	return time.Duration(getInt(key, def)) * time.Millisecond
}
