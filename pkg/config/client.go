package config

import (
	"os"
	"path/filepath"
)

// ClientConfig holds host-side settings for the telemetry client, cohort
// assigner and crash recovery manager.
type ClientConfig struct {
	Environment      string
	Endpoint         string
	TelemetryEnabled bool
	StateDir         string
	LogDir           string
	AppVersion       string
	StableFeedURL    string
	CanaryFeedURL    string
	CanaryPercent    float64
}

// LoadClientConfig constructs a ClientConfig from environment variables.
func LoadClientConfig() ClientConfig {
	stateDir := GetString("APP_STATE_DIR", defaultStateDir())
	return ClientConfig{
		Environment:      GetString("APP_ENV", "development"),
		Endpoint:         GetString("TELEMETRY_ENDPOINT", "http://localhost:3000/api/telemetry"),
		TelemetryEnabled: GetBool("TELEMETRY_ENABLED", true),
		StateDir:         stateDir,
		LogDir:           GetString("APP_LOG_DIR", filepath.Join(stateDir, "logs")),
		AppVersion:       GetString("APP_VERSION", "0.0.0"),
		StableFeedURL:    GetString("STABLE_FEED_URL", "https://downloads.example.com/releases/stable/"),
		CanaryFeedURL:    GetString("CANARY_FEED_URL", "https://downloads.example.com/releases/canary/"),
		CanaryPercent:    GetFloat("CANARY_PERCENT", 0.10),
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "rollout")
	}
	return filepath.Join(home, ".rollout")
}
