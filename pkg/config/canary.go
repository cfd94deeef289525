package config

import "time"

// CanaryConfig holds configuration shared by the promotion and rollback jobs.
type CanaryConfig struct {
	SummaryURL      string
	DashboardToken  string
	SlackWebhookURL string
	ReleasesDir     string
	DryRun          bool
	MinSamples      int
	CrashSpike      float64
	OnlineRateDiff  float64
	CrashRateDiff   float64
	LockTimeout     time.Duration
	FetchTimeout    time.Duration
}

// LoadCanaryConfig constructs a CanaryConfig from environment variables.
func LoadCanaryConfig() CanaryConfig {
	return CanaryConfig{
		SummaryURL:      GetString("TELEMETRY_SUMMARY_URL", "http://localhost:3000/api/telemetry/summary"),
		DashboardToken:  GetString("DASHBOARD_TOKEN", ""),
		SlackWebhookURL: GetString("SLACK_WEBHOOK_URL", ""),
		ReleasesDir:     GetString("RELEASES_DIR", "/var/www/downloads/releases"),
		DryRun:          GetBool("CANARY_PROMOTE_DRY_RUN", false),
		MinSamples:      GetInt("CANARY_MIN_SAMPLES", 200),
		CrashSpike:      GetFloat("CANARY_CRASH_SPIKE", 0.005),
		OnlineRateDiff:  GetFloat("CANARY_ONLINE_DIFF", 0.02),
		CrashRateDiff:   GetFloat("CANARY_CRASH_DIFF", 0.002),
		LockTimeout:     GetSeconds("CANARY_LOCK_TIMEOUT_SECONDS", 30*time.Second),
		FetchTimeout:    GetSeconds("TELEMETRY_SUMMARY_TIMEOUT_SECONDS", 15*time.Second),
	}
}
