package config

import "time"

// IngestConfig holds runtime configuration for the telemetry ingestion service.
type IngestConfig struct {
	Environment              string
	Addr                     string
	DatabaseURL              string
	MigrationsDir            string
	AutoMigrate              bool
	DashboardToken           string
	SupportedSchemaVersions  []int
	RateLimit                int
	RateWindow               time.Duration
	TrustedProxies           []string
	RateLimitRedisAddr       string
	RateLimitRedisPass       string
	RateLimitRedisDB         int
	InstallRegistryRedisAddr string
	InstallRegistryRedisPass string
	InstallRegistryRedisDB   int
	CanaryPercent            float64
	SummaryWindow            time.Duration
	Retention                time.Duration
	RetentionSweepEvery      time.Duration
	MaxSamples               int
}

// LoadIngestConfig constructs an IngestConfig from environment variables.
func LoadIngestConfig() IngestConfig {
	return IngestConfig{
		Environment:              GetString("APP_ENV", "development"),
		Addr:                     GetString("TELEMETRY_ADDR", ":3000"),
		DatabaseURL:              GetString("DATABASE_URL", ""),
		MigrationsDir:            GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:              GetBool("DB_AUTO_MIGRATE", true),
		DashboardToken:           GetString("DASHBOARD_TOKEN", ""),
		SupportedSchemaVersions:  GetIntList("TELEMETRY_SUPPORTED_SCHEMAS", []int{1}),
		RateLimit:                GetInt("TELEMETRY_RATE_LIMIT", 10),
		RateWindow:               GetSeconds("TELEMETRY_RATE_WINDOW_SECONDS", 5*time.Minute),
		TrustedProxies:           GetStringList("TRUSTED_PROXIES", nil),
		RateLimitRedisAddr:       GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:       GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:         GetInt("RATE_LIMIT_REDIS_DB", 0),
		InstallRegistryRedisAddr: GetString("INSTALL_REGISTRY_REDIS_ADDR", ""),
		InstallRegistryRedisPass: GetString("INSTALL_REGISTRY_REDIS_PASSWORD", ""),
		InstallRegistryRedisDB:   GetInt("INSTALL_REGISTRY_REDIS_DB", 0),
		CanaryPercent:            GetFloat("CANARY_PERCENT", 0.10),
		SummaryWindow:            time.Duration(GetInt("SUMMARY_WINDOW_HOURS", 24)) * time.Hour,
		Retention:                time.Duration(GetInt("RETENTION_DAYS", 30)) * 24 * time.Hour,
		RetentionSweepEvery:      time.Duration(GetInt("RETENTION_SWEEP_MINUTES", 60)) * time.Minute,
		MaxSamples:               GetInt("TELEMETRY_MAX_SAMPLES", 100000),
	}
}
