package domain

import "time"

// Cohort values as stored on samples.
const (
	CohortCanary = "canary"
	CohortStable = "stable"
)

// Sample is a sanitized telemetry report as persisted by the ingestion service.
type Sample struct {
	ID             string    `json:"id"`
	InstallID      string    `json:"installId"`
	SchemaVersion  int       `json:"schemaVersion"`
	AppVersion     string    `json:"appVersion"`
	OS             string    `json:"os"`
	AgentStatus    string    `json:"agentStatus"`
	AgentPingMs    *int      `json:"agentPingMs,omitempty"`
	LicenseTier    string    `json:"licenseTier"`
	LicenseOffline bool      `json:"licenseOffline"`
	ReportedCohort string    `json:"reportedCohort,omitempty"`
	Cohort         string    `json:"cohort"`
	CrashCount     int       `json:"crashCount"`
	SafeMode       bool      `json:"safeMode"`
	CrashSignature string    `json:"crashSignature,omitempty"`
	BatchID        string    `json:"batchId,omitempty"`
	BatchSize      int       `json:"batchSize,omitempty"`
	SampleTime     time.Time `json:"sampleTime"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// CohortMetrics is the aggregated health of one cohort over a window.
type CohortMetrics struct {
	SampleCount     int     `json:"sampleCount"`
	AgentOnlineRate float64 `json:"agentOnlineRate"`
	CrashRate       float64 `json:"crashRate"`
}

// CohortSet holds metrics for both cohorts.
type CohortSet struct {
	Canary CohortMetrics `json:"canary"`
	Stable CohortMetrics `json:"stable"`
}

// Window bounds a summary.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Breakdown counts samples per dimension value.
type Breakdown struct {
	ByOS            map[string]int `json:"byOS"`
	ByVersion       map[string]int `json:"byVersion"`
	ByAgentStatus   map[string]int `json:"byAgentStatus"`
	ByLicenseTier   map[string]int `json:"byLicenseTier"`
	BySchemaVersion map[string]int `json:"bySchemaVersion"`
}

// Summary is the aggregated view served to the release jobs and dashboard.
type Summary struct {
	Cohorts             CohortSet `json:"cohorts"`
	LatestCanaryVersion string    `json:"latestCanaryVersion"`
	Window              Window    `json:"window"`
	Breakdown           Breakdown `json:"breakdown"`
	TotalStored         int64     `json:"totalStored"`
	GeneratedAt         time.Time `json:"generatedAt"`
}
