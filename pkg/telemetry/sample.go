package telemetry

import (
	"runtime"
	"time"
)

// SchemaVersion is the payload layout this client emits.
const SchemaVersion = 1

// Agent status values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Sample is one telemetry report as sent on the wire.
type Sample struct {
	SchemaVersion int       `json:"schemaVersion"`
	AppVersion    string    `json:"appVersion"`
	OS            string    `json:"os"`
	Agent         Agent     `json:"agent"`
	License       License   `json:"license"`
	Cohort        string    `json:"cohort,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	InstallID     string    `json:"installId,omitempty"`
	Crash         *Crash    `json:"crash,omitempty"`
	Batch         *Batch    `json:"batch,omitempty"`
}

// Agent is the local agent's reachability.
type Agent struct {
	Status string `json:"status"`
	PingMs *int   `json:"pingMs"`
}

// License is the installation's entitlement tier.
type License struct {
	Tier    string `json:"tier"`
	Offline bool   `json:"offline"`
}

// Crash is the local crash counter attached to a sample.
type Crash struct {
	Count     int    `json:"count"`
	SafeMode  bool   `json:"safeMode"`
	Signature string `json:"signature,omitempty"`
}

// Batch tags a sample that stands in for a flushed buffer.
type Batch struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// HostOS maps GOOS onto the platform names the ingestion service accepts.
func HostOS() string {
	if runtime.GOOS == "windows" {
		return "win32"
	}
	return runtime.GOOS
}

// validate checks what the server would reject so the request is never made.
func validate(s Sample) string {
	switch {
	case s.SchemaVersion != SchemaVersion:
		return "unsupported schemaVersion"
	case s.AppVersion == "":
		return "missing appVersion"
	case s.OS == "":
		return "missing os"
	case s.Agent.Status == "":
		return "missing agent"
	case s.License.Tier == "":
		return "missing license"
	default:
		return ""
	}
}
