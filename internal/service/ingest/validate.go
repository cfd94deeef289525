package ingest

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/splax/rollout/internal/domain"
)

const (
	maxAppVersionLen = 32
	maxSignatureLen  = 64
	maxPingMs        = 60000
	unknownValue     = "unknown"
)

// requiredFields are checked in this order; the first missing one is reported.
var requiredFields = []string{"schemaVersion", "appVersion", "os", "agent", "license"}

var (
	allowedOS           = map[string]struct{}{"win32": {}, "darwin": {}, "linux": {}}
	allowedAgentStatus  = map[string]struct{}{"online": {}, "offline": {}}
	allowedLicenseTiers = map[string]struct{}{"free": {}, "pro": {}, "enterprise": {}}
)

// ValidationError is returned for payloads rejected before persistence.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// decoded is a validated payload still holding the raw field values.
type decoded struct {
	fields        map[string]json.RawMessage
	schemaVersion int
}

// decodePayload parses and validates a request body.
func decodePayload(body []byte, supported map[int]struct{}) (decoded, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return decoded{}, invalid("invalid JSON body")
	}
	for _, name := range requiredFields {
		if isEmpty(fields[name]) {
			return decoded{}, invalid("Missing required field: " + name)
		}
	}
	version, ok := integerValue(fields["schemaVersion"])
	if !ok {
		return decoded{}, invalid("Unsupported schemaVersion")
	}
	if _, ok := supported[version]; !ok {
		return decoded{}, invalid("Unsupported schemaVersion")
	}
	return decoded{fields: fields, schemaVersion: version}, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", `""`, "{}", "[]":
		return true
	}
	var s string
	if json.Unmarshal(trimmed, &s) == nil && strings.TrimSpace(s) == "" {
		return true
	}
	return false
}

func integerValue(raw json.RawMessage) (int, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	// json.Number also accepts quoted numbers; only bare numbers count.
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return 0, false
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil || v > math.MaxInt32 || v < math.MinInt32 {
		return 0, false
	}
	return int(v), true
}

// sanitize maps a validated payload onto a stored sample. Values outside the
// accepted vocabularies become "unknown"; numbers are clamped.
func sanitize(d decoded, now time.Time) domain.Sample {
	f := d.fields
	s := domain.Sample{
		SchemaVersion: d.schemaVersion,
		AppVersion:    truncate(stringValue(f["appVersion"]), maxAppVersionLen),
		OS:            whitelist(stringValue(f["os"]), allowedOS),
		SampleTime:    now,
	}

	agent := objectValue(f["agent"])
	s.AgentStatus = whitelist(stringValue(agent["status"]), allowedAgentStatus)
	if ping, ok := numberValue(agent["pingMs"]); ok {
		clamped := int(math.Round(math.Min(math.Max(ping, 0), maxPingMs)))
		s.AgentPingMs = &clamped
	}

	license := objectValue(f["license"])
	s.LicenseTier = whitelist(stringValue(license["tier"]), allowedLicenseTiers)
	s.LicenseOffline = boolValue(license["offline"])

	if c := strings.ToLower(stringValue(f["cohort"])); c == domain.CohortCanary || c == domain.CohortStable {
		s.ReportedCohort = c
	}
	if ts, err := time.Parse(time.RFC3339Nano, stringValue(f["timestamp"])); err == nil {
		s.SampleTime = ts.UTC()
	}
	s.InstallID = truncate(stringValue(f["installId"]), 128)

	if crash := objectValue(f["crash"]); crash != nil {
		if count, ok := numberValue(crash["count"]); ok && count > 0 {
			s.CrashCount = int(math.Min(count, math.MaxInt32))
		}
		s.SafeMode = boolValue(crash["safeMode"])
		s.CrashSignature = truncate(stringValue(crash["signature"]), maxSignatureLen)
	}
	if batch := objectValue(f["batch"]); batch != nil {
		s.BatchID = truncate(stringValue(batch["id"]), 64)
		if size, ok := numberValue(batch["size"]); ok && size > 0 {
			s.BatchSize = int(math.Min(size, math.MaxInt32))
		}
	}
	return s
}

// stringValue returns a JSON string's content, or the raw token for other scalars.
func stringValue(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return strings.TrimSpace(s)
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return ""
	}
	return string(trimmed)
}

func objectValue(raw json.RawMessage) map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func numberValue(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func boolValue(raw json.RawMessage) bool {
	var v bool
	return json.Unmarshal(raw, &v) == nil && v
}

func whitelist(value string, allowed map[string]struct{}) string {
	if _, ok := allowed[value]; ok {
		return value
	}
	return unknownValue
}

func truncate(value string, max int) string {
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	return string(runes[:max])
}
