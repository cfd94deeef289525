package ingest

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/splax/rollout/internal/domain"
)

type cohortBucket struct {
	count  int
	online int
	crash  int
}

func (b cohortBucket) metrics() domain.CohortMetrics {
	if b.count == 0 {
		return domain.CohortMetrics{}
	}
	return domain.CohortMetrics{
		SampleCount:     b.count,
		AgentOnlineRate: float64(b.online) / float64(b.count),
		CrashRate:       float64(b.crash) / float64(b.count),
	}
}

// summaryAggregator folds samples into per-cohort metrics and breakdowns.
type summaryAggregator struct {
	from, to time.Time

	canary cohortBucket
	stable cohortBucket

	latestCanary     string
	latestCanarySeen time.Time
	fallbackCanary   string

	breakdown domain.Breakdown
}

func newSummaryAggregator(from, to time.Time) *summaryAggregator {
	return &summaryAggregator{
		from: from,
		to:   to,
		breakdown: domain.Breakdown{
			ByOS:            map[string]int{},
			ByVersion:       map[string]int{},
			ByAgentStatus:   map[string]int{},
			ByLicenseTier:   map[string]int{},
			BySchemaVersion: map[string]int{},
		},
	}
}

func (a *summaryAggregator) add(s domain.Sample) {
	if s.ReceivedAt.Before(a.from) || s.ReceivedAt.After(a.to) {
		return
	}
	var bucket *cohortBucket
	switch s.Cohort {
	case domain.CohortCanary:
		bucket = &a.canary
		a.trackCanaryVersion(s)
	case domain.CohortStable:
		bucket = &a.stable
	}
	if bucket != nil {
		bucket.count++
		if s.AgentStatus == "online" {
			bucket.online++
		}
		if s.CrashCount > 0 {
			bucket.crash++
		}
	}
	a.breakdown.ByOS[s.OS]++
	a.breakdown.ByVersion[s.AppVersion]++
	a.breakdown.ByAgentStatus[s.AgentStatus]++
	a.breakdown.ByLicenseTier[s.LicenseTier]++
	a.breakdown.BySchemaVersion[strconv.Itoa(s.SchemaVersion)]++
}

// trackCanaryVersion keeps the highest semantic version seen on canary. Non
// semver versions only count when no valid one was reported.
func (a *summaryAggregator) trackCanaryVersion(s domain.Sample) {
	v := canonicalVersion(s.AppVersion)
	if v == "" {
		if !s.ReceivedAt.Before(a.latestCanarySeen) {
			a.fallbackCanary = s.AppVersion
			a.latestCanarySeen = s.ReceivedAt
		}
		return
	}
	if a.latestCanary == "" || semver.Compare(v, canonicalVersion(a.latestCanary)) > 0 {
		a.latestCanary = s.AppVersion
	}
}

func (a *summaryAggregator) summary(total int64, now time.Time) domain.Summary {
	latest := a.latestCanary
	if latest == "" {
		latest = a.fallbackCanary
	}
	return domain.Summary{
		Cohorts: domain.CohortSet{
			Canary: a.canary.metrics(),
			Stable: a.stable.metrics(),
		},
		LatestCanaryVersion: latest,
		Window:              domain.Window{From: a.from, To: a.to},
		Breakdown:           a.breakdown,
		TotalStored:         total,
		GeneratedAt:         now,
	}
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
