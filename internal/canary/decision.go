package canary

import (
	"fmt"

	"github.com/splax/rollout/internal/domain"
)

// rateEpsilon absorbs float noise when a difference sits exactly on a threshold.
const rateEpsilon = 1e-9

// Thresholds are the numeric gates for promotion and rollback.
type Thresholds struct {
	MinSamples     int
	OnlineRateDiff float64
	CrashRateDiff  float64
	CrashSpike     float64
}

// DefaultThresholds returns the production gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSamples:     200,
		OnlineRateDiff: 0.02,
		CrashRateDiff:  0.002,
		CrashSpike:     0.005,
	}
}

// withDefaults fills unset gates.
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MinSamples <= 0 {
		t.MinSamples = d.MinSamples
	}
	if t.OnlineRateDiff <= 0 {
		t.OnlineRateDiff = d.OnlineRateDiff
	}
	if t.CrashRateDiff <= 0 {
		t.CrashRateDiff = d.CrashRateDiff
	}
	if t.CrashSpike <= 0 {
		t.CrashSpike = d.CrashSpike
	}
	return t
}

// PromotionDecision explains a promotion evaluation.
type PromotionDecision struct {
	Eligible bool
	// OnlineDiff is stable minus canary agent online rate.
	OnlineDiff float64
	// CrashDiff is canary minus stable crash rate.
	CrashDiff float64
	Reasons   []string
}

// EvaluatePromotion applies every promotion gate and records each one that
// failed.
func EvaluatePromotion(canary, stable domain.CohortMetrics, th Thresholds) PromotionDecision {
	th = th.withDefaults()
	d := PromotionDecision{
		OnlineDiff: stable.AgentOnlineRate - canary.AgentOnlineRate,
		CrashDiff:  canary.CrashRate - stable.CrashRate,
	}
	if canary.SampleCount < th.MinSamples {
		d.Reasons = append(d.Reasons, fmt.Sprintf("canary sample count too low: %d < %d", canary.SampleCount, th.MinSamples))
	}
	if d.OnlineDiff > th.OnlineRateDiff+rateEpsilon {
		d.Reasons = append(d.Reasons, fmt.Sprintf("canary online rate too low: %s vs stable %s (diff %.4f)",
			percent(canary.AgentOnlineRate, 1), percent(stable.AgentOnlineRate, 1), d.OnlineDiff))
	}
	if d.CrashDiff > th.CrashRateDiff+rateEpsilon {
		d.Reasons = append(d.Reasons, fmt.Sprintf("canary crash rate too high: %s vs stable %s (diff %.4f)",
			percent(canary.CrashRate, 3), percent(stable.CrashRate, 3), d.CrashDiff))
	}
	d.Eligible = len(d.Reasons) == 0
	return d
}

// ShouldRollback reports whether the canary shows a crash spike on a large
// enough sample, with the reason either way.
func ShouldRollback(canary domain.CohortMetrics, th Thresholds) (bool, string) {
	th = th.withDefaults()
	if canary.SampleCount < th.MinSamples {
		return false, fmt.Sprintf("canary sample count too low for crash analysis: %d < %d", canary.SampleCount, th.MinSamples)
	}
	if canary.CrashRate+rateEpsilon >= th.CrashSpike {
		return true, fmt.Sprintf("canary crash spike: %s >= %s", percent(canary.CrashRate, 2), percent(th.CrashSpike, 2))
	}
	return false, fmt.Sprintf("canary crash rate acceptable: %s < %s", percent(canary.CrashRate, 3), percent(th.CrashSpike, 2))
}

func percent(rate float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, rate*100)
}
