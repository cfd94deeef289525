package crash

const (
	// SafeModeLookback is how many of the newest bundles are inspected.
	SafeModeLookback = 5
	// SafeModeThreshold is the repeat count of one signature that trips safe mode.
	SafeModeThreshold = 3
)

// ShouldEnterSafeMode reports whether any signature appears at least
// SafeModeThreshold times among the newest SafeModeLookback bundles in dir.
// Unreadable or missing directories never trip safe mode.
func ShouldEnterSafeMode(dir string) bool {
	bundles, err := listBundles(dir)
	if err != nil || len(bundles) < SafeModeThreshold {
		return false
	}
	if len(bundles) > SafeModeLookback {
		bundles = bundles[len(bundles)-SafeModeLookback:]
	}
	counts := make(map[string]int, len(bundles))
	for _, b := range bundles {
		counts[b.Signature]++
		if counts[b.Signature] >= SafeModeThreshold {
			return true
		}
	}
	return false
}
