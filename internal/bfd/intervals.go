package bfd

import "time"

// RFC 7419 catalogs a set of timer interval values ("Common Interval
// Support in BFD") that implementations SHOULD recognize, so a
// software-based session negotiating with a hardware-offloaded one lands
// on a value both sides actually support instead of drifting apart by a
// few microseconds.

// standardIntervals lists the RFC 7419 §3 common values, ascending. The
// largest (1s) is BFD's own slow/init rate from RFC 5880 §6.8.3.
var standardIntervals = [...]time.Duration{
	3300 * time.Microsecond, // MPLS-TP equipment (GR-253-CORE heritage)
	10 * time.Millisecond,
	20 * time.Millisecond, // typical software floor
	50 * time.Millisecond,
	100 * time.Millisecond,
	1 * time.Second, // RFC 5880's slow/default rate
}

// GracefulRestartInterval is RFC 7419 §3's suggested rate for graceful
// restart: with DetectMult=255 it yields a ~42.5 minute detection timeout,
// long enough to ride out a control-plane restart without flapping.
const GracefulRestartInterval = 10 * time.Second

// IsStandardInterval reports whether d is exactly one of the RFC 7419
// common interval values.
func IsStandardInterval(d time.Duration) bool {
	for _, v := range standardIntervals {
		if d == v {
			return true
		}
	}
	return false
}

// RoundUpToStandardInterval returns the smallest RFC 7419 common interval
// that is >= d. Values above the largest common interval (1s), as well as
// non-positive values, pass through unchanged — RFC 7419 explicitly leaves
// implementations "free to support additional values outside of the Common
// Interval set."
func RoundUpToStandardInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	for _, v := range standardIntervals {
		if d <= v {
			return v
		}
	}
	return d
}

// NearestStandardInterval returns whichever RFC 7419 common interval is
// closest to d, breaking ties toward the smaller value. Non-positive input
// returns the smallest common interval (3.3ms).
func NearestStandardInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return standardIntervals[0]
	}

	closest := standardIntervals[0]
	smallestGap := gap(d, closest)

	for _, v := range standardIntervals[1:] {
		if g := gap(d, v); g < smallestGap {
			closest, smallestGap = v, g
		}
	}

	return closest
}

func gap(a, b time.Duration) time.Duration {
	if a < b {
		return b - a
	}
	return a - b
}
