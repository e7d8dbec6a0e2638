package ranging

import (
	"fmt"

	"github.com/linht/uwb-ranging/uwbtime"
)

// SpeedOfLightMPerNs is the propagation speed in metres per nanosecond.
const SpeedOfLightMPerNs = 0.299792458

// HalfRoundTripNanos returns the drift-corrected one-way flight time between
// the tx and rx timestamps. rx may lie past a counter wrap relative to tx.
//
// Both directions are assumed to take equally long and the remote turnaround
// is taken as negligible.
func HalfRoundTripNanos(tx, rx uwbtime.Tick, offsetRatio float64, cal uwbtime.Calibration) (float64, error) {
	ns, err := rx.Sub(tx).Nanos(cal)
	if err != nil {
		return 0, fmt.Errorf("failed to convert round trip: %w", err)
	}
	return 0.5 * float64(ns) * (1 - offsetRatio), nil
}

// EstimateDistance converts a tx/rx timestamp pair and the clock offset ratio
// into metres.
func EstimateDistance(tx, rx uwbtime.Tick, offsetRatio float64, cal uwbtime.Calibration) (float64, error) {
	half, err := HalfRoundTripNanos(tx, rx, offsetRatio, cal)
	if err != nil {
		return 0, err
	}
	return SpeedOfLightMPerNs * half, nil
}
