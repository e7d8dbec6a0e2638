package ranging

import "time"

// Clock is the host's monotonic time source. It is only used for host-side
// budgets; radio activations are always expressed in device ticks.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
