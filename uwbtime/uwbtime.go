// Package uwbtime holds the radio clock domain types: device ticks, tick
// deltas and the clock offset diagnostic.
package uwbtime

import (
	"errors"
	"fmt"
	"math/bits"
)

// TickBits is the width of the radio timestamp counter.
const TickBits = 40

// TickModulus is the value at which the radio clock wraps to zero.
const TickModulus uint64 = 1 << TickBits

const tickMask = TickModulus - 1

// ClockOffsetScale converts the raw clock offset field to parts-per-unit.
const ClockOffsetScale = 67_108_864

// ErrClockDomain reports tick arithmetic that has no valid duration,
// such as a delta below the minimum representable duration or an overflow.
var ErrClockDomain = errors.New("invalid tick arithmetic")

// Tick is a value of the radio's internal 40-bit clock.
type Tick uint64

// Duration is a forward delta between two Ticks, in ticks.
type Duration uint64

// Calibration is the affine tick to nanosecond transform
// nanos = (ticks*A - B) / C.
type Calibration struct {
	A uint64 `yaml:"a"`
	B uint64 `yaml:"b"`
	C uint64 `yaml:"c"`
}

// DefaultCalibration matches the DW3000 clock (63.8976 GHz sampling).
var DefaultCalibration = Calibration{A: 10000, B: 5000, C: 638976}

// Validate checks the calibration can produce a duration at all.
func (c Calibration) Validate() error {
	if c.A == 0 || c.C == 0 {
		return fmt.Errorf("calibration constants A and C must be non-zero (A=%d, C=%d)", c.A, c.C)
	}
	return nil
}

// NewTick masks v into the clock domain.
func NewTick(v uint64) Tick {
	return Tick(v & tickMask)
}

// Add returns t advanced by d, wrapping at TickModulus.
func (t Tick) Add(d Duration) Tick {
	return NewTick(uint64(t) + uint64(d))
}

// Sub returns the forward difference t - u. When t is numerically below u
// the counter wrapped in between and the result is the distance across the wrap.
func (t Tick) Sub(u Tick) Duration {
	return Duration((uint64(t) - uint64(u)) & tickMask)
}

// Before reports whether t lies strictly before u, taking the shorter way round
// the counter.
func (t Tick) Before(u Tick) bool {
	d := u.Sub(t)
	return d != 0 && uint64(d) < TickModulus/2
}

// Nanos converts d to nanoseconds using calibration c.
func (d Duration) Nanos(c Calibration) (uint64, error) {
	if c.C == 0 {
		return 0, fmt.Errorf("%w: zero calibration divisor", ErrClockDomain)
	}
	hi, scaled := bits.Mul64(uint64(d), c.A)
	if hi != 0 {
		return 0, fmt.Errorf("%w: %d ticks overflows the calibration", ErrClockDomain, uint64(d))
	}
	if scaled < c.B {
		return 0, fmt.Errorf("%w: %d ticks is below the minimum duration", ErrClockDomain, uint64(d))
	}
	return (scaled - c.B) / c.C, nil
}

// DurationFromNanos returns the smallest tick delta whose duration under
// calibration c is at least ns.
func DurationFromNanos(ns uint64, c Calibration) (Duration, error) {
	if c.A == 0 {
		return 0, fmt.Errorf("%w: zero calibration multiplier", ErrClockDomain)
	}
	hi, scaled := bits.Mul64(ns, c.C)
	sum, carry := bits.Add64(scaled, c.B+c.A-1, 0)
	if hi != 0 || carry != 0 {
		return 0, fmt.Errorf("%w: %d ns overflows the calibration", ErrClockDomain, ns)
	}
	ticks := sum / c.A
	if ticks >= TickModulus {
		return 0, fmt.Errorf("%w: %d ns exceeds the clock range", ErrClockDomain, ns)
	}
	return Duration(ticks), nil
}

// ClockOffset is the raw carrier offset field reported by the receiver.
type ClockOffset int32

// Ratio returns the offset as a dimensionless drift. A positive ratio means the
// local clock runs fast relative to the remote one.
func (o ClockOffset) Ratio() float64 {
	return float64(o) / ClockOffsetScale
}

// SignExtend13 interprets the low 13 bits of raw as a two's complement value.
func SignExtend13(raw uint32) ClockOffset {
	v := int32(raw&0x1FFF) << 19 >> 19
	return ClockOffset(v)
}
