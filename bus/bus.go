// Package bus provides a chip-select framed transaction device on top of a
// raw full-duplex bus such as SPI.
//
// A Device owns the bus and the chip-select pin. Every Transaction asserts
// chip-select once, runs its operations strictly in order, flushes the bus
// and releases chip-select again, also when an operation fails. Transactions
// on the same Device never interleave.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Bus is the raw transport underneath a Device. Each call blocks until the
// hardware has completed the transfer or the context is done.
type Bus interface {
	Read(ctx context.Context, buf []byte) error
	Write(ctx context.Context, buf []byte) error
	Transfer(ctx context.Context, read, write []byte) error
	TransferInPlace(ctx context.Context, buf []byte) error
	// Flush blocks until all queued bus activity has physically completed.
	Flush(ctx context.Context) error
}

// Pin is the chip-select output.
type Pin interface {
	Out(l gpio.Level) error
}

// Transactor runs chip-select framed transactions. *Device implements it.
type Transactor interface {
	Transaction(ctx context.Context, ops ...Op) error
}

// Sleeper suspends the caller for d without touching the bus.
type Sleeper func(ctx context.Context, d time.Duration) error

// Device is an exclusive bus + chip-select pair.
type Device struct {
	mu    sync.Mutex
	bus   Bus
	cs    Pin
	sleep Sleeper
}

// Option configures a Device.
type Option func(*Device)

// WithSleeper replaces the timer used for Delay operations.
func WithSleeper(s Sleeper) Option {
	return func(d *Device) {
		d.sleep = s
	}
}

// NewDevice takes ownership of b and cs. The pin is driven to its idle
// (high) level immediately.
func NewDevice(b Bus, cs Pin, opts ...Option) (*Device, error) {
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if cs == nil {
		return nil, fmt.Errorf("chip-select pin cannot be nil")
	}

	d := &Device{bus: b, cs: cs, sleep: sleepContext}
	for _, opt := range opts {
		opt(d)
	}

	if err := cs.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("failed to idle chip-select: %w", err)
	}
	return d, nil
}

// Transaction runs ops as a single chip-select framed transaction and
// returns the first error encountered. Chip-select is released on every path.
func (d *Device) Transaction(ctx context.Context, ops ...Op) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Active low: the falling edge starts the transaction.
	if err := d.cs.Out(gpio.Low); err != nil {
		// The line state is unknown, try to put it back to idle.
		_ = d.cs.Out(gpio.High)
		return &Error{Index: -1, Op: "assert chip-select", Err: err}
	}
	flushed := false
	defer func() {
		if !flushed {
			// Earlier ops may still be on the wire. The op error is returned.
			_ = d.bus.Flush(context.WithoutCancel(ctx))
		}
		if relErr := d.cs.Out(gpio.High); relErr != nil && err == nil {
			err = &Error{Index: -1, Op: "release chip-select", Err: relErr}
		}
	}()

	for i, op := range ops {
		if err := d.run(ctx, op); err != nil {
			return &Error{Index: i, Op: op.name(), Err: err}
		}
	}

	flushed = true
	if err := d.bus.Flush(ctx); err != nil {
		return &Error{Index: len(ops), Op: "flush", Err: err}
	}
	return nil
}

func (d *Device) run(ctx context.Context, op Op) error {
	switch o := op.(type) {
	case Delay:
		return d.sleep(ctx, o.D)
	case Read:
		return d.bus.Read(ctx, o.Buf)
	case Write:
		return d.bus.Write(ctx, o.Buf)
	case Transfer:
		return d.bus.Transfer(ctx, o.Read, o.Write)
	case TransferInPlace:
		return d.bus.TransferInPlace(ctx, o.Buf)
	default:
		return fmt.Errorf("unsupported operation %T", op)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
