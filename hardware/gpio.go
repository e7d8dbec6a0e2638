package hardware

import (
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/conn/v3/gpio"

	"github.com/linht/uwb-ranging/bus"
)

// Reset pulse timing for the DW3000: RSTn held low for at least 1 ms, then
// the SPI-ready state is reached about 2 ms after release.
const (
	ResetPulse  = time.Millisecond
	ResetSettle = 2 * time.Millisecond
)

type valueSetter interface {
	SetValue(value int) error
}

// Line adapts a requested GPIO output to bus.Pin.
type Line struct {
	name string
	l    valueSetter
}

// Out drives the line to level.
func (p *Line) Out(level gpio.Level) error {
	v := 0
	if level == gpio.High {
		v = 1
	}
	if err := p.l.SetValue(v); err != nil {
		return fmt.Errorf("failed to set %s pin %s: %w", p.name, level, err)
	}
	return nil
}

var _ bus.Pin = (*Line)(nil)

// GPIOController owns the chip-select and reset lines of the radio.
type GPIOController struct {
	chip      *gpiocdev.Chip
	csLine    *gpiocdev.Line
	resetLine *gpiocdev.Line
	cs        *Line
	reset     *Line
	chipPath  string
	csPin     int
	resetPin  int
	sleep     func(time.Duration)
}

// NewGPIOController requests csPin (idle high) and resetPin (released high)
// on chipPath.
func NewGPIOController(chipPath string, csPin, resetPin int) (*GPIOController, error) {
	chip, err := gpiocdev.NewChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipPath, err)
	}

	csLine, err := chip.RequestLine(
		csPin,
		gpiocdev.AsOutput(1),
		gpiocdev.WithConsumer("dw3000-cs"),
	)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to request chip-select pin %d: %w", csPin, err)
	}

	resetLine, err := chip.RequestLine(
		resetPin,
		gpiocdev.AsOutput(1),
		gpiocdev.WithConsumer("dw3000-reset"),
	)
	if err != nil {
		csLine.Close()
		chip.Close()
		return nil, fmt.Errorf("failed to request reset pin %d: %w", resetPin, err)
	}

	return &GPIOController{
		chip:      chip,
		csLine:    csLine,
		resetLine: resetLine,
		cs:        &Line{name: "chip-select", l: csLine},
		reset:     &Line{name: "reset", l: resetLine},
		chipPath:  chipPath,
		csPin:     csPin,
		resetPin:  resetPin,
		sleep:     time.Sleep,
	}, nil
}

// ChipSelect returns the chip-select line for bus.NewDevice.
func (g *GPIOController) ChipSelect() *Line {
	return g.cs
}

// Reset pulses the active-low reset line and waits for the radio to come up.
func (g *GPIOController) Reset() error {
	if g.reset == nil {
		return fmt.Errorf("reset line not initialized")
	}
	return pulseReset(g.reset, g.sleep)
}

func pulseReset(reset bus.Pin, sleep func(time.Duration)) error {
	if err := reset.Out(gpio.Low); err != nil {
		return err
	}
	sleep(ResetPulse)
	if err := reset.Out(gpio.High); err != nil {
		return err
	}
	sleep(ResetSettle)
	return nil
}

// Close releases all GPIO resources.
func (g *GPIOController) Close() error {
	var errs []error

	if g.resetLine != nil {
		if err := g.resetLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close reset line: %w", err))
		}
		g.resetLine = nil
		g.reset = nil
	}

	if g.csLine != nil {
		if err := g.csLine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close chip-select line: %w", err))
		}
		g.csLine = nil
		g.cs = nil
	}

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close GPIO chip: %w", err))
		}
		g.chip = nil
	}

	return errors.Join(errs...)
}

// Info returns information about the GPIO controller.
func (g *GPIOController) Info() string {
	if g.chip == nil {
		return fmt.Sprintf("GPIO: %s (closed)", g.chipPath)
	}
	return fmt.Sprintf("GPIO: %s (%s, %s), CS Pin: %d, Reset Pin: %d",
		g.chipPath, g.chip.Name, g.chip.Label, g.csPin, g.resetPin)
}
