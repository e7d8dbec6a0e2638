// Package dw3000 is a narrow driver for the Qorvo DW3000 UWB transceiver.
//
// It covers what two-way ranging needs: immediate or delayed transmission,
// delayed reception, timestamp capture and the clock offset diagnostic. All
// register traffic goes through a bus.Transactor, one chip-select framed
// transaction per register access. Channel and PHY configuration are left at
// the radio's current settings.
package dw3000

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/linht/uwb-ranging/bus"
	"github.com/linht/uwb-ranging/uwbtime"
)

// Transceiver is the radio surface used by the ranging session.
type Transceiver interface {
	// Send starts transmitting frame. It fails with ErrBusy while another
	// send or receive is outstanding.
	Send(ctx context.Context, frame []byte, when SendTime) (TxHandle, error)
	// ReceiveDelayed arms the receiver to start listening at the absolute
	// device tick at.
	ReceiveDelayed(ctx context.Context, at uwbtime.Tick) (RxHandle, error)
	// ReadClockOffset reads the carrier clock offset of the last reception.
	ReadClockOffset(ctx context.Context) (uwbtime.ClockOffset, error)
	// SystemTime reads the current device clock.
	SystemTime(ctx context.Context) (uwbtime.Tick, error)
}

// TxHandle tracks one outstanding transmission.
type TxHandle interface {
	// Poll returns the departure timestamp, or ErrWouldBlock while the frame
	// has not left the antenna yet. It never blocks on the radio.
	Poll(ctx context.Context) (uwbtime.Tick, error)
	// Finish releases the send, forcing the radio idle if it did not complete.
	Finish(ctx context.Context) error
}

// RxHandle tracks one armed listen window.
type RxHandle interface {
	// Poll copies a received payload into buf. ok is false while nothing
	// has arrived; that is not an error.
	Poll(ctx context.Context, buf []byte) (rx Reception, ok bool, err error)
	// Finish releases the receive, forcing the radio idle if nothing arrived.
	Finish(ctx context.Context) error
}

// SendTime selects immediate or delayed transmission.
type SendTime struct {
	Delayed bool
	At      uwbtime.Tick
}

// SendNow transmits immediately.
var SendNow = SendTime{}

// SendAt transmits at the absolute device tick t.
func SendAt(t uwbtime.Tick) SendTime {
	return SendTime{Delayed: true, At: t}
}

// Reception describes a received frame.
type Reception struct {
	Len     int // payload bytes copied, FCS excluded
	RxTime  uwbtime.Tick
	Quality Quality
}

// Quality carries receiver diagnostics for a frame.
type Quality struct {
	PreambleCount uint16 // accumulated preamble symbols
}

// Driver talks to one DW3000. It is not safe for concurrent use; the owner
// serializes access.
type Driver struct {
	dev       bus.Transactor
	sending   bool
	receiving bool
}

// New returns a driver on dev. It performs no I/O.
func New(dev bus.Transactor) *Driver {
	return &Driver{dev: dev}
}

// Init verifies communication by reading the device identifier.
func (d *Driver) Init(ctx context.Context) error {
	id, err := d.DeviceID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read device id: %w", err)
	}
	if id != DevIDStandard && id != DevIDPDoA {
		return fmt.Errorf("%w: device id 0x%08X", ErrNotDetected, id)
	}
	return nil
}

// DeviceID reads the DEV_ID register.
func (d *Driver) DeviceID(ctx context.Context) (uint32, error) {
	return d.read32(ctx, FileGeneral, RegDevID)
}

// ReadRegister reads n bytes starting at file:offset.
func (d *Driver) ReadRegister(ctx context.Context, file, offset uint8, n int) ([]byte, error) {
	if file > 0x1F || offset > 0x7F {
		return nil, fmt.Errorf("register address 0x%02X:0x%02X out of range", file, offset)
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid register read length %d", n)
	}
	buf := make([]byte, n)
	err := d.dev.Transaction(ctx,
		bus.Write{Buf: header(false, file, offset)},
		bus.Read{Buf: buf},
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteRegister writes data starting at file:offset.
func (d *Driver) WriteRegister(ctx context.Context, file, offset uint8, data []byte) error {
	if file > 0x1F || offset > 0x7F {
		return fmt.Errorf("register address 0x%02X:0x%02X out of range", file, offset)
	}
	return d.dev.Transaction(ctx,
		bus.Write{Buf: header(true, file, offset)},
		bus.Write{Buf: data},
	)
}

// SystemTime reads SYS_TIME and places it in the 40-bit tick domain.
func (d *Driver) SystemTime(ctx context.Context) (uwbtime.Tick, error) {
	v, err := d.read32(ctx, FileGeneral, RegSysTime)
	if err != nil {
		return 0, fmt.Errorf("failed to read system time: %w", err)
	}
	return uwbtime.NewTick(uint64(v) << 8), nil
}

// ReadClockOffset reads COE_PPM from CIA_DIAG_0.
func (d *Driver) ReadClockOffset(ctx context.Context) (uwbtime.ClockOffset, error) {
	v, err := d.read32(ctx, FileCIA1, RegCIADiag0)
	if err != nil {
		return 0, fmt.Errorf("failed to read clock offset: %w", err)
	}
	return uwbtime.SignExtend13(v), nil
}

// Send writes frame to the TX buffer and starts the transmission.
func (d *Driver) Send(ctx context.Context, frame []byte, when SendTime) (TxHandle, error) {
	if d.sending || d.receiving {
		return nil, ErrBusy
	}
	if len(frame)+fcsLength > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(frame))
	}

	if len(frame) > 0 {
		if err := d.WriteRegister(ctx, FileTxBuffer, 0, frame); err != nil {
			return nil, fmt.Errorf("failed to write tx buffer: %w", err)
		}
	}

	fctrl, err := d.read32(ctx, FileGeneral, RegTxFctrl)
	if err != nil {
		return nil, fmt.Errorf("failed to read tx frame control: %w", err)
	}
	fctrl &^= txFctrlLenMask | txFctrlOffsetMask
	fctrl |= uint32(len(frame)+fcsLength) | txFctrlRanging
	if err := d.write32(ctx, FileGeneral, RegTxFctrl, fctrl); err != nil {
		return nil, fmt.Errorf("failed to write tx frame control: %w", err)
	}

	if when.Delayed {
		if err := d.startDelayed(ctx, CmdDTx, when.At); err != nil {
			return nil, err
		}
	} else if err := d.command(ctx, CmdTx); err != nil {
		return nil, fmt.Errorf("failed to start transmission: %w", err)
	}

	d.sending = true
	return &txHandle{d: d}, nil
}

// ReceiveDelayed arms the receiver at the absolute tick at.
func (d *Driver) ReceiveDelayed(ctx context.Context, at uwbtime.Tick) (RxHandle, error) {
	if d.sending || d.receiving {
		return nil, ErrBusy
	}
	if err := d.startDelayed(ctx, CmdDRx, at); err != nil {
		return nil, err
	}
	d.receiving = true
	return &rxHandle{d: d}, nil
}

// startDelayed programs DX_TIME, issues cmd and checks the radio accepted
// the activation time.
func (d *Driver) startDelayed(ctx context.Context, cmd uint8, at uwbtime.Tick) error {
	if err := d.write32(ctx, FileGeneral, RegDxTime, dxTime(at)); err != nil {
		return fmt.Errorf("failed to write delayed time: %w", err)
	}
	if err := d.command(ctx, cmd); err != nil {
		return fmt.Errorf("failed to start delayed operation: %w", err)
	}
	status, err := d.status(ctx)
	if err != nil {
		return err
	}
	if status&StatusHPDWarn != 0 {
		if err := d.command(ctx, CmdTxRxOff); err != nil {
			return fmt.Errorf("failed to cancel late activation: %w", err)
		}
		if err := d.clearStatus(ctx, StatusHPDWarn); err != nil {
			return err
		}
		return fmt.Errorf("%w: activation tick %d", ErrDelayedTimePassed, uint64(at))
	}
	return nil
}

// dxTime converts at to DX_TIME units of 256 ticks, rounding up so the
// operation never starts before at.
func dxTime(at uwbtime.Tick) uint32 {
	return uint32((uint64(at) + 0xFF) >> 8)
}

type txHandle struct {
	d        *Driver
	done     bool
	finished bool
}

func (h *txHandle) Poll(ctx context.Context) (uwbtime.Tick, error) {
	if h.finished {
		return 0, ErrHandleFinished
	}
	status, err := h.d.status(ctx)
	if err != nil {
		return 0, err
	}
	if status&StatusTxFrs == 0 {
		return 0, ErrWouldBlock
	}
	ts, err := h.d.timestamp(ctx, RegTxTime)
	if err != nil {
		return 0, fmt.Errorf("failed to read tx timestamp: %w", err)
	}
	if err := h.d.clearStatus(ctx, statusTxAll); err != nil {
		return 0, err
	}
	h.done = true
	return ts, nil
}

func (h *txHandle) Finish(ctx context.Context) error {
	if h.finished {
		return nil
	}
	h.finished = true
	h.d.sending = false
	if !h.done {
		if err := h.d.command(ctx, CmdTxRxOff); err != nil {
			return fmt.Errorf("failed to abort transmission: %w", err)
		}
	}
	return nil
}

type rxHandle struct {
	d        *Driver
	done     bool
	finished bool
}

func (h *rxHandle) Poll(ctx context.Context, buf []byte) (Reception, bool, error) {
	if h.finished {
		return Reception{}, false, ErrHandleFinished
	}
	status, err := h.d.status(ctx)
	if err != nil {
		return Reception{}, false, err
	}

	if status&statusRxErrors != 0 {
		// A corrupted frame or a receiver timeout: drop it and keep listening.
		if err := h.d.clearStatus(ctx, status&(statusRxErrors|statusRxGood)); err != nil {
			return Reception{}, false, err
		}
		if err := h.d.command(ctx, CmdRx); err != nil {
			return Reception{}, false, fmt.Errorf("failed to re-enable receiver: %w", err)
		}
		return Reception{}, false, nil
	}
	if status&StatusRxFcg == 0 {
		return Reception{}, false, nil
	}

	finfo, err := h.d.read32(ctx, FileGeneral, RegRxFinfo)
	if err != nil {
		return Reception{}, false, fmt.Errorf("failed to read rx frame info: %w", err)
	}
	n := int(finfo&rxFinfoLenMask) - fcsLength
	if n < 0 {
		n = 0
	}
	if n > len(buf) {
		n = len(buf)
	}
	if n > 0 {
		data, err := h.d.ReadRegister(ctx, FileRxBuffer0, 0, n)
		if err != nil {
			return Reception{}, false, fmt.Errorf("failed to read rx buffer: %w", err)
		}
		copy(buf, data)
	}

	ts, err := h.d.timestamp(ctx, RegRxTime)
	if err != nil {
		return Reception{}, false, fmt.Errorf("failed to read rx timestamp: %w", err)
	}
	if err := h.d.clearStatus(ctx, statusRxGood); err != nil {
		return Reception{}, false, err
	}

	h.done = true
	return Reception{
		Len:     n,
		RxTime:  ts,
		Quality: Quality{PreambleCount: uint16(finfo >> rxFinfoPaccShift & rxFinfoPaccMask)},
	}, true, nil
}

func (h *rxHandle) Finish(ctx context.Context) error {
	if h.finished {
		return nil
	}
	h.finished = true
	h.d.receiving = false
	if !h.done {
		if err := h.d.command(ctx, CmdTxRxOff); err != nil {
			return fmt.Errorf("failed to stop receiver: %w", err)
		}
	}
	return nil
}

func (d *Driver) status(ctx context.Context) (uint32, error) {
	v, err := d.read32(ctx, FileGeneral, RegSysStatus)
	if err != nil {
		return 0, fmt.Errorf("failed to read system status: %w", err)
	}
	return v, nil
}

func (d *Driver) clearStatus(ctx context.Context, bits uint32) error {
	if err := d.write32(ctx, FileGeneral, RegSysStatus, bits); err != nil {
		return fmt.Errorf("failed to clear system status: %w", err)
	}
	return nil
}

func (d *Driver) timestamp(ctx context.Context, offset uint8) (uwbtime.Tick, error) {
	b, err := d.ReadRegister(ctx, FileGeneral, offset, 5)
	if err != nil {
		return 0, err
	}
	var raw [8]byte
	copy(raw[:], b)
	return uwbtime.NewTick(binary.LittleEndian.Uint64(raw[:])), nil
}

func (d *Driver) read32(ctx context.Context, file, offset uint8) (uint32, error) {
	b, err := d.ReadRegister(ctx, file, offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Driver) write32(ctx context.Context, file, offset uint8, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return d.WriteRegister(ctx, file, offset, b[:])
}

func (d *Driver) command(ctx context.Context, cmd uint8) error {
	return d.dev.Transaction(ctx, bus.Write{Buf: []byte{fastCommand(cmd)}})
}

// header builds the two-byte full-address SPI header:
// byte 0 = R/W | 1 | file[4:0] | offset[6], byte 1 = offset[5:0] | mode 00.
func header(write bool, file, offset uint8) []byte {
	b0 := byte(0x40) | (file&0x1F)<<1 | (offset>>6)&0x01
	if write {
		b0 |= 0x80
	}
	return []byte{b0, (offset & 0x3F) << 2}
}

func fastCommand(cmd uint8) byte {
	return 0x81 | (cmd&0x1F)<<1
}
