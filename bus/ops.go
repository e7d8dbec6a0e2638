package bus

import (
	"fmt"
	"time"
)

// Op is one step of a Transaction.
type Op interface {
	name() string
}

// Delay pauses for D with chip-select held, without bus activity.
type Delay struct {
	D time.Duration
}

// Read clocks len(Buf) bytes in, sending filler bytes.
type Read struct {
	Buf []byte
}

// Write clocks Buf out, discarding what comes back.
type Write struct {
	Buf []byte
}

// Transfer writes Write while reading into Read. The shorter side is padded.
type Transfer struct {
	Read  []byte
	Write []byte
}

// TransferInPlace writes Buf and replaces its contents with the bytes read.
type TransferInPlace struct {
	Buf []byte
}

func (Delay) name() string           { return "delay" }
func (Read) name() string            { return "read" }
func (Write) name() string           { return "write" }
func (Transfer) name() string        { return "transfer" }
func (TransferInPlace) name() string { return "transfer in place" }

// Error is a transport failure inside a Transaction.
type Error struct {
	// Index of the failing operation; -1 for chip-select handling and
	// len(ops) for the final flush.
	Index int
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("bus: failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bus: %s (op %d) failed: %v", e.Op, e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
