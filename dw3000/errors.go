package dw3000

import "errors"

var (
	// ErrWouldBlock is returned by TxHandle.Poll while the frame has not left yet.
	ErrWouldBlock = errors.New("operation not complete")

	// ErrBusy indicates the radio already has a send or receive outstanding
	ErrBusy = errors.New("radio is busy")

	// ErrDelayedTimePassed indicates a delayed activation time already lies in the past
	ErrDelayedTimePassed = errors.New("delayed activation time has already passed")

	// ErrFrameTooLong indicates the payload does not fit a standard frame
	ErrFrameTooLong = errors.New("frame exceeds maximum length")

	// ErrHandleFinished indicates use of a handle after Finish
	ErrHandleFinished = errors.New("handle already finished")

	// ErrNotDetected indicates the device ID did not match a DW3000
	ErrNotDetected = errors.New("dw3000 not detected")
)
