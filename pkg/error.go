package pkg

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// USB protocol errors.
var (
	// ErrStall indicates an endpoint stall condition.
	// The endpoint must be reset with a CLEAR_FEATURE(ENDPOINT_HALT) before reuse.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer or register poll timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrBabble indicates the device transmitted past the end of a packet.
	ErrBabble = errors.New("babble detected")

	// ErrCRC indicates a CRC or bus turnaround timeout error.
	ErrCRC = errors.New("CRC error")

	// ErrBitStuff indicates a bit stuffing error.
	ErrBitStuff = errors.New("bit stuffing error")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNotExecuted indicates the controller never ran the transfer.
	ErrNotExecuted = errors.New("transfer not executed")
)

// Engine errors.
var (
	// ErrNoMemory indicates DMA memory allocation or mapping failed.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")

	// ErrNotFound indicates no matching request was found.
	ErrNotFound = errors.New("not found")

	// ErrDeviceError indicates the controller reported a host system error.
	ErrDeviceError = errors.New("host controller error")

	// ErrRegister indicates a register access failed at the platform layer.
	ErrRegister = errors.New("register access failed")

	// ErrClosed indicates the controller or its pool has been torn down.
	ErrClosed = errors.New("controller closed")
)

// TransferResult is the bit set of hardware error conditions observed while
// executing a descriptor chain. The zero value means success.
type TransferResult uint16

// Transfer result bits.
const (
	ResultNotExecuted TransferResult = 1 << iota // Chain still active when inspected
	ResultStall                                  // Endpoint stalled
	ResultBuffer                                 // Data buffer over/underrun
	ResultBabble                                 // Babble detected
	ResultNAK                                    // NAK received
	ResultCRCTimeout                             // CRC or timeout error
	ResultBitStuff                               // Bit stuffing error
	ResultSystem                                 // Controller system error
)

// ResultOK is the successful transfer result.
const ResultOK TransferResult = 0

var resultNames = []struct {
	bit  TransferResult
	name string
}{
	{ResultNotExecuted, "not-executed"},
	{ResultStall, "stall"},
	{ResultBuffer, "buffer"},
	{ResultBabble, "babble"},
	{ResultNAK, "nak"},
	{ResultCRCTimeout, "crc-timeout"},
	{ResultBitStuff, "bitstuff"},
	{ResultSystem, "system"},
}

// String returns a string representation of the transfer result.
func (r TransferResult) String() string {
	if r == ResultOK {
		return "success"
	}
	var parts []string
	for _, n := range resultNames {
		if r&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Stalled reports whether the endpoint needs an explicit reset upstream.
func (r TransferResult) Stalled() bool {
	return r&ResultStall != 0
}

// Transient reports whether the caller may simply retry the transfer.
func (r TransferResult) Transient() bool {
	return r != ResultOK && !r.Stalled()
}

// Error returns the corresponding error for the transfer result.
// A stall takes precedence over every other condition.
func (r TransferResult) Error() error {
	switch {
	case r == ResultOK:
		return nil
	case r&ResultStall != 0:
		return ErrStall
	case r&ResultBabble != 0:
		return ErrBabble
	case r&ResultBuffer != 0:
		return ErrUnderrun
	case r&ResultCRCTimeout != 0:
		return ErrCRC
	case r&ResultBitStuff != 0:
		return ErrBitStuff
	case r&ResultSystem != 0:
		return ErrDeviceError
	case r&ResultNAK != 0:
		return ErrNAK
	case r&ResultNotExecuted != 0:
		return ErrNotExecuted
	default:
		return ErrProtocol
	}
}
