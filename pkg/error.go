package pkg

import (
	"errors"
	"fmt"
	"syscall"
)

// Transport errors.
var (
	// ErrNoDevice indicates the capability or device is absent.
	ErrNoDevice = errors.New("device not present")

	// ErrIO indicates a host-access or hardware I/O failure.
	ErrIO = errors.New("I/O error")

	// ErrMalformed indicates a transfer completed with an unexpected size.
	ErrMalformed = errors.New("malformed transfer")

	// ErrShortTransfer indicates fewer bytes moved than a register holds.
	ErrShortTransfer = fmt.Errorf("short transfer: %w", ErrMalformed)

	// ErrLongTransfer indicates more bytes moved than a register holds.
	ErrLongTransfer = fmt.Errorf("long transfer: %w", ErrMalformed)

	// ErrNoMemory indicates buffer or transfer allocation failed.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrTimeout indicates a bounded wait expired.
	ErrTimeout = errors.New("timeout")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrOverflow indicates the device sent more data than requested.
	ErrOverflow = errors.New("transfer overflow")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrAccessDenied indicates the allow-list rejected a device.
	ErrAccessDenied = errors.New("access denied")

	// ErrDeviceType indicates an unknown stream device type.
	ErrDeviceType = errors.New("unknown device type")

	// ErrAlreadyReleased indicates a lock token was released twice.
	ErrAlreadyReleased = errors.New("already released")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrNotRunning indicates the host-access context is closed.
	ErrNotRunning = errors.New("not running")

	// ErrNoResources indicates insufficient resources (e.g., pending transfer slots).
	ErrNoResources = errors.New("no resources available")
)

// errno values used for notification codes. They match Linux numbering so
// codes reported upward read the same as the kernel's.
const (
	errnoEIO        = 5
	errnoENXIO      = 6
	errnoENOMEM     = 12
	errnoEACCES     = 13
	errnoEBUSY      = 16
	errnoENODEV     = 19
	errnoEINVAL     = 22
	errnoEPIPE      = 32
	errnoEOVERFLOW  = 75
	errnoEOPNOTSUPP = 95
	errnoETIMEDOUT  = 110
	errnoECANCELED  = 125
)

// Code maps err to a negative errno-style code. A nil error yields 0.
// Unknown errors map to -EIO.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	switch {
	case errors.Is(err, ErrShortTransfer):
		return -errnoENXIO
	case errors.Is(err, ErrLongTransfer), errors.Is(err, ErrMalformed),
		errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrDeviceType):
		return -errnoEINVAL
	case errors.Is(err, ErrNoDevice):
		return -errnoENODEV
	case errors.Is(err, ErrNoMemory), errors.Is(err, ErrNoResources):
		return -errnoENOMEM
	case errors.Is(err, ErrTimeout):
		return -errnoETIMEDOUT
	case errors.Is(err, ErrBusy):
		return -errnoEBUSY
	case errors.Is(err, ErrCancelled):
		return -errnoECANCELED
	case errors.Is(err, ErrStall):
		return -errnoEPIPE
	case errors.Is(err, ErrOverflow):
		return -errnoEOVERFLOW
	case errors.Is(err, ErrAccessDenied):
		return -errnoEACCES
	case errors.Is(err, ErrNotSupported):
		return -errnoEOPNOTSUPP
	}
	return -errnoEIO
}

// TransferStatus represents the completion status of an asynchronous
// transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferCompleted TransferStatus = iota // Transfer completed without error
	TransferError                           // Transfer failed
	TransferTimedOut                        // Transfer timed out
	TransferCancelled                       // Transfer was cancelled
	TransferStall                           // Endpoint stalled
	TransferNoDevice                        // Device was disconnected
	TransferOverflow                        // Device sent more data than requested
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferCompleted:
		return "completed"
	case TransferError:
		return "error"
	case TransferTimedOut:
		return "timed out"
	case TransferCancelled:
		return "cancelled"
	case TransferStall:
		return "stall"
	case TransferNoDevice:
		return "no device"
	case TransferOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferCompleted:
		return nil
	case TransferTimedOut:
		return ErrTimeout
	case TransferCancelled:
		return ErrCancelled
	case TransferStall:
		return ErrStall
	case TransferNoDevice:
		return ErrNoDevice
	case TransferOverflow:
		return ErrOverflow
	default:
		return ErrIO
	}
}

// Code returns the negated status value, the code reported alongside a
// FIFO error notification.
func (s TransferStatus) Code() int {
	return -int(s)
}
