package rshim

import "github.com/ardnew/rshim/pkg"

// DeviceType selects the stream a Read or Write targets.
type DeviceType int

// Stream device types.
const (
	DevTypeTMFIFO DeviceType = iota // Tile-monitor FIFO byte stream
	DevTypeBoot                     // Boot image push
)

// String returns the device type name.
func (d DeviceType) String() string {
	switch d {
	case DevTypeTMFIFO:
		return "tmfifo"
	case DevTypeBoot:
		return "boot"
	default:
		return "unknown"
	}
}

// Transport is implemented by each physical link.
//
// Register values are 8-byte big-endian at this boundary regardless of host
// or wire order. Read and Write must be called with the backend ring lock
// held; Read never blocks, and its result is delivered through the
// completion queue and a FIFO input notification.
type Transport interface {
	ReadRegister(channel, addr int) (uint64, error)
	WriteRegister(channel, addr int, value uint64) error

	Read(dt DeviceType, buf []byte) error
	Write(dt DeviceType, buf []byte) (int, error)
	Cancel(dt DeviceType, isWrite bool)

	// Destroy releases transport resources. The backend calls it exactly
	// once, after the last reference is released.
	Destroy()
}

// Completer is implemented by transports with asynchronous stream
// completions. Complete runs with the ring lock held.
type Completer interface {
	Complete(c Completion)
}

// Direction identifies the stream direction of a completion.
type Direction int

// Stream directions.
const (
	DirRead Direction = iota // read or interrupt transfer
	DirWrite
)

// String returns the direction name.
func (d Direction) String() string {
	if d == DirWrite {
		return "write"
	}
	return "read"
}

// Completion reports the outcome of one asynchronous stream transfer.
type Completion struct {
	Dir    Direction
	Status pkg.TransferStatus
	Length int
}

// Capability is a set of backend capability flags.
type Capability uint32

// Backend capabilities.
const (
	CapRShim    Capability = 1 << iota // register bus present
	CapTM                              // TMFIFO stream present
	CapReprobe                         // backend may be re-bound on reconnect
	CapDropMode                        // stream data is silently discarded
)

// String lists the set flags.
func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	names := []string{"rshim", "tm", "reprobe", "drop"}
	s := ""
	for i, name := range names {
		if c&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	if s == "" {
		return "unknown"
	}
	return s
}

// SpinFlags records which stream transfers are in flight.
type SpinFlags uint32

// In-flight stream transfers.
const (
	SpinReading SpinFlags = 1 << iota // read or interrupt transfer outstanding
	SpinWriting                       // write transfer outstanding
)

// Event is a notification delivered to upper layers.
type Event int

// Backend events.
const (
	EventAttach Event = iota + 1
	EventDetach
	EventFIFOInput  // input available
	EventFIFOOutput // output drained
	EventFIFOErr
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventAttach:
		return "attach"
	case EventDetach:
		return "detach"
	case EventFIFOInput:
		return "fifo-input"
	case EventFIFOOutput:
		return "fifo-output"
	case EventFIFOErr:
		return "fifo-error"
	default:
		return "unknown"
	}
}
