package hal

import (
	"fmt"
	"time"

	"github.com/ardnew/rshim/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// bmRequestType fields.
const (
	RequestDirOut uint8 = 0x00
	RequestDirIn  uint8 = 0x80

	RequestTypeStandard uint8 = 0x00
	RequestTypeClass    uint8 = 0x20
	RequestTypeVendor   uint8 = 0x40

	RecipientDevice    uint8 = 0x00
	RecipientInterface uint8 = 0x01
	RecipientEndpoint  uint8 = 0x02
)

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestDirIn != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Transfer is a reusable asynchronous transfer. The caller fills the request
// fields and submits it through [Handle.SubmitTransfer]; once the transfer
// finishes, the host-access layer fills the result fields and invokes
// Callback from within [Context.HandleEvents].
//
// A Transfer must not be modified while it is in flight.
type Transfer struct {
	Type     TransferType
	Endpoint uint8
	Buffer   []byte
	// Timeout bounds the transfer; zero waits indefinitely.
	Timeout  time.Duration
	Callback func(*Transfer)

	Status       pkg.TransferStatus
	ActualLength int
}

// NewTransfer allocates an empty transfer.
func NewTransfer() *Transfer {
	return &Transfer{}
}

// FillBulk prepares t for a bulk transfer.
func (t *Transfer) FillBulk(ep uint8, buf []byte, timeout time.Duration, cb func(*Transfer)) {
	t.fill(TransferBulk, ep, buf, timeout, cb)
}

// FillInterrupt prepares t for an interrupt transfer.
func (t *Transfer) FillInterrupt(ep uint8, buf []byte, timeout time.Duration, cb func(*Transfer)) {
	t.fill(TransferInterrupt, ep, buf, timeout, cb)
}

func (t *Transfer) fill(typ TransferType, ep uint8, buf []byte, timeout time.Duration, cb func(*Transfer)) {
	t.Type = typ
	t.Endpoint = ep
	t.Buffer = buf
	t.Timeout = timeout
	t.Callback = cb
	t.Status = pkg.TransferCompleted
	t.ActualLength = 0
}

// Complete records the result and invokes the callback. Host-access
// implementations call it from their event loop.
func (t *Transfer) Complete(status pkg.TransferStatus, actual int) {
	t.Status = status
	t.ActualLength = actual
	if t.Callback != nil {
		t.Callback(t)
	}
}

// DeviceKey is the comparable identity of an attached USB device. It is
// stable for as long as the device stays connected.
type DeviceKey struct {
	Bus     uint8
	Address uint8
}

// String formats the key as "bus/address".
func (k DeviceKey) String() string {
	return fmt.Sprintf("%03d/%03d", k.Bus, k.Address)
}

// Device describes an enumerated but not necessarily opened USB device.
type Device struct {
	Bus        uint8
	Address    uint8
	Ports      []uint8 // port path from the root hub, outermost first
	Speed      Speed
	Descriptor DeviceDescriptor

	// Path is an implementation-specific locator (e.g. a sysfs directory).
	Path string
}

// Key returns the device identity.
func (d *Device) Key() DeviceKey {
	return DeviceKey{Bus: d.Bus, Address: d.Address}
}

// HotplugEvent reports a device arrival or departure.
type HotplugEvent int

// Hotplug events.
const (
	HotplugArrived HotplugEvent = iota + 1
	HotplugLeft
)

// String returns the event name.
func (e HotplugEvent) String() string {
	switch e {
	case HotplugArrived:
		return "arrived"
	case HotplugLeft:
		return "left"
	default:
		return "unknown"
	}
}

// HotplugFunc receives hotplug events from within [Context.HandleEvents].
type HotplugFunc func(dev *Device, ev HotplugEvent)

// Handle is an opened USB device.
//
// ControlTransfer and BulkTransfer block for at most timeout (zero waits
// indefinitely) and return the number of bytes moved. Asynchronous transfers
// complete from within [Context.HandleEvents].
type Handle interface {
	ClaimInterface(iface uint8) error
	// KernelDriverActive reports whether a kernel driver is bound to iface.
	KernelDriverActive(iface uint8) (bool, error)

	ControlTransfer(setup SetupPacket, data []byte, timeout time.Duration) (int, error)
	BulkTransfer(ep uint8, data []byte, timeout time.Duration) (int, error)

	SubmitTransfer(t *Transfer) error
	// CancelTransfer requests cancellation of an in-flight transfer. The
	// transfer still completes through its callback.
	CancelTransfer(t *Transfer) error

	// Close releases the handle. In-flight transfers complete with
	// [pkg.TransferNoDevice] or [pkg.TransferCancelled] first. Close is
	// idempotent.
	Close() error
}

// Context is a USB host-access session.
//
// All callbacks (transfer completions and hotplug events) run on the
// goroutine calling HandleEvents.
type Context interface {
	Devices() ([]*Device, error)
	ActiveConfig(dev *Device) (*ConfigDescriptor, error)
	Open(dev *Device) (Handle, error)

	// RegisterHotplug subscribes fn to arrivals and departures of devices
	// matching vendor and product. Devices already present are reported as
	// arrivals on the next HandleEvents. It returns [pkg.ErrNotSupported]
	// when the platform cannot deliver hotplug events.
	RegisterHotplug(vendor, product uint16, fn HotplugFunc) error

	// HandleEvents processes pending completions and hotplug events, waiting
	// at most timeout for the first one. A zero timeout never blocks.
	HandleEvents(timeout time.Duration) error

	Close() error
}
