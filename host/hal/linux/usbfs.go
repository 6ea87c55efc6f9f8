//go:build linux

package linux

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/rshim/pkg"
)

// urb represents a USB Request Block for async I/O.
// This must match the kernel's struct usbdevfs_urb layout without the
// trailing isochronous frame descriptors.
type urb struct {
	typ          uint8   // URB type (control, bulk, interrupt, iso)
	endpoint     uint8   // Endpoint address
	status       int32   // URB status after completion
	flags        uint32  // URB flags
	buffer       uintptr // Pointer to data buffer
	bufferLength int32   // Length of data buffer
	actualLength int32   // Actual bytes transferred
	startFrame   int32   // Start frame for ISO transfers
	streamID     uint32  // Stream ID for USB 3.0 bulk streams
	errorCount   int32   // Error count for ISO transfers
	signr        uint32  // Signal number for async notification
	userContext  uintptr // User context pointer
}

// ctrlTransfer represents a control transfer request.
// This must match the kernel's struct usbdevfs_ctrltransfer layout.
type ctrlTransfer struct {
	requestType uint8   // bmRequestType
	request     uint8   // bRequest
	value       uint16  // wValue
	index       uint16  // wIndex
	length      uint16  // wLength
	timeout     uint32  // Timeout in milliseconds
	data        uintptr // Data buffer pointer
}

// bulkTransfer represents a bulk transfer request.
// This must match the kernel's struct usbdevfs_bulktransfer layout.
type bulkTransfer struct {
	endpoint uint32  // Endpoint address
	length   uint32  // Data length
	timeout  uint32  // Timeout in milliseconds
	data     uintptr // Data buffer pointer
}

// getDriver matches the kernel's struct usbdevfs_getdriver.
type getDriver struct {
	iface  uint32
	driver [driverNameLen]byte
}

// ioctlRetval performs an ioctl syscall and returns the result value.
func ioctlRetval(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// ioctlRaw performs a raw ioctl syscall.
func ioctlRaw(fd int, req uintptr, arg unsafe.Pointer) error {
	_, err := ioctlRetval(fd, req, arg)
	return err
}

// timeoutMillis converts a transfer timeout to the usbfs millisecond field.
// Zero means wait indefinitely.
func timeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

// doControlTransfer performs a synchronous control transfer.
func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeout uint32) (int, error) {
	var pin runtime.Pinner
	defer pin.Unpin()

	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeout,
	}
	if len(data) > 0 {
		pin.Pin(&data[0])
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := ioctlRetval(fd, ioctlUsbdevfsControl, unsafe.Pointer(&ctrl))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// doBulkTransfer performs a synchronous bulk transfer.
func doBulkTransfer(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	var pin runtime.Pinner
	defer pin.Unpin()

	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeout,
	}
	if len(data) > 0 {
		pin.Pin(&data[0])
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}

	n, err := ioctlRetval(fd, ioctlUsbdevfsBulk, unsafe.Pointer(&bulk))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// claimInterface claims exclusive access to an interface.
func claimInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsClaimInterface, unsafe.Pointer(&ifaceNum))
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	ifaceNum := uint32(iface)
	return ioctlRaw(fd, ioctlUsbdevfsReleaseInterface, unsafe.Pointer(&ifaceNum))
}

// boundDriver returns the name of the kernel driver bound to iface, or ""
// when none is.
func boundDriver(fd int, iface uint8) (string, error) {
	gd := getDriver{iface: uint32(iface)}
	err := ioctlRaw(fd, ioctlUsbdevfsGetDriver, unsafe.Pointer(&gd))
	if err == unix.ENODATA {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return unix.ByteSliceToString(gd.driver[:]), nil
}

// submitURB submits a URB for asynchronous processing.
func submitURB(fd int, u *urb) error {
	return ioctlRaw(fd, ioctlUsbdevfsSubmitURB, unsafe.Pointer(u))
}

// discardURB cancels a pending URB.
func discardURB(fd int, u *urb) error {
	return ioctlRaw(fd, ioctlUsbdevfsDiscardURB, unsafe.Pointer(u))
}

// reapURBNDelay retrieves a completed URB without blocking.
// Returns EAGAIN if no URB is available. The result identifies the URB by
// address only.
func reapURBNDelay(fd int) (uintptr, error) {
	var p uintptr
	err := ioctlRaw(fd, ioctlUsbdevfsReapURBNDelay, unsafe.Pointer(&p))
	return p, err
}

// reapURB waits for a completed URB.
func reapURB(fd int) (uintptr, error) {
	var p uintptr
	err := ioctlRaw(fd, ioctlUsbdevfsReapURB, unsafe.Pointer(&p))
	return p, err
}

// urbStatus maps a completed URB's status to a transfer status. Unlinked
// URBs report as timed out when the timeout path discarded them.
func urbStatus(status int32, timedOut bool) pkg.TransferStatus {
	switch unix.Errno(-status) {
	case 0:
		return pkg.TransferCompleted
	case unix.ENOENT, unix.ECONNRESET:
		if timedOut {
			return pkg.TransferTimedOut
		}
		return pkg.TransferCancelled
	case unix.ENODEV, unix.ESHUTDOWN:
		return pkg.TransferNoDevice
	case unix.EPIPE:
		return pkg.TransferStall
	case unix.EOVERFLOW:
		return pkg.TransferOverflow
	case unix.ETIMEDOUT:
		return pkg.TransferTimedOut
	default:
		return pkg.TransferError
	}
}

// wrapErrno attaches the matching sentinel to a usbfs failure while keeping
// the errno in the chain.
func wrapErrno(op string, err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sentinel error
	switch errno {
	case unix.ENODEV, unix.ESHUTDOWN, unix.ENOENT:
		sentinel = pkg.ErrNoDevice
	case unix.ETIMEDOUT:
		sentinel = pkg.ErrTimeout
	case unix.EPIPE:
		sentinel = pkg.ErrStall
	case unix.EBUSY:
		sentinel = pkg.ErrBusy
	case unix.EOVERFLOW:
		sentinel = pkg.ErrOverflow
	case unix.ENOMEM:
		sentinel = pkg.ErrNoMemory
	case unix.EACCES, unix.EPERM:
		sentinel = pkg.ErrAccessDenied
	default:
		sentinel = pkg.ErrIO
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, errno)
}
