//go:build linux

package linux

import "unsafe"

// ioc constructs an ioctl number from direction, type, number, and size.
// The direction and size field widths are per-architecture.
func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

// ior constructs a read ioctl number.
func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

// iow constructs a write ioctl number.
func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

// iowr constructs a read/write ioctl number.
func iowr(typ, nr, size uintptr) uintptr {
	return ioc(iocRead|iocWrite, typ, nr, size)
}

// ionone constructs an ioctl number with no data transfer.
func ionone(typ, nr uintptr) uintptr {
	return ioc(iocNone, typ, nr, 0)
}

const (
	iocNRBits   = 8
	iocTypeBits = 8

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// usbdevfs ioctl type character.
const usbdevfsType = 'U'

// usbdevfs ioctl command numbers.
const (
	ioctlControl          = 0
	ioctlBulk             = 2
	ioctlGetDriver        = 8
	ioctlSubmitURB        = 10
	ioctlDiscardURB       = 11
	ioctlReapURB          = 12
	ioctlReapURBNDelay    = 13
	ioctlClaimInterface   = 15
	ioctlReleaseInterface = 16
)

// Usbdevfs request numbers. Argument sizes come from the Go mirrors of the
// kernel structures so they track the pointer width.
var (
	ioctlUsbdevfsControl          = iowr(usbdevfsType, ioctlControl, unsafe.Sizeof(ctrlTransfer{}))
	ioctlUsbdevfsBulk             = iowr(usbdevfsType, ioctlBulk, unsafe.Sizeof(bulkTransfer{}))
	ioctlUsbdevfsGetDriver        = iow(usbdevfsType, ioctlGetDriver, unsafe.Sizeof(getDriver{}))
	ioctlUsbdevfsSubmitURB        = ior(usbdevfsType, ioctlSubmitURB, unsafe.Sizeof(urb{}))
	ioctlUsbdevfsDiscardURB       = ionone(usbdevfsType, ioctlDiscardURB)
	ioctlUsbdevfsReapURB          = iow(usbdevfsType, ioctlReapURB, unsafe.Sizeof(uintptr(0)))
	ioctlUsbdevfsReapURBNDelay    = iow(usbdevfsType, ioctlReapURBNDelay, unsafe.Sizeof(uintptr(0)))
	ioctlUsbdevfsClaimInterface   = ior(usbdevfsType, ioctlClaimInterface, unsafe.Sizeof(uint32(0)))
	ioctlUsbdevfsReleaseInterface = ior(usbdevfsType, ioctlReleaseInterface, unsafe.Sizeof(uint32(0)))
)
