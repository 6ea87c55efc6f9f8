package linux

// SysfsUSBPath is the base path for USB devices in sysfs.
const SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// URB transfer types for USBDEVFS_SUBMITURB.
const (
	URBTypeISO       = 0 // Isochronous
	URBTypeInterrupt = 1 // Interrupt
	URBTypeControl   = 2 // Control
	URBTypeBulk      = 3 // Bulk
)

// NetlinkKObjectUEvent is the netlink protocol for udev events.
const NetlinkKObjectUEvent = 15 // NETLINK_KOBJECT_UEVENT

// UEventBufferSize is the buffer size for netlink messages.
const UEventBufferSize = 4096

// MaxEpollEvents is the maximum events to retrieve per epoll_wait call.
const MaxEpollEvents = 32

// driverNameLen is the driver name capacity of struct usbdevfs_getdriver.
const driverNameLen = 256
