//go:build linux

package linux

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
)

// ueventAction represents a udev action.
type ueventAction uint8

const (
	ueventUnknown ueventAction = iota
	ueventAdd
	ueventRemove
	ueventChange
	ueventBind
	ueventUnbind
)

// uevent represents a parsed netlink uevent.
type uevent struct {
	action    ueventAction
	devpath   string // DEVPATH value
	subsystem string // SUBSYSTEM value
	devtype   string // DEVTYPE value
	busnum    string // BUSNUM value
	devnum    string // DEVNUM value
	product   string // PRODUCT value, "vid/pid/bcd" in unpadded hex
}

// hotplugMonitor reads kernel uevents from a netlink socket.
type hotplugMonitor struct {
	fd  int                    // Netlink socket file descriptor
	buf [UEventBufferSize]byte // Buffer for receiving events
}

// newHotplugMonitor opens a non-blocking netlink socket bound to the kernel
// uevent broadcast group.
func newHotplugMonitor() (*hotplugMonitor, error) {
	fd, err := unix.Socket(
		unix.AF_NETLINK,
		unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK,
		NetlinkKObjectUEvent,
	)
	if err != nil {
		return nil, err
	}

	addr := unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // Kernel broadcast group
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &hotplugMonitor{fd: fd}, nil
}

// close shuts down the hotplug monitor.
func (h *hotplugMonitor) close() error {
	return unix.Close(h.fd)
}

// readEvent reads one uevent from the socket. It returns false when no data
// is available.
func (h *hotplugMonitor) readEvent() (uevent, bool, error) {
	n, err := unix.Read(h.fd, h.buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return uevent{}, false, nil
		}
		return uevent{}, false, err
	}
	if n <= 0 {
		return uevent{}, false, nil
	}
	return parseUEvent(h.buf[:n]), true, nil
}

// parseUEvent parses a netlink uevent message.
func parseUEvent(data []byte) uevent {
	evt := uevent{}

	for _, line := range bytes.Split(data, []byte{0}) {
		if len(line) == 0 {
			continue
		}
		s := string(line)

		key, value, found := strings.Cut(s, "=")
		if !found {
			// The header line is "action@devpath".
			if action, devpath, ok := strings.Cut(s, "@"); ok {
				evt.action = parseAction(action)
				evt.devpath = devpath
			}
			continue
		}

		switch key {
		case "ACTION":
			evt.action = parseAction(value)
		case "DEVPATH":
			evt.devpath = value
		case "SUBSYSTEM":
			evt.subsystem = value
		case "DEVTYPE":
			evt.devtype = value
		case "BUSNUM":
			evt.busnum = value
		case "DEVNUM":
			evt.devnum = value
		case "PRODUCT":
			evt.product = value
		}
	}

	return evt
}

func parseAction(s string) ueventAction {
	switch s {
	case "add":
		return ueventAdd
	case "remove":
		return ueventRemove
	case "change":
		return ueventChange
	case "bind":
		return ueventBind
	case "unbind":
		return ueventUnbind
	default:
		return ueventUnknown
	}
}

// isUSBDevice reports whether the event concerns a whole USB device rather
// than one of its interfaces.
func (e *uevent) isUSBDevice() bool {
	return e.subsystem == "usb" && e.devtype == "usb_device"
}

// device builds a hal.Device from the event payload alone. Remove events
// are handled this way since the sysfs directory is already gone.
func (e *uevent) device(sysfsRoot string) (*hal.Device, bool) {
	bus, err := strconv.ParseUint(e.busnum, 10, 8)
	if err != nil {
		return nil, false
	}
	addr, err := strconv.ParseUint(e.devnum, 10, 8)
	if err != nil {
		return nil, false
	}

	name := filepath.Base(e.devpath)
	dev := &hal.Device{
		Bus:     uint8(bus),
		Address: uint8(addr),
		Path:    filepath.Join(sysfsRoot, name),
	}
	if _, ports, ok := parsePortPath(name); ok {
		dev.Ports = ports
	}

	fields := strings.Split(e.product, "/")
	if len(fields) == 3 {
		vid, err1 := strconv.ParseUint(fields[0], 16, 16)
		pid, err2 := strconv.ParseUint(fields[1], 16, 16)
		bcd, err3 := strconv.ParseUint(fields[2], 16, 16)
		if err1 == nil && err2 == nil && err3 == nil {
			dev.Descriptor = hal.DeviceDescriptor{
				Length:         hal.DeviceDescriptorSize,
				DescriptorType: hal.DescriptorTypeDevice,
				VendorID:       uint16(vid),
				ProductID:      uint16(pid),
				DeviceVersion:  uint16(bcd),
			}
		}
	} else if e.product != "" {
		pkg.LogDebug(pkg.ComponentHotplug, "malformed PRODUCT", "value", e.product)
	}

	return dev, true
}
