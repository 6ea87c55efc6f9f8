// Package linux implements the hal host-access contract for Linux using
// usbfs.
//
// Devices are discovered through sysfs (/sys/bus/usb/devices), opened through
// usbfs nodes (/dev/bus/usb/BBB/DDD) and watched for hotplug through the
// kernel uevent netlink socket. No cgo is required.
//
// # Requirements
//
// The process needs read/write access to the usbfs nodes of the devices it
// opens. This typically means running as root or installing udev rules that
// grant access to the BlueField rshim vendor ID.
//
// # Architecture
//
// Asynchronous transfers are submitted as URBs with USBDEVFS_SUBMITURB. The
// kernel signals finished URBs by making the device descriptor writable;
// [Context.HandleEvents] waits on all descriptors with epoll, reaps with
// USBDEVFS_REAPURBNDELAY and runs transfer callbacks on the calling
// goroutine. usbfs has no asynchronous timeouts, so transfer deadlines are
// tracked here and expired URBs are discarded and reported as timed out.
//
// Transfer buffers and URBs are pinned with [runtime.Pinner] while the
// kernel owns them.
package linux
