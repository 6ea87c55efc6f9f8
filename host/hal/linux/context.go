//go:build linux

package linux

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
)

// hotplugSub is a RegisterHotplug subscription.
type hotplugSub struct {
	vendor  uint16
	product uint16
	fn      hal.HotplugFunc
}

func (s *hotplugSub) matches(dev *hal.Device) bool {
	return dev.Descriptor.VendorID == s.vendor && dev.Descriptor.ProductID == s.product
}

// hotplugNotice is a hotplug event waiting for delivery.
type hotplugNotice struct {
	fn  hal.HotplugFunc
	dev *hal.Device
	ev  hal.HotplugEvent
}

// Context implements hal.Context over usbfs, sysfs and netlink.
type Context struct {
	sysfsRoot string
	devfsRoot string

	poller *poller

	mu       sync.Mutex
	handles  map[*handle]struct{}
	monitor  *hotplugMonitor
	subs     []hotplugSub
	notices  []hotplugNotice
	finished []completion
	closed   bool
}

// New creates a context using the standard sysfs and usbfs locations.
func New() (*Context, error) {
	return NewWithPaths(SysfsUSBPath, DevfsUSBPath)
}

// NewWithPaths creates a context rooted at the given sysfs device directory
// and usbfs node directory.
func NewWithPaths(sysfsRoot, devfsRoot string) (*Context, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}
	pkg.LogDebug(pkg.ComponentHAL, "usbfs context created", "sysfs", sysfsRoot, "devfs", devfsRoot)
	return &Context{
		sysfsRoot: sysfsRoot,
		devfsRoot: devfsRoot,
		poller:    p,
		handles:   make(map[*handle]struct{}),
	}, nil
}

// Devices enumerates attached USB devices.
func (c *Context) Devices() ([]*hal.Device, error) {
	return scanUSBDevices(c.sysfsRoot)
}

// ActiveConfig returns the active configuration descriptor tree of dev.
func (c *Context) ActiveConfig(dev *hal.Device) (*hal.ConfigDescriptor, error) {
	path := dev.Path
	if path == "" {
		return nil, fmt.Errorf("device %s has no sysfs path: %w", dev.Key(), pkg.ErrInvalidParameter)
	}
	cfg, err := readActiveConfig(path)
	if err != nil {
		return nil, fmt.Errorf("active config of %s: %w", dev.Key(), err)
	}
	return cfg, nil
}

// Open opens the usbfs node of dev.
func (c *Context) Open(dev *hal.Device) (hal.Handle, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, pkg.ErrNotRunning
	}

	path := formatDevfsPath(c.devfsRoot, dev.Bus, dev.Address)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, wrapErrno("open "+path, err)
	}

	h := newHandle(c, dev, fd)
	if err := c.poller.addFD(fd, unix.EPOLLOUT, h.onReady); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("poll %s: %w", path, err)
	}

	c.mu.Lock()
	c.handles[h] = struct{}{}
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "device opened", "path", path)
	return h, nil
}

// forget drops h from the context once it is closed.
func (c *Context) forget(h *handle) {
	c.poller.delFD(h.fd)
	c.mu.Lock()
	delete(c.handles, h)
	c.mu.Unlock()
}

// enqueue queues completions for delivery by HandleEvents.
func (c *Context) enqueue(done ...completion) {
	if len(done) == 0 {
		return
	}
	c.mu.Lock()
	c.finished = append(c.finished, done...)
	c.mu.Unlock()
}

// RegisterHotplug subscribes fn to arrivals and departures of devices
// matching vendor and product. Matching devices already present are
// reported as arrivals on the next HandleEvents.
func (c *Context) RegisterHotplug(vendor, product uint16, fn hal.HotplugFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pkg.ErrNotRunning
	}
	if c.monitor == nil {
		m, err := newHotplugMonitor()
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("netlink uevent socket: %w: %w", pkg.ErrNotSupported, err)
		}
		if err := c.poller.addFD(m.fd, unix.EPOLLIN, c.onUEvent); err != nil {
			m.close()
			c.mu.Unlock()
			return fmt.Errorf("poll netlink socket: %w: %w", pkg.ErrNotSupported, err)
		}
		c.monitor = m
	}
	sub := hotplugSub{vendor: vendor, product: product, fn: fn}
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	devices, err := c.Devices()
	if err != nil {
		pkg.LogWarn(pkg.ComponentHotplug, "initial enumeration failed", "error", err)
		return nil
	}

	c.mu.Lock()
	for _, dev := range devices {
		if sub.matches(dev) {
			c.notices = append(c.notices, hotplugNotice{fn: fn, dev: dev, ev: hal.HotplugArrived})
		}
	}
	c.mu.Unlock()

	c.poller.wake()
	return nil
}

// onUEvent is the poller callback for the netlink socket.
func (c *Context) onUEvent(uint32) {
	for {
		c.mu.Lock()
		m := c.monitor
		c.mu.Unlock()
		if m == nil {
			return
		}

		evt, ok, err := m.readEvent()
		if err != nil {
			pkg.LogWarn(pkg.ComponentHotplug, "uevent read failed", "error", err)
			return
		}
		if !ok {
			return
		}
		c.dispatchUEvent(evt)
	}
}

// dispatchUEvent turns a uevent into queued hotplug notices.
func (c *Context) dispatchUEvent(evt uevent) {
	if !evt.isUSBDevice() {
		return
	}

	var (
		dev  *hal.Device
		kind hal.HotplugEvent
		ok   bool
	)
	switch evt.action {
	case ueventAdd:
		kind = hal.HotplugArrived
		dev, ok = evt.device(c.sysfsRoot)
		if parsed, err := parseUSBDevice(filepath.Join(c.sysfsRoot, filepath.Base(evt.devpath))); err == nil {
			dev, ok = parsed, true
		}
	case ueventRemove:
		kind = hal.HotplugLeft
		dev, ok = evt.device(c.sysfsRoot)
	default:
		return
	}
	if !ok {
		pkg.LogDebug(pkg.ComponentHotplug, "unparseable uevent", "devpath", evt.devpath)
		return
	}

	pkg.LogDebug(pkg.ComponentHotplug, "usb device event",
		"event", kind, "device", dev.Key(),
		"vid", fmt.Sprintf("%04x", dev.Descriptor.VendorID),
		"pid", fmt.Sprintf("%04x", dev.Descriptor.ProductID))

	c.mu.Lock()
	for i := range c.subs {
		if c.subs[i].matches(dev) {
			c.notices = append(c.notices, hotplugNotice{fn: c.subs[i].fn, dev: dev, ev: kind})
		}
	}
	c.mu.Unlock()
}

// HandleEvents delivers queued hotplug notices and transfer completions,
// waiting at most timeout for something to happen. A negative timeout waits
// indefinitely.
func (c *Context) HandleEvents(timeout time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pkg.ErrNotRunning
	}
	pending := len(c.notices) + len(c.finished)
	handles := make([]*handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	now := time.Now()
	var next time.Time
	for _, h := range handles {
		if d := h.expire(now); !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}

	wait := waitMillis(timeout)
	if pending > 0 {
		wait = 0
	} else if !next.IsZero() {
		until := int(next.Sub(now).Milliseconds()) + 1
		if wait < 0 || until < wait {
			wait = until
		}
	}

	if _, err := c.poller.pollOnce(wait); err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	now = time.Now()
	for _, h := range handles {
		h.expire(now)
	}

	c.mu.Lock()
	notices := c.notices
	finished := c.finished
	c.notices = nil
	c.finished = nil
	c.mu.Unlock()

	for _, n := range notices {
		n.fn(n.dev, n.ev)
	}
	for _, f := range finished {
		f.deliver()
	}
	return nil
}

// waitMillis converts a HandleEvents timeout to an epoll timeout.
func waitMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := d.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	return int(ms)
}

// Close closes every open handle and releases the context.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	handles := make([]*handle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}

	c.mu.Lock()
	c.closed = true
	m := c.monitor
	c.monitor = nil
	c.subs = nil
	c.notices = nil
	c.finished = nil
	c.mu.Unlock()

	if m != nil {
		c.poller.delFD(m.fd)
		m.close()
	}
	return c.poller.close()
}

var _ hal.Context = (*Context)(nil)
