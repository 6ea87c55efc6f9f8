package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
)

// Init subscribes to hotplug events for every accepted product. Devices
// already present arrive through the subscription. When the context cannot
// deliver hotplug events, Init probes once instead.
func (d *Driver) Init() error {
	for _, pid := range ProductIDs {
		err := d.ctx.RegisterHotplug(VendorID, pid, d.onHotplug)
		if errors.Is(err, pkg.ErrNotSupported) {
			pkg.LogWarn(pkg.ComponentHotplug, "hotplug unavailable, probing once", "error", err)
			return d.Probe()
		}
		if err != nil {
			return fmt.Errorf("register hotplug %04x:%04x: %w", VendorID, pid, err)
		}
	}
	d.hotplug = true
	return nil
}

// Hotplug reports whether arrivals and departures are tracked.
func (d *Driver) Hotplug() bool { return d.hotplug }

// onHotplug runs inside HandleEvents. Arrivals only schedule a probe.
func (d *Driver) onHotplug(dev *hal.Device, ev hal.HotplugEvent) {
	switch ev {
	case hal.HotplugArrived:
		pkg.LogInfo(pkg.ComponentHotplug, "usb device detected", "dev", dev.Key())
		d.needProbe.Store(true)
	case hal.HotplugLeft:
		pkg.LogInfo(pkg.ComponentHotplug, "usb device leaving", "dev", dev.Key())
		d.Disconnect(dev)
	}
}

// Poll runs a scheduled probe, then processes host-access events for at
// most timeout.
func (d *Driver) Poll(timeout time.Duration) error {
	if d.needProbe.Swap(false) {
		if err := d.Probe(); err != nil {
			pkg.LogError(pkg.ComponentProbe, "usb probe failed", "error", err)
		}
	}
	return d.ctx.HandleEvents(timeout)
}

// Run polls every interval until ctx is done.
func (d *Driver) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := d.Poll(interval); err != nil {
			return err
		}
	}
}
