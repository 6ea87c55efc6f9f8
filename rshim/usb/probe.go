package usb

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
	"github.com/ardnew/rshim/rshim"
)

// Interface subclasses of the RShim USB function.
const (
	subclassRShim = 0
	subclassTM    = 1
)

// Driver discovers BlueField devices on a host-access context and binds
// them to backends.
type Driver struct {
	ctx  hal.Context
	env  *rshim.Env
	opts Options

	needProbe atomic.Bool
	hotplug   bool
}

// NewDriver returns a driver using ctx for device access and env for
// registration and notification.
func NewDriver(ctx hal.Context, env *rshim.Env, opts Options) *Driver {
	return &Driver{ctx: ctx, env: env, opts: opts.withDefaults()}
}

// Name returns the stable backend name of dev: the bus number followed by
// the port path, e.g. "usb-1-1.2". Numbers are hexadecimal.
func Name(dev *hal.Device) (string, error) {
	if len(dev.Ports) == 0 {
		return "", fmt.Errorf("device %s: no port path: %w", dev.Key(), pkg.ErrNoDevice)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "usb-%x", dev.Bus)
	for i, p := range dev.Ports {
		sep := '-'
		if i == len(dev.Ports)-1 {
			sep = '.'
		}
		fmt.Fprintf(&sb, "%c%x", sep, p)
	}
	return sb.String(), nil
}

// Probe enumerates the context and attaches every BlueField device not
// attached yet. Per-device failures are logged.
func (d *Driver) Probe() error {
	devs, err := d.ctx.Devices()
	if err != nil {
		return fmt.Errorf("enumerate usb: %w", err)
	}
	for _, dev := range devs {
		if !Match(dev.Descriptor.VendorID, dev.Descriptor.ProductID) {
			continue
		}
		if err := d.ProbeOne(dev); err != nil {
			pkg.LogError(pkg.ComponentProbe, "usb probe failed", "dev", dev.Key(), "error", err)
		}
	}
	return nil
}

// ProbeOne attaches dev. A device already bound to a backend is skipped; a
// known name re-binds its backend.
func (d *Driver) ProbeOne(dev *hal.Device) (err error) {
	reg := d.env.Registry
	reg.Lock()
	bound := reg.FindByDevice(dev.Key())
	reg.Unlock()
	if bound != nil {
		return nil
	}

	defer func() {
		metrics.Probes.WithLabelValues(metrics.TransportUSB, metrics.Result(err)).Inc()
	}()

	name, err := Name(dev)
	if err != nil {
		return err
	}
	if !d.env.Allowed(name) {
		return fmt.Errorf("%s: %w", name, pkg.ErrAccessDenied)
	}

	vid, pid := dev.Descriptor.VendorID, dev.Descriptor.ProductID
	desc := fmt.Sprintf("%04x:%04x", vid, pid)
	if d.opts.Names != nil {
		desc = d.opts.Names.Describe(vid, pid)
	}
	pkg.LogInfo(pkg.ComponentProbe, "probing", "backend", name, "dev", dev.Key(), "id", desc)

	cfg, err := d.ctx.ActiveConfig(dev)
	if err != nil {
		return fmt.Errorf("%s: active config: %w", name, err)
	}
	h, err := d.ctx.Open(dev)
	if err != nil {
		return fmt.Errorf("%s: open: %w", name, err)
	}
	if err := claimAll(h, cfg); err != nil {
		h.Close()
		return fmt.Errorf("%s: %w", name, err)
	}

	reg.Lock()
	defer reg.Unlock()

	b := reg.FindByName(name)
	var t *Transport
	if b != nil {
		var ok bool
		if t, ok = b.Transport().(*Transport); !ok {
			h.Close()
			return fmt.Errorf("%s: name held by %s: %w", name, b.DriverName(), pkg.ErrBusy)
		}
		pkg.LogInfo(pkg.ComponentProbe, "found backend", "backend", name)
	} else {
		pkg.LogInfo(pkg.ComponentProbe, "create backend", "backend", name)
		b = rshim.NewBackend(name, DriverName, rshim.CapReprobe)
		t = newTransport(b, d.env, d.opts)
		b.SetTransport(t)
	}

	b.EnsureBuffers()
	reg.Ref(b)
	b.SetDevice(dev.Key())
	ver := VersionBF1
	if pid == ProductBF2 {
		ver = VersionBF2
	}
	b.SetVersion(ver, int(dev.Descriptor.DeviceVersion))
	t.attach(h)

	b.Lock()
	err = t.classify(cfg)
	if err == nil && !b.Registered() {
		err = reg.Register(b)
	}
	if err == nil {
		d.env.Notify(b, rshim.EventAttach, 0)
	}
	b.Unlock()

	if err != nil {
		t.releaseTransfers()
		t.closeHandle()
		b.SetDevice(nil)
		reg.Deref(b)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// claimAll claims every interface of cfg. A kernel driver holding an
// interface is reported as busy.
func claimAll(h hal.Handle, cfg *hal.ConfigDescriptor) error {
	for i := 0; i < cfg.NumInterfaces(); i++ {
		iface := uint8(i)
		err := h.ClaimInterface(iface)
		if err == nil {
			continue
		}
		if active, _ := h.KernelDriverActive(iface); active {
			return fmt.Errorf("interface %d: kernel driver is bound: %w", i, pkg.ErrBusy)
		}
		return fmt.Errorf("claim interface %d: %w", i, err)
	}
	return nil
}

// classify assigns endpoints from the first alternate setting of each
// interface and sets the matching capabilities. Backend mutex held.
func (t *Transport) classify(cfg *hal.ConfigDescriptor) error {
	for _, iface := range cfg.Interfaces {
		if len(iface.AltSettings) == 0 {
			continue
		}
		alt := iface.AltSettings[0]

		switch alt.SubClass {
		case subclassRShim:
			if len(alt.Endpoints) != 1 {
				return fmt.Errorf("rshim interface has %d endpoints: %w", len(alt.Endpoints), pkg.ErrNotSupported)
			}
			ep := alt.Endpoints[0]
			if !ep.IsBulk() || ep.IsIn() {
				return fmt.Errorf("rshim endpoint 0x%02x is not bulk out: %w", ep.Address, pkg.ErrNotSupported)
			}
			t.bootEP = ep.Address
			t.b.SetCaps(rshim.CapRShim)

		case subclassTM:
			if len(alt.Endpoints) != 3 {
				return fmt.Errorf("tm interface has %d endpoints: %w", len(alt.Endpoints), pkg.ErrNotSupported)
			}
			var in, intr, out uint8
			for _, ep := range alt.Endpoints {
				switch {
				case ep.IsIn() && ep.IsBulk():
					in = ep.Address
				case ep.IsIn() && ep.IsInterrupt():
					intr = ep.Address
				case !ep.IsIn() && ep.IsBulk():
					out = ep.Address
				}
			}
			if in == 0 || intr == 0 || out == 0 {
				return fmt.Errorf("tm interface lacks required endpoints: %w", pkg.ErrNotSupported)
			}
			t.inEP, t.intEP, t.outEP = in, intr, out
			t.b.SetCaps(rshim.CapTM)

		default:
			return fmt.Errorf("interface %d subclass %d: %w", alt.Number, alt.SubClass, pkg.ErrNotSupported)
		}
	}
	return nil
}

// Disconnect tears down the backend bound to dev: it notifies detach,
// cancels stream transfers, closes the handle and drops the probe
// reference. The backend stays registered for re-binding.
func (d *Driver) Disconnect(dev *hal.Device) {
	reg := d.env.Registry
	reg.Lock()
	defer reg.Unlock()

	b := reg.FindByDevice(dev.Key())
	if b == nil {
		return
	}
	t, ok := b.Transport().(*Transport)
	if !ok {
		return
	}

	d.env.Notify(b, rshim.EventDetach, 0)

	b.Lock()
	b.ClearCaps(rshim.CapRShim)
	b.SetConsoleWork(false)
	read, write := t.releaseTransfers()
	t.cancelTransfer(read)
	t.cancelTransfer(write)
	if !b.Has(rshim.CapRShim) && !b.Has(rshim.CapTM) {
		pkg.LogInfo(pkg.ComponentUSB, "disconnected", "backend", b.Name())
	} else {
		pkg.LogInfo(pkg.ComponentUSB, "partially disconnected", "backend", b.Name(), "caps", b.Caps())
	}
	b.Unlock()

	t.closeHandle()
	b.SetDevice(nil)
	reg.Deref(b)
}
