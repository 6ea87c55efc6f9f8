package pcie

import (
	"fmt"

	"github.com/ardnew/rshim/host/pci"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
	"github.com/ardnew/rshim/rshim"
)

// BlueField PCIe identity.
const (
	VendorID = 0x15b3
	DeviceID = 0x0211
)

// Match selects BlueField RShim functions.
func Match(id pci.ID) bool {
	return id.Vendor == VendorID && id.Device == DeviceID
}

// Name returns the stable backend name of the function at addr.
func Name(addr pci.Address) string {
	return fmt.Sprintf("pcie-%d-%d-%d-%d", addr.Domain, addr.Bus, addr.Device, addr.Function)
}

// Probe attaches a backend to every BlueField function on bus. A function
// that fails to attach is logged and skipped; the error reports enumeration
// failure only.
func Probe(env *rshim.Env, bus pci.Bus, opts Options) ([]*rshim.Backend, error) {
	devs, err := bus.Devices(Match)
	if err != nil {
		return nil, fmt.Errorf("enumerate pci: %w", err)
	}

	var attached []*rshim.Backend
	for _, dev := range devs {
		b, err := ProbeOne(env, dev, opts)
		metrics.Probes.WithLabelValues(metrics.TransportPCIe, metrics.Result(err)).Inc()
		if err != nil {
			pkg.LogError(pkg.ComponentProbe, "pcie probe failed", "addr", dev.Address(), "error", err)
			continue
		}
		attached = append(attached, b)
	}
	return attached, nil
}

// ProbeOne attaches dev, re-binding the backend of the same name if one
// exists.
func ProbeOne(env *rshim.Env, dev pci.Device, opts Options) (*rshim.Backend, error) {
	name := Name(dev.Address())
	id := dev.ID()
	desc := id.String()
	if opts.Names != nil {
		desc = opts.Names.Describe(id.Vendor, id.Device)
	}
	pkg.LogInfo(pkg.ComponentProbe, "probing", "backend", name, "addr", dev.Address(), "id", desc)

	reg := env.Registry
	reg.Lock()
	b := reg.FindByName(name)
	if b == nil {
		b = rshim.NewBackend(name, DriverName, rshim.CapRShim|rshim.CapTM)
	}
	b.EnsureBuffers()
	reg.Unlock()

	if t, ok := b.Transport().(*Transport); ok {
		t.rebind(dev, opts)
	} else {
		b.SetTransport(NewTransport(b, dev, opts))
	}
	b.SetDevice(dev.Address())

	reg.Lock()
	if !b.Registered() {
		if err := reg.Register(b); err != nil {
			reg.Unlock()
			return nil, err
		}
	}
	reg.Unlock()

	b.Lock()
	env.Notify(b, rshim.EventAttach, 0)
	b.Unlock()
	return b, nil
}
