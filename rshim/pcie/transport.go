package pcie

import (
	"fmt"
	"sync"

	"github.com/ardnew/rshim/host/pci"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
	"github.com/ardnew/rshim/rshim"
)

// DriverName identifies backends created by this transport.
const DriverName = "rshim_pcie_lf"

// maxPostedWrites is the number of consecutive register writes allowed
// before posted writes are drained.
const maxPostedWrites = 7

// Transport is the PCIe [rshim.Transport].
type Transport struct {
	b *rshim.Backend

	mu         sync.Mutex // serializes gateway sequences
	gw         gateway
	writeCount int
}

// NewTransport binds dev to b.
func NewTransport(b *rshim.Backend, dev pci.Device, opts Options) *Transport {
	return &Transport{
		b:  b,
		gw: gateway{dev: dev, opts: opts.withDefaults()},
	}
}

// Device returns the PCI function in use.
func (t *Transport) Device() pci.Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gw.dev
}

// rebind points the transport at a newly enumerated handle for the same
// function and closes the handle it replaces.
func (t *Transport) rebind(dev pci.Device, opts Options) {
	t.mu.Lock()
	old := t.gw.dev
	t.gw = gateway{dev: dev, opts: opts.withDefaults()}
	t.writeCount = 0
	t.mu.Unlock()

	if old == nil || old == dev {
		return
	}
	if err := old.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentPCIe, "close replaced device failed", "backend", t.b.Name(), "error", err)
	}
}

// ReadRegister implements [rshim.Transport].
func (t *Transport) ReadRegister(channel, addr int) (uint64, error) {
	if !t.b.Has(rshim.CapRShim) {
		return 0, pkg.ErrNoDevice
	}

	t.mu.Lock()
	v, err := t.read(channel, addr)
	t.mu.Unlock()

	metrics.RegisterOps.WithLabelValues(metrics.TransportPCIe, metrics.OpRead, metrics.Result(err)).Inc()
	return v, err
}

func (t *Transport) read(channel, addr int) (uint64, error) {
	t.writeCount = 0
	v, err := t.gw.widgetRead(be32toh(busAddr(channel, addr)))
	if err != nil {
		return 0, fmt.Errorf("%s: read %d:0x%x: %w", t.b.Name(), channel, addr, err)
	}
	return v, nil
}

// WriteRegister implements [rshim.Transport].
func (t *Transport) WriteRegister(channel, addr int, value uint64) error {
	if !t.b.Has(rshim.CapRShim) {
		return pkg.ErrNoDevice
	}

	t.mu.Lock()
	err := t.write(channel, addr, value)
	t.mu.Unlock()

	metrics.RegisterOps.WithLabelValues(metrics.TransportPCIe, metrics.OpWrite, metrics.Result(err)).Inc()
	return err
}

func (t *Transport) write(channel, addr int, value uint64) error {
	boot := addr == RegBootFIFOData
	dst := busAddr(channel, addr)
	if !boot {
		dst = be32toh(dst)
	}
	value = be64toh(value)

	if t.writeCount == maxPostedWrites {
		// A read from the BAR forces earlier writes out of the fabric.
		metrics.WriteDrains.Inc()
		if _, err := t.read(channel, RegScratchpad); err != nil {
			return fmt.Errorf("drain posted writes: %w", err)
		}
	}
	t.writeCount++

	var err error
	if boot {
		err = t.gw.bootWrite(dst, value)
	} else {
		err = t.gw.widgetWrite(dst, value)
	}
	if err != nil {
		return fmt.Errorf("%s: write %d:0x%x: %w", t.b.Name(), channel, addr, err)
	}
	return nil
}

// Read implements [rshim.Transport]. The PCIe link has no stream path.
func (t *Transport) Read(rshim.DeviceType, []byte) error {
	return pkg.ErrNotSupported
}

// Write implements [rshim.Transport]. The PCIe link has no stream path.
func (t *Transport) Write(rshim.DeviceType, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// Cancel implements [rshim.Transport].
func (t *Transport) Cancel(rshim.DeviceType, bool) {}

// Destroy implements [rshim.Transport]. It releases the config space handle.
func (t *Transport) Destroy() {
	if err := t.Device().Close(); err != nil {
		pkg.LogWarn(pkg.ComponentPCIe, "close config space failed", "backend", t.b.Name(), "error", err)
	}
	pkg.LogDebug(pkg.ComponentPCIe, "transport destroyed", "backend", t.b.Name())
}

var _ rshim.Transport = (*Transport)(nil)
