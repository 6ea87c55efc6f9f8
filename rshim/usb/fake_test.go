package usb

import (
	"sync"
	"time"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/rshim"
)

// Endpoint addresses of the fake BlueField function.
const (
	epBoot = 0x01
	epIn   = 0x82
	epOut  = 0x03
	epIntr = 0x84
)

func bf2Config() *hal.ConfigDescriptor {
	return &hal.ConfigDescriptor{
		Value: 1,
		Interfaces: []hal.Interface{
			{AltSettings: []hal.InterfaceDescriptor{{
				Number:   0,
				Class:    0xff,
				SubClass: subclassRShim,
				Endpoints: []hal.EndpointDescriptor{
					{Address: epBoot, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
				},
			}}},
			{AltSettings: []hal.InterfaceDescriptor{{
				Number:   1,
				Class:    0xff,
				SubClass: subclassTM,
				// Listed out of order on purpose.
				Endpoints: []hal.EndpointDescriptor{
					{Address: epIntr, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: 8, Interval: 4},
					{Address: epOut, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
					{Address: epIn, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
				},
			}}},
		},
	}
}

func bf2Device(bus, addr uint8, ports ...uint8) *hal.Device {
	return &hal.Device{
		Bus:     bus,
		Address: addr,
		Ports:   ports,
		Speed:   hal.SpeedHigh,
		Descriptor: hal.DeviceDescriptor{
			VendorID:      VendorID,
			ProductID:     ProductBF2,
			DeviceVersion: 0x0100,
		},
	}
}

type controlCall struct {
	setup hal.SetupPacket
	data  []byte
}

// fakeHandle records what the transport does with an opened device.
// Asynchronous transfers stay in flight until the test completes them.
type fakeHandle struct {
	mu sync.Mutex

	claimErr  map[uint8]error
	kernel    map[uint8]bool
	claimed   []uint8
	control   func(setup hal.SetupPacket, data []byte) (int, error)
	controls  []controlCall
	bulk      func(ep uint8, data []byte) (int, error)
	submitErr []error // consumed one per submission
	submitted []*hal.Transfer
	inflight  map[*hal.Transfer]bool
	maxFlight int
	cancelled []*hal.Transfer
	closed    int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		claimErr: make(map[uint8]error),
		kernel:   make(map[uint8]bool),
		inflight: make(map[*hal.Transfer]bool),
	}
}

func (h *fakeHandle) ClaimInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.claimErr[iface]; err != nil {
		return err
	}
	h.claimed = append(h.claimed, iface)
	return nil
}

func (h *fakeHandle) KernelDriverActive(iface uint8) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.kernel[iface], nil
}

func (h *fakeHandle) ControlTransfer(setup hal.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	h.controls = append(h.controls, controlCall{setup, append([]byte(nil), data...)})
	fn := h.control
	h.mu.Unlock()
	if fn == nil {
		return len(data), nil
	}
	return fn(setup, data)
}

func (h *fakeHandle) BulkTransfer(ep uint8, data []byte, timeout time.Duration) (int, error) {
	if h.bulk == nil {
		return len(data), nil
	}
	return h.bulk(ep, data)
}

func (h *fakeHandle) SubmitTransfer(t *hal.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed > 0 {
		return pkg.ErrNoDevice
	}
	if len(h.submitErr) > 0 {
		err := h.submitErr[0]
		h.submitErr = h.submitErr[1:]
		if err != nil {
			return err
		}
	}
	if h.inflight[t] {
		return pkg.ErrBusy
	}
	h.inflight[t] = true
	h.maxFlight = max(h.maxFlight, len(h.inflight))
	h.submitted = append(h.submitted, t)
	return nil
}

func (h *fakeHandle) CancelTransfer(t *hal.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, t)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	if h.closed > 0 {
		h.mu.Unlock()
		return nil
	}
	h.closed++
	var pending []*hal.Transfer
	for t := range h.inflight {
		pending = append(pending, t)
	}
	h.inflight = make(map[*hal.Transfer]bool)
	h.mu.Unlock()

	for _, t := range pending {
		t.Complete(pkg.TransferNoDevice, 0)
	}
	return nil
}

// finish completes the in-flight transfer t as the event loop would.
// Data, if any, is copied into the transfer buffer first.
func (h *fakeHandle) finish(t *hal.Transfer, status pkg.TransferStatus, data []byte) {
	h.mu.Lock()
	if !h.inflight[t] {
		h.mu.Unlock()
		panic("finish of a transfer that is not in flight")
	}
	delete(h.inflight, t)
	h.mu.Unlock()

	n := copy(t.Buffer, data)
	t.Complete(status, n)
}

func (h *fakeHandle) last() *hal.Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.submitted) == 0 {
		return nil
	}
	return h.submitted[len(h.submitted)-1]
}

func (h *fakeHandle) submissions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.submitted)
}

type hotplugSub struct {
	vendor, product uint16
	fn              hal.HotplugFunc
}

// fakeContext is an in-memory host-access session.
type fakeContext struct {
	devices    []*hal.Device
	configs    map[hal.DeviceKey]*hal.ConfigDescriptor
	handles    map[hal.DeviceKey]*fakeHandle
	prepare    func(*fakeHandle)
	openErr    error
	hotplugErr error
	subs       []hotplugSub
	queued     []func()
	handled    int
}

func newFakeContext(devs ...*hal.Device) *fakeContext {
	c := &fakeContext{
		devices: devs,
		configs: make(map[hal.DeviceKey]*hal.ConfigDescriptor),
		handles: make(map[hal.DeviceKey]*fakeHandle),
	}
	for _, d := range devs {
		c.configs[d.Key()] = bf2Config()
	}
	return c
}

func (c *fakeContext) Devices() ([]*hal.Device, error) { return c.devices, nil }

func (c *fakeContext) ActiveConfig(dev *hal.Device) (*hal.ConfigDescriptor, error) {
	cfg, ok := c.configs[dev.Key()]
	if !ok {
		return nil, pkg.ErrNoDevice
	}
	return cfg, nil
}

func (c *fakeContext) Open(dev *hal.Device) (hal.Handle, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := newFakeHandle()
	if c.prepare != nil {
		c.prepare(h)
	}
	c.handles[dev.Key()] = h
	return h, nil
}

func (c *fakeContext) RegisterHotplug(vendor, product uint16, fn hal.HotplugFunc) error {
	if c.hotplugErr != nil {
		return c.hotplugErr
	}
	c.subs = append(c.subs, hotplugSub{vendor, product, fn})
	for _, d := range c.devices {
		d := d
		if d.Descriptor.VendorID == vendor && d.Descriptor.ProductID == product {
			c.queued = append(c.queued, func() { fn(d, hal.HotplugArrived) })
		}
	}
	return nil
}

// emit queues a hotplug event for the next HandleEvents.
func (c *fakeContext) emit(dev *hal.Device, ev hal.HotplugEvent) {
	for _, s := range c.subs {
		if s.vendor == dev.Descriptor.VendorID && s.product == dev.Descriptor.ProductID {
			fn := s.fn
			c.queued = append(c.queued, func() { fn(dev, ev) })
		}
	}
}

func (c *fakeContext) HandleEvents(time.Duration) error {
	c.handled++
	queued := c.queued
	c.queued = nil
	for _, fn := range queued {
		fn()
	}
	return nil
}

func (c *fakeContext) Close() error { return nil }

type event struct {
	ev   rshim.Event
	code int
}

// recorder collects notifications per backend.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Notify(b *rshim.Backend, ev rshim.Event, code int) error {
	r.mu.Lock()
	r.events = append(r.events, event{ev, code})
	r.mu.Unlock()
	return nil
}

func (r *recorder) take() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func newTestEnv() (*rshim.Env, *rshim.MemRegistry, *recorder) {
	reg := rshim.NewRegistry()
	rec := &recorder{}
	return &rshim.Env{Registry: reg, Notifier: rec}, reg, rec
}
