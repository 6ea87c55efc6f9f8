//go:build linux

package linux

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
)

// inflight tracks a submitted URB until it is reaped.
type inflight struct {
	t        *hal.Transfer
	u        *urb
	pin      runtime.Pinner // keeps urb and buffer in place while the kernel owns them
	deadline time.Time      // zero when the transfer has no timeout
	timedOut bool
}

// completion is a reaped transfer waiting for its callback.
type completion struct {
	t      *hal.Transfer
	status pkg.TransferStatus
	actual int
}

func (c completion) deliver() {
	c.t.Complete(c.status, c.actual)
}

// handle is an opened usbfs device node.
type handle struct {
	ctx *Context
	dev *hal.Device
	fd  int

	mu         sync.Mutex
	claimed    []uint8
	urbs       map[uintptr]*inflight // by URB address
	byTransfer map[*hal.Transfer]*inflight
	gone       bool // device disconnected; no further submissions
	closed     bool
}

func newHandle(ctx *Context, dev *hal.Device, fd int) *handle {
	return &handle{
		ctx:        ctx,
		dev:        dev,
		fd:         fd,
		urbs:       make(map[uintptr]*inflight),
		byTransfer: make(map[*hal.Transfer]*inflight),
	}
}

// ClaimInterface claims exclusive access to an interface.
func (h *handle) ClaimInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return pkg.ErrNotRunning
	}
	if err := claimInterface(h.fd, iface); err != nil {
		return wrapErrno(fmt.Sprintf("claim interface %d", iface), err)
	}
	h.claimed = append(h.claimed, iface)
	return nil
}

// KernelDriverActive reports whether a kernel driver other than usbfs is
// bound to iface.
func (h *handle) KernelDriverActive(iface uint8) (bool, error) {
	driver, err := boundDriver(h.fd, iface)
	if err != nil {
		return false, wrapErrno(fmt.Sprintf("get driver %d", iface), err)
	}
	return driver != "" && driver != "usbfs", nil
}

// ControlTransfer performs a synchronous control transfer.
func (h *handle) ControlTransfer(setup hal.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	n, err := doControlTransfer(h.fd, setup.RequestType, setup.Request,
		setup.Value, setup.Index, data, timeoutMillis(timeout))
	if err != nil {
		return 0, wrapErrno("control transfer", err)
	}
	return n, nil
}

// BulkTransfer performs a synchronous bulk transfer.
func (h *handle) BulkTransfer(ep uint8, data []byte, timeout time.Duration) (int, error) {
	n, err := doBulkTransfer(h.fd, ep, data, timeoutMillis(timeout))
	if err != nil {
		return 0, wrapErrno(fmt.Sprintf("bulk transfer ep 0x%02x", ep), err)
	}
	return n, nil
}

// SubmitTransfer submits t as an asynchronous URB.
func (h *handle) SubmitTransfer(t *hal.Transfer) error {
	var typ uint8
	switch t.Type {
	case hal.TransferBulk:
		typ = URBTypeBulk
	case hal.TransferInterrupt:
		typ = URBTypeInterrupt
	default:
		return fmt.Errorf("%s transfer: %w", t.Type, pkg.ErrNotSupported)
	}

	h.mu.Lock()
	if h.closed || h.gone {
		h.mu.Unlock()
		return pkg.ErrNoDevice
	}
	if _, busy := h.byTransfer[t]; busy {
		h.mu.Unlock()
		return pkg.ErrBusy
	}

	f := &inflight{t: t, u: &urb{typ: typ, endpoint: t.Endpoint}}
	f.pin.Pin(f.u)
	if len(t.Buffer) > 0 {
		f.pin.Pin(&t.Buffer[0])
		f.u.buffer = uintptr(unsafe.Pointer(&t.Buffer[0]))
		f.u.bufferLength = int32(len(t.Buffer))
	}

	if err := submitURB(h.fd, f.u); err != nil {
		f.pin.Unpin()
		if err == unix.ENODEV {
			h.gone = true
		}
		h.mu.Unlock()
		return wrapErrno("submit urb", err)
	}

	key := uintptr(unsafe.Pointer(f.u))
	h.urbs[key] = f
	h.byTransfer[t] = f
	if t.Timeout > 0 {
		f.deadline = time.Now().Add(t.Timeout)
	}
	h.mu.Unlock()

	if t.Timeout > 0 {
		// A blocked event loop must recompute its wait.
		h.ctx.poller.wake()
	}
	return nil
}

// CancelTransfer discards t if it is still in flight.
func (h *handle) CancelTransfer(t *hal.Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, ok := h.byTransfer[t]
	if !ok {
		return nil
	}
	if err := discardURB(h.fd, f.u); err != nil && err != unix.EINVAL {
		return wrapErrno("discard urb", err)
	}
	return nil
}

// take removes the inflight entry for the URB at key.
func (h *handle) take(key uintptr) (*inflight, bool) {
	f, ok := h.urbs[key]
	if !ok {
		return nil, false
	}
	delete(h.urbs, key)
	delete(h.byTransfer, f.t)
	f.pin.Unpin()
	return f, true
}

func (f *inflight) completion() completion {
	return completion{
		t:      f.t,
		status: urbStatus(f.u.status, f.timedOut),
		actual: int(f.u.actualLength),
	}
}

// abandonAll completes every remaining transfer as lost with the device.
func (h *handle) abandonAll() []completion {
	var out []completion
	for key := range h.urbs {
		f, _ := h.take(key)
		out = append(out, completion{t: f.t, status: pkg.TransferNoDevice})
	}
	return out
}

// reap collects every URB the kernel has finished without blocking.
func (h *handle) reap() []completion {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []completion
	for {
		key, err := reapURBNDelay(h.fd)
		switch err {
		case nil:
			if f, ok := h.take(key); ok {
				out = append(out, f.completion())
			}
			continue
		case unix.EAGAIN, unix.EINTR:
			return out
		case unix.ENODEV:
			if !h.gone {
				pkg.LogDebug(pkg.ComponentHAL, "device gone",
					"device", h.dev.Key(), "pending", len(h.urbs))
			}
			h.gone = true
			h.ctx.poller.delFD(h.fd)
			return append(out, h.abandonAll()...)
		default:
			pkg.LogWarn(pkg.ComponentHAL, "reap failed", "device", h.dev.Key(), "error", err)
			return out
		}
	}
}

// expire discards transfers whose deadline has passed and returns the
// earliest deadline still pending.
func (h *handle) expire(now time.Time) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	var next time.Time
	for _, f := range h.urbs {
		if f.deadline.IsZero() || f.timedOut {
			continue
		}
		if !now.Before(f.deadline) {
			f.timedOut = true
			if err := discardURB(h.fd, f.u); err != nil && err != unix.EINVAL {
				pkg.LogDebug(pkg.ComponentHAL, "discard on timeout failed", "error", err)
			}
			continue
		}
		if next.IsZero() || f.deadline.Before(next) {
			next = f.deadline
		}
	}
	return next
}

// onReady is the poller callback for the usbfs descriptor.
func (h *handle) onReady(uint32) {
	h.ctx.enqueue(h.reap()...)
}

// Close discards outstanding transfers, delivers their callbacks, releases
// claimed interfaces and closes the node.
func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true

	for _, f := range h.urbs {
		discardURB(h.fd, f.u)
	}

	var done []completion
	for len(h.urbs) > 0 {
		key, err := reapURB(h.fd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			done = append(done, h.abandonAll()...)
			break
		}
		if f, ok := h.take(key); ok {
			done = append(done, f.completion())
		}
	}

	for _, iface := range h.claimed {
		releaseInterface(h.fd, iface)
	}
	h.claimed = nil
	h.mu.Unlock()

	h.ctx.forget(h)
	for _, c := range done {
		c.deliver()
	}
	return unix.Close(h.fd)
}

var _ hal.Handle = (*handle)(nil)
