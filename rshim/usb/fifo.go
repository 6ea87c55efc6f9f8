package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
	"github.com/ardnew/rshim/rshim"
)

// Read implements [rshim.Transport]. It submits an interrupt transfer when
// the device has announced nothing, and a bulk read into buf otherwise. The
// result arrives as a FIFO input notification. Ring lock held.
func (t *Transport) Read(dt rshim.DeviceType, buf []byte) error {
	if dt != rshim.DevTypeTMFIFO {
		return fmt.Errorf("read %v: %w", dt, pkg.ErrDeviceType)
	}
	b := t.b
	if !b.Has(rshim.CapRShim|rshim.CapTM) || b.Has(rshim.CapDropMode) {
		return nil
	}
	if b.Spin()&rshim.SpinReading != 0 {
		return pkg.ErrBusy
	}

	t.mu.Lock()
	h, x, intr := t.handle, t.readXfer, t.intrBuf
	t.mu.Unlock()
	if h == nil || x == nil {
		return pkg.ErrNoDevice
	}

	if binary.LittleEndian.Uint64(intr) != 0 || b.ReadAvail() > 0 {
		x.FillBulk(t.inEP, buf, t.opts.Timeout, t.onRead)
		t.readIsIntr = false
	} else {
		x.FillInterrupt(t.intEP, intr, 0, t.onRead)
		t.readIsIntr = true
	}
	t.readRetries = 0

	b.SetSpin(rshim.SpinReading)
	if err := h.SubmitTransfer(x); err != nil {
		b.ClearSpin(rshim.SpinReading)
		pkg.LogError(pkg.ComponentFIFO, "submit read failed",
			"backend", b.Name(), "interrupt", t.readIsIntr, "error", err)
		return fmt.Errorf("%s: submit read: %w", b.Name(), err)
	}
	return nil
}

// Write implements [rshim.Transport]. TMFIFO writes are submitted
// asynchronously and report the whole buffer as accepted; completion
// arrives as a FIFO output notification. Boot writes block. Ring lock held.
func (t *Transport) Write(dt rshim.DeviceType, buf []byte) (int, error) {
	switch dt {
	case rshim.DevTypeTMFIFO:
		return t.fifoWrite(buf)
	case rshim.DevTypeBoot:
		return t.bootWrite(buf)
	default:
		return 0, fmt.Errorf("write %v: %w", dt, pkg.ErrDeviceType)
	}
}

func (t *Transport) fifoWrite(buf []byte) (int, error) {
	b := t.b
	if !b.Has(rshim.CapRShim | rshim.CapTM) {
		return 0, pkg.ErrNoDevice
	}
	if b.Has(rshim.CapDropMode) {
		return len(buf), nil
	}
	if len(buf)%8 != 0 {
		pkg.LogWarn(pkg.ComponentFIFO, "write is not a multiple of 8 bytes", "backend", b.Name(), "len", len(buf))
	}
	if b.Spin()&rshim.SpinWriting != 0 {
		return 0, pkg.ErrBusy
	}

	t.mu.Lock()
	h, x := t.handle, t.writeXfer
	t.mu.Unlock()
	if h == nil || x == nil {
		return 0, pkg.ErrNoDevice
	}

	x.FillBulk(t.outEP, buf, t.opts.Timeout, t.onWrite)
	t.writeRetries = 0

	b.SetSpin(rshim.SpinWriting)
	if err := h.SubmitTransfer(x); err != nil {
		b.ClearSpin(rshim.SpinWriting)
		pkg.LogDebug(pkg.ComponentFIFO, "submit write failed", "backend", b.Name(), "error", err)
		return 0, fmt.Errorf("%s: submit write: %w", b.Name(), err)
	}
	return len(buf), nil
}

// Cancel implements [rshim.Transport].
func (t *Transport) Cancel(dt rshim.DeviceType, isWrite bool) {
	if dt != rshim.DevTypeTMFIFO {
		pkg.LogError(pkg.ComponentFIFO, "cancel of unknown device type", "backend", t.b.Name(), "type", dt)
		return
	}
	t.mu.Lock()
	x := t.readXfer
	if isWrite {
		x = t.writeXfer
	}
	t.mu.Unlock()
	t.cancelTransfer(x)
}

func (t *Transport) cancelTransfer(x *hal.Transfer) {
	h := t.currentHandle()
	if h == nil || x == nil {
		return
	}
	if err := h.CancelTransfer(x); err != nil {
		pkg.LogDebug(pkg.ComponentFIFO, "cancel failed", "backend", t.b.Name(), "error", err)
	}
}

// onRead and onWrite run in the host-access event loop. They hand the
// result to the backend instead of touching stream state directly.
func (t *Transport) onRead(x *hal.Transfer) {
	t.b.PostCompletion(rshim.Completion{Dir: rshim.DirRead, Status: x.Status, Length: x.ActualLength})
}

func (t *Transport) onWrite(x *hal.Transfer) {
	t.b.PostCompletion(rshim.Completion{Dir: rshim.DirWrite, Status: x.Status, Length: x.ActualLength})
}

// Complete implements [rshim.Completer]. Ring lock held.
func (t *Transport) Complete(c rshim.Completion) {
	b := t.b
	read := c.Dir == rshim.DirRead

	pkg.LogDebug(pkg.ComponentFIFO, "transfer completed",
		"backend", b.Name(), "dir", c.Dir, "interrupt", read && t.readIsIntr,
		"status", c.Status, "len", c.Length)

	flag := rshim.SpinWriting
	if read {
		flag = rshim.SpinReading
	}
	b.ClearSpin(flag)

	switch c.Status {
	case pkg.TransferCompleted:
		if read {
			if !t.readIsIntr {
				t.clearIntr()
				b.SetReadAvail(c.Length)
			}
			t.env.Notify(b, rshim.EventFIFOInput, 0)
		} else {
			b.SignalWriteDone()
			t.env.Notify(b, rshim.EventFIFOOutput, 0)
		}

	case pkg.TransferNoDevice, pkg.TransferCancelled:
		// Expected while tearing down.

	case pkg.TransferTimedOut, pkg.TransferStall, pkg.TransferOverflow:
		if c.Length == 0 && t.retry(c.Dir) {
			return
		}
		t.fifoError(c.Dir, c.Status.Code())

	default:
		t.fifoError(c.Dir, c.Status.Code())
	}
}

// retry resubmits the transfer of dir if its retry budget allows. It reports
// whether the failure was absorbed.
func (t *Transport) retry(dir rshim.Direction) bool {
	counter, limit, flag := &t.readRetries, t.opts.ReadRetries, rshim.SpinReading
	if dir == rshim.DirWrite {
		counter, limit, flag = &t.writeRetries, t.opts.WriteRetries, rshim.SpinWriting
	}
	if *counter >= limit {
		return false
	}
	*counter++
	metrics.TransferRetries.WithLabelValues(dir.String()).Inc()

	t.mu.Lock()
	h, x := t.handle, t.readXfer
	if dir == rshim.DirWrite {
		x = t.writeXfer
	}
	t.mu.Unlock()
	if h == nil || x == nil {
		// Disconnected meanwhile.
		return true
	}

	if err := h.SubmitTransfer(x); err != nil {
		pkg.LogDebug(pkg.ComponentFIFO, "resubmit failed", "backend", t.b.Name(), "dir", dir, "error", err)
		t.fifoError(dir, pkg.Code(err))
		return true
	}
	t.b.SetSpin(flag)
	return true
}

func (t *Transport) fifoError(dir rshim.Direction, code int) {
	metrics.FIFOErrors.WithLabelValues(dir.String()).Inc()
	pkg.LogDebug(pkg.ComponentFIFO, "transfer failed", "backend", t.b.Name(), "dir", dir, "code", code)
	t.env.Notify(t.b, rshim.EventFIFOErr, code)
}

func (t *Transport) clearIntr() {
	t.mu.Lock()
	clear(t.intrBuf)
	t.mu.Unlock()
}
