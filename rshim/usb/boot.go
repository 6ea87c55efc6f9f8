package usb

import (
	"errors"
	"fmt"

	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/rshim"
)

// bootWrite pushes buf to the boot FIFO endpoint and returns the bytes
// accepted. A timeout is a partial push, not an error. usbfs reports no
// byte count for a timed-out bulk transfer, so a stalled push returns 0.
func (t *Transport) bootWrite(buf []byte) (int, error) {
	b := t.b
	if !b.Has(rshim.CapRShim) {
		return 0, pkg.ErrNoDevice
	}
	if b.Has(rshim.CapDropMode) {
		return len(buf), nil
	}
	h := t.currentHandle()
	if h == nil {
		return 0, pkg.ErrNoDevice
	}
	n, err := h.BulkTransfer(t.bootEP, buf, t.opts.Timeout)
	if err != nil && !errors.Is(err, pkg.ErrTimeout) {
		return 0, fmt.Errorf("%s: boot push: %w", b.Name(), err)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "boot push timed out", "backend", b.Name(), "sent", n, "len", len(buf))
	}
	return n, nil
}
