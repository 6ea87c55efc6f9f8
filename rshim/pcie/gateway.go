package pcie

import (
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/ardnew/rshim/host/pci"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
)

// Vendor capability registers in PCI configuration space.
const (
	capAddr    = 0x58
	capData    = 0x5c
	capReadBit = 0x1
)

// TRIO CR gateway registers, addressed through the capability pair.
const (
	gwLockReg   = 0xe38a0
	gwDataLower = 0xe38b0
	gwCtl       = 0xe38b4
	gwAddrLower = 0xe38bc

	gwLockAcquired = 0x80000000
	gwLockRelease  = 0x0
	gwTrigger      = 0xe0000000
	gwRead4Byte    = 0x6
	gwWrite4Byte   = 0x2
)

// Options tunes the spin-waits on the gateway lock and the widget PENDING
// bit.
type Options struct {
	SpinMin time.Duration
	SpinMax time.Duration
	// SpinLimit bounds the number of busy polls per wait; 0 waits
	// indefinitely.
	SpinLimit int
	// Sleep pauses between polls. Defaults to time.Sleep.
	Sleep func(time.Duration)
	// Names annotates probe logs with vendor and product names.
	Names Describer
}

// Describer resolves a vendor/device pair to a human-readable name.
type Describer interface {
	Describe(vendor, device uint16) string
}

// DefaultOptions returns unbounded spin-waits backing off from 1µs to 1ms.
func DefaultOptions() Options {
	return Options{
		SpinMin: time.Microsecond,
		SpinMax: time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SpinMin <= 0 {
		o.SpinMin = d.SpinMin
	}
	if o.SpinMax < o.SpinMin {
		o.SpinMax = o.SpinMin
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}
	return o
}

// spinner paces one busy-wait.
type spinner struct {
	b     backoff.Backoff
	limit int
	n     int
	sleep func(time.Duration)
}

func (o Options) spinner() *spinner {
	return &spinner{
		b:     backoff.Backoff{Min: o.SpinMin, Max: o.SpinMax, Factor: 2},
		limit: o.SpinLimit,
		sleep: o.Sleep,
	}
}

// wait records one busy poll and pauses before the next.
func (s *spinner) wait() error {
	metrics.GatewaySpins.Inc()
	s.n++
	if s.limit > 0 && s.n >= s.limit {
		return pkg.ErrTimeout
	}
	s.sleep(s.b.Duration())
	return nil
}

// gateway drives the CR gateway of one PCI function. Callers serialize
// access.
type gateway struct {
	dev  pci.Device
	opts Options
}

func (g *gateway) capRead(off uint32) (uint32, error) {
	if err := g.dev.WriteConfig32(capAddr, off|capReadBit); err != nil {
		return 0, fmt.Errorf("cap read 0x%x: %w: %w", off, pkg.ErrIO, err)
	}
	v, err := g.dev.ReadConfig32(capData)
	if err != nil {
		return 0, fmt.Errorf("cap read 0x%x: %w: %w", off, pkg.ErrIO, err)
	}
	return v, nil
}

func (g *gateway) capWrite(off, v uint32) error {
	if err := g.dev.WriteConfig32(capData, v); err != nil {
		return fmt.Errorf("cap write 0x%x: %w: %w", off, pkg.ErrIO, err)
	}
	if err := g.dev.WriteConfig32(capAddr, off); err != nil {
		return fmt.Errorf("cap write 0x%x: %w: %w", off, pkg.ErrIO, err)
	}
	return nil
}

// noCopy makes go vet flag copies of the lock token.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// gwLock is proof that the gateway lock is held. It is released exactly
// once.
type gwLock struct {
	_        noCopy
	g        *gateway
	released bool
}

// acquire spins until the gateway lock is free and takes it.
func (g *gateway) acquire() (*gwLock, error) {
	spin := g.opts.spinner()
	for {
		v, err := g.capRead(gwLockReg)
		if err != nil {
			return nil, err
		}
		if v&gwLockAcquired == 0 {
			break
		}
		if err := spin.wait(); err != nil {
			return nil, fmt.Errorf("gateway lock: %w", err)
		}
	}
	if err := g.capWrite(gwLockReg, gwLockAcquired); err != nil {
		return nil, err
	}
	return &gwLock{g: g}, nil
}

func (l *gwLock) release() error {
	if l.released {
		return pkg.ErrAlreadyReleased
	}
	l.released = true
	return l.g.capWrite(gwLockReg, gwLockRelease)
}

// locked runs fn with the gateway lock held and always releases it. The
// first error wins.
func (g *gateway) locked(fn func() error) error {
	l, err := g.acquire()
	if err != nil {
		return err
	}
	err = fn()
	if rerr := l.release(); err == nil {
		err = rerr
	}
	return err
}

// read32 reads a 32-bit CR-space word through the gateway.
func (g *gateway) read32(addr uint32) (uint32, error) {
	var v uint32
	err := g.locked(func() error {
		if err := g.capWrite(gwAddrLower, addr); err != nil {
			return err
		}
		if err := g.capWrite(gwCtl, gwRead4Byte); err != nil {
			return err
		}
		if err := g.capWrite(gwLockReg, gwTrigger); err != nil {
			return err
		}
		var err error
		v, err = g.capRead(gwDataLower)
		return err
	})
	return v, err
}

// write32 writes a 32-bit CR-space word through the gateway.
func (g *gateway) write32(addr, v uint32) error {
	return g.locked(func() error {
		if err := g.capWrite(gwDataLower, v); err != nil {
			return err
		}
		if err := g.capWrite(gwAddrLower, addr); err != nil {
			return err
		}
		if err := g.capWrite(gwCtl, gwWrite4Byte); err != nil {
			return err
		}
		return g.capWrite(gwLockReg, gwTrigger)
	})
}
