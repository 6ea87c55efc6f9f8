package pcie

import (
	"encoding/binary"
	"fmt"
)

// RShim bus address space.
const (
	rshBase      = 0x80000000
	channel1Base = 0x80010000
)

// Byte-access widget registers, relative to channel 1.
const (
	widgetCtl  = 0x490
	widgetWdat = 0x498
	widgetRdat = 0x4a0
	widgetAddr = 0x4a8

	widgetSize        = 0x10000000
	widgetPending     = 0x20000000
	widgetReadTrigger = 0x50000000
)

// RShim registers with special handling.
const (
	// RegScratchpad is read to drain posted writes.
	RegScratchpad = 0x20
	// RegBootFIFOData couples two 32-bit writes into one 8-byte boot push.
	RegBootFIFOData = 0x408
)

// pendingWait polls the widget control register until PENDING clears.
func (g *gateway) pendingWait() error {
	spin := g.opts.spinner()
	for {
		v, err := g.read32(channel1Base + widgetCtl)
		if err != nil {
			return err
		}
		if v&widgetPending == 0 {
			return nil
		}
		if err := spin.wait(); err != nil {
			return fmt.Errorf("widget pending: %w", err)
		}
	}
}

// widgetRead reads the 64-bit RShim register at addr. The upper half is
// transferred first.
func (g *gateway) widgetRead(addr uint32) (uint64, error) {
	if err := g.pendingWait(); err != nil {
		return 0, err
	}
	if err := g.write32(channel1Base+widgetCtl, widgetSize); err != nil {
		return 0, err
	}
	if err := g.write32(channel1Base+widgetAddr, addr); err != nil {
		return 0, err
	}
	if err := g.write32(channel1Base+widgetCtl, widgetReadTrigger); err != nil {
		return 0, err
	}

	if err := g.pendingWait(); err != nil {
		return 0, err
	}
	hi, err := g.read32(channel1Base + widgetRdat)
	if err != nil {
		return 0, err
	}
	if err := g.pendingWait(); err != nil {
		return 0, err
	}
	lo, err := g.read32(channel1Base + widgetRdat)
	if err != nil {
		return 0, err
	}
	return be64toh(uint64(hi)<<32 | uint64(lo)), nil
}

// widgetWrite writes v, already in bus order, to the 64-bit RShim register
// at addr. The upper half is transferred first.
func (g *gateway) widgetWrite(addr uint32, v uint64) error {
	if err := g.pendingWait(); err != nil {
		return err
	}
	if err := g.write32(channel1Base+widgetCtl, widgetSize); err != nil {
		return err
	}
	if err := g.write32(channel1Base+widgetAddr, addr); err != nil {
		return err
	}
	if err := g.write32(channel1Base+widgetCtl, widgetSize); err != nil {
		return err
	}
	if err := g.write32(channel1Base+widgetWdat, uint32(v>>32)); err != nil {
		return err
	}
	if err := g.pendingWait(); err != nil {
		return err
	}
	return g.write32(channel1Base+widgetWdat, uint32(v))
}

// bootWrite pushes v to the boot FIFO holding register as two raw gateway
// writes, upper half first.
func (g *gateway) bootWrite(addr uint32, v uint64) error {
	if err := g.write32(addr, uint32(v>>32)); err != nil {
		return err
	}
	return g.write32(addr, uint32(v))
}

// busAddr forms the RShim bus address of a channel register.
func busAddr(channel, addr int) uint32 {
	return rshBase + uint32(addr|channel<<16)
}

func be32toh(v uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}

func be64toh(v uint64) uint64 {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], v)
	return binary.BigEndian.Uint64(b[:])
}
