package pcie

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/rshim/host/pci"
)

var errInjected = errors.New("injected config space failure")

// fakeFunction models a BlueField function's configuration space: the
// vendor capability pair, the CR gateway behind it, and the byte-access
// widget and boot FIFO behind the gateway.
type fakeFunction struct {
	addr pci.Address
	id   pci.ID

	mu sync.Mutex

	capAddrReg uint32
	capDataReg uint32

	// CR gateway
	lockHeld  bool
	lockBusy  int // reads of the lock register reporting it held
	dataLower uint32
	addrLower uint32
	ctl       uint32

	// byte-access widget
	pendingBusy int // reads of the widget control register reporting PENDING
	wAddr       uint32
	wdat        []uint32
	rdat        []uint32
	mem         map[uint32]uint64

	// failCapWrite fails the capability write targeting this CR offset.
	failCapWrite uint32
	failArmed    bool

	acquires int
	releases int
	gw       []string // raw 32-bit gateway accesses
	bus      []string // RShim bus accesses seen by the widget or boot FIFO
	cfgOps   int
	closed   int
}

func newFakeFunction(addr pci.Address) *fakeFunction {
	return &fakeFunction{
		addr: addr,
		id:   pci.ID{Vendor: VendorID, Device: DeviceID},
		mem:  make(map[uint32]uint64),
	}
}

func (f *fakeFunction) Address() pci.Address { return f.addr }

func (f *fakeFunction) ID() pci.ID { return f.id }

func (f *fakeFunction) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeFunction) ReadConfig32(offset int) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgOps++
	if offset != capData {
		return 0, fmt.Errorf("read of unexpected config offset 0x%x", offset)
	}
	return f.capDataReg, nil
}

func (f *fakeFunction) WriteConfig32(offset int, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfgOps++
	switch offset {
	case capData:
		f.capDataReg = value
	case capAddr:
		if value&capReadBit != 0 {
			f.capDataReg = f.crRead(value &^ capReadBit)
			return nil
		}
		if f.failArmed && value == f.failCapWrite {
			f.failArmed = false
			return errInjected
		}
		f.crWrite(value, f.capDataReg)
	default:
		return fmt.Errorf("write of unexpected config offset 0x%x", offset)
	}
	return nil
}

func (f *fakeFunction) crRead(off uint32) uint32 {
	switch off {
	case gwLockReg:
		if f.lockBusy > 0 {
			f.lockBusy--
			return gwLockAcquired
		}
		if f.lockHeld {
			return gwLockAcquired
		}
		return 0
	case gwDataLower:
		return f.dataLower
	}
	return 0
}

func (f *fakeFunction) crWrite(off, v uint32) {
	switch off {
	case gwLockReg:
		switch v {
		case gwLockAcquired:
			f.lockHeld = true
			f.acquires++
		case gwLockRelease:
			f.lockHeld = false
			f.releases++
		case gwTrigger:
			f.trigger()
		}
	case gwDataLower:
		f.dataLower = v
	case gwAddrLower:
		f.addrLower = v
	case gwCtl:
		f.ctl = v
	}
}

func (f *fakeFunction) trigger() {
	switch f.ctl {
	case gwRead4Byte:
		f.gw = append(f.gw, fmt.Sprintf("R %#x", f.addrLower))
		f.dataLower = f.rshRead32(f.addrLower)
	case gwWrite4Byte:
		f.gw = append(f.gw, fmt.Sprintf("W %#x=%#x", f.addrLower, f.dataLower))
		f.rshWrite32(f.addrLower, f.dataLower)
	}
}

func (f *fakeFunction) rshRead32(addr uint32) uint32 {
	switch addr {
	case channel1Base + widgetCtl:
		if f.pendingBusy > 0 {
			f.pendingBusy--
			return widgetPending
		}
		return 0
	case channel1Base + widgetRdat:
		if len(f.rdat) == 0 {
			return 0xdeadbeef
		}
		v := f.rdat[0]
		f.rdat = f.rdat[1:]
		return v
	}
	return 0
}

func (f *fakeFunction) rshWrite32(addr, v uint32) {
	switch addr {
	case channel1Base + widgetCtl:
		if v == widgetReadTrigger {
			word := f.mem[f.wAddr]
			f.rdat = []uint32{uint32(word >> 32), uint32(word)}
			f.bus = append(f.bus, fmt.Sprintf("read %#x", f.wAddr))
		}
		f.wdat = nil
	case channel1Base + widgetAddr:
		f.wAddr = v
	case channel1Base + widgetWdat:
		f.wdat = append(f.wdat, v)
		if len(f.wdat) == 2 {
			f.mem[f.wAddr] = uint64(f.wdat[0])<<32 | uint64(f.wdat[1])
			f.bus = append(f.bus, fmt.Sprintf("write %#x", f.wAddr))
			f.wdat = nil
		}
	default:
		f.bus = append(f.bus, fmt.Sprintf("raw %#x=%#x", addr, v))
	}
}

func (f *fakeFunction) failNext(crOff uint32) {
	f.mu.Lock()
	f.failCapWrite, f.failArmed = crOff, true
	f.mu.Unlock()
}

func (f *fakeFunction) reset() {
	f.mu.Lock()
	f.gw, f.bus, f.cfgOps = nil, nil, 0
	f.mu.Unlock()
}

// fakeBus enumerates a fixed set of functions.
type fakeBus struct {
	devs []pci.Device
	err  error
}

func (b *fakeBus) Devices(match func(pci.ID) bool) ([]pci.Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	var out []pci.Device
	for _, d := range b.devs {
		if match == nil || match(d.ID()) {
			out = append(out, d)
		}
	}
	return out, nil
}

func testOptions() Options {
	return Options{
		SpinMin: time.Nanosecond,
		SpinMax: time.Nanosecond,
		Sleep:   func(time.Duration) {},
	}
}
