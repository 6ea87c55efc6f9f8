package rshim

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/rshim/pkg"
)

// Stream buffer sizes, allocated once per backend.
const (
	ReadBufSize  = 2048
	WriteBufSize = 2048
)

// Backend is one physical RShim device.
type Backend struct {
	name    string
	drvName string

	mu        sync.Mutex // held across attach and detach transitions
	caps      atomic.Uint32
	transport atomic.Value // transportRef

	// Identity, guarded by infoMu so it can be read under mu.
	infoMu      sync.RWMutex
	registered  bool
	device      any
	verID       int
	revID       int
	consoleWork bool

	// Stream state, guarded by ringMu.
	ringMu       sync.Mutex
	spin         SpinFlags
	readBuf      []byte
	writeBuf     []byte
	readBufBytes int
	readBufNext  int

	queueMu sync.Mutex
	queued  *sync.Cond // on queueMu
	queue   []Completion
	gen     uint64 // bumped on every post and write-done signal

	refs      atomic.Int32
	destroyed sync.Once
}

// NewBackend creates an unregistered backend with no capabilities and no
// references.
func NewBackend(name, drvName string, caps Capability) *Backend {
	b := &Backend{name: name, drvName: drvName}
	b.queued = sync.NewCond(&b.queueMu)
	b.caps.Store(uint32(caps))
	return b
}

// Name returns the stable identity of the backend.
func (b *Backend) Name() string { return b.name }

// DriverName returns the name of the transport driver.
func (b *Backend) DriverName() string { return b.drvName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return b.name }

// Lock acquires the backend mutex.
func (b *Backend) Lock() { b.mu.Lock() }

// Unlock releases the backend mutex.
func (b *Backend) Unlock() { b.mu.Unlock() }

// Caps returns the current capability flags.
func (b *Backend) Caps() Capability { return Capability(b.caps.Load()) }

// Has reports whether every flag in c is set.
func (b *Backend) Has(c Capability) bool { return b.Caps()&c == c }

// SetCaps sets the flags in c. Transitions are made with the backend mutex
// held; readers need no lock.
func (b *Backend) SetCaps(c Capability) {
	for {
		old := b.caps.Load()
		if b.caps.CompareAndSwap(old, old|uint32(c)) {
			return
		}
	}
}

// ClearCaps clears the flags in c.
func (b *Backend) ClearCaps(c Capability) {
	for {
		old := b.caps.Load()
		if b.caps.CompareAndSwap(old, old&^uint32(c)) {
			return
		}
	}
}

// Registered reports whether the registry knows this backend.
func (b *Backend) Registered() bool {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	return b.registered
}

func (b *Backend) setRegistered(v bool) {
	b.infoMu.Lock()
	b.registered = v
	b.infoMu.Unlock()
}

// Device returns the host-access identity the backend is bound to.
func (b *Backend) Device() any {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	return b.device
}

// SetDevice binds the backend to a host-access identity. The value must be
// comparable.
func (b *Backend) SetDevice(dev any) {
	b.infoMu.Lock()
	b.device = dev
	b.infoMu.Unlock()
}

// Version returns the hardware version and revision.
func (b *Backend) Version() (ver, rev int) {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	return b.verID, b.revID
}

// SetVersion records the hardware version and revision.
func (b *Backend) SetVersion(ver, rev int) {
	b.infoMu.Lock()
	b.verID, b.revID = ver, rev
	b.infoMu.Unlock()
}

// transportRef boxes a Transport so a nil interface can be stored.
type transportRef struct{ t Transport }

// Transport returns the attached transport, or nil.
func (b *Backend) Transport() Transport {
	if r, ok := b.transport.Load().(transportRef); ok {
		return r.t
	}
	return nil
}

// SetTransport attaches t to the backend.
func (b *Backend) SetTransport(t Transport) {
	b.transport.Store(transportRef{t})
}

// EnsureBuffers allocates the stream buffers if they do not exist yet.
func (b *Backend) EnsureBuffers() {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	if b.readBuf == nil {
		b.readBuf = make([]byte, ReadBufSize)
	}
	if b.writeBuf == nil {
		b.writeBuf = make([]byte, WriteBufSize)
	}
}

// ReadBuf returns the stream read buffer. Ring lock held.
func (b *Backend) ReadBuf() []byte { return b.readBuf }

// WriteBuf returns the stream write buffer. Ring lock held.
func (b *Backend) WriteBuf() []byte { return b.writeBuf }

// SetReadAvail records that n bytes were received into the read buffer,
// starting at offset zero. Ring lock held.
func (b *Backend) SetReadAvail(n int) {
	b.readBufBytes = n
	b.readBufNext = 0
}

// ReadAvail returns the number of received bytes not yet consumed. Ring lock
// held.
func (b *Backend) ReadAvail() int {
	return b.readBufBytes - b.readBufNext
}

// ConsumeRead returns up to n buffered bytes and marks them consumed. Ring
// lock held.
func (b *Backend) ConsumeRead(n int) []byte {
	if avail := b.ReadAvail(); n > avail {
		n = avail
	}
	p := b.readBuf[b.readBufNext : b.readBufNext+n]
	b.readBufNext += n
	if b.readBufNext == b.readBufBytes {
		b.readBufBytes, b.readBufNext = 0, 0
	}
	return p
}

// Spin returns the in-flight flags. Ring lock held.
func (b *Backend) Spin() SpinFlags { return b.spin }

// SetSpin sets in-flight flags. Ring lock held.
func (b *Backend) SetSpin(f SpinFlags) { b.spin |= f }

// ClearSpin clears in-flight flags. Ring lock held.
func (b *Backend) ClearSpin(f SpinFlags) { b.spin &^= f }

// ConsoleWork reports whether background console work is enabled.
func (b *Backend) ConsoleWork() bool {
	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	return b.consoleWork
}

// SetConsoleWork enables or suppresses background console work.
func (b *Backend) SetConsoleWork(v bool) {
	b.infoMu.Lock()
	b.consoleWork = v
	b.infoMu.Unlock()
}

// RingLock acquires the stream lock.
func (b *Backend) RingLock() { b.ringMu.Lock() }

// RingUnlock processes queued completions and releases the stream lock. It
// keeps draining while completions arrive and the lock can be retaken, so a
// posted completion is never stranded.
func (b *Backend) RingUnlock() {
	for {
		b.drain()
		b.ringMu.Unlock()
		if !b.pending() || !b.ringMu.TryLock() {
			return
		}
	}
}

// PostCompletion queues c for processing under the ring lock. If the lock
// is free the completion is processed before PostCompletion returns;
// otherwise the current holder processes it on release.
func (b *Backend) PostCompletion(c Completion) {
	b.queueMu.Lock()
	b.queue = append(b.queue, c)
	b.gen++
	b.queued.Broadcast()
	b.queueMu.Unlock()

	if b.ringMu.TryLock() {
		b.RingUnlock()
	}
}

func (b *Backend) pending() bool {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	return len(b.queue) > 0
}

// drain hands queued completions to the transport in posting order.
func (b *Backend) drain() {
	for {
		b.queueMu.Lock()
		if len(b.queue) == 0 {
			b.queueMu.Unlock()
			return
		}
		c := b.queue[0]
		b.queue = b.queue[1:]
		b.queueMu.Unlock()

		if ct, ok := b.Transport().(Completer); ok {
			ct.Complete(c)
		} else {
			pkg.LogDebug(pkg.ComponentBackend, "completion without handler",
				"backend", b.name, "dir", c.Dir, "status", c.Status)
		}
	}
}

// SignalWriteDone wakes goroutines blocked in WaitWriteDone.
func (b *Backend) SignalWriteDone() {
	b.queueMu.Lock()
	b.gen++
	b.queued.Broadcast()
	b.queueMu.Unlock()
}

// WaitWriteDone blocks until no write is in flight. Ring lock held; it is
// released while waiting, and completions posted meanwhile are processed
// before the in-flight flag is checked again.
func (b *Backend) WaitWriteDone() {
	for {
		b.drain()
		if b.spin&SpinWriting == 0 {
			return
		}

		b.queueMu.Lock()
		if len(b.queue) > 0 {
			b.queueMu.Unlock()
			continue
		}
		gen := b.gen
		b.ringMu.Unlock()
		for b.gen == gen {
			b.queued.Wait()
		}
		b.queueMu.Unlock()
		b.ringMu.Lock()
	}
}

// ReadRegister reads the 8-byte register addr on channel.
func (b *Backend) ReadRegister(channel, addr int) (uint64, error) {
	t := b.Transport()
	if t == nil {
		return 0, pkg.ErrNoDevice
	}
	return t.ReadRegister(channel, addr)
}

// WriteRegister writes the 8-byte register addr on channel.
func (b *Backend) WriteRegister(channel, addr int, value uint64) error {
	t := b.Transport()
	if t == nil {
		return pkg.ErrNoDevice
	}
	return t.WriteRegister(channel, addr, value)
}

// Read starts a non-blocking stream read into buf. Ring lock held.
func (b *Backend) Read(dt DeviceType, buf []byte) error {
	t := b.Transport()
	if t == nil {
		return pkg.ErrNoDevice
	}
	return t.Read(dt, buf)
}

// Write submits buf to the stream and returns the bytes accepted. Ring lock
// held.
func (b *Backend) Write(dt DeviceType, buf []byte) (int, error) {
	t := b.Transport()
	if t == nil {
		return 0, pkg.ErrNoDevice
	}
	return t.Write(dt, buf)
}

// Cancel cancels the outstanding transfer of the given direction.
func (b *Backend) Cancel(dt DeviceType, isWrite bool) {
	if t := b.Transport(); t != nil {
		t.Cancel(dt, isWrite)
	}
}

// Acquire takes a reference on the backend.
func (b *Backend) Acquire() {
	b.refs.Add(1)
}

// Release drops a reference. Releasing the last one destroys the transport;
// it reports whether that happened.
func (b *Backend) Release() bool {
	n := b.refs.Add(-1)
	if n > 0 {
		return false
	}
	if n < 0 {
		panic(fmt.Sprintf("rshim: backend %s released too many times", b.name))
	}
	destroyed := false
	b.destroyed.Do(func() {
		destroyed = true
		if t := b.Transport(); t != nil {
			t.Destroy()
		}
		pkg.LogDebug(pkg.ComponentBackend, "backend destroyed", "backend", b.name)
	})
	return destroyed
}

// Refs returns the current reference count.
func (b *Backend) Refs() int { return int(b.refs.Load()) }
