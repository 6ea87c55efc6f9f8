package usb

import (
	"sync"
	"time"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/rshim"
)

// DriverName identifies backends created by this transport.
const DriverName = "rshim_usb"

// BlueField USB identities.
const (
	VendorID   = 0x22dc
	ProductBF1 = 0x0004
	ProductBF2 = 0x0214
)

// ProductIDs lists the accepted product identities.
var ProductIDs = []uint16{ProductBF1, ProductBF2}

// Match reports whether vendor and product identify a BlueField RShim.
func Match(vendor, product uint16) bool {
	if vendor != VendorID {
		return false
	}
	for _, pid := range ProductIDs {
		if product == pid {
			return true
		}
	}
	return false
}

// Hardware versions recorded on the backend.
const (
	VersionBF1 = 1
	VersionBF2 = 2
)

// Options tunes the USB transport.
type Options struct {
	// Timeout bounds control transfers, bulk stream transfers and boot
	// pushes.
	Timeout time.Duration
	// ReadRetries and WriteRetries bound resubmissions of a stream transfer
	// that failed transiently without moving data. Zero disables retries.
	ReadRetries  int
	WriteRetries int
	// Names annotates probe logs with vendor and product names.
	Names Describer
}

// Describer resolves a vendor/product pair to a human-readable name.
type Describer interface {
	Describe(vendor, product uint16) string
}

// DefaultOptions returns a 20s timeout and five retries per direction.
func DefaultOptions() Options {
	return Options{
		Timeout:      20 * time.Second,
		ReadRetries:  5,
		WriteRetries: 5,
	}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultOptions().Timeout
	}
	o.ReadRetries = max(o.ReadRetries, 0)
	o.WriteRetries = max(o.WriteRetries, 0)
	return o
}

// intrBufSize is the size of the interrupt "bytes available" word.
const intrBufSize = 8

// Transport is the USB [rshim.Transport].
type Transport struct {
	b    *rshim.Backend
	env  *rshim.Env
	opts Options

	// Device resources, replaced on re-probe and released on disconnect.
	mu        sync.Mutex
	handle    hal.Handle
	readXfer  *hal.Transfer // read or interrupt
	writeXfer *hal.Transfer
	intrBuf   []byte

	// Endpoints, set while classifying interfaces with the backend mutex
	// held.
	bootEP uint8
	intEP  uint8
	inEP   uint8
	outEP  uint8

	// Stream state, guarded by the backend ring lock.
	readIsIntr   bool
	readRetries  int
	writeRetries int
}

func newTransport(b *rshim.Backend, env *rshim.Env, opts Options) *Transport {
	return &Transport{b: b, env: env, opts: opts.withDefaults()}
}

// attach installs a freshly opened handle and allocates the stream transfers
// that do not exist yet.
func (t *Transport) attach(h hal.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handle = h
	if t.intrBuf == nil {
		t.intrBuf = make([]byte, intrBufSize)
	}
	if t.readXfer == nil {
		t.readXfer = hal.NewTransfer()
	}
	if t.writeXfer == nil {
		t.writeXfer = hal.NewTransfer()
	}
}

// releaseTransfers drops the stream transfers and interrupt buffer and
// returns the transfers so the caller can cancel them without holding t.mu.
func (t *Transport) releaseTransfers() (read, write *hal.Transfer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	read, write = t.readXfer, t.writeXfer
	t.readXfer, t.writeXfer, t.intrBuf = nil, nil, nil
	return read, write
}

// closeHandle closes and forgets the device handle.
func (t *Transport) closeHandle() {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "close handle failed", "backend", t.b.Name(), "error", err)
	}
}

func (t *Transport) currentHandle() hal.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Destroy implements [rshim.Transport].
func (t *Transport) Destroy() {
	read, write := t.releaseTransfers()
	t.cancelTransfer(read)
	t.cancelTransfer(write)
	t.closeHandle()
	pkg.LogInfo(pkg.ComponentUSB, "backend deleted", "backend", t.b.Name())
}

var (
	_ rshim.Transport = (*Transport)(nil)
	_ rshim.Completer = (*Transport)(nil)
)
