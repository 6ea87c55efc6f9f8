//go:build linux

package linux

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/rshim/host/pci"
	"github.com/ardnew/rshim/pkg"
)

// SysfsPCIPath is the default root of the sysfs PCI device tree.
const SysfsPCIPath = "/sys/bus/pci/devices"

// Bus enumerates PCI functions below a sysfs root.
type Bus struct {
	root string
}

// NewBus returns a bus rooted at root, or at [SysfsPCIPath] if root is empty.
func NewBus(root string) *Bus {
	if root == "" {
		root = SysfsPCIPath
	}
	return &Bus{root: root}
}

// Devices implements [pci.Bus]. Entries that cannot be parsed are skipped.
func (b *Bus) Devices(match func(pci.ID) bool) ([]pci.Device, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}

	var devs []pci.Device
	for _, e := range entries {
		addr, err := pci.ParseAddress(e.Name())
		if err != nil {
			continue
		}
		dir := filepath.Join(b.root, e.Name())
		vendor, err := readHex16(filepath.Join(dir, "vendor"))
		if err != nil {
			continue
		}
		device, err := readHex16(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}
		id := pci.ID{Vendor: vendor, Device: device}
		if match != nil && !match(id) {
			continue
		}
		devs = append(devs, &Device{addr: addr, id: id, path: filepath.Join(dir, "config")})
	}
	return devs, nil
}

// Device is a PCI function whose config file is opened on first access.
type Device struct {
	addr pci.Address
	id   pci.ID
	path string

	mu sync.Mutex
	fd int
	ok bool
}

// Address implements [pci.Device].
func (d *Device) Address() pci.Address { return d.addr }

// ID implements [pci.Device].
func (d *Device) ID() pci.ID { return d.id }

func (d *Device) open() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ok {
		return d.fd, nil
	}
	fd, err := unix.Open(d.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", d.path, err)
	}
	d.fd, d.ok = fd, true
	return fd, nil
}

// ReadConfig32 implements [pci.Device]. Configuration space is little-endian.
func (d *Device) ReadConfig32(offset int) (uint32, error) {
	if offset&3 != 0 {
		return 0, fmt.Errorf("config offset 0x%x: %w", offset, pkg.ErrInvalidParameter)
	}
	fd, err := d.open()
	if err != nil {
		return 0, err
	}
	var b [4]byte
	n, err := unix.Pread(fd, b[:], int64(offset))
	if err != nil {
		return 0, fmt.Errorf("%s: read config 0x%x: %w", d.addr, offset, err)
	}
	if n != len(b) {
		return 0, fmt.Errorf("%s: read config 0x%x: %w", d.addr, offset, pkg.ErrShortTransfer)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteConfig32 implements [pci.Device].
func (d *Device) WriteConfig32(offset int, value uint32) error {
	if offset&3 != 0 {
		return fmt.Errorf("config offset 0x%x: %w", offset, pkg.ErrInvalidParameter)
	}
	fd, err := d.open()
	if err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	n, err := unix.Pwrite(fd, b[:], int64(offset))
	if err != nil {
		return fmt.Errorf("%s: write config 0x%x: %w", d.addr, offset, err)
	}
	if n != len(b) {
		return fmt.Errorf("%s: write config 0x%x: %w", d.addr, offset, pkg.ErrShortTransfer)
	}
	return nil
}

// Close releases the config file descriptor. The device may be reopened by a
// later access.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ok {
		return nil
	}
	d.ok = false
	return unix.Close(d.fd)
}

func readHex16(path string) (uint16, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

var (
	_ pci.Bus    = (*Bus)(nil)
	_ pci.Device = (*Device)(nil)
)
