// Package pci defines the PCI configuration-space access contract used by
// the PCIe rshim backend.
//
// A [Bus] enumerates functions; each [Device] exposes 32-bit reads and writes
// of its configuration space. The Linux implementation lives in
// [github.com/ardnew/rshim/host/pci/linux].
package pci

import (
	"fmt"
)

// Address identifies a PCI function by domain, bus, device and function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// String formats the address in sysfs form, e.g. "0000:03:00.1".
func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Device, a.Function)
}

// ParseAddress parses the sysfs form produced by [Address.String].
func ParseAddress(s string) (Address, error) {
	var domain, bus, dev, fn uint
	if _, err := fmt.Sscanf(s, "%x:%x:%x.%x", &domain, &bus, &dev, &fn); err != nil {
		return Address{}, fmt.Errorf("pci address %q: %w", s, err)
	}
	if domain > 0xffff || bus > 0xff || dev > 0x1f || fn > 0x7 {
		return Address{}, fmt.Errorf("pci address %q out of range", s)
	}
	return Address{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Device:   uint8(dev),
		Function: uint8(fn),
	}, nil
}

// ID is a vendor/device identity pair.
type ID struct {
	Vendor uint16
	Device uint16
}

// String formats the identity as "vvvv:dddd".
func (id ID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Device)
}

// Device is a PCI function whose configuration space can be accessed in
// 32-bit units. Offsets must be 4-byte aligned.
type Device interface {
	Address() Address
	ID() ID
	ReadConfig32(offset int) (uint32, error)
	WriteConfig32(offset int, value uint32) error
	Close() error
}

// Bus enumerates PCI functions.
type Bus interface {
	// Devices returns every function whose identity satisfies match. A nil
	// match selects all functions.
	Devices(match func(ID) bool) ([]Device, error)
}
