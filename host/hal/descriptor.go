package hal

import (
	"fmt"

	"github.com/ardnew/rshim/pkg"
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// DeviceDescriptor represents a USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // bcdDevice
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor parses a device descriptor.
func ParseDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	var d DeviceDescriptor
	if len(data) < DeviceDescriptorSize {
		return d, pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return d, pkg.ErrDescriptorTypeMismatch
	}
	d.Length = data[0]
	d.DescriptorType = data[1]
	d.USBVersion = uint16(data[2]) | uint16(data[3])<<8
	d.DeviceClass = data[4]
	d.DeviceSubClass = data[5]
	d.DeviceProtocol = data[6]
	d.MaxPacketSize0 = data[7]
	d.VendorID = uint16(data[8]) | uint16(data[9])<<8
	d.ProductID = uint16(data[10]) | uint16(data[11])<<8
	d.DeviceVersion = uint16(data[12]) | uint16(data[13])<<8
	d.ManufacturerIndex = data[14]
	d.ProductIndex = data[15]
	d.SerialNumberIndex = data[16]
	d.NumConfigurations = data[17]
	return d, nil
}

// EndpointDescriptor describes an endpoint.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// IsBulk reports whether the endpoint is a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == TransferBulk
}

// IsInterrupt reports whether the endpoint is an interrupt endpoint.
func (e *EndpointDescriptor) IsInterrupt() bool {
	return e.TransferType() == TransferInterrupt
}

// InterfaceDescriptor describes one alternate setting of an interface and
// the endpoints that follow it.
type InterfaceDescriptor struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	Endpoints        []EndpointDescriptor
}

// Interface groups the alternate settings sharing an interface number, in
// descriptor order.
type Interface struct {
	AltSettings []InterfaceDescriptor
}

// ConfigDescriptor is a parsed configuration descriptor tree.
type ConfigDescriptor struct {
	Value      uint8
	Attributes uint8
	MaxPower   uint8
	Interfaces []Interface
}

// NumInterfaces returns the number of interfaces in the configuration.
func (c *ConfigDescriptor) NumInterfaces() int {
	return len(c.Interfaces)
}

// ParseConfigDescriptor parses a full configuration descriptor including its
// interface and endpoint descriptors. Class-specific descriptors are skipped.
func ParseConfigDescriptor(data []byte) (*ConfigDescriptor, error) {
	if len(data) < ConfigurationDescriptorSize {
		return nil, pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return nil, pkg.ErrDescriptorTypeMismatch
	}

	total := int(uint16(data[2]) | uint16(data[3])<<8)
	if total > len(data) {
		return nil, fmt.Errorf("configuration total length %d > %d: %w",
			total, len(data), pkg.ErrDescriptorTooShort)
	}

	c := &ConfigDescriptor{
		Value:      data[5],
		Attributes: data[7],
		MaxPower:   data[8],
	}
	numInterfaces := int(data[4])

	var cur *InterfaceDescriptor
	for off := int(data[0]); off < total; {
		if off+2 > total {
			return nil, pkg.ErrDescriptorTooShort
		}
		length := int(data[off])
		if length < 2 || off+length > total {
			return nil, fmt.Errorf("descriptor at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		desc := data[off : off+length]

		switch desc[1] {
		case DescriptorTypeInterface:
			if length < InterfaceDescriptorSize {
				return nil, pkg.ErrDescriptorTooShort
			}
			cur = c.addInterface(InterfaceDescriptor{
				Number:           desc[2],
				AlternateSetting: desc[3],
				Class:            desc[5],
				SubClass:         desc[6],
				Protocol:         desc[7],
			})

		case DescriptorTypeEndpoint:
			if length < EndpointDescriptorSize {
				return nil, pkg.ErrDescriptorTooShort
			}
			if cur == nil {
				break
			}
			cur.Endpoints = append(cur.Endpoints, EndpointDescriptor{
				Address:       desc[2],
				Attributes:    desc[3],
				MaxPacketSize: uint16(desc[4]) | uint16(desc[5])<<8,
				Interval:      desc[6],
			})
		}

		off += length
	}

	if len(c.Interfaces) != numInterfaces {
		pkg.LogDebug(pkg.ComponentHAL, "interface count mismatch",
			"declared", numInterfaces, "found", len(c.Interfaces))
	}
	return c, nil
}

// addInterface appends alt to the interface with the same number, creating
// it if needed, and returns a pointer to the stored descriptor.
func (c *ConfigDescriptor) addInterface(alt InterfaceDescriptor) *InterfaceDescriptor {
	for i := range c.Interfaces {
		alts := c.Interfaces[i].AltSettings
		if len(alts) > 0 && alts[0].Number == alt.Number {
			c.Interfaces[i].AltSettings = append(alts, alt)
			return &c.Interfaces[i].AltSettings[len(c.Interfaces[i].AltSettings)-1]
		}
	}
	c.Interfaces = append(c.Interfaces, Interface{AltSettings: []InterfaceDescriptor{alt}})
	last := &c.Interfaces[len(c.Interfaces)-1]
	return &last.AltSettings[0]
}
