//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/rshim/host/hal"
	"github.com/ardnew/rshim/pkg"
)

// scanUSBDevices scans the sysfs device directory for USB devices. Root hubs
// and interface entries are skipped, as are devices whose attributes cannot
// be read.
func scanUSBDevices(root string) ([]*hal.Device, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []*hal.Device
	for _, entry := range entries {
		name := entry.Name()

		// USB devices have names like "1-1", "1-1.2". Skip root hubs
		// ("usb1") and interfaces ("1-1:1.0").
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		dev, err := parseUSBDevice(filepath.Join(root, name))
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skipping sysfs entry", "name", name, "error", err)
			continue
		}
		devices = append(devices, dev)
	}

	return devices, nil
}

// parseUSBDevice parses USB device information from a sysfs directory.
func parseUSBDevice(sysfsPath string) (*hal.Device, error) {
	dev := &hal.Device{Path: sysfsPath}

	busNum, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return nil, err
	}
	dev.Bus = busNum

	devNum, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return nil, err
	}
	dev.Address = devNum

	if _, ports, ok := parsePortPath(filepath.Base(sysfsPath)); ok {
		dev.Ports = ports
	}

	if speed, err := readSysfsString(filepath.Join(sysfsPath, "speed")); err == nil {
		dev.Speed = parseSpeed(speed)
	}

	// Prefer the raw descriptor; fall back to individual attributes.
	if raw, err := os.ReadFile(filepath.Join(sysfsPath, "descriptors")); err == nil {
		if desc, err := hal.ParseDeviceDescriptor(raw); err == nil {
			dev.Descriptor = desc
			return dev, nil
		}
	}

	vendorID, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idVendor"))
	if err != nil {
		return nil, err
	}
	productID, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idProduct"))
	if err != nil {
		return nil, err
	}
	dev.Descriptor = hal.DeviceDescriptor{
		Length:         hal.DeviceDescriptorSize,
		DescriptorType: hal.DescriptorTypeDevice,
		VendorID:       vendorID,
		ProductID:      productID,
	}
	if bcd, err := readSysfsHexUint16(filepath.Join(sysfsPath, "bcdDevice")); err == nil {
		dev.Descriptor.DeviceVersion = bcd
	}
	if class, err := readSysfsHexUint8(filepath.Join(sysfsPath, "bDeviceClass")); err == nil {
		dev.Descriptor.DeviceClass = class
	}

	return dev, nil
}

// readActiveConfig returns the active configuration of the device at
// sysfsPath. The sysfs descriptors attribute holds the device descriptor
// followed by every configuration descriptor tree.
func readActiveConfig(sysfsPath string) (*hal.ConfigDescriptor, error) {
	raw, err := os.ReadFile(filepath.Join(sysfsPath, "descriptors"))
	if err != nil {
		return nil, err
	}
	if len(raw) < hal.DeviceDescriptorSize {
		return nil, pkg.ErrDescriptorTooShort
	}

	active, err := readSysfsUint8(filepath.Join(sysfsPath, "bConfigurationValue"))
	if err != nil {
		// Unconfigured devices report an empty attribute.
		active = 0
	}

	var first *hal.ConfigDescriptor
	for off := hal.DeviceDescriptorSize; off+4 <= len(raw); {
		total := int(raw[off+2]) | int(raw[off+3])<<8
		if total < hal.ConfigurationDescriptorSize || off+total > len(raw) {
			return nil, fmt.Errorf("config at offset %d: %w", off, pkg.ErrDescriptorTooShort)
		}
		cfg, err := hal.ParseConfigDescriptor(raw[off : off+total])
		if err != nil {
			return nil, err
		}
		if cfg.Value == active {
			return cfg, nil
		}
		if first == nil {
			first = cfg
		}
		off += total
	}

	if first == nil {
		return nil, pkg.ErrNoDevice
	}
	return first, nil
}

// parsePortPath splits a sysfs device name such as "1-1.2" into its bus
// number and port chain.
func parsePortPath(name string) (bus uint8, ports []uint8, ok bool) {
	busPart, chain, found := strings.Cut(name, "-")
	if !found || chain == "" {
		return 0, nil, false
	}
	b, err := strconv.ParseUint(busPart, 10, 8)
	if err != nil {
		return 0, nil, false
	}
	for _, p := range strings.Split(chain, ".") {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, nil, false
		}
		ports = append(ports, uint8(v))
	}
	return uint8(b), ports, true
}

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsUint8 reads an unsigned decimal uint8 from a sysfs attribute file.
func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return uint8(v), nil
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, bitSize)
}

// readSysfsHexUint8 reads a hexadecimal uint8 from a sysfs attribute file.
func readSysfsHexUint8(path string) (uint8, error) {
	v, err := readSysfsHex(path, 8)
	return uint8(v), err
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	return uint16(v), err
}

// formatDevfsPath constructs a usbfs node path from bus and device numbers.
func formatDevfsPath(root string, busNum, devNum uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", root, busNum, devNum)
}

// parseSpeed converts a sysfs speed string to a hal.Speed value.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480":
		return hal.SpeedHigh
	case "5000", "10000", "20000":
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}
