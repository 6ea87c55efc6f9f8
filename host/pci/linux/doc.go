//go:build linux

// Package linux implements [pci.Bus] over the Linux sysfs PCI tree.
//
// Configuration space is reached through each function's
// /sys/bus/pci/devices/<address>/config file using positioned 32-bit reads
// and writes, which requires root for offsets beyond the standard header.
package linux
