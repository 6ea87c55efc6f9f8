//go:build linux

// Package hwid looks up human-readable vendor and product names in the
// usb.ids and pci.ids hardware databases shipped with most distributions.
//
// Load a database once at startup:
//
//	usb := hwid.New(hwid.USB)
//	usb.Load()
//
// then annotate probe logs with it:
//
//	pkg.LogInfo(pkg.ComponentProbe, "found device", "id", usb.Describe(0x22dc, 0x0214))
//
// Missing database files are not an error; lookups return empty strings and
// [Database.Describe] falls back to the numeric "vvvv:pppp" form.
//
// All methods are safe for concurrent use.
package hwid
