// Package pkg provides shared utilities for the rshim transport packages.
//
// This package contains common functionality used by the PCIe and USB
// backends and the host-access layers beneath them, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the transport error taxonomy
//   - Transfer completion statuses and errno-style notification codes
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentUSB, "device attached", "name", "usb-1-1.2")
//
// # Errors
//
// Transport errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrMalformed) {
//	    // register transfer moved the wrong number of bytes
//	}
package pkg
