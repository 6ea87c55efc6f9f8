//go:build !profile

package prof

import "net/http"

// ErrCPUProfileActive is never returned without the "profile" tag.
var ErrCPUProfileActive error

// Enabled reports whether profiling is compiled in.
func Enabled() bool { return false }

// Mount does nothing without the "profile" tag.
func Mount(*http.ServeMux) {}

// StartCPU does nothing without the "profile" tag.
func StartCPU(string) error { return nil }

// StopCPU does nothing without the "profile" tag.
func StopCPU() {}

// SetLockProfileRate does nothing without the "profile" tag.
func SetLockProfileRate(int) {}
