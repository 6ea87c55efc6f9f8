//go:build profile

package prof

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runpprof "runtime/pprof"
	"sync"
)

// ErrCPUProfileActive indicates CPU profiling is already active.
var ErrCPUProfileActive = errors.New("cpu profile already active")

var (
	cpuMu   sync.Mutex
	cpuFile *os.File
)

// Enabled reports whether profiling is compiled in.
func Enabled() bool { return true }

// Mount registers the pprof handlers on mux.
func Mount(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

// StartCPU starts a CPU profile written to path. It returns
// [ErrCPUProfileActive] if one is already running.
func StartCPU(path string) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuFile != nil {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cpu profile: %w", err)
	}
	if err := runpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("cpu profile: %w", err)
	}
	cpuFile = f
	return nil
}

// StopCPU stops the CPU profile, if any, and closes its file.
func StopCPU() {
	cpuMu.Lock()
	defer cpuMu.Unlock()

	if cpuFile == nil {
		return
	}
	runpprof.StopCPUProfile()
	cpuFile.Close()
	cpuFile = nil
}

// SetLockProfileRate enables block and mutex profiling. On average one in
// rate events is recorded; zero disables both.
func SetLockProfileRate(rate int) {
	runtime.SetBlockProfileRate(rate)
	runtime.SetMutexProfileFraction(rate)
}
