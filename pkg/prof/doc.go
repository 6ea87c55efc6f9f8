// Package prof adds optional profiling to rshimd.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/rshimd
//
// Without the tag every function is a no-op and [Enabled] reports false, so
// the daemon calls it unconditionally.
//
// # HTTP Profiling
//
// [Mount] adds the [net/http/pprof] handlers under /debug/pprof/ to the mux
// that serves metrics:
//
//	mux := http.NewServeMux()
//	mux.Handle("/metrics", metrics.Handler())
//	prof.Mount(mux)
//
// # CPU Profiling
//
// A CPU profile streams to a file between [StartCPU] and [StopCPU]:
//
//	if err := prof.StartCPU("rshimd.prof"); err != nil {
//	    return err
//	}
//	defer prof.StopCPU()
//
// # Lock Profiling
//
// Contention on the backend and ring locks shows up in the block and mutex
// profiles once [SetLockProfileRate] enables them.
package prof
