//go:build linux

// Command rshimd attaches BlueField RShim devices found on the PCIe bus and
// the USB host controllers, follows USB hotplug, and serves transport
// metrics.
//
// Usage:
//
//	rshimd [-config rshim.yaml] [-log-level debug]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/rshim/host/hal/linux"
	pcilinux "github.com/ardnew/rshim/host/pci/linux"
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/config"
	"github.com/ardnew/rshim/pkg/linux/hwid"
	"github.com/ardnew/rshim/pkg/metrics"
	"github.com/ardnew/rshim/pkg/prof"
	"github.com/ardnew/rshim/rshim"
	"github.com/ardnew/rshim/rshim/pcie"
	"github.com/ardnew/rshim/rshim/usb"
)

// Component identifier for daemon logging.
const componentDaemon pkg.Component = "rshimd"

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	logLevel    = flag.String("log-level", "", "Override the configured log level")
	cpuProfile  = flag.String("cpuprofile", "", "Write a CPU profile to file (profile builds only)")
	lockProfile = flag.Int("lockprofile", 0, "Record one in N lock contention events (profile builds only)")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		pkg.LogError(componentDaemon, "exiting", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.Apply(config.Config{Log: config.Log{Level: *logLevel}}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pkg.SetLogFormat(cfg.Log.LogFormat())
	pkg.SetLogLevel(cfg.Log.SlogLevel())

	allow := rshim.GlobAllowList(cfg.Allow)
	if err := allow.Validate(); err != nil {
		return err
	}

	if *cpuProfile != "" {
		if err := prof.StartCPU(*cpuProfile); err != nil {
			return err
		}
		defer prof.StopCPU()
	}
	prof.SetLockProfileRate(*lockProfile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := rshim.NewRegistry()
	env := &rshim.Env{Registry: reg, Notifier: &rshim.LogNotifier{}, Allow: allow}
	defer shutdown(reg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if !cfg.PCIe.Disable {
		probePCIe(env, cfg.PCIe, openIDs(hwid.PCI, cfg.IDs.PCI))
	}

	if !cfg.USB.Disable {
		hctx, err := linux.New()
		if err != nil {
			return fmt.Errorf("usb host access: %w", err)
		}
		defer hctx.Close()

		drv := usb.NewDriver(hctx, env, usb.Options{
			Timeout:      cfg.USB.Timeout,
			ReadRetries:  cfg.USB.ReadRetries,
			WriteRetries: cfg.USB.WriteRetries,
			Names:        openIDs(hwid.USB, cfg.IDs.USB),
		})
		if err := drv.Init(); err != nil {
			return err
		}
		pkg.LogInfo(componentDaemon, "usb ready", "hotplug", drv.Hotplug())
		g.Go(func() error {
			return drv.Run(ctx, cfg.USB.PollInterval)
		})
	}

	if cfg.Metrics.Listen != "" {
		serveMetrics(ctx, g, cfg.Metrics)
	}

	pkg.LogInfo(componentDaemon, "running", "backends", len(reg.Backends()))
	return g.Wait()
}

func probePCIe(env *rshim.Env, cfg config.PCIe, names *hwid.Database) {
	opts := pcie.Options{
		SpinMin:   cfg.SpinMin,
		SpinMax:   cfg.SpinMax,
		SpinLimit: cfg.SpinLimit,
		Names:     names,
	}
	backends, err := pcie.Probe(env, pcilinux.NewBus(cfg.SysfsPath), opts)
	if err != nil {
		pkg.LogWarn(componentDaemon, "pcie probe failed", "error", err)
		return
	}
	pkg.LogInfo(componentDaemon, "pcie probed", "backends", len(backends))
}

func serveMetrics(ctx context.Context, g *errgroup.Group, cfg config.Metrics) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, metrics.Handler())
	prof.Mount(mux)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		pkg.LogInfo(componentDaemon, "serving metrics", "addr", cfg.Listen, "path", cfg.Path, "pprof", prof.Enabled())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}

// openIDs loads the hardware ID database of kind, from path when given.
// A missing database only costs the names in probe logs.
func openIDs(kind hwid.Kind, path string) *hwid.Database {
	db := hwid.New(kind)
	if path != "" {
		db = hwid.NewWithPaths(kind, []string{path})
	}
	if !db.Load() {
		pkg.LogDebug(componentDaemon, "hardware id database not found", "kind", kind)
	}
	return db
}

// shutdown drops the registry reference of every backend, destroying the
// PCIe backends. USB backends keep their probe reference; their devices were
// released when the host-access context closed.
func shutdown(reg *rshim.MemRegistry) {
	for _, b := range reg.Backends() {
		reg.Lock()
		reg.Deregister(b)
		reg.Unlock()
	}
	pkg.LogInfo(componentDaemon, "stopped")
}
