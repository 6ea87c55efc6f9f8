// Package metrics exposes Prometheus collectors for the rshim transports.
//
// Collectors live on a private registry so embedding programs control
// whether and where they are served; see [Handler].
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rshim"

// Label values shared by the collectors.
const (
	TransportPCIe = "pcie"
	TransportUSB  = "usb"

	OpRead  = "read"
	OpWrite = "write"

	ResultOK    = "ok"
	ResultError = "error"
)

var (
	// Registry holds every rshim collector.
	Registry = prometheus.NewRegistry()

	// RegisterOps counts 64-bit register accesses.
	RegisterOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "register_ops_total",
		Help:      "Register accesses by transport, operation and result.",
	}, []string{"transport", "op", "result"})

	// GatewaySpins counts polls of the CR gateway lock and widget pending bit
	// that found the resource busy.
	GatewaySpins = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pcie",
		Name:      "gateway_spins_total",
		Help:      "Busy polls of the CR-space gateway lock or byte-access widget.",
	})

	// WriteDrains counts posted-write drains forced by the write throttle.
	WriteDrains = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pcie",
		Name:      "write_drains_total",
		Help:      "Scratchpad read-backs issued to drain posted writes.",
	})

	// TransferRetries counts resubmissions of failed stream transfers.
	TransferRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usb",
		Name:      "transfer_retries_total",
		Help:      "Stream transfer resubmissions by direction.",
	}, []string{"dir"})

	// FIFOErrors counts FIFO error notifications delivered upward.
	FIFOErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usb",
		Name:      "fifo_errors_total",
		Help:      "FIFO error notifications by direction.",
	}, []string{"dir"})

	// Probes counts device probe outcomes.
	Probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probes_total",
		Help:      "Device probes by transport and result.",
	}, []string{"transport", "result"})

	// Events counts attach and detach notifications.
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Backend lifecycle notifications by event.",
	}, []string{"event"})

	// Backends tracks the number of live backends.
	Backends = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backends",
		Help:      "Backends currently registered.",
	})
)

func init() {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "info",
		Help:        "Build information for the rshim transport.",
		ConstLabels: prometheus.Labels{"goversion": runtime.Version()},
	})
	info.Set(1)

	Registry.MustRegister(
		info,
		RegisterOps,
		GatewaySpins,
		WriteDrains,
		TransferRetries,
		FIFOErrors,
		Probes,
		Events,
		Backends,
	)
}

// Result maps an error to a result label value.
func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

// Handler returns an HTTP handler serving [Registry].
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
