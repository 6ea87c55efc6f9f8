package rshim

import (
	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
)

// LogNotifier logs every event, counts it, and forwards it to Next when set.
type LogNotifier struct {
	Next Notifier
}

// Notify implements [Notifier].
func (n *LogNotifier) Notify(b *Backend, ev Event, code int) error {
	metrics.Events.WithLabelValues(ev.String()).Inc()

	switch ev {
	case EventAttach, EventDetach:
		ver, rev := b.Version()
		pkg.LogInfo(pkg.ComponentBackend, ev.String(),
			"backend", b.Name(), "driver", b.DriverName(),
			"caps", b.Caps(), "ver", ver, "rev", rev)
	case EventFIFOErr:
		pkg.LogWarn(pkg.ComponentFIFO, "fifo error", "backend", b.Name(), "code", code)
	default:
		pkg.LogDebug(pkg.ComponentFIFO, ev.String(), "backend", b.Name())
	}

	if n.Next != nil {
		return n.Next.Notify(b, ev, code)
	}
	return nil
}
