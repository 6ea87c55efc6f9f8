// Package hal defines the host-access contract the rshim USB backend is
// written against.
//
// A [Context] enumerates attached devices, opens them as [Handle]s and
// delivers asynchronous [Transfer] completions and hotplug notifications
// from its event loop. All callbacks run on the goroutine that calls
// [Context.HandleEvents], so callers can reason about completion ordering
// without extra goroutines.
//
// # Descriptors
//
// Configuration descriptors are parsed into a tree of interfaces, alternate
// settings and endpoints:
//
//	cfg, err := ctx.ActiveConfig(dev)
//	for _, iface := range cfg.Interfaces {
//	    alt := iface.AltSettings[0]
//	    for _, ep := range alt.Endpoints {
//	        if ep.IsBulk() && ep.IsIn() { ... }
//	    }
//	}
//
// # Implementations
//
// The linux subpackage implements the contract over usbfs. Tests use small
// in-memory fakes.
package hal
