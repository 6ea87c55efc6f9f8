package rshim

import (
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/ardnew/rshim/pkg"
	"github.com/ardnew/rshim/pkg/metrics"
)

// Registry owns backends by name.
//
// Callers hold the registry lock around lookups, registration and reference
// changes.
type Registry interface {
	Lock()
	Unlock()

	FindByName(name string) *Backend
	// FindByDevice returns the backend bound to the host-access identity dev.
	FindByDevice(dev any) *Backend

	// Register makes b visible to upper layers and takes a reference on it.
	Register(b *Backend) error
	// Deregister removes b and drops the registration reference.
	Deregister(b *Backend)

	Ref(b *Backend)
	Deref(b *Backend)
}

// Notifier receives backend events. code carries a negative errno-style
// value for [EventFIFOErr] and zero otherwise.
type Notifier interface {
	Notify(b *Backend, ev Event, code int) error
}

// NotifierFunc adapts a function to [Notifier].
type NotifierFunc func(b *Backend, ev Event, code int) error

// Notify calls f.
func (f NotifierFunc) Notify(b *Backend, ev Event, code int) error {
	return f(b, ev, code)
}

// AllowList decides which device names may attach.
type AllowList interface {
	Allowed(name string) bool
}

// GlobAllowList allows names matching any of its [path.Match] patterns. An
// empty list allows every name.
type GlobAllowList []string

// Allowed implements [AllowList].
func (g GlobAllowList) Allowed(name string) bool {
	if len(g) == 0 {
		return true
	}
	for _, pattern := range g {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Validate reports malformed patterns.
func (g GlobAllowList) Validate() error {
	for _, pattern := range g {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("allow pattern %q: %w", pattern, pkg.ErrInvalidParameter)
		}
	}
	return nil
}

// Env bundles the collaborators used by probe and completion code.
type Env struct {
	Registry Registry
	Notifier Notifier
	Allow    AllowList
}

// Notify delivers ev through the notifier, if any, logging failures.
func (e *Env) Notify(b *Backend, ev Event, code int) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(b, ev, code); err != nil {
		pkg.LogWarn(pkg.ComponentBackend, "notification failed",
			"backend", b.Name(), "event", ev, "error", err)
	}
}

// Allowed applies the allow list, if any.
func (e *Env) Allowed(name string) bool {
	return e.Allow == nil || e.Allow.Allowed(name)
}

// MemRegistry is the in-memory [Registry].
type MemRegistry struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

// NewRegistry returns an empty in-memory registry.
func NewRegistry() *MemRegistry {
	return &MemRegistry{backends: make(map[string]*Backend)}
}

// Lock acquires the registry lock.
func (r *MemRegistry) Lock() { r.mu.Lock() }

// Unlock releases the registry lock.
func (r *MemRegistry) Unlock() { r.mu.Unlock() }

// FindByName implements [Registry]. Registry lock held.
func (r *MemRegistry) FindByName(name string) *Backend {
	return r.backends[name]
}

// FindByDevice implements [Registry]. Registry lock held.
func (r *MemRegistry) FindByDevice(dev any) *Backend {
	if dev == nil {
		return nil
	}
	for _, b := range r.backends {
		if b.Device() == dev {
			return b
		}
	}
	return nil
}

// Register implements [Registry]. Registry lock held.
func (r *MemRegistry) Register(b *Backend) error {
	if old, ok := r.backends[b.Name()]; ok && old != b {
		return fmt.Errorf("backend %s: %w", b.Name(), pkg.ErrBusy)
	} else if ok {
		return nil
	}
	r.backends[b.Name()] = b
	b.setRegistered(true)
	b.Acquire()
	metrics.Backends.Inc()
	pkg.LogDebug(pkg.ComponentBackend, "backend registered", "backend", b.Name())
	return nil
}

// Deregister implements [Registry]. Registry lock held.
func (r *MemRegistry) Deregister(b *Backend) {
	if r.backends[b.Name()] != b {
		return
	}
	delete(r.backends, b.Name())
	b.setRegistered(false)
	metrics.Backends.Dec()
	b.Release()
}

// Ref implements [Registry]. Registry lock held.
func (r *MemRegistry) Ref(b *Backend) { b.Acquire() }

// Deref implements [Registry]. Registry lock held.
func (r *MemRegistry) Deref(b *Backend) { b.Release() }

// Backends returns the registered backends sorted by name.
func (r *MemRegistry) Backends() []*Backend {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

var _ Registry = (*MemRegistry)(nil)
