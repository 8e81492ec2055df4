package xrelay

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// route is a listener with its middleware chain pre-composed.
type route struct {
	listener Listener
	name     string
	fn       ProcessFunc
}

type registration struct {
	listener Listener
	events   []string
}

// dispatcher owns the ordered listener registrations and the name -> routes
// table derived from them. Readers never lock: the table is swapped atomically
// whenever registrations change.
type dispatcher struct {
	mu          sync.Mutex
	regs        []registration
	table       atomic.Pointer[map[string][]route]
	middlewares []Middleware
}

func newDispatcher(mws ...Middleware) *dispatcher {
	d := &dispatcher{middlewares: mws}
	empty := map[string][]route{}
	d.table.Store(&empty)
	return d
}

// add registers l. Registering the same instance again refreshes its
// interest set without changing its position.
func (d *dispatcher) add(l Listener) error {
	if l == nil || isNil(l) {
		return ErrInvalidListener
	}
	events := dedupNames(l.ListensTo())

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.regs {
		if sameListener(d.regs[i].listener, l) {
			d.regs[i].events = events
			d.rebuild()
			return nil
		}
	}
	d.regs = append(d.regs, registration{listener: l, events: events})
	d.rebuild()
	return nil
}

func (d *dispatcher) remove(l Listener) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.regs {
		if sameListener(d.regs[i].listener, l) {
			d.regs = append(d.regs[:i], d.regs[i+1:]...)
			d.rebuild()
			return true
		}
	}
	return false
}

func (d *dispatcher) reset() {
	d.mu.Lock()
	d.regs = nil
	d.rebuild()
	d.mu.Unlock()
}

func (d *dispatcher) lookup(eventTypeName string) []route {
	return (*d.table.Load())[eventTypeName]
}

func (d *dispatcher) subscribed(l Listener, eventTypeName string) bool {
	for _, r := range d.lookup(eventTypeName) {
		if sameListener(r.listener, l) {
			return true
		}
	}
	return false
}

func (d *dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}

// rebuild must be called with d.mu held.
func (d *dispatcher) rebuild() {
	table := make(map[string][]route)
	for _, reg := range d.regs {
		name := listenerName(reg.listener)
		// recovery wraps the listener and, again, the whole chain
		base := RecoveryMiddleware()(reg.listener.Process)
		fn := base
		if len(d.middlewares) > 0 {
			fn = RecoveryMiddleware()(Chain(base, d.middlewares...))
		}
		for _, ev := range reg.events {
			table[ev] = append(table[ev], route{listener: reg.listener, name: name, fn: fn})
		}
	}
	d.table.Store(&table)
}

// invoke runs one route with the listener name available to middlewares.
func (r route) invoke(ctx context.Context, event Event, env *Envelope) error {
	return r.fn(injectListenerName(ctx, r.name), event, env)
}

// sameListener compares listener identity. Non-comparable dynamic types are
// never considered equal.
func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}

func dedupNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
