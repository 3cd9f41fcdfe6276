// Package binder performs the dynamic wiring of extension routes into the
// live host: backend handlers into the HTTP dispatch table, frontend
// component routes into the UI router fed to the browser bootstrap.
package binder

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/mux"
)

// ErrRouteConflict is returned when an extension's reserved prefix or a
// declared frontend path collides with one owned by another extension.
var ErrRouteConflict = errors.New("route conflict")

// Binding is one (method, sub-path, handler) triple registered by an
// extension through its execution context. Path is relative to the
// extension's reserved prefix.
type Binding struct {
	Method  string
	Path    string
	Handler http.Handler
}

type mountEntry struct {
	owner    string
	prefix   string
	router   *mux.Router
	bindings []Binding
}

// table is one immutable version of the live dispatch table. Mutations
// build a new table and atomically swap the pointer, so a request never
// observes a half-updated table.
type table struct {
	// prefix -> entry, checked longest-first at dispatch time
	entries map[string]*mountEntry
}

func (t *table) match(path string) *mountEntry {
	best := ""
	var found *mountEntry
	for prefix, e := range t.entries {
		if (path == prefix || strings.HasPrefix(path, prefix+"/")) && len(prefix) > len(best) {
			best = prefix
			found = e
		}
	}
	return found
}

// Dispatcher is the backend half of the binder. It is an http.Handler
// mounted under the extension path root; reads are lock-free, mutations
// are serialized and applied as a single pointer swap.
type Dispatcher struct {
	cur atomic.Pointer[table]
	mu  sync.Mutex // serializes Mount/Unmount, not request dispatch
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{}
	d.cur.Store(&table{entries: map[string]*mountEntry{}})
	return d
}

// CheckPrefix reports whether prefix can be mounted for owner without
// colliding with another extension's live prefix.
func (d *Dispatcher) CheckPrefix(owner, prefix string) error {
	t := d.cur.Load()
	return checkPrefix(t, owner, prefix)
}

func checkPrefix(t *table, owner, prefix string) error {
	for existing, e := range t.entries {
		if e.owner == owner {
			continue
		}
		if existing == prefix ||
			strings.HasPrefix(existing, prefix+"/") ||
			strings.HasPrefix(prefix, existing+"/") {
			return fmt.Errorf("prefix %q collides with %q owned by %q: %w", prefix, existing, e.owner, ErrRouteConflict)
		}
	}
	return nil
}

// Mount atomically adds an extension's bindings under its reserved prefix.
// On any error nothing is mounted. Every binding path must fall under the
// prefix; the prefix must not collide with another extension's.
func (d *Dispatcher) Mount(owner, prefix string, bindings []Binding) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.cur.Load()
	if err := checkPrefix(old, owner, prefix); err != nil {
		return err
	}
	if _, ok := old.entries[prefix]; ok {
		return fmt.Errorf("prefix %q is already mounted: %w", prefix, ErrRouteConflict)
	}

	router := mux.NewRouter()
	sub := router.PathPrefix(prefix).Subrouter()
	for _, b := range bindings {
		if !strings.HasPrefix(b.Path, "/") {
			return fmt.Errorf("binding path %q must start with '/'", b.Path)
		}
		sub.Handle(b.Path, b.Handler).Methods(b.Method)
	}

	next := &table{entries: make(map[string]*mountEntry, len(old.entries)+1)}
	for p, e := range old.entries {
		next.entries[p] = e
	}
	next.entries[prefix] = &mountEntry{owner: owner, prefix: prefix, router: router, bindings: bindings}
	d.cur.Store(next)
	return nil
}

// Unmount atomically removes every binding owned by the given extension.
// In-flight requests already dispatched may complete; no new request is
// routed to the removed handlers.
func (d *Dispatcher) Unmount(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.cur.Load()
	next := &table{entries: make(map[string]*mountEntry, len(old.entries))}
	for p, e := range old.entries {
		if e.owner != owner {
			next.entries[p] = e
		}
	}
	d.cur.Store(next)
}

// Bindings returns the live bindings owned by an extension. Used by the
// management API and tests.
func (d *Dispatcher) Bindings(owner string) []Binding {
	t := d.cur.Load()
	var out []Binding
	for _, e := range t.entries {
		if e.owner == owner {
			out = append(out, e.bindings...)
		}
	}
	return out
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := d.cur.Load()
	e := t.match(r.URL.Path)
	if e == nil {
		http.NotFound(w, r)
		return
	}
	e.router.ServeHTTP(w, r)
}
