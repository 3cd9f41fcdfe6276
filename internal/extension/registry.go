package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nebulahq/nebula/internal/binder"
	"github.com/nebulahq/nebula/internal/capability"
	"github.com/nebulahq/nebula/internal/i18n"
	"github.com/nebulahq/nebula/internal/manifest"
	"github.com/nebulahq/nebula/internal/ws"
)

// Deps are the host collaborators the registry drives per transition.
type Deps struct {
	Pool          *pgxpool.Pool
	Dispatcher    *binder.Dispatcher
	Frontend      *binder.Frontend
	Capabilities  *capability.Registry
	Translations  *i18n.Loader
	Hub           *ws.Hub // optional
	Root          string  // extensions root directory
	ExportPath    string
	EnableTimeout time.Duration
}

// Registry orchestrates extension discovery, lifecycle transitions, and
// persistence of enablement state. Transitions for one extension are
// serialized by a per-name lock; different extensions may transition
// concurrently, each touching only its own bindings and registrations.
type Registry struct {
	deps  Deps
	store *Store

	mu       sync.RWMutex
	records  map[string]*Record
	backends map[string]Backend
	locks    map[string]*sync.Mutex
}

func NewRegistry(deps Deps) *Registry {
	if deps.EnableTimeout <= 0 {
		deps.EnableTimeout = 10 * time.Second
	}
	r := &Registry{
		deps:     deps,
		records:  make(map[string]*Record),
		backends: make(map[string]Backend),
		locks:    make(map[string]*sync.Mutex),
	}
	if deps.Pool != nil {
		r.store = NewStore(deps.Pool)
	}
	return r
}

// lockFor returns the transition lock for the named extension, creating
// it on first use.
func (r *Registry) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lk, ok := r.locks[name]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[name] = lk
	}
	return lk
}

func (r *Registry) notify(name string, state string) {
	if r.deps.Hub != nil {
		r.deps.Hub.Broadcast(ws.Event{Type: "extension_state", Extension: name, State: state})
	}
}

func (r *Registry) persist(ctx context.Context, rec *Record) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRecord(ctx, rec); err != nil {
		log.Printf("WARNING: failed to persist record for %q: %v", rec.Name, err)
	}
}

// InstallPackage installs the package in <root>/<dir>. The directory name
// must follow the <name>_<version> convention declared by its manifest.
func (r *Registry) InstallPackage(ctx context.Context, dir string, upgrade bool) (Record, error) {
	m, files, err := manifest.Load(filepath.Join(r.deps.Root, dir))
	if err != nil {
		return Record{}, err
	}
	if err := manifest.Validate(m, files); err != nil {
		return Record{}, err
	}
	if dir != manifest.PackageDir(m.Name, m.Version) {
		return Record{}, &manifest.Error{
			Field:  "name",
			Reason: fmt.Sprintf("package directory %q does not match %q", dir, manifest.PackageDir(m.Name, m.Version)),
		}
	}
	return r.install(ctx, m, files, false, upgrade)
}

// InstallBuiltin installs an extension whose backend and package listing
// are linked into the host binary.
func (r *Registry) InstallBuiltin(ctx context.Context, m manifest.Manifest, files []string, factory func() Backend) (Record, error) {
	if err := manifest.Validate(&m, files); err != nil {
		return Record{}, err
	}
	if factory != nil {
		if err := RegisterEntry(m.Name, factory); err != nil {
			return Record{}, err
		}
	}
	return r.install(ctx, &m, files, true, true)
}

func (r *Registry) install(ctx context.Context, m *manifest.Manifest, files []string, builtin, upgrade bool) (Record, error) {
	lk := r.lockFor(m.Name)
	lk.Lock()
	defer lk.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	slug := manifest.Slug(m.Name)
	for _, other := range r.records {
		if other.Name != m.Name && manifest.Slug(other.Name) == slug {
			return Record{}, fmt.Errorf("route prefix %q already reserved by %q: %w",
				manifest.RoutePrefix(m.Name), other.Name, ErrPackageConflict)
		}
	}

	if existing, ok := r.records[m.Name]; ok {
		switch {
		case existing.Version == m.Version:
			// Reinstall of the same version refreshes the contract and
			// keeps the operator's grant set.
		case !upgrade:
			return Record{}, fmt.Errorf("%q v%s already installed (installing v%s requires upgrade intent): %w",
				m.Name, existing.Version, m.Version, ErrPackageConflict)
		case existing.State == StateEnabled:
			return Record{}, fmt.Errorf("%q is enabled; disable before upgrading: %w", m.Name, ErrInvalidTransition)
		default:
			// An upgrade resets the grant set to the new declaration.
			existing.Granted = append([]string(nil), m.Permissions...)
		}
		existing.Version = m.Version
		existing.Manifest = *m
		existing.Cause = ""
		existing.packageFiles = files
		existing.builtin = builtin
		if !builtin {
			r.persist(ctx, existing)
		}
		return *existing, nil
	}

	rec := &Record{
		ExtensionID: uuid.New().String(),
		Name:        m.Name,
		Version:     m.Version,
		State:       StateInstalled,
		Manifest:    *m,
		// Declared permissions are granted on install; operators narrow
		// the set through the management API.
		Granted:      append([]string(nil), m.Permissions...),
		InstalledAt:  time.Now().UTC(),
		packageFiles: files,
		builtin:      builtin,
	}
	r.records[m.Name] = rec
	if builtin {
		// Insert-if-absent: the persisted row from the previous run, with
		// its enablement state and grant set, must survive the reinstall
		// that happens on every boot. Startup adopts it afterwards.
		if r.store != nil {
			if err := r.store.InsertRecord(ctx, rec); err != nil {
				log.Printf("WARNING: failed to persist record for %q: %v", rec.Name, err)
			}
		}
	} else {
		r.persist(ctx, rec)
	}
	return *rec, nil
}

// Enable drives the installed|disabled -> enabled transition: manifest
// re-validation, collision prechecks, initialization through a fresh
// Context under a host-enforced timeout, then atomic mounting. Any failure
// leaves zero bindings mounted.
func (r *Registry) Enable(ctx context.Context, name string) error {
	lk := r.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	r.mu.RLock()
	rec, ok := r.records[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if rec.State != StateInstalled && rec.State != StateDisabled {
		return fmt.Errorf("cannot enable %q from state %q: %w", name, rec.State, ErrInvalidTransition)
	}

	// Re-validate the contract; the package may have been tampered with
	// on disk since install.
	m := rec.Manifest
	if rec.builtin {
		if err := manifest.Validate(&m, rec.packageFiles); err != nil {
			return err
		}
	} else {
		dir := manifest.PackageDir(rec.Name, rec.Version)
		fresh, files, err := manifest.Load(filepath.Join(r.deps.Root, dir))
		if err != nil {
			return err
		}
		if err := manifest.Validate(fresh, files); err != nil {
			return err
		}
		if fresh.Name != rec.Name || fresh.Version != rec.Version {
			return &manifest.Error{Field: "name", Reason: "manifest identity changed since install"}
		}
		m = *fresh
		r.mu.Lock()
		rec.Manifest = *fresh
		rec.packageFiles = files
		r.mu.Unlock()
	}

	// Collision prechecks happen before any code runs or anything mounts.
	prefix := manifest.RoutePrefix(name)
	if err := r.deps.Dispatcher.CheckPrefix(name, prefix); err != nil {
		return fmt.Errorf("%v: %w", err, ErrPackageConflict)
	}
	if err := r.deps.Frontend.Check(name, m.FrontendRoutes); err != nil {
		return fmt.Errorf("%v: %w", err, ErrPackageConflict)
	}

	var backend Backend
	if m.BackendEntry != "" {
		factory, ok := lookupEntry(name)
		if !ok {
			return r.failEnable(ctx, rec, fmt.Errorf("backend entry %q is not linked into this host", m.BackendEntry))
		}
		backend = factory()
	}

	ec := newContext(rec, r.deps.Pool, false)
	if backend != nil {
		if err := r.runInit(ctx, backend, ec); err != nil {
			return r.failEnable(ctx, rec, err)
		}
	}

	bindings := ec.seal()
	if err := r.deps.Dispatcher.Mount(name, prefix, bindings); err != nil {
		return fmt.Errorf("%v: %w", err, ErrPackageConflict)
	}
	if err := r.deps.Frontend.Register(name, rec.Version, m.FrontendRoutes); err != nil {
		r.deps.Dispatcher.Unmount(name)
		return fmt.Errorf("%v: %w", err, ErrPackageConflict)
	}

	for capType, caps := range m.Provides {
		for _, c := range caps {
			err := r.deps.Capabilities.Register(capability.Registration{
				Provider:    name,
				Type:        capType,
				Name:        c.Name,
				Component:   c.Component,
				Handler:     c.Handler,
				Description: c.Description,
			})
			if err != nil {
				r.deps.Capabilities.RemoveProvider(name)
				r.deps.Frontend.Unregister(name)
				r.deps.Dispatcher.Unmount(name)
				return fmt.Errorf("%v: %w", err, ErrPackageConflict)
			}
		}
	}

	if err := r.deps.Translations.Load(name, rec.Version, m.Locales); err != nil {
		log.Printf("WARNING: failed to load translations for %q: %v", name, err)
	}

	r.mu.Lock()
	r.backends[name] = backend
	rec.State = StateEnabled
	rec.Cause = ""
	r.mu.Unlock()
	r.persist(ctx, rec)
	r.notify(name, string(StateEnabled))
	return nil
}

// runInit invokes the initializer with the host-enforced timeout. A panic
// or a late return is treated as initialization failure, not a host hang.
func (r *Registry) runInit(ctx context.Context, backend Backend, ec *Context) error {
	initCtx, cancel := context.WithTimeout(ctx, r.deps.EnableTimeout)
	defer cancel()

	type outcome struct {
		res InitResult
		err error
	}
	outCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				outCh <- outcome{err: fmt.Errorf("initializer panicked: %v", p)}
			}
		}()
		res, err := backend.Init(initCtx, ec)
		outCh <- outcome{res: res, err: err}
	}()

	select {
	case out := <-outCh:
		if out.err != nil {
			return out.err
		}
		log.Printf("extension %q initialized: routes=%d tables=%d status=%q",
			ec.name, out.res.RoutesRegistered, len(out.res.TablesCreated), out.res.Status)
		return nil
	case <-initCtx.Done():
		return fmt.Errorf("initializer did not return within %s", r.deps.EnableTimeout)
	}
}

// failEnable records an initialization failure: the extension moves to
// errored with the captured cause and is reported, never silently retried.
func (r *Registry) failEnable(ctx context.Context, rec *Record, cause error) error {
	r.deps.Capabilities.RemoveProvider(rec.Name)
	r.mu.Lock()
	rec.State = StateErrored
	rec.Cause = cause.Error()
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.UpdateState(ctx, rec.Name, StateErrored, rec.Cause); err != nil {
			log.Printf("WARNING: failed to persist errored state for %q: %v", rec.Name, err)
		}
	}
	r.notify(rec.Name, string(StateErrored))
	return fmt.Errorf("extension %q: %v: %w", rec.Name, cause, ErrInitializationFailed)
}

// Disable drives enabled -> disabled. Cleanup is best-effort; after the
// transition no request can reach the extension's code.
func (r *Registry) Disable(ctx context.Context, name string) error {
	lk := r.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	r.mu.RLock()
	rec, ok := r.records[name]
	backend := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if rec.State != StateEnabled {
		return fmt.Errorf("cannot disable %q from state %q: %w", name, rec.State, ErrInvalidTransition)
	}

	if backend != nil {
		if err := backend.Cleanup(ctx, newContext(rec, r.deps.Pool, true)); err != nil {
			log.Printf("WARNING: cleanup for %q failed: %v", name, err)
		}
	}

	r.deps.Dispatcher.Unmount(name)
	r.deps.Frontend.Unregister(name)
	r.deps.Capabilities.RemoveProvider(name)
	r.deps.Translations.Remove(name)

	r.mu.Lock()
	delete(r.backends, name)
	rec.State = StateDisabled
	rec.Cause = ""
	r.mu.Unlock()
	r.persist(ctx, rec)
	r.notify(name, string(StateDisabled))
	return nil
}

// Uninstall removes the extension record. The storage namespace is purged
// or exported to a JSON dump per the caller's choice.
func (r *Registry) Uninstall(ctx context.Context, name string, purge bool) error {
	lk := r.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	r.mu.RLock()
	rec, ok := r.records[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	if rec.State == StateEnabled {
		return fmt.Errorf("cannot uninstall %q while enabled: %w", name, ErrInvalidTransition)
	}

	if r.store != nil {
		slug := manifest.Slug(name)
		if purge {
			if err := r.store.PurgeNamespace(ctx, slug); err != nil {
				return fmt.Errorf("failed to purge storage for %q: %w", name, err)
			}
		} else {
			exp, err := r.store.ExportNamespace(ctx, name, slug)
			if err != nil {
				return fmt.Errorf("failed to export storage for %q: %w", name, err)
			}
			if err := r.writeExport(rec, exp); err != nil {
				return err
			}
		}
		if err := r.store.DeleteRecord(ctx, name); err != nil {
			return err
		}
	}

	r.mu.Lock()
	delete(r.records, name)
	r.mu.Unlock()
	r.notify(name, "uninstalled")
	return nil
}

func (r *Registry) writeExport(rec *Record, exp *Export) error {
	if err := os.MkdirAll(r.deps.ExportPath, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	raw, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	path := filepath.Join(r.deps.ExportPath,
		fmt.Sprintf("%s_%d.json", manifest.PackageDir(rec.Name, rec.Version), time.Now().Unix()))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	log.Printf("extension %q storage exported to %s", rec.Name, path)
	return nil
}

// Grant narrows or restores the extension's granted permission set. The
// new set must be a subset of the declared permissions; it takes effect on
// the next enable.
func (r *Registry) Grant(ctx context.Context, name string, granted []string) error {
	lk := r.lockFor(name)
	lk.Lock()
	defer lk.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	declared := make(map[string]bool, len(rec.Manifest.Permissions))
	for _, p := range rec.Manifest.Permissions {
		declared[p] = true
	}
	for _, p := range granted {
		if !declared[p] {
			return fmt.Errorf("%q was not declared by %q: %w", p, name, ErrPermissionDenied)
		}
	}

	rec.Granted = append([]string(nil), granted...)
	if r.store != nil {
		if err := r.store.UpdateGranted(ctx, name, rec.Granted); err != nil {
			return err
		}
	}
	return nil
}

// Get returns a copy of the record for name.
func (r *Registry) Get(name string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	return *rec, nil
}

// List returns copies of every record, ordered by name.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// VersionInfo is the public discovery listing entry.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListEnabled returns the name and version of every enabled extension.
// This feeds the frontend's route-loading bootstrap.
func (r *Registry) ListEnabled() []VersionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []VersionInfo
	for _, rec := range r.records {
		if rec.State == StateEnabled {
			out = append(out, VersionInfo{Name: rec.Name, Version: rec.Version})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Startup restores persisted records and re-enables the extensions that
// were enabled when the host last ran. A failed re-enable degrades that
// extension to errored; it never takes the host down.
func (r *Registry) Startup(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	persisted, err := r.store.ListRecords(ctx)
	if err != nil {
		return err
	}

	for _, name := range r.adoptPersisted(persisted) {
		if err := r.Enable(ctx, name); err != nil {
			log.Printf("WARNING: failed to re-enable %q: %v", name, err)
		}
	}
	return nil
}

// adoptPersisted reconciles persisted records with the ones already
// installed this boot and returns the names to re-enable.
func (r *Registry) adoptPersisted(persisted []*Record) []string {
	var toEnable []string
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range persisted {
		if rec, ok := r.records[p.Name]; ok {
			// Built-in installed earlier this boot; adopt persisted
			// identity, grants, and state. Enablement is re-driven through
			// Enable so the binder re-mounts.
			rec.ExtensionID = p.ExtensionID
			rec.Granted = p.Granted
			rec.InstalledAt = p.InstalledAt
			switch p.State {
			case StateEnabled:
				toEnable = append(toEnable, p.Name)
			default:
				rec.State = p.State
				rec.Cause = p.Cause
			}
			continue
		}
		rec := p
		if rec.State == StateEnabled {
			rec.State = StateDisabled
			toEnable = append(toEnable, rec.Name)
		}
		r.records[rec.Name] = rec
	}
	return toEnable
}
