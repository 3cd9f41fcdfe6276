// Package extension implements the extension runtime: the registry and
// lifecycle manager, the capability-scoped execution context handed to
// extension code, and the persistence of installed extension records.
package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nebulahq/nebula/internal/manifest"
)

// State is an extension's lifecycle state.
type State string

const (
	StateInstalled State = "installed"
	StateEnabled   State = "enabled"
	StateDisabled  State = "disabled"
	StateErrored   State = "errored"
)

// InitResult is the structured result an extension's initializer returns.
type InitResult struct {
	RoutesRegistered int      `json:"routes_registered"`
	TablesCreated    []string `json:"tables_created"`
	Status           string   `json:"status"`
}

// Backend is the contract extension backend code satisfies. All interaction
// with the host passes through the Context parameter; there is no ambient
// global state, which also makes extensions trivial to unit-test with a
// fake Context.
type Backend interface {
	Init(ctx context.Context, ec *Context) (InitResult, error)
	Cleanup(ctx context.Context, ec *Context) error
}

// Record is the host's bookkeeping for one installed extension. At most
// one Record exists per name.
type Record struct {
	ExtensionID string            `json:"extension_id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	State       State             `json:"state"`
	Manifest    manifest.Manifest `json:"manifest"`
	Granted     []string          `json:"granted"`
	Cause       string            `json:"cause,omitempty"`
	InstalledAt time.Time         `json:"installed_at"`

	// packageFiles is the validated file listing. For built-in extensions
	// it is supplied at registration instead of read from disk.
	packageFiles []string
	builtin      bool
}

// Backend factories are resolved by extension name: loading externally
// supplied machine code into a running Go process is not on the table, so
// "dynamic binding" is a deterministic lookup against factories the host
// binary linked in. The manifest's backend_entry must still name a file
// present in the package.
var (
	entriesMu sync.RWMutex
	entries   = make(map[string]func() Backend)
)

// RegisterEntry makes a backend factory resolvable for the named
// extension. Typically called from an extension package's init path
// before the registry enables anything.
func RegisterEntry(name string, factory func() Backend) error {
	entriesMu.Lock()
	defer entriesMu.Unlock()
	if _, ok := entries[name]; ok {
		return fmt.Errorf("backend entry for %q already registered", name)
	}
	entries[name] = factory
	return nil
}

func lookupEntry(name string) (func() Backend, bool) {
	entriesMu.RLock()
	defer entriesMu.RUnlock()
	f, ok := entries[name]
	return f, ok
}
