package extension

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nebulahq/nebula/internal/binder"
	"github.com/nebulahq/nebula/internal/manifest"
)

// Handler is the signature of an extension-registered backend handler. The
// runtime constructs a fresh Context per dispatched request.
type Handler func(ec *Context, w http.ResponseWriter, r *http.Request)

// Context is the capability-scoped facade through which extension code
// reaches the host. It exposes exactly two capabilities: query execution
// against shared storage and route registration under the extension's
// reserved prefix. It is never persisted and never shared across
// extensions.
type Context struct {
	ExtensionID string

	name    string
	slug    string
	granted map[string]bool
	pool    *pgxpool.Pool

	mu     sync.Mutex
	routes []binder.Binding
	sealed bool
}

func newContext(rec *Record, pool *pgxpool.Pool, sealed bool) *Context {
	granted := make(map[string]bool, len(rec.Granted))
	for _, p := range rec.Granted {
		granted[p] = true
	}
	return &Context{
		ExtensionID: rec.ExtensionID,
		name:        rec.Name,
		slug:        manifest.Slug(rec.Name),
		granted:     granted,
		pool:        pool,
		sealed:      sealed,
	}
}

// Granted reports whether the extension holds the named permission. Host
// wrappers consult this; extension code never enforces its own permissions.
func (c *Context) Granted(perm string) bool {
	return c.granted[perm]
}

// TableName returns the storage-namespaced table name for base. Every
// table an extension touches lives in its own namespace.
func (c *Context) TableName(base string) string {
	return "ext_" + strings.ReplaceAll(c.slug, "-", "_") + "_" + base
}

// Exec runs a parameterized write statement. Each call is its own
// transaction: effects are durably committed before Exec returns on
// success and fully rolled back on any failure. Extension code has no
// other way to control transaction boundaries.
func (c *Context) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if !c.granted[manifest.PermDatabaseWrite] {
		return 0, fmt.Errorf("extension %q: %s not granted: %w", c.name, manifest.PermDatabaseWrite, ErrPermissionDenied)
	}
	if c.pool == nil {
		return 0, fmt.Errorf("storage unavailable")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("statement failed (rolled back): %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Query runs a parameterized read statement and returns the collected
// rows. Rows are fully drained before returning so no cursor outlives the
// call.
func (c *Context) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	if c.pool == nil {
		return nil, fmt.Errorf("storage unavailable")
	}

	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// RegisterRoute registers a (method, sub-path, handler) triple under the
// extension's reserved prefix. Only valid while the initialization entry
// point runs; request-scoped contexts are sealed.
func (c *Context) RegisterRoute(method, subpath string, h Handler) error {
	if method == "" {
		return fmt.Errorf("method is required")
	}
	if !strings.HasPrefix(subpath, "/") {
		return fmt.Errorf("sub-path %q must start with '/'", subpath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return fmt.Errorf("route registration is only available during initialization")
	}
	c.routes = append(c.routes, binder.Binding{
		Method: strings.ToUpper(method),
		Path:   subpath,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h(c.requestScoped(), w, r)
		}),
	})
	return nil
}

// requestScoped derives the per-request Context dispatched handlers see:
// same identity and grants, no route registration.
func (c *Context) requestScoped() *Context {
	return &Context{
		ExtensionID: c.ExtensionID,
		name:        c.name,
		slug:        c.slug,
		granted:     c.granted,
		pool:        c.pool,
		sealed:      true,
	}
}

// seal closes route registration and hands the collected bindings to the
// lifecycle manager.
func (c *Context) seal() []binder.Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return c.routes
}
