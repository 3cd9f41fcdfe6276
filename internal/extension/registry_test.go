package extension

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nebulahq/nebula/internal/binder"
	"github.com/nebulahq/nebula/internal/capability"
	"github.com/nebulahq/nebula/internal/i18n"
	"github.com/nebulahq/nebula/internal/manifest"
)

// Backend factories are process-global, so every test uses a distinct
// extension name.

type mockBackend struct {
	initErr   error
	initDelay time.Duration
	initPanic bool
	routes    []string

	initCalls    int
	cleanupCalls int
}

func (m *mockBackend) Init(ctx context.Context, ec *Context) (InitResult, error) {
	m.initCalls++
	if m.initPanic {
		panic("boom")
	}
	if m.initDelay > 0 {
		time.Sleep(m.initDelay)
	}
	if m.initErr != nil {
		return InitResult{}, m.initErr
	}
	for _, p := range m.routes {
		if err := ec.RegisterRoute("GET", p, func(ec *Context, w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}); err != nil {
			return InitResult{}, err
		}
	}
	return InitResult{RoutesRegistered: len(m.routes), Status: "ok"}, nil
}

func (m *mockBackend) Cleanup(ctx context.Context, ec *Context) error {
	m.cleanupCalls++
	return nil
}

type testHost struct {
	registry     *Registry
	dispatcher   *binder.Dispatcher
	capabilities *capability.Registry
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	dispatcher := binder.NewDispatcher()
	capabilities := capability.NewRegistry()
	registry := NewRegistry(Deps{
		Dispatcher:    dispatcher,
		Frontend:      binder.NewFrontend(t.TempDir()),
		Capabilities:  capabilities,
		Translations:  i18n.NewLoader(t.TempDir(), "en"),
		ExportPath:    t.TempDir(),
		EnableTimeout: 2 * time.Second,
	})
	return &testHost{registry: registry, dispatcher: dispatcher, capabilities: capabilities}
}

func testManifest(name string) manifest.Manifest {
	return manifest.Manifest{
		Name:         name,
		Version:      "1.0.0",
		Type:         manifest.TypeExtension,
		BackendEntry: "backend/main.go",
		Locales:      manifest.Locales{Supported: []string{"en"}, Default: "en"},
	}
}

func testFiles() []string {
	return []string{"manifest.json", "backend/main.go", "frontend/locales/en.json"}
}

func installMock(t *testing.T, h *testHost, name string, b *mockBackend) {
	t.Helper()
	_, err := h.registry.InstallBuiltin(context.Background(), testManifest(name), testFiles(), func() Backend { return b })
	if err != nil {
		t.Fatalf("install %q failed: %v", name, err)
	}
}

func (h *testHost) dispatch(method, path string) int {
	rr := httptest.NewRecorder()
	h.dispatcher.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr.Code
}

func TestEnableDisableRoundTrip(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()
	b := &mockBackend{routes: []string{"/items"}}
	installMock(t, h, "alpha", b)

	rec, err := h.registry.Get("alpha")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != StateInstalled {
		t.Fatalf("expected installed, got %q", rec.State)
	}

	if err := h.registry.Enable(ctx, "alpha"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if code := h.dispatch("GET", "/ext/alpha/items"); code != http.StatusNoContent {
		t.Errorf("enabled route = %d, want 204", code)
	}
	if enabled := h.registry.ListEnabled(); len(enabled) != 1 || enabled[0].Name != "alpha" {
		t.Errorf("unexpected enabled listing %v", enabled)
	}

	if err := h.registry.Disable(ctx, "alpha"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if b.cleanupCalls != 1 {
		t.Errorf("expected 1 cleanup call, got %d", b.cleanupCalls)
	}
	if code := h.dispatch("GET", "/ext/alpha/items"); code != http.StatusNotFound {
		t.Errorf("disabled route = %d, want 404", code)
	}
	if enabled := h.registry.ListEnabled(); len(enabled) != 0 {
		t.Errorf("expected no enabled extensions, got %v", enabled)
	}

	// Re-enable restores the same surface.
	if err := h.registry.Enable(ctx, "alpha"); err != nil {
		t.Fatalf("re-Enable failed: %v", err)
	}
	if code := h.dispatch("GET", "/ext/alpha/items"); code != http.StatusNoContent {
		t.Errorf("re-enabled route = %d, want 204", code)
	}
	if b.initCalls != 2 {
		t.Errorf("expected 2 init calls, got %d", b.initCalls)
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()
	installMock(t, h, "bravo", &mockBackend{})

	if err := h.registry.Disable(ctx, "bravo"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Disable from installed: expected ErrInvalidTransition, got %v", err)
	}
	if err := h.registry.Enable(ctx, "bravo"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if err := h.registry.Enable(ctx, "bravo"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Enable from enabled: expected ErrInvalidTransition, got %v", err)
	}
	if err := h.registry.Uninstall(ctx, "bravo", false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Uninstall while enabled: expected ErrInvalidTransition, got %v", err)
	}
	if err := h.registry.Enable(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Enable unknown: expected ErrNotFound, got %v", err)
	}
}

func TestInitFailureLeavesNothingMounted(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()
	installMock(t, h, "charlie", &mockBackend{initErr: errors.New("no database")})

	err := h.registry.Enable(ctx, "charlie")
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed, got %v", err)
	}

	rec, _ := h.registry.Get("charlie")
	if rec.State != StateErrored {
		t.Errorf("expected errored state, got %q", rec.State)
	}
	if rec.Cause == "" {
		t.Error("expected captured cause")
	}
	if bindings := h.dispatcher.Bindings("charlie"); len(bindings) != 0 {
		t.Errorf("expected zero mounted bindings, got %d", len(bindings))
	}
}

func TestInitPanicIsContained(t *testing.T) {
	h := newTestHost(t)
	installMock(t, h, "delta", &mockBackend{initPanic: true})

	err := h.registry.Enable(context.Background(), "delta")
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed, got %v", err)
	}
	rec, _ := h.registry.Get("delta")
	if rec.State != StateErrored {
		t.Errorf("expected errored state, got %q", rec.State)
	}
}

func TestInitTimeout(t *testing.T) {
	h := newTestHost(t)
	h.registry.deps.EnableTimeout = 50 * time.Millisecond
	installMock(t, h, "echo", &mockBackend{initDelay: 500 * time.Millisecond})

	err := h.registry.Enable(context.Background(), "echo")
	if !errors.Is(err, ErrInitializationFailed) {
		t.Fatalf("expected ErrInitializationFailed, got %v", err)
	}
	rec, _ := h.registry.Get("echo")
	if rec.State != StateErrored {
		t.Errorf("expected errored state, got %q", rec.State)
	}
}

func TestSlugCollisionRejectedAtInstall(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m1 := testManifest("My Foxtrot")
	m1.BackendEntry = ""
	if _, err := h.registry.InstallBuiltin(ctx, m1, testFiles(), nil); err != nil {
		t.Fatalf("first install failed: %v", err)
	}

	// "my_foxtrot" slugs to the same reserved prefix as "My Foxtrot".
	m2 := testManifest("my_foxtrot")
	m2.BackendEntry = ""
	if _, err := h.registry.InstallBuiltin(ctx, m2, testFiles(), nil); !errors.Is(err, ErrPackageConflict) {
		t.Fatalf("expected ErrPackageConflict, got %v", err)
	}
}

func TestFrontendPathCollisionPrecheck(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m1 := testManifest("golf")
	m1.BackendEntry = ""
	m1.FrontendRoutes = []manifest.Route{{Path: "/admin", Component: "frontend/Admin.js", Name: "admin"}}
	m2 := testManifest("hotel")
	m2.BackendEntry = ""
	m2.FrontendRoutes = []manifest.Route{{Path: "/admin", Component: "frontend/Admin.js", Name: "admin"}}
	files := append(testFiles(), "frontend/Admin.js")

	if _, err := h.registry.InstallBuiltin(ctx, m1, files, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := h.registry.InstallBuiltin(ctx, m2, files, nil); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Enable(ctx, "golf"); err != nil {
		t.Fatalf("Enable golf failed: %v", err)
	}

	err := h.registry.Enable(ctx, "hotel")
	if !errors.Is(err, ErrPackageConflict) {
		t.Fatalf("expected ErrPackageConflict, got %v", err)
	}
	// The collision is caught in the precheck: hotel stays installed, it
	// is not errored and nothing of it is mounted.
	rec, _ := h.registry.Get("hotel")
	if rec.State != StateInstalled {
		t.Errorf("expected installed after precheck failure, got %q", rec.State)
	}
	if bindings := h.dispatcher.Bindings("hotel"); len(bindings) != 0 {
		t.Errorf("expected zero bindings for hotel, got %d", len(bindings))
	}

	// Once golf releases /admin, hotel can enable.
	if err := h.registry.Disable(ctx, "golf"); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Enable(ctx, "hotel"); err != nil {
		t.Fatalf("Enable hotel after release failed: %v", err)
	}
}

func TestCapabilityLifecycle(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("india")
	m.BackendEntry = ""
	m.Provides = map[string][]manifest.Capability{
		"content_embedder": {{Name: "product", Component: "frontend/ProductCard.js", Handler: "/ext/india/products"}},
	}
	if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil); err != nil {
		t.Fatal(err)
	}

	if regs := h.capabilities.Query("content_embedder"); len(regs) != 0 {
		t.Fatalf("expected no registrations before enable, got %d", len(regs))
	}

	if err := h.registry.Enable(ctx, "india"); err != nil {
		t.Fatal(err)
	}
	regs := h.capabilities.Query("content_embedder")
	if len(regs) != 1 || regs[0].Name != "product" || regs[0].Provider != "india" {
		t.Fatalf("unexpected registrations after enable: %v", regs)
	}

	if err := h.registry.Disable(ctx, "india"); err != nil {
		t.Fatal(err)
	}
	if regs := h.capabilities.Query("content_embedder"); len(regs) != 0 {
		t.Errorf("expected registrations withdrawn after disable, got %v", regs)
	}
}

func TestGrantSubsetOfDeclared(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("juliet")
	m.BackendEntry = ""
	m.Permissions = []string{manifest.PermDatabaseWrite, manifest.PermSystemRead}
	if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil); err != nil {
		t.Fatal(err)
	}

	// Declared permissions are granted on install.
	rec, _ := h.registry.Get("juliet")
	if len(rec.Granted) != 2 {
		t.Fatalf("expected 2 granted permissions, got %v", rec.Granted)
	}

	// Narrowing to a declared subset is allowed.
	if err := h.registry.Grant(ctx, "juliet", []string{manifest.PermSystemRead}); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	rec, _ = h.registry.Get("juliet")
	if len(rec.Granted) != 1 || rec.Granted[0] != manifest.PermSystemRead {
		t.Errorf("unexpected granted set %v", rec.Granted)
	}

	// Granting beyond the declaration is refused.
	err := h.registry.Grant(ctx, "juliet", []string{manifest.PermProcessControl})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestUpgradeRequiresIntentAndDisabledState(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("kilo")
	m.BackendEntry = ""
	if _, err := h.registry.install(ctx, &m, testFiles(), true, false); err != nil {
		t.Fatal(err)
	}

	m2 := m
	m2.Version = "2.0.0"
	if _, err := h.registry.install(ctx, &m2, testFiles(), true, false); !errors.Is(err, ErrPackageConflict) {
		t.Fatalf("expected ErrPackageConflict without upgrade intent, got %v", err)
	}

	if err := h.registry.Enable(ctx, "kilo"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.registry.install(ctx, &m2, testFiles(), true, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while enabled, got %v", err)
	}

	if err := h.registry.Disable(ctx, "kilo"); err != nil {
		t.Fatal(err)
	}
	rec, err := h.registry.install(ctx, &m2, testFiles(), true, true)
	if err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if rec.Version != "2.0.0" {
		t.Errorf("expected version 2.0.0, got %q", rec.Version)
	}
}

func TestUninstallRemovesRecord(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("lima")
	m.BackendEntry = ""
	if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Uninstall(ctx, "lima", true); err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if _, err := h.registry.Get("lima"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after uninstall, got %v", err)
	}
}

func TestListIsSorted(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()
	for _, name := range []string{"zulu", "mike", "november"} {
		m := testManifest(name)
		m.BackendEntry = ""
		if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil); err != nil {
			t.Fatal(err)
		}
	}

	list := h.registry.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	if list[0].Name != "mike" || list[1].Name != "november" || list[2].Name != "zulu" {
		t.Errorf("list not sorted by name: %v", []string{list[0].Name, list[1].Name, list[2].Name})
	}
}

func TestAdoptPersistedEnablement(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("papa")
	m.Permissions = []string{manifest.PermDatabaseWrite, manifest.PermSystemRead}
	b := &mockBackend{routes: []string{"/items"}}
	if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), func() Backend { return b }); err != nil {
		t.Fatal(err)
	}

	// What the previous run persisted: enabled, with the grant set
	// narrowed by an operator.
	installedAt := time.Now().Add(-24 * time.Hour).UTC()
	toEnable := h.registry.adoptPersisted([]*Record{{
		ExtensionID: "persisted-id",
		Name:        "papa",
		Version:     "1.0.0",
		State:       StateEnabled,
		Granted:     []string{manifest.PermSystemRead},
		InstalledAt: installedAt,
	}})

	if len(toEnable) != 1 || toEnable[0] != "papa" {
		t.Fatalf("expected papa queued for re-enable, got %v", toEnable)
	}
	for _, name := range toEnable {
		if err := h.registry.Enable(ctx, name); err != nil {
			t.Fatalf("re-enable %q failed: %v", name, err)
		}
	}

	rec, _ := h.registry.Get("papa")
	if rec.State != StateEnabled {
		t.Errorf("expected enabled after restore, got %q", rec.State)
	}
	if rec.ExtensionID != "persisted-id" {
		t.Errorf("expected persisted identity, got %q", rec.ExtensionID)
	}
	if len(rec.Granted) != 1 || rec.Granted[0] != manifest.PermSystemRead {
		t.Errorf("narrowed grant set not adopted: %v", rec.Granted)
	}
	if !rec.InstalledAt.Equal(installedAt) {
		t.Errorf("expected persisted install time, got %v", rec.InstalledAt)
	}
	if code := h.dispatch("GET", "/ext/papa/items"); code != http.StatusNoContent {
		t.Errorf("restored route = %d, want 204", code)
	}
}

func TestAdoptPersistedErroredState(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("quebec")
	m.BackendEntry = ""
	if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil); err != nil {
		t.Fatal(err)
	}

	toEnable := h.registry.adoptPersisted([]*Record{{
		ExtensionID: "persisted-id",
		Name:        "quebec",
		Version:     "1.0.0",
		State:       StateErrored,
		Cause:       "initializer did not return within 10s",
	}})
	if len(toEnable) != 0 {
		t.Fatalf("errored extension must not be re-enabled, got %v", toEnable)
	}

	rec, _ := h.registry.Get("quebec")
	if rec.State != StateErrored {
		t.Errorf("expected errored after adoption, got %q", rec.State)
	}
	if rec.Cause == "" {
		t.Error("expected persisted cause to be adopted")
	}
}

func TestAdoptPersistedDiskRecord(t *testing.T) {
	h := newTestHost(t)

	// A disk-installed extension from the previous run, not present in
	// memory this boot: restored as disabled and queued for re-enable.
	toEnable := h.registry.adoptPersisted([]*Record{{
		ExtensionID: "persisted-id",
		Name:        "sierra",
		Version:     "1.0.0",
		State:       StateEnabled,
		Manifest:    testManifest("sierra"),
	}})
	if len(toEnable) != 1 || toEnable[0] != "sierra" {
		t.Fatalf("expected sierra queued for re-enable, got %v", toEnable)
	}
	rec, err := h.registry.Get("sierra")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.State != StateDisabled {
		t.Errorf("expected disabled pending re-enable, got %q", rec.State)
	}
}

func TestSameVersionReinstallKeepsGrants(t *testing.T) {
	h := newTestHost(t)
	ctx := context.Background()

	m := testManifest("romeo")
	m.BackendEntry = ""
	m.Permissions = []string{manifest.PermDatabaseWrite, manifest.PermSystemRead}
	if _, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil); err != nil {
		t.Fatal(err)
	}
	if err := h.registry.Grant(ctx, "romeo", []string{manifest.PermSystemRead}); err != nil {
		t.Fatal(err)
	}

	rec, err := h.registry.InstallBuiltin(ctx, m, testFiles(), nil)
	if err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}
	if len(rec.Granted) != 1 || rec.Granted[0] != manifest.PermSystemRead {
		t.Errorf("reinstall clobbered the narrowed grant set: %v", rec.Granted)
	}
}

func TestInstallPackageRejectsEscapingName(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "packages")
	pkg := filepath.Join(base, "outside", "evil_1.0.0")
	for _, dir := range []string{root, pkg} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	doc := `{"name": "../outside/evil", "version": "1.0.0", "type": "extension",
		"locales": {"supported": ["en"], "default": "en"}}`
	if err := os.WriteFile(filepath.Join(pkg, manifest.ManifestFile), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	registry := NewRegistry(Deps{
		Dispatcher:   binder.NewDispatcher(),
		Frontend:     binder.NewFrontend(root),
		Capabilities: capability.NewRegistry(),
		Translations: i18n.NewLoader(root, "en"),
		Root:         root,
	})
	_, err := registry.InstallPackage(context.Background(), "../outside/evil_1.0.0", false)
	if !errors.Is(err, manifest.ErrInvalid) {
		t.Fatalf("expected manifest rejection for escaping name, got %v", err)
	}
	if _, err := registry.Get("../outside/evil"); !errors.Is(err, ErrNotFound) {
		t.Errorf("escaping package must not be installed, got %v", err)
	}
}

func TestDuplicateEntryRegistration(t *testing.T) {
	if err := RegisterEntry("oscar", func() Backend { return &mockBackend{} }); err != nil {
		t.Fatalf("RegisterEntry failed: %v", err)
	}
	if err := RegisterEntry("oscar", func() Backend { return &mockBackend{} }); err == nil {
		t.Error("expected duplicate entry registration to fail")
	}
}
