// Package catalog is the bundled product-catalog extension ("store"). It
// exercises the full runtime surface: namespaced storage through the
// execution context, backend routes under its reserved prefix, frontend
// routes, locale bundles, and a published content_embedder capability
// other extensions can discover and embed.
package catalog

import (
	"context"
	"fmt"
	"log"

	"github.com/nebulahq/nebula/internal/extension"
	"github.com/nebulahq/nebula/internal/manifest"
)

var Manifest = manifest.Manifest{
	Name:          "store",
	Version:       "1.0.0",
	Type:          manifest.TypeExtension,
	Description:   "Product catalog with embeddable product cards",
	BackendEntry:  "backend/main.go",
	FrontendEntry: "frontend/index.js",
	FrontendRoutes: []manifest.Route{
		{Path: "/store", Component: "frontend/StoreOverview.js", Name: "overview", Auth: true},
		{Path: "/store/products", Component: "frontend/ProductList.js", Name: "products", Auth: true},
	},
	Locales: manifest.Locales{
		Supported: []string{"en", "bg"},
		Default:   "en",
	},
	Permissions: []string{manifest.PermDatabaseWrite},
	Provides: map[string][]manifest.Capability{
		"content_embedder": {
			{
				Name:        "product",
				Component:   "frontend/ProductCard.js",
				Handler:     "/ext/store/products",
				Description: "Renders a product card for a given product id",
			},
		},
	},
}

// Files is the package listing validated against the manifest.
func Files() []string {
	return []string{
		"manifest.json",
		"backend/main.go",
		"frontend/index.js",
		"frontend/StoreOverview.js",
		"frontend/ProductList.js",
		"frontend/ProductCard.js",
		"frontend/locales/en.json",
		"frontend/locales/bg.json",
	}
}

type Extension struct {
	productsTable string
}

func New() extension.Backend {
	return &Extension{}
}

func (e *Extension) Init(ctx context.Context, ec *extension.Context) (extension.InitResult, error) {
	e.productsTable = ec.TableName("products")

	_, err := ec.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id SERIAL PRIMARY KEY,
			sku TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			price_cents BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, e.productsTable))
	if err != nil {
		return extension.InitResult{}, fmt.Errorf("failed to create products table: %w", err)
	}

	routes := []struct {
		method, path string
		h            extension.Handler
	}{
		{"GET", "/products", e.listProducts},
		{"POST", "/products", e.createProduct},
		{"GET", "/products/{sku}", e.getProduct},
	}
	for _, r := range routes {
		if err := ec.RegisterRoute(r.method, r.path, r.h); err != nil {
			return extension.InitResult{}, err
		}
	}

	return extension.InitResult{
		RoutesRegistered: len(routes),
		TablesCreated:    []string{e.productsTable},
		Status:           "ok",
	}, nil
}

func (e *Extension) Cleanup(ctx context.Context, ec *extension.Context) error {
	// Product data survives disable; it is only removed when the
	// extension is uninstalled with purge.
	log.Printf("store: cleanup complete")
	return nil
}
