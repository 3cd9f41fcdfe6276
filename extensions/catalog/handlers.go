package catalog

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nebulahq/nebula/internal/extension"
	"github.com/nebulahq/nebula/internal/httputil"
)

func (e *Extension) listProducts(ec *extension.Context, w http.ResponseWriter, r *http.Request) {
	rows, err := ec.Query(r.Context(),
		`SELECT id, sku, title, price_cents FROM `+e.productsTable+` ORDER BY created_at DESC`)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	httputil.WriteJSON(w, http.StatusOK, rows)
}

func (e *Extension) getProduct(ec *extension.Context, w http.ResponseWriter, r *http.Request) {
	sku := mux.Vars(r)["sku"]
	rows, err := ec.Query(r.Context(),
		`SELECT id, sku, title, price_cents FROM `+e.productsTable+` WHERE sku = $1`, sku)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to load product")
		return
	}
	if len(rows) == 0 {
		httputil.WriteError(w, http.StatusNotFound, "product not found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rows[0])
}

func (e *Extension) createProduct(ec *extension.Context, w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU        string `json:"sku"`
		Title      string `json:"title"`
		PriceCents int64  `json:"price_cents"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SKU == "" || req.Title == "" {
		httputil.WriteError(w, http.StatusBadRequest, "sku and title are required")
		return
	}

	// Each Exec is its own committed transaction; the insert is durable
	// once this returns without error.
	_, err := ec.Exec(r.Context(),
		`INSERT INTO `+e.productsTable+` (sku, title, price_cents) VALUES ($1, $2, $3)`,
		req.SKU, req.Title, req.PriceCents)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create product")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}
