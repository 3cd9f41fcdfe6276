package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"

	extCatalog "github.com/nebulahq/nebula/extensions/catalog"
	extSysinfo "github.com/nebulahq/nebula/extensions/sysinfo"
	"github.com/nebulahq/nebula/internal/audit"
	"github.com/nebulahq/nebula/internal/auth"
	"github.com/nebulahq/nebula/internal/binder"
	"github.com/nebulahq/nebula/internal/capability"
	"github.com/nebulahq/nebula/internal/config"
	"github.com/nebulahq/nebula/internal/db"
	"github.com/nebulahq/nebula/internal/extension"
	"github.com/nebulahq/nebula/internal/i18n"
	mw "github.com/nebulahq/nebula/internal/middleware"
	"github.com/nebulahq/nebula/internal/settings"
	"github.com/nebulahq/nebula/internal/ws"
)

func main() {
	cfg := config.Load()

	// Database
	ctx := context.Background()
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("WARNING: database connection failed: %v (continuing without DB)", err)
	} else {
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Printf("WARNING: migrations failed: %v", err)
		}
	}

	var pool *pgxpool.Pool
	if database != nil {
		pool = database.Pool
	}

	// JWT & Auth
	jwtService := auth.NewJWTService(cfg.JWTSecret)

	// WebSocket Hub
	hub := ws.NewHub()
	go hub.Run()
	wsHandler := ws.NewWSHandler(hub, jwtService)

	// Extension runtime
	dispatcher := binder.NewDispatcher()
	frontend := binder.NewFrontend(cfg.ExtensionsPath)
	capabilities := capability.NewRegistry()
	translations := i18n.NewLoader(cfg.ExtensionsPath,
		settings.LoadLanguage(ctx, pool, cfg.DefaultLanguage))

	registry := extension.NewRegistry(extension.Deps{
		Pool:          pool,
		Dispatcher:    dispatcher,
		Frontend:      frontend,
		Capabilities:  capabilities,
		Translations:  translations,
		Hub:           hub,
		Root:          cfg.ExtensionsPath,
		ExportPath:    cfg.ExportPath,
		EnableTimeout: cfg.EnableTimeout,
	})
	installBuiltins(ctx, registry)
	if err := registry.Startup(ctx); err != nil {
		log.Printf("WARNING: failed to restore extension state: %v", err)
	}

	// Audit Log
	var auditStore *audit.Store
	if pool != nil {
		auditStore = audit.NewStore(pool)
	}

	// Router
	r := mux.NewRouter()

	// Rate limiting: 100 req/s per IP with burst of 200
	r.Use(mw.RateLimitMiddleware(100, 200))

	// Health check (no auth)
	r.HandleFunc("/healthz", healthzHandler).Methods("GET")

	// Public discovery + UI bootstrap (no auth - read before login)
	extHandlers := extension.NewHandlers(registry, capabilities,
		mw.RequirePermission("extensions:write"))
	extHandlers.RegisterPublicRoutes(r)
	frontend.RegisterRoutes(r)
	translations.RegisterRoutes(r)
	r.PathPrefix("/assets/ext/").Handler(frontend.AssetsHandler())

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(jwtService))
	if auditStore != nil {
		protected.Use(audit.Middleware(auditStore))
	}

	// Extension management routes
	extHandlers.RegisterRoutes(protected)

	// Extension-registered backend routes (live dispatch table)
	protected.PathPrefix("/ext/").Handler(dispatcher)

	// Settings routes
	settingsHandlers := settings.NewHandlers(pool, translations, hub)
	settingsHandlers.RegisterRoutes(protected)

	// Audit log routes
	if auditStore != nil {
		audit.NewHandlers(auditStore).RegisterRoutes(protected)
	}

	// WebSocket (auth handled inside handler)
	wsHandler.RegisterRoutes(r)

	// HTTP Server — CORS wraps the entire router so OPTIONS preflight
	// requests are handled before mux routing (which would 404 on OPTIONS).
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	})

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        corsHandler.Handler(r),
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting server on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// installBuiltins registers the extensions linked into this binary. They
// go through the same validate/install path as disk packages; persisted
// state from previous runs is adopted in Startup.
func installBuiltins(ctx context.Context, registry *extension.Registry) {
	if _, err := registry.InstallBuiltin(ctx, extCatalog.Manifest, extCatalog.Files(), extCatalog.New); err != nil {
		log.Printf("WARNING: failed to install store extension: %v", err)
	}
	if _, err := registry.InstallBuiltin(ctx, extSysinfo.Manifest, extSysinfo.Files(), extSysinfo.New); err != nil {
		log.Printf("WARNING: failed to install sysinfo extension: %v", err)
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func splitOrigins(origins string) []string {
	var out []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
