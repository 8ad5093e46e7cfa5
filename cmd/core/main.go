package main

import (
	"context"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proveniq/core/internal/api"
	"github.com/proveniq/core/internal/config"
	"github.com/proveniq/core/internal/fraud"
	"github.com/proveniq/core/internal/gateway"
	"github.com/proveniq/core/internal/ledger"
	"github.com/proveniq/core/internal/registry"
	"github.com/proveniq/core/internal/valuation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	// Asset storage: Postgres when configured, in-memory otherwise.
	var store registry.Store
	if cfg.DBSource != "" {
		pgStore, err := registry.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("Schema setup failed: %v", err)
		}
		store = pgStore
		log.Println("Asset store: postgres")
	} else {
		store = registry.NewMemoryStore()
		log.Println("Asset store: in-memory (set DB_SOURCE for persistence)")
	}

	sink := ledger.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, cfg.LedgerTimeout)

	// Core services
	reg := registry.New(store, sink)
	engine := valuation.New(sink)
	scorer := fraud.New(sink)
	gw := gateway.New(cfg.ServiceURLs)

	var verifier api.TokenVerifier
	if len(cfg.AuthTokens) > 0 {
		verifier = api.StaticVerifier(cfg.AuthTokens)
	} else {
		log.Println("WARNING: AUTH_TOKENS not set, authentication disabled")
	}

	handler := api.NewHandler(reg, engine, scorer, gw, sink, verifier)
	router := handler.Router()
	router.Handle("/metrics", promhttp.Handler())

	log.Printf("Server starting on :%s (env: %s)", cfg.Port, cfg.Env)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatal(err)
	}
}
