package main

import (
	"context"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/melih/vulndock/internal/adapters/docker"
	"github.com/melih/vulndock/internal/adapters/fswatch"
	"github.com/melih/vulndock/internal/adapters/git"
	httpadapter "github.com/melih/vulndock/internal/adapters/http"
	"github.com/melih/vulndock/internal/config"
	"github.com/melih/vulndock/internal/core/services/reconcile"
	"github.com/melih/vulndock/internal/core/services/scanner"
	"github.com/melih/vulndock/internal/core/services/store"
)

func main() {
	cfg := config.Load()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithFields(log.Fields{
		"root":  cfg.CatalogRoot,
		"cache": cfg.CachePath,
	}).Info("starting vulndock")

	// 1. Initialize Adapters (Infrastructure)
	probe, err := docker.NewProbe(cfg.CatalogRoot)
	if err != nil {
		log.Fatalf("Failed to initialize Docker probe: %v", err)
	}
	syncer := git.NewSyncer(cfg.CatalogRoot, cfg.RepoURL)

	// 2. Assemble the catalog engine
	engine := reconcile.New(
		scanner.New(cfg.CatalogRoot),
		store.New(cfg.CachePath),
		probe,
	)

	// 3. Catalog watcher: drops the warm snapshot when definitions change
	if cfg.Watch {
		watcher, werr := fswatch.New(cfg.CatalogRoot, engine.Invalidate)
		if werr != nil {
			log.WithError(werr).Warn("catalog watcher disabled")
		} else {
			watcher.Start(context.Background())
		}
	}

	// 4. Initialize HTTP Handlers (Interface Adapters)
	console := httpadapter.NewConsoleHandler(engine, probe, syncer)

	// 5. Setup Framework (Fiber)
	app := fiber.New()

	// 6. Define Routes
	api := app.Group("/api")
	api.Get("/scan", console.ListEnvironments)
	api.Post("/refresh-cache", console.RefreshCache)
	api.Get("/stats", console.Stats)
	api.Post("/start", console.StartEnvironment)
	api.Post("/stop", console.StopEnvironment)
	api.Get("/check-images", console.CheckImages)
	api.Get("/pull-stream", console.PullStream)
	api.Get("/wait-ready", console.WaitReady)
	api.Get("/running", console.RunningContainers)
	api.Post("/sync", console.SyncCatalog)

	// 7. Start Server
	log.Infof("Server starting on %s", cfg.Addr)
	if err := app.Listen(cfg.Addr); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
