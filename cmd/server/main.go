package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/config"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/gallery"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/notify"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/preset"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/storage"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/web"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/workflow"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	wildcardDir := flag.String("wildcards", "", "directory of wildcard .txt files (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging)

	// Durable storage is optional: without MySQL the stores run in-memory
	// only, without Redis model lists skip the cache.
	mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL)
	if err != nil {
		logger.Warn("MySQL unavailable, presets and gallery will not persist", "error", err)
		mysqlStore = nil
	} else {
		defer mysqlStore.Close()
		logger.Info("MySQL connected")
	}

	redisStore, err := storage.NewRedisStore(cfg.Database.Redis)
	if err != nil {
		logger.Warn("Redis unavailable, model list caching disabled", "error", err)
		redisStore = nil
	} else {
		defer redisStore.Close()
		logger.Info("Redis connected")
	}

	var debouncer *storage.Debouncer
	if mysqlStore != nil {
		debouncer = storage.NewDebouncer(mysqlStore, cfg.Storage.FlushInterval)
		defer debouncer.Close()
	}

	// The persistence hooks close over the stores they snapshot.
	var presetStore *preset.Store
	var galleryStore *gallery.Store
	presetStore = preset.NewStore(func() {
		if debouncer == nil {
			return
		}
		debouncer.Mark(storage.KeyPresets, func() []byte {
			return marshalOrNil(presetStore.Snapshot())
		})
	})
	galleryStore = gallery.NewStore(func() {
		if debouncer == nil {
			return
		}
		debouncer.Mark(storage.KeyGallery, func() []byte {
			return marshalOrNil(galleryStore.Snapshot())
		})
	})

	if mysqlStore != nil {
		restoreStores(mysqlStore, presetStore, galleryStore)
	}

	hub := web.NewHub()
	go hub.Run()

	center := notify.NewCenter(hub)

	comfyClient := comfy.NewClient(cfg.ComfyUI.BaseURL, cfg.ComfyUI.Timeout)
	if err := comfyClient.HealthCheck(context.Background()); err != nil {
		logger.Warn("ComfyUI not reachable at startup", "url", cfg.ComfyUI.BaseURL, "error", err)
	}

	wildcards := workflow.NewWildcards()
	if *wildcardDir != "" {
		if err := wildcards.Load(*wildcardDir); err != nil {
			logger.Warn("Failed to load wildcards", "dir", *wildcardDir, "error", err)
		}
	}
	builder := workflow.NewBuilder(wildcards)

	manager := generation.NewManager(generation.ManagerOptions{
		Submitter:   comfyClient,
		Fetcher:     comfyClient,
		TokenPrefix: cfg.ComfyUI.ClientIDPrefix,
		GraceDelay:  cfg.ComfyUI.FetchGraceDelay,
		Dial: func(clientID string, handler comfy.EventHandler) (generation.Subscription, error) {
			return comfy.Dial(comfyClient, clientID, handler)
		},
		OnUpdate: web.NewProgressBroadcaster(hub),
		OnResult: web.NewResultIngestor(galleryStore, center),
	})

	settings := web.NewSettingsService(web.LoadSavedSettings(mysqlStore), debouncer)

	handlers := web.NewHandlers(web.Deps{
		Config:    cfg,
		Comfy:     comfyClient,
		Builder:   builder,
		Manager:   manager,
		Presets:   presetStore,
		Gallery:   galleryStore,
		Center:    center,
		Hub:       hub,
		Redis:     redisStore,
		Settings:  settings,
		Wildcards: wildcards,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      web.NewRouter(handlers),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Server starting", "addr", server.Addr, "comfyui", cfg.ComfyUI.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	// Deferred debouncer.Close flushes any unsaved store state.
	logger.Info("Server stopped")
}

func marshalOrNil(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to marshal store snapshot", "error", err)
		return nil
	}
	return data
}

func restoreStores(store *storage.MySQLStore, presets *preset.Store, gal *gallery.Store) {
	if data, err := store.Load(storage.KeyPresets); err == nil {
		var saved []preset.Preset
		if err := json.Unmarshal(data, &saved); err != nil {
			logger.Warn("Saved presets are unreadable", "error", err)
		} else {
			presets.Restore(saved)
			logger.Info("Restored presets", "count", len(saved))
		}
	} else if err != storage.ErrNoDocument {
		logger.Warn("Failed to load presets", "error", err)
	}

	if data, err := store.Load(storage.KeyGallery); err == nil {
		var saved gallery.State
		if err := json.Unmarshal(data, &saved); err != nil {
			logger.Warn("Saved gallery is unreadable", "error", err)
		} else {
			gal.Restore(saved)
			logger.Info("Restored gallery", "items", len(saved.Items))
		}
	} else if err != storage.ErrNoDocument {
		logger.Warn("Failed to load gallery", "error", err)
	}
}
