package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/config"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/gallery"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/notify"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/preset"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/storage"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/workflow"
)

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Handlers carries every service the HTTP layer fronts.
type Handlers struct {
	config    *config.Config
	comfy     *comfy.Client
	builder   *workflow.Builder
	manager   *generation.Manager
	presets   *preset.Store
	gallery   *gallery.Store
	center    *notify.Center
	hub       *Hub
	redis     *storage.RedisStore
	settings  *SettingsService
	wildcards *workflow.Wildcards
}

// Deps bundles the constructor arguments. Redis may be nil; model lists
// are then fetched from the renderer on every request.
type Deps struct {
	Config    *config.Config
	Comfy     *comfy.Client
	Builder   *workflow.Builder
	Manager   *generation.Manager
	Presets   *preset.Store
	Gallery   *gallery.Store
	Center    *notify.Center
	Hub       *Hub
	Redis     *storage.RedisStore
	Settings  *SettingsService
	Wildcards *workflow.Wildcards
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		config:    d.Config,
		comfy:     d.Comfy,
		builder:   d.Builder,
		manager:   d.Manager,
		presets:   d.Presets,
		gallery:   d.Gallery,
		center:    d.Center,
		hub:       d.Hub,
		redis:     d.Redis,
		settings:  d.Settings,
		wildcards: d.Wildcards,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// CORS middleware
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "300")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// NewRouter builds the full route tree.
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/api/ws", h.EventStream)

	r.Route("/api/generation", func(r chi.Router) {
		r.Post("/generate", h.Generate)
		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/{token}", h.GetJob)
		r.Delete("/jobs/{token}", h.ForgetJob)
		r.Post("/jobs/{token}/cancel", h.CancelJob)
		r.Get("/image/{filename}", h.ProxyImage)
		r.Get("/wildcards", h.ListWildcards)
		r.Get("/wildcards/{name}", h.WildcardValues)
	})

	r.Route("/api/comfyui", func(r chi.Router) {
		r.Get("/checkpoints", h.Checkpoints)
		r.Get("/loras", h.Loras)
		r.Get("/upscalers", h.Upscalers)
		r.Get("/samplers", h.SamplersAndSchedulers)
		r.Get("/embeddings", h.Embeddings)
		r.Get("/resolutions", h.ResolutionPresets)
		r.Post("/refresh", h.RefreshModels)
	})

	r.Route("/api/presets", func(r chi.Router) {
		r.Get("/", h.ListPresets)
		r.Post("/", h.CreatePreset)
		r.Get("/favorites", h.FavoritePresets)
		r.Post("/import", h.ImportPreset)
		r.Get("/{id}", h.GetPreset)
		r.Put("/{id}", h.UpdatePreset)
		r.Delete("/{id}", h.DeletePreset)
		r.Post("/{id}/duplicate", h.DuplicatePreset)
		r.Post("/{id}/apply", h.ApplyPreset)
		r.Post("/{id}/favorite", h.TogglePresetFavorite)
		r.Get("/{id}/export", h.ExportPreset)
	})

	r.Route("/api/gallery", func(r chi.Router) {
		r.Get("/", h.ListGallery)
		r.Delete("/", h.ClearGallery)
		r.Post("/remove-batch", h.RemoveGalleryBatch)
		r.Get("/{id}", h.GetGalleryItem)
		r.Delete("/{id}", h.RemoveGalleryItem)
		r.Post("/{id}/favorite", h.ToggleGalleryFavorite)
	})

	r.Route("/api/settings", func(r chi.Router) {
		r.Get("/defaults", h.GetDefaultSettings)
		r.Put("/defaults", h.UpdateDefaultSettings)
	})

	r.Route("/api/notifications", func(r chi.Router) {
		r.Get("/", h.ListNotifications)
		r.Post("/", h.PushNotification)
		r.Delete("/{id}", h.DismissNotification)
	})

	return r
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	comfyStatus := "ok"
	if err := h.comfy.HealthCheck(ctx); err != nil {
		comfyStatus = "unreachable"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "kiko-creator",
		"comfyui": comfyStatus,
		"clients": h.hub.ClientCount(),
	})
}

// EventStream upgrades to the browser-facing websocket carrying job
// progress and notifications.
func (h *Handlers) EventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   generateClientID(),
		Conn: conn,
		Send: make(chan []byte, 256),
		Hub:  h.hub,
	}
	h.hub.register <- client

	welcome, _ := json.Marshal(map[string]interface{}{
		"type": "connected",
		"id":   client.ID,
		"time": time.Now().Unix(),
	})
	select {
	case client.Send <- welcome:
	default:
	}

	go client.readPump()
}

// Generate validates a request, builds the renderer graph and launches
// the job. Responds 202 with the job snapshot; progress arrives on the
// event stream.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if errs := workflow.Validate(req); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "Validation failed",
			"errors": errs,
		})
		return
	}

	graph, err := h.builder.TextToImage(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	snap, err := h.manager.Start(r.Context(), generation.StartRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Settings:       req.Settings,
		Workflow:       graph,
	})
	if err != nil {
		h.center.Push(notify.Error, "Generation failed: "+err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error": err.Error(),
			"job":   snap,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": snap})
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.manager.Jobs()})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.manager.Get(chi.URLParam(r, "token"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": snap})
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !h.manager.Cancel(token) {
		writeError(w, http.StatusConflict, "Job is not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ForgetJob drops a finished job from the tracking table once the
// browser is done with it.
func (h *Handlers) ForgetJob(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, ok := h.manager.Get(token); !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if !h.manager.Forget(token) {
		writeError(w, http.StatusConflict, "Job is still active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten"})
}

// ProxyImage streams a rendered artifact from ComfyUI so the browser
// never talks to the renderer directly.
func (h *Handlers) ProxyImage(w http.ResponseWriter, r *http.Request) {
	filename, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil || filename == "" {
		writeError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	artifact := comfy.Artifact{
		Filename:  filename,
		Subfolder: r.URL.Query().Get("subfolder"),
		Type:      r.URL.Query().Get("type"),
	}
	if artifact.Type == "" {
		artifact.Type = "output"
	}

	body, contentType, err := h.comfy.View(r.Context(), artifact)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, body)
}

// Model list endpoints. Each proxies the renderer's advertised inventory,
// cached in redis when available.

func (h *Handlers) Checkpoints(w http.ResponseWriter, r *http.Request) {
	h.modelList(w, r, "checkpoints", "CheckpointLoaderSimple", "ckpt_name")
}

func (h *Handlers) Loras(w http.ResponseWriter, r *http.Request) {
	h.modelList(w, r, "loras", "LoraLoader", "lora_name")
}

func (h *Handlers) Upscalers(w http.ResponseWriter, r *http.Request) {
	h.modelList(w, r, "upscalers", "UpscaleModelLoader", "model_name")
}

func (h *Handlers) modelList(w http.ResponseWriter, r *http.Request, kind, nodeClass, input string) {
	if h.redis != nil {
		if models, ok := h.redis.CachedModelList(r.Context(), kind); ok {
			writeJSON(w, http.StatusOK, map[string]interface{}{kind: models, "cached": true})
			return
		}
	}

	models, err := h.comfy.NodeInputOptions(r.Context(), nodeClass, input)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	if h.redis != nil {
		if err := h.redis.CacheModelList(r.Context(), kind, models); err != nil {
			logger.Warn("Failed to cache model list", "kind", kind, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{kind: models})
}

// SamplersAndSchedulers reports the renderer's sampler and schedule
// names, falling back to the built-in lists when the renderer is down so
// the UI can still render its pickers.
func (h *Handlers) SamplersAndSchedulers(w http.ResponseWriter, r *http.Request) {
	samplers, err := h.comfy.NodeInputOptions(r.Context(), "KSampler", "sampler_name")
	if err != nil {
		samplers = generation.Samplers
	}
	schedulers, err := h.comfy.NodeInputOptions(r.Context(), "KSampler", "scheduler")
	if err != nil {
		schedulers = generation.Schedulers
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"samplers":   samplers,
		"schedulers": schedulers,
	})
}

func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	embeddings, err := h.comfy.Embeddings(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"embeddings": embeddings})
}

func (h *Handlers) ResolutionPresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"resolutions": generation.Resolutions})
}

func (h *Handlers) RefreshModels(w http.ResponseWriter, r *http.Request) {
	if h.redis != nil {
		if err := h.redis.InvalidateModelLists(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// Wildcard endpoints let the prompt editor offer completion for the
// __name__ placeholders the builder expands.

func (h *Handlers) ListWildcards(w http.ResponseWriter, r *http.Request) {
	var names []string
	if h.wildcards != nil {
		names = h.wildcards.Names()
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{"wildcards": names})
}

func (h *Handlers) WildcardValues(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var values []string
	if h.wildcards != nil {
		values = h.wildcards.Values(name)
	}
	if values == nil {
		writeError(w, http.StatusNotFound, "Unknown wildcard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "values": values})
}

// generateClientID generates a unique stream client id.
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b)
}

// trimQuery is a small helper shared by list endpoints.
func trimQuery(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
