package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/gallery"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/notify"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/preset"
)

func presetErrorStatus(err error) int {
	switch {
	case errors.Is(err, preset.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, preset.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, preset.ErrInvalid), errors.Is(err, preset.ErrInvalidFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListPresets supports ?q= search, a ?model= checkpoint filter, and
// ?sort=usage|date|date_asc.
func (h *Handlers) ListPresets(w http.ResponseWriter, r *http.Request) {
	var presets []preset.Preset
	if q := trimQuery(r, "q"); q != "" {
		presets = h.presets.Search(q)
	} else if model := trimQuery(r, "model"); model != "" {
		presets = h.presets.ByModel(model)
	} else {
		switch trimQuery(r, "sort") {
		case "usage":
			presets = h.presets.ByUsage()
		case "date":
			presets = h.presets.ByDate(false)
		case "date_asc":
			presets = h.presets.ByDate(true)
		default:
			presets = h.presets.All()
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"presets": presets})
}

type createPresetRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Settings    generation.Settings `json:"settings"`
}

func (h *Handlers) CreatePreset(w http.ResponseWriter, r *http.Request) {
	var req createPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.presets.Create(req.Name, req.Description, req.Settings)
	if err != nil {
		h.center.Push(notify.Error, "Failed to save preset: "+err.Error())
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}

	h.center.Push(notify.Success, "Created preset: "+p.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"preset": p})
}

func (h *Handlers) GetPreset(w http.ResponseWriter, r *http.Request) {
	p, err := h.presets.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"preset": p})
}

func (h *Handlers) UpdatePreset(w http.ResponseWriter, r *http.Request) {
	var upd preset.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := h.presets.Update(chi.URLParam(r, "id"), upd)
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	h.center.Push(notify.Success, "Preset updated")
	writeJSON(w, http.StatusOK, map[string]interface{}{"preset": p})
}

func (h *Handlers) DeletePreset(w http.ResponseWriter, r *http.Request) {
	p, err := h.presets.Delete(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	h.center.Push(notify.Success, "Deleted preset: "+p.Name)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": p.ID})
}

func (h *Handlers) DuplicatePreset(w http.ResponseWriter, r *http.Request) {
	p, err := h.presets.Duplicate(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	h.center.Push(notify.Success, "Duplicated preset as: "+p.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"preset": p})
}

// ApplyPreset bumps the usage counter and makes the preset's settings the
// session defaults.
func (h *Handlers) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	p, err := h.presets.Apply(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	h.settings.Replace(p.Settings)
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": p.Settings})
}

func (h *Handlers) TogglePresetFavorite(w http.ResponseWriter, r *http.Request) {
	fav, err := h.presets.ToggleFavorite(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	if fav {
		h.center.Push(notify.Info, "Added to favorites")
	} else {
		h.center.Push(notify.Info, "Removed from favorites")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isFavorite": fav})
}

func (h *Handlers) FavoritePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"presets": h.presets.Favorites()})
}

func (h *Handlers) ExportPreset(w http.ResponseWriter, r *http.Request) {
	doc, err := h.presets.Export(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", doc.Preset.Name+".json"))
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handlers) ImportPreset(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	p, err := h.presets.Import(data)
	if err != nil {
		h.center.Push(notify.Error, "Failed to import preset: "+err.Error())
		writeError(w, presetErrorStatus(err), err.Error())
		return
	}
	h.center.Push(notify.Success, "Imported preset: "+p.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"preset": p})
}

// Gallery handlers.

func (h *Handlers) ListGallery(w http.ResponseWriter, r *http.Request) {
	var items []gallery.Item
	if trimQuery(r, "favorites") == "true" {
		items = h.gallery.Favorites()
	} else {
		items = h.gallery.All()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (h *Handlers) GetGalleryItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.gallery.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"item": item})
}

func (h *Handlers) RemoveGalleryItem(w http.ResponseWriter, r *http.Request) {
	if err := h.gallery.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handlers) RemoveGalleryBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	removed := h.gallery.RemoveBatch(req.IDs)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *Handlers) ClearGallery(w http.ResponseWriter, r *http.Request) {
	h.gallery.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handlers) ToggleGalleryFavorite(w http.ResponseWriter, r *http.Request) {
	fav, err := h.gallery.ToggleFavorite(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isFavorite": fav})
}

// Settings handlers.

func (h *Handlers) GetDefaultSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": h.settings.Current()})
}

func (h *Handlers) UpdateDefaultSettings(w http.ResponseWriter, r *http.Request) {
	patch, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	merged, err := h.settings.Merge(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid settings patch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"settings": merged})
}

// Notification handlers.

func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": h.center.Active()})
}

func (h *Handlers) PushNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message  string          `json:"message"`
		Severity notify.Severity `json:"severity"`
		Duration *int            `json:"duration"` // milliseconds; 0 = sticky
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	switch req.Severity {
	case notify.Success, notify.Error, notify.Info, notify.Warning:
	case "":
		req.Severity = notify.Info
	default:
		writeError(w, http.StatusBadRequest, "unknown severity")
		return
	}

	var toast notify.Toast
	if req.Duration != nil {
		toast = h.center.PushFor(req.Severity, req.Message, time.Duration(*req.Duration)*time.Millisecond)
	} else {
		toast = h.center.Push(req.Severity, req.Message)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"notification": toast})
}

func (h *Handlers) DismissNotification(w http.ResponseWriter, r *http.Request) {
	h.center.Dismiss(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}
