package web

import (
	"encoding/json"
	"sync"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/storage"
)

// SettingsService owns the default generation settings a fresh session
// starts from. Edits merge partially and persist on a debounce, so a
// slider drag costs one durable write.
type SettingsService struct {
	mu       sync.Mutex
	current  generation.Settings
	debounce *storage.Debouncer
}

// NewSettingsService starts from saved. debounce may be nil to disable
// persistence.
func NewSettingsService(saved generation.Settings, debounce *storage.Debouncer) *SettingsService {
	return &SettingsService{current: saved, debounce: debounce}
}

// LoadSavedSettings reads the persisted defaults, falling back to the
// built-in defaults when nothing was saved yet or the blob is unreadable.
func LoadSavedSettings(store *storage.MySQLStore) generation.Settings {
	defaults := generation.DefaultSettings()
	if store == nil {
		return defaults
	}

	data, err := store.Load(storage.KeyDefaultSettings)
	if err != nil {
		if err != storage.ErrNoDocument {
			logger.Warn("Failed to load saved settings", "error", err)
		}
		return defaults
	}
	if err := json.Unmarshal(data, &defaults); err != nil {
		logger.Warn("Saved settings are unreadable, using defaults", "error", err)
		return generation.DefaultSettings()
	}
	return defaults
}

// Current returns a copy of the defaults.
func (s *SettingsService) Current() generation.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Merge applies a partial JSON patch over the current defaults. Fields
// absent from the patch keep their values.
func (s *SettingsService) Merge(patch []byte) (generation.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.current.Clone()
	if err := json.Unmarshal(patch, &merged); err != nil {
		return generation.Settings{}, err
	}
	s.current = merged
	s.markDirtyLocked()
	return merged.Clone(), nil
}

// Replace swaps the defaults wholesale, used when applying a preset.
func (s *SettingsService) Replace(settings generation.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = settings.Clone()
	s.markDirtyLocked()
}

func (s *SettingsService) markDirtyLocked() {
	if s.debounce == nil {
		return
	}
	snapshot := s.current.Clone()
	s.debounce.Mark(storage.KeyDefaultSettings, func() []byte {
		data, err := json.Marshal(snapshot)
		if err != nil {
			logger.Error("Failed to marshal settings snapshot", "error", err)
			return nil
		}
		return data
	})
}
