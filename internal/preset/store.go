// Package preset manages named, reusable generation parameter bundles.
package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
)

var (
	ErrNotFound      = errors.New("preset not found")
	ErrDuplicateName = errors.New("a preset with this name already exists")
	ErrInvalid       = errors.New("invalid preset")
	ErrInvalidFormat = errors.New("invalid preset format")
)

const (
	minNameLen = 3
	maxNameLen = 50
)

// Preset is one saved parameter bundle. Settings are stored as an
// independent copy so edits to live generation state never leak in.
type Preset struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	IsFavorite  bool                `json:"isFavorite"`
	UsageCount  int                 `json:"usageCount"`
	Settings    generation.Settings `json:"settings"`
}

func (p Preset) clone() Preset {
	out := p
	out.Settings = p.Settings.Clone()
	return out
}

// Update carries a partial edit; nil fields are left untouched.
type Update struct {
	Name        *string              `json:"name"`
	Description *string              `json:"description"`
	IsFavorite  *bool                `json:"isFavorite"`
	Settings    *generation.Settings `json:"settings"`
}

// ExportDoc is the portable single-preset document format. Bookkeeping
// fields (id, favorite, usage) deliberately do not travel.
type ExportDoc struct {
	Version    string        `json:"version"`
	ExportedAt time.Time     `json:"exportedAt"`
	Preset     ExportPayload `json:"preset"`
}

type ExportPayload struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Settings    generation.Settings `json:"settings"`
}

const exportVersion = "1.0"

// Store is an in-memory preset collection guarded by a mutex. Mutations
// fire the notify hook so a debounced persister can pick up the change.
type Store struct {
	mu      sync.RWMutex
	presets []Preset
	notify  func()
}

// NewStore creates an empty store. notify may be nil; when set it is
// called after every successful mutation, outside the store lock.
func NewStore(notify func()) *Store {
	if notify == nil {
		notify = func() {}
	}
	return &Store{notify: notify}
}

// Restore replaces the collection, used when loading persisted state at
// startup. It does not fire the notify hook.
func (s *Store) Restore(presets []Preset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets = make([]Preset, 0, len(presets))
	for _, p := range presets {
		s.presets = append(s.presets, p.clone())
	}
}

// Snapshot returns a deep copy of the collection for persistence.
func (s *Store) Snapshot() []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p.clone())
	}
	return out
}

func validate(name string, settings generation.Settings) error {
	// Length limits count characters, not bytes, so multibyte names are
	// measured the way the user sees them.
	if n := utf8.RuneCountInString(strings.TrimSpace(name)); n < minNameLen || n > maxNameLen {
		return fmt.Errorf("%w: name must be between %d and %d characters", ErrInvalid, minNameLen, maxNameLen)
	}
	if settings.Checkpoint == "" {
		return fmt.Errorf("%w: settings must include a checkpoint", ErrInvalid)
	}
	return nil
}

// nameTaken reports whether any preset other than excludeID uses name.
// Matching is exact; "Portrait" and "portrait" are different presets.
// Callers must hold the lock.
func (s *Store) nameTaken(name, excludeID string) bool {
	for _, p := range s.presets {
		if p.Name == name && p.ID != excludeID {
			return true
		}
	}
	return false
}

func (s *Store) indexOf(id string) int {
	for i, p := range s.presets {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Create validates and appends a new preset.
func (s *Store) Create(name, description string, settings generation.Settings) (Preset, error) {
	name = strings.TrimSpace(name)
	if err := validate(name, settings); err != nil {
		return Preset{}, err
	}

	s.mu.Lock()
	if s.nameTaken(name, "") {
		s.mu.Unlock()
		return Preset{}, ErrDuplicateName
	}

	now := time.Now()
	p := Preset{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
		Settings:    settings.Clone(),
	}
	s.presets = append(s.presets, p)
	s.mu.Unlock()

	s.notify()
	return p.clone(), nil
}

// Get returns one preset by id.
func (s *Store) Get(id string) (Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return Preset{}, ErrNotFound
	}
	return s.presets[i].clone(), nil
}

// All returns every preset in insertion order.
func (s *Store) All() []Preset {
	return s.Snapshot()
}

// Update applies a partial edit. A name change is re-checked against the
// uniqueness rule before anything is written.
func (s *Store) Update(id string, upd Update) (Preset, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return Preset{}, ErrNotFound
	}

	p := s.presets[i]
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name != p.Name {
			if err := validate(name, p.Settings); err != nil {
				s.mu.Unlock()
				return Preset{}, err
			}
			if s.nameTaken(name, id) {
				s.mu.Unlock()
				return Preset{}, ErrDuplicateName
			}
			p.Name = name
		}
	}
	if upd.Description != nil {
		p.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.IsFavorite != nil {
		p.IsFavorite = *upd.IsFavorite
	}
	if upd.Settings != nil {
		if err := validate(p.Name, *upd.Settings); err != nil {
			s.mu.Unlock()
			return Preset{}, err
		}
		p.Settings = upd.Settings.Clone()
	}
	p.UpdatedAt = time.Now()
	s.presets[i] = p
	s.mu.Unlock()

	s.notify()
	return p.clone(), nil
}

// Delete removes a preset and returns the removed entry.
func (s *Store) Delete(id string) (Preset, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return Preset{}, ErrNotFound
	}
	p := s.presets[i]
	s.presets = append(s.presets[:i], s.presets[i+1:]...)
	s.mu.Unlock()

	s.notify()
	return p, nil
}

// Duplicate copies a preset under a generated unique name. The first copy
// is "Name (Copy)", later ones "Name (Copy 2)", "Name (Copy 3)" and so on.
// Favorite state and usage statistics reset on the duplicate.
func (s *Store) Duplicate(id string) (Preset, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return Preset{}, ErrNotFound
	}

	src := s.presets[i]
	name := src.Name + " (Copy)"
	for counter := 2; s.nameTaken(name, ""); counter++ {
		name = fmt.Sprintf("%s (Copy %d)", src.Name, counter)
	}

	now := time.Now()
	dup := src.clone()
	dup.ID = uuid.NewString()
	dup.Name = name
	dup.IsFavorite = false
	dup.UsageCount = 0
	dup.CreatedAt = now
	dup.UpdatedAt = now
	s.presets = append(s.presets, dup)
	s.mu.Unlock()

	s.notify()
	return dup.clone(), nil
}

// Apply records a use of the preset and returns a settings copy for the
// caller to load into the active session.
func (s *Store) Apply(id string) (Preset, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return Preset{}, ErrNotFound
	}
	s.presets[i].UsageCount++
	p := s.presets[i].clone()
	s.mu.Unlock()

	s.notify()
	return p, nil
}

// ToggleFavorite flips the favorite flag and returns the new state.
func (s *Store) ToggleFavorite(id string) (bool, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	s.presets[i].IsFavorite = !s.presets[i].IsFavorite
	fav := s.presets[i].IsFavorite
	s.mu.Unlock()

	s.notify()
	return fav, nil
}

// Search matches query case-insensitively against name, description and
// checkpoint. A blank query returns everything.
func (s *Store) Search(query string) []Preset {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return s.All()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Preset
	for _, p := range s.presets {
		if strings.Contains(strings.ToLower(p.Name), query) ||
			strings.Contains(strings.ToLower(p.Description), query) ||
			strings.Contains(strings.ToLower(p.Settings.Checkpoint), query) {
			out = append(out, p.clone())
		}
	}
	return out
}

// ByModel returns the presets built on a given checkpoint.
func (s *Store) ByModel(checkpoint string) []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Preset
	for _, p := range s.presets {
		if p.Settings.Checkpoint == checkpoint {
			out = append(out, p.clone())
		}
	}
	return out
}

// Favorites returns the favorited presets in insertion order.
func (s *Store) Favorites() []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Preset
	for _, p := range s.presets {
		if p.IsFavorite {
			out = append(out, p.clone())
		}
	}
	return out
}

// ByUsage returns presets sorted most-used first.
func (s *Store) ByUsage() []Preset {
	out := s.Snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UsageCount > out[j].UsageCount
	})
	return out
}

// ByDate returns presets sorted by creation time, newest first unless
// ascending is set.
func (s *Store) ByDate(ascending bool) []Preset {
	out := s.Snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Export renders one preset as a portable document.
func (s *Store) Export(id string) (ExportDoc, error) {
	p, err := s.Get(id)
	if err != nil {
		return ExportDoc{}, err
	}
	return ExportDoc{
		Version:    exportVersion,
		ExportedAt: time.Now(),
		Preset: ExportPayload{
			Name:        p.Name,
			Description: p.Description,
			Settings:    p.Settings,
		},
	}, nil
}

// Import parses an exported document and adds its preset. A name collision
// is resolved by appending "(Imported N)" with N counting up from 2.
func (s *Store) Import(data []byte) (Preset, error) {
	var doc ExportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Preset{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if doc.Preset.Name == "" || doc.Preset.Settings.Checkpoint == "" {
		return Preset{}, ErrInvalidFormat
	}
	if err := validate(doc.Preset.Name, doc.Preset.Settings); err != nil {
		return Preset{}, err
	}

	s.mu.Lock()
	name := doc.Preset.Name
	for counter := 2; s.nameTaken(name, ""); counter++ {
		name = fmt.Sprintf("%s (Imported %d)", doc.Preset.Name, counter)
	}

	now := time.Now()
	p := Preset{
		ID:          uuid.NewString(),
		Name:        name,
		Description: doc.Preset.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Settings:    doc.Preset.Settings.Clone(),
	}
	s.presets = append(s.presets, p)
	s.mu.Unlock()

	s.notify()
	return p.clone(), nil
}
