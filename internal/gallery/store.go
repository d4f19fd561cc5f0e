// Package gallery keeps the session history of generated images with the
// parameters that produced them.
package gallery

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/comfy"
	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/generation"
)

var ErrNotFound = errors.New("gallery item not found")

// Metadata captures the parameters an image was generated with so the UI
// can display and re-apply them later. Optional passes are nil when they
// were disabled for the run.
type Metadata struct {
	Prompt         string                        `json:"prompt"`
	NegativePrompt string                        `json:"negativePrompt"`
	Model          string                        `json:"model"`
	Seed           int64                         `json:"seed"`
	Steps          int                           `json:"steps"`
	CFG            float64                       `json:"cfg"`
	Sampler        string                        `json:"sampler"`
	Scheduler      string                        `json:"scheduler"`
	Width          int                           `json:"width"`
	Height         int                           `json:"height"`
	BatchSize      int                           `json:"batchSize"`
	HiresFix       *generation.HiresFixSettings  `json:"hiresFix"`
	Refiner        *generation.RefinerSettings   `json:"refiner"`
	Loras          []generation.LoRASlot         `json:"loras"`
}

// NewMetadata snapshots settings into display metadata. Disabled passes
// collapse to nil and only slots with a model selected are recorded.
func NewMetadata(prompt, negative string, seed int64, s generation.Settings) Metadata {
	m := Metadata{
		Prompt:         prompt,
		NegativePrompt: negative,
		Model:          s.Checkpoint,
		Seed:           seed,
		Steps:          s.Steps,
		CFG:            s.CFG,
		Sampler:        s.Sampler,
		Scheduler:      s.Scheduler,
		Width:          s.Width,
		Height:         s.Height,
		BatchSize:      s.BatchSize,
		Loras:          s.ActiveLoras(),
	}
	if s.HiresFix.Enabled {
		hf := s.HiresFix
		m.HiresFix = &hf
	}
	if s.Refiner.Enabled {
		r := s.Refiner
		m.Refiner = &r
	}
	return m
}

// Item is one gallery entry. Artifact locates the file on the renderer;
// URL is the proxy path the browser loads it from.
type Item struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	URL       string         `json:"url"`
	Artifact  comfy.Artifact `json:"artifact"`
	Metadata  Metadata       `json:"metadata"`
}

// Store is the in-memory gallery, newest first. Favorites live in a
// separate id index so clearing or trimming images prunes them too.
type Store struct {
	mu        sync.RWMutex
	items     []Item
	favorites map[string]struct{}
	notify    func()
}

// NewStore creates an empty gallery. notify may be nil; when set it fires
// after every mutation, outside the lock.
func NewStore(notify func()) *Store {
	if notify == nil {
		notify = func() {}
	}
	return &Store{
		favorites: make(map[string]struct{}),
		notify:    notify,
	}
}

// State is the persistable form of the gallery.
type State struct {
	Items     []Item   `json:"items"`
	Favorites []string `json:"favorites"`
}

// Restore replaces the gallery with persisted state, dropping favorite ids
// that no longer resolve to an item. It does not fire the notify hook.
func (s *Store) Restore(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append([]Item(nil), state.Items...)
	known := make(map[string]struct{}, len(s.items))
	for _, it := range s.items {
		known[it.ID] = struct{}{}
	}
	s.favorites = make(map[string]struct{})
	for _, id := range state.Favorites {
		if _, ok := known[id]; ok {
			s.favorites[id] = struct{}{}
		}
	}
}

// Snapshot returns a copy of the gallery for persistence.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := State{Items: append([]Item(nil), s.items...)}
	for _, it := range s.items {
		if _, ok := s.favorites[it.ID]; ok {
			state.Favorites = append(state.Favorites, it.ID)
		}
	}
	return state
}

// Add prepends one item, assigning an id and timestamp if unset.
func (s *Store) Add(item Item) Item {
	s.mu.Lock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now()
	}
	s.items = append([]Item{item}, s.items...)
	s.mu.Unlock()

	s.notify()
	return item
}

// AddBatch prepends a group of items, keeping their relative order at the
// head of the gallery.
func (s *Store) AddBatch(items []Item) []Item {
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	now := time.Now()
	added := make([]Item, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.Timestamp.IsZero() {
			item.Timestamp = now
		}
		added[i] = item
	}
	s.items = append(append([]Item(nil), added...), s.items...)
	s.mu.Unlock()

	s.notify()
	return added
}

// Remove deletes one item and its favorite mark.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	delete(s.favorites, id)
	s.mu.Unlock()

	s.notify()
	return nil
}

// RemoveBatch deletes every listed item that exists; unknown ids are
// ignored. It returns the number removed.
func (s *Store) RemoveBatch(ids []string) int {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	kept := s.items[:0]
	removed := 0
	for _, it := range s.items {
		if _, ok := drop[it.ID]; ok {
			delete(s.favorites, it.ID)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.items = kept
	s.mu.Unlock()

	if removed > 0 {
		s.notify()
	}
	return removed
}

// Clear empties the gallery and the favorite index.
func (s *Store) Clear() {
	s.mu.Lock()
	s.items = nil
	s.favorites = make(map[string]struct{})
	s.mu.Unlock()

	s.notify()
}

// Get returns one item by id.
func (s *Store) Get(id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexOf(id)
	if i < 0 {
		return Item{}, ErrNotFound
	}
	return s.items[i], nil
}

// All returns the gallery, newest first.
func (s *Store) All() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Item(nil), s.items...)
}

// ToggleFavorite flips the favorite mark and returns the new state.
func (s *Store) ToggleFavorite(id string) (bool, error) {
	s.mu.Lock()
	if s.indexOf(id) < 0 {
		s.mu.Unlock()
		return false, ErrNotFound
	}
	var fav bool
	if _, ok := s.favorites[id]; ok {
		delete(s.favorites, id)
	} else {
		s.favorites[id] = struct{}{}
		fav = true
	}
	s.mu.Unlock()

	s.notify()
	return fav, nil
}

// IsFavorite reports the favorite mark for an id.
func (s *Store) IsFavorite(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.favorites[id]
	return ok
}

// Favorites returns favorited items in gallery order.
func (s *Store) Favorites() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Item
	for _, it := range s.items {
		if _, ok := s.favorites[it.ID]; ok {
			out = append(out, it)
		}
	}
	return out
}

func (s *Store) indexOf(id string) int {
	for i, it := range s.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}
