package workflow

import (
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
)

// wildcardPattern matches __name__ and {name} placeholders in prompts.
var wildcardPattern = regexp.MustCompile(`__([^_]+)__|\{([^}]+)\}`)

var wildcardFilePrefix = regexp.MustCompile(`(?i)^wildcard`)

// Wildcards holds named value lists loaded from plain-text files. A prompt
// placeholder like __hairColor__ or {hairColor} expands to a random line
// from the matching file at build time.
type Wildcards struct {
	mu     sync.RWMutex
	values map[string][]string
}

// NewWildcards returns an empty wildcard set; prompts pass through
// unchanged until Load is called.
func NewWildcards() *Wildcards {
	return &Wildcards{values: make(map[string][]string)}
}

// Load reads every .txt file in dir into the set. The filename, minus any
// leading "wildcard" prefix and the extension, becomes the wildcard name.
// Lines starting with # are comments. Load replaces prior contents.
func (w *Wildcards) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	loaded := make(map[string][]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, "#") || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, ".txt") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("Failed to read wildcard file", "file", name, "error", err)
			continue
		}

		key := strings.TrimSuffix(name, ".txt")
		key = wildcardFilePrefix.ReplaceAllString(key, "")

		var values []string
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			values = append(values, line)
		}
		if len(values) > 0 {
			loaded[key] = values
		}
	}

	w.mu.Lock()
	w.values = loaded
	w.mu.Unlock()

	logger.Info("Loaded wildcards", "count", len(loaded), "dir", dir)
	return nil
}

// Names lists the loaded wildcard names.
func (w *Wildcards) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.values))
	for name := range w.values {
		names = append(names, name)
	}
	return names
}

// Values returns the value list for one wildcard, or nil if unknown.
func (w *Wildcards) Values(name string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.values[name]
}

// Expand replaces every placeholder in prompt with a random value from the
// matching list. Placeholders with no matching wildcard are left as-is.
func (w *Wildcards) Expand(prompt string) string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return wildcardPattern.ReplaceAllStringFunc(prompt, func(match string) string {
		groups := wildcardPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		values := w.values[name]
		if len(values) == 0 {
			return match
		}
		return values[rand.Intn(len(values))]
	})
}
