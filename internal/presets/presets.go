// Package presets manages named download option bundles and the merge
// of per-request overrides, preset values, and instance defaults.
package presets

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/item"
)

// Preset is a named bundle of download options applied to submissions
// and scheduled-task discoveries.
type Preset struct {
	Name     string   `json:"name"`
	Folder   string   `json:"folder,omitempty"`
	Template string   `json:"template,omitempty"`
	Format   string   `json:"format,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// Defaults are the instance-level fallbacks applied when neither the
// request nor the preset sets a field.
type Defaults struct {
	Preset   string
	Folder   string
	Template string
}

// Set holds the loaded presets. Reload replaces the whole map
// atomically: readers never observe a partially-updated set.
type Set struct {
	fs   afero.Fs
	path string

	mu       sync.RWMutex
	presets  map[string]Preset
	defaults Defaults
}

// NewSet creates a preset set with the given defaults. The default
// preset always exists, even with no presets file on disk.
func NewSet(fs afero.Fs, path string, defaults Defaults) *Set {
	s := &Set{
		fs:       fs,
		path:     path,
		defaults: defaults,
	}
	s.presets = s.builtin()
	return s
}

func (s *Set) builtin() map[string]Preset {
	return map[string]Preset{
		s.defaults.Preset: {
			Name:     s.defaults.Preset,
			Folder:   s.defaults.Folder,
			Template: s.defaults.Template,
		},
	}
}

// Load reads the presets file and replaces the set. A missing file
// leaves only the built-in default preset.
func (s *Set) Load() error {
	body, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.replace(nil)
			return nil
		}
		return fmt.Errorf("read presets %q: %w", s.path, err)
	}

	var list []Preset
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("parse presets %q: %w", s.path, err)
	}
	for i, p := range list {
		if p.Name == "" {
			return fmt.Errorf("preset at position %d has no name", i)
		}
	}
	s.replace(list)
	return nil
}

// Replace swaps in a new preset list atomically.
func (s *Set) Replace(list []Preset) {
	s.replace(list)
}

func (s *Set) replace(list []Preset) {
	next := s.builtin()
	for _, p := range list {
		next[p.Name] = p
	}
	s.mu.Lock()
	s.presets = next
	s.mu.Unlock()
}

// Has reports whether the named preset exists.
func (s *Set) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.presets[name]
	return ok
}

// Get returns the named preset.
func (s *Set) Get(name string) (Preset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[name]
	return p, ok
}

// All returns the presets as a list, default preset included.
func (s *Set) All() []Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p)
	}
	return out
}

// DefaultName returns the name of the instance default preset.
func (s *Set) DefaultName() string { return s.defaults.Preset }

// Options is the merged option set handed to the download executor.
type Options struct {
	Preset   string
	Folder   string
	Template string
	Format   string
	Cookies  string
	Args     []string
}

// Merge resolves the effective options for a request with the stated
// precedence: per-request > named preset > instance default.
func (s *Set) Merge(r item.Request) (Options, error) {
	name := r.Preset
	if name == "" {
		name = s.defaults.Preset
	}
	p, ok := s.Get(name)
	if !ok {
		return Options{}, &item.ValidationError{Field: "preset", Msg: fmt.Sprintf("preset %q does not exist", name)}
	}

	opt := Options{
		Preset:   name,
		Folder:   firstNonEmpty(r.Folder, p.Folder, s.defaults.Folder),
		Template: firstNonEmpty(r.Template, p.Template, s.defaults.Template),
		Format:   p.Format,
		Cookies:  r.Cookies,
		Args:     append([]string(nil), p.Args...),
	}
	return opt, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
