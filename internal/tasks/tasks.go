// Package tasks implements scheduled source polling: named URLs checked
// on a cron cadence, with new entries submitted to the download queue.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/archive"
	"github.com/FildCommander/ytptube/internal/downloader"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/internal/presets"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// Task is one scheduled source check. A nil Enabled means enabled, so
// definitions without the field keep firing.
type Task struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	Timer    string `json:"timer"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Preset   string `json:"preset,omitempty"`
	Folder   string `json:"folder,omitempty"`
	Template string `json:"template,omitempty"`
}

// Active reports whether the task participates in scheduling.
func (t Task) Active() bool {
	return t.Enabled == nil || *t.Enabled
}

// Request builds the submission request a tick sends to the queue.
func (t Task) Request() item.Request {
	return item.Request{
		URL:      t.URL,
		Preset:   t.Preset,
		Folder:   t.Folder,
		Template: t.Template,
	}
}

// Inspector resolves a task URL into its current entry listing.
type Inspector interface {
	Inspect(ctx context.Context, rawURL string, opt presets.Options) (*downloader.Metadata, error)
}

// Manager holds the loaded task definitions. Reload replaces the list
// atomically, same contract as the preset set.
type Manager struct {
	fs   afero.Fs
	path string
	arch *archive.Archive
	insp Inspector
	bus  *events.Bus
	log  logger.Logger

	mu    sync.RWMutex
	tasks []Task
}

// NewManager creates a task manager reading definitions from path.
func NewManager(fs afero.Fs, path string, arch *archive.Archive, insp Inspector, bus *events.Bus, log logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{fs: fs, path: path, arch: arch, insp: insp, bus: bus, log: log}
}

// Load reads the tasks file and replaces the list. A missing file means
// no tasks. Invalid definitions fail the whole load.
func (m *Manager) Load() error {
	body, err := afero.ReadFile(m.fs, m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.replace(nil)
			return nil
		}
		return fmt.Errorf("read tasks %q: %w", m.path, err)
	}

	var list []Task
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("parse tasks %q: %w", m.path, err)
	}
	for i := range list {
		if err := validate(&list[i]); err != nil {
			return fmt.Errorf("task at position %d: %w", i, err)
		}
	}
	m.replace(list)
	return nil
}

func validate(t *Task) error {
	if t.URL == "" {
		return fmt.Errorf("url is required")
	}
	if t.Timer == "" {
		return fmt.Errorf("timer is required")
	}
	if !gronx.New().IsValid(t.Timer) {
		return fmt.Errorf("timer %q is not a valid cron expression", t.Timer)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Name == "" {
		t.Name = t.URL
	}
	return nil
}

func (m *Manager) replace(list []Task) {
	m.mu.Lock()
	m.tasks = list
	m.mu.Unlock()
	if m.bus != nil {
		m.bus.Emit(events.TasksSet, list)
	}
}

// All returns the loaded tasks.
func (m *Manager) All() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Task(nil), m.tasks...)
}

// Get returns the task with the given id.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Mark seeds the archive with the task's current listing so polling
// starts from now instead of backfilling the whole source.
func (m *Manager) Mark(ctx context.Context, id string) (int, error) {
	ids, err := m.listArchiveIDs(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := m.arch.Add(ids...); err != nil {
		return 0, err
	}
	m.log.Info("marked %d entries for task %q", len(ids), id)
	return len(ids), nil
}

// Unmark removes the task's current listing from the archive, making
// the entries downloadable again.
func (m *Manager) Unmark(ctx context.Context, id string) (int, error) {
	ids, err := m.listArchiveIDs(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := m.arch.Delete(ids...); err != nil {
		return 0, err
	}
	m.log.Info("unmarked %d entries for task %q", len(ids), id)
	return len(ids), nil
}

func (m *Manager) listArchiveIDs(ctx context.Context, id string) ([]string, error) {
	t, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("task %q not found", id)
	}
	meta, err := m.insp.Inspect(ctx, t.URL, presets.Options{})
	if err != nil {
		return nil, err
	}

	entries := []downloader.Metadata{*meta}
	if len(meta.Entries) > 0 {
		entries = meta.Entries
	}
	var ids []string
	var agg *multierror.Error
	for i := range entries {
		aid := entries[i].ArchiveID()
		if aid == "" {
			agg = multierror.Append(agg, fmt.Errorf("entry %d of task %q has no content id", i, id))
			continue
		}
		ids = append(ids, aid)
	}
	if len(ids) == 0 && agg != nil {
		return nil, agg.ErrorOrNil()
	}
	return ids, nil
}
