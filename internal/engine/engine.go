// Package engine orchestrates the download queue: submission with
// dedupe, the worker pool, pause/resume, cancellation, history and
// artifact cleanup. All state flows through the two store views; every
// externally visible change is emitted on the event bus.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/archive"
	"github.com/FildCommander/ytptube/internal/downloader"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/internal/presets"
	"github.com/FildCommander/ytptube/internal/store"
	"github.com/FildCommander/ytptube/pkg/logger"
)

var (
	// ErrNotFound is returned when the referenced item is neither queued
	// nor running.
	ErrNotFound = errors.New("item not found")
	// ErrDuplicate is returned when a submission resolves to content that
	// is already queued or archived. No item is created.
	ErrDuplicate = errors.New("item already tracked")
)

// Downloader is the executor surface the engine drives. Tests substitute
// fakes; production wires *downloader.Executor.
type Downloader interface {
	Inspect(ctx context.Context, rawURL string, opt presets.Options) (*downloader.Metadata, error)
	Download(ctx context.Context, it *item.Item, opt presets.Options, onUpdate func(downloader.Update)) (*downloader.Result, error)
}

// Config tunes the engine.
type Config struct {
	MaxWorkers        int
	Dedupe            string
	KeepArchive       bool
	LiveCheckInterval time.Duration
}

// Engine owns the queue and history views and the worker pool.
type Engine struct {
	cfg     Config
	queue   *store.View
	done    *store.View
	arch    *archive.Archive
	presets *presets.Set
	bus     *events.Bus
	dl      Downloader
	fs      afero.Fs
	log     logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
	active map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New wires an engine over already-loaded views.
func New(cfg Config, queue, done *store.View, arch *archive.Archive, ps *presets.Set, bus *events.Bus, dl Downloader, fs afero.Fs, log logger.Logger) *Engine {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.LiveCheckInterval <= 0 {
		cfg.LiveCheckInterval = time.Minute
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	e := &Engine{
		cfg:     cfg,
		queue:   queue,
		done:    done,
		arch:    arch,
		presets: ps,
		bus:     bus,
		dl:      dl,
		fs:      fs,
		log:     log,
		active:  make(map[string]context.CancelFunc),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Add validates and submits one request. Playlists expand into one item
// per entry. Returns the created items; a submission where every entry
// is a duplicate returns ErrDuplicate.
func (e *Engine) Add(ctx context.Context, req item.Request) ([]*item.Item, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	opt, err := e.presets.Merge(req)
	if err != nil {
		return nil, err
	}

	meta, err := e.dl.Inspect(ctx, req.URL, opt)
	if err != nil {
		return nil, err
	}

	entries := []downloader.Metadata{*meta}
	if meta.Type == "playlist" && len(meta.Entries) > 0 {
		entries = meta.Entries
	}

	var created []*item.Item
	var result *multierror.Error
	for i := range entries {
		it, err := e.enqueue(req, opt, &entries[i])
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		created = append(created, it)
	}
	if len(created) == 0 {
		if result != nil {
			return nil, result.ErrorOrNil()
		}
		return nil, ErrDuplicate
	}
	return created, nil
}

// BatchResult is the per-request outcome of a batch submission.
type BatchResult struct {
	URL   string       `json:"url"`
	Items []*item.Item `json:"items,omitempty"`
	Error string       `json:"error,omitempty"`
}

// AddBatch submits every request, collecting per-URL outcomes. The
// returned error aggregates individual failures; successful entries are
// queued regardless.
func (e *Engine) AddBatch(ctx context.Context, reqs []item.Request) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(reqs))
	var agg *multierror.Error
	for _, req := range reqs {
		items, err := e.Add(ctx, req)
		res := BatchResult{URL: req.URL, Items: items}
		if err != nil {
			res.Error = err.Error()
			agg = multierror.Append(agg, fmt.Errorf("%s: %w", req.URL, err))
		}
		results = append(results, res)
	}
	return results, agg.ErrorOrNil()
}

// enqueue creates the item for one resolved entry, applying dedupe. An
// upcoming live stream is parked in history as not_live instead of
// entering the queue.
func (e *Engine) enqueue(req item.Request, opt presets.Options, m *downloader.Metadata) (*item.Item, error) {
	srcURL := m.URL
	if srcURL == "" {
		srcURL = req.URL
	}

	archiveID := m.ArchiveID()
	if archiveID != "" && e.arch != nil && e.arch.Has(archiveID) {
		return nil, fmt.Errorf("%q already in archive: %w", srcURL, ErrDuplicate)
	}

	e.mu.Lock()
	var dup bool
	if e.cfg.Dedupe == "url" || m.ID == "" {
		// Sources without a content id fall back to URL identity.
		_, dup = e.queue.GetByURL(srcURL)
	} else {
		_, dup = e.queue.GetByContentID(m.ID)
	}
	if dup {
		e.mu.Unlock()
		return nil, fmt.Errorf("%q already in queue: %w", srcURL, ErrDuplicate)
	}

	it := item.New(srcURL)
	it.ContentID = m.ID
	it.Title = m.Title
	it.Preset = opt.Preset
	it.Folder = opt.Folder
	it.Template = opt.Template
	it.Cookies = opt.Cookies
	it.ArchiveID = archiveID
	it.IsLive = m.IsLive || m.LiveStatus == "is_live"
	if req.AutoStart != nil {
		it.AutoStart = *req.AutoStart
	}
	for k, v := range req.Extras {
		it.Extras[k] = v
	}

	if m.Upcoming() {
		it.Status = item.StatusNotLive
		now := time.Now().UTC()
		it.FinishedAt = &now
		if m.ReleaseUnix > 0 {
			release := time.Unix(m.ReleaseUnix, 0)
			it.LiveIn = humanize.Time(release)
			it.Extras["release_timestamp"] = m.ReleaseUnix
		}
		if err := e.done.Put(it); err != nil {
			e.log.Error("persist not_live item %s: %v", it.Name(), err)
		}
		e.mu.Unlock()
		e.bus.Emit(events.Added, it.Clone())
		e.bus.Emit(events.Completed, it.Clone())
		e.log.Info("stream %s has not started yet, watching it (%s)", it.Name(), it.LiveIn)
		return it, nil
	}

	if err := e.queue.Put(it); err != nil {
		e.log.Error("persist queued item %s: %v", it.Name(), err)
	}
	e.mu.Unlock()
	e.bus.Emit(events.Added, it.Clone())
	e.cond.Broadcast()
	return it, nil
}

// Cancel stops the item. A pending item is discarded outright, leaving
// no trace in queue or history. A running item gets its context
// cancelled; the owning worker records it as cancelled in history.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	if cancel, ok := e.active[id]; ok {
		e.mu.Unlock()
		cancel()
		return nil
	}
	it, ok := e.queue.Get(id)
	if !ok || it.Status != item.StatusPending {
		e.mu.Unlock()
		return fmt.Errorf("cancel %q: %w", id, ErrNotFound)
	}
	err := e.queue.Delete(id)
	e.mu.Unlock()

	if err != nil {
		e.log.Error("remove cancelled item %s: %v", it.Name(), err)
	}
	e.bus.Emit(events.Cancelled, it.Clone())
	e.log.Info("cancelled pending item %s", it.Name())
	return nil
}

// StartItem flips a held (auto_start=false) pending item into the
// dispatchable set.
func (e *Engine) StartItem(id string) error {
	e.mu.Lock()
	it, ok := e.queue.Get(id)
	if !ok || it.Status != item.StatusPending {
		e.mu.Unlock()
		return fmt.Errorf("start %q: %w", id, ErrNotFound)
	}
	it.AutoStart = true
	clone := it.Clone()
	err := e.queue.Put(it)
	e.mu.Unlock()

	if err != nil {
		e.log.Error("persist item %s: %v", it.Name(), err)
	}
	e.bus.Emit(events.Updated, clone)
	e.cond.Broadcast()
	return nil
}

// Clear removes history entries. With removeFiles set, the final
// artifact and its sibling files (same stem, any extension) are deleted
// too. Failures are aggregated; entries are removed regardless.
func (e *Engine) Clear(ids []string, removeFiles bool) error {
	var agg *multierror.Error
	for _, id := range ids {
		it, ok := e.done.Get(id)
		if !ok {
			agg = multierror.Append(agg, fmt.Errorf("clear %q: %w", id, ErrNotFound))
			continue
		}
		if removeFiles && it.Filename != "" {
			if err := e.removeArtifacts(it.Filename); err != nil {
				agg = multierror.Append(agg, err)
			}
		}
		if err := e.done.Delete(id); err != nil {
			agg = multierror.Append(agg, err)
		}
		e.bus.Emit(events.Cleared, it.Clone())
	}
	return agg.ErrorOrNil()
}

// removeArtifacts deletes the named file and its siblings sharing the
// stem (subtitles, thumbnails, info json written alongside).
func (e *Engine) removeArtifacts(filename string) error {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	matches, err := afero.Glob(e.fs, stem+".*")
	if err != nil {
		return fmt.Errorf("glob artifacts for %q: %w", filename, err)
	}
	var agg *multierror.Error
	for _, path := range matches {
		if err := e.fs.Remove(path); err != nil {
			agg = multierror.Append(agg, fmt.Errorf("remove %q: %w", path, err))
			continue
		}
		e.log.Info("removed artifact %q", path)
	}
	return agg.ErrorOrNil()
}

// Reorder moves a queued item to the given position.
func (e *Engine) Reorder(id string, pos int) error {
	if !e.queue.Reorder(id, pos) {
		return fmt.Errorf("reorder %q: %w", id, ErrNotFound)
	}
	e.bus.Emit(events.Moved, map[string]any{"id": id, "position": pos})
	return nil
}

// Pause stops dispatching new items. Running downloads continue.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.bus.Emit(events.Paused, nil)
	e.log.Info("queue paused")
}

// Resume re-enables dispatching.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.bus.Emit(events.Resumed, nil)
	e.cond.Broadcast()
	e.log.Info("queue resumed")
}

// Paused reports whether dispatching is suspended.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Snapshot is the full engine state pushed to new realtime clients.
type Snapshot struct {
	Queue   []*item.Item     `json:"queue"`
	History []*item.Item     `json:"history"`
	Paused  bool             `json:"paused"`
	Presets []presets.Preset `json:"presets"`
}

// Snapshot returns a copy of the current full state. Items are cloned
// under the engine lock so callers can marshal them while workers keep
// mutating the originals.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	queue := cloneItems(e.queue.Items())
	history := cloneItems(e.done.Items())
	paused := e.paused
	e.mu.Unlock()

	return Snapshot{
		Queue:   queue,
		History: history,
		Paused:  paused,
		Presets: e.presets.All(),
	}
}

func cloneItems(items []*item.Item) []*item.Item {
	out := make([]*item.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// ActiveCount reports how many items workers currently own.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
