package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/archive"
	"github.com/FildCommander/ytptube/internal/downloader"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/internal/presets"
	"github.com/FildCommander/ytptube/internal/store"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// fakeExec is the test stand-in for the download executor.
type fakeExec struct {
	mu        sync.Mutex
	inspects  []string
	downloads []string

	inspectErr error
	meta       func(url string) *downloader.Metadata
	run        func(ctx context.Context, it *item.Item, onUpdate func(downloader.Update)) (*downloader.Result, error)
}

func (f *fakeExec) Inspect(ctx context.Context, rawURL string, opt presets.Options) (*downloader.Metadata, error) {
	f.mu.Lock()
	f.inspects = append(f.inspects, rawURL)
	f.mu.Unlock()
	if f.inspectErr != nil {
		return nil, f.inspectErr
	}
	if f.meta != nil {
		return f.meta(rawURL), nil
	}
	id := rawURL[strings.LastIndexByte(rawURL, '/')+1:]
	return &downloader.Metadata{ID: id, Title: "video " + id, URL: rawURL, Extractor: "Fake"}, nil
}

func (f *fakeExec) Download(ctx context.Context, it *item.Item, opt presets.Options, onUpdate func(downloader.Update)) (*downloader.Result, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, it.URL)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, it, onUpdate)
	}
	return &downloader.Result{Filename: "/downloads/" + it.ContentID + ".mp4", FileSize: 1024}, nil
}

func (f *fakeExec) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downloads)
}

// recorder collects emitted events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Event
	}
	return out
}

func (r *recorder) has(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type testEnv struct {
	eng   *Engine
	st    *store.Store
	queue *store.View
	done  *store.View
	arch  *archive.Archive
	bus   *events.Bus
	fs    afero.Fs
	rec   *recorder
	stop  context.CancelFunc
}

func newTestEnv(t *testing.T, cfg Config, fake Downloader) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 1, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	queue := store.NewView(store.TypeQueue, s)
	done := store.NewView(store.TypeDone, s)
	if err := queue.Load(); err != nil {
		t.Fatalf("load queue view: %v", err)
	}
	if err := done.Load(); err != nil {
		t.Fatalf("load done view: %v", err)
	}

	arch, err := archive.New(afero.NewMemMapFs(), "/archive.log")
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	ps := presets.NewSet(afero.NewMemMapFs(), "/presets.json", presets.Defaults{Preset: "default"})
	bus := events.NewBus(nil)
	rec := &recorder{}
	bus.Subscribe("test-recorder", rec.handle)

	fs := afero.NewMemMapFs()
	eng := New(cfg, queue, done, arch, ps, bus, fake, fs, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})

	return &testEnv{eng: eng, st: s, queue: queue, done: done, arch: arch, bus: bus, fs: fs, rec: rec, stop: cancel}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddDownloadsToCompletion(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1, KeepArchive: true}, fake)

	items, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("created %d items, want 1", len(items))
	}
	it := items[0]

	waitFor(t, "item to finish", func() bool {
		got, ok := env.done.Get(it.ID)
		return ok && got.Status == item.StatusFinished
	})

	if env.queue.Len() != 0 {
		t.Fatalf("queue still holds %d items", env.queue.Len())
	}
	got, _ := env.done.Get(it.ID)
	if got.Filename == "" || got.FileSize != 1024 {
		t.Fatalf("result not recorded: %+v", got)
	}
	if got.FinishedAt == nil || got.StartedAt == nil {
		t.Fatal("timestamps not stamped")
	}
	if !env.arch.Has(got.ArchiveID) {
		t.Fatalf("archive missing %q", got.ArchiveID)
	}
	for _, kind := range []string{events.Added, events.Updated, events.Completed} {
		if !env.rec.has(kind) {
			t.Fatalf("event %q never emitted, got %v", kind, env.rec.kinds())
		}
	}
}

func TestAddRejectsInvalidURL(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)

	_, err := env.eng.Add(context.Background(), item.Request{URL: "ftp://example.com/file"})
	var vErr *item.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	fake.mu.Lock()
	inspected := len(fake.inspects)
	fake.mu.Unlock()
	if inspected != 0 {
		t.Fatal("invalid request must not reach the executor")
	}
}

func TestAddRejectsUnknownPreset(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)

	_, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc", Preset: "nope"})
	var vErr *item.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestAddPropagatesExtractionError(t *testing.T) {
	fake := &fakeExec{inspectErr: &downloader.ExtractionError{URL: "https://example.com/v/x", Err: errors.New("unsupported url")}}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)

	_, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/x"})
	var exErr *downloader.ExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("error = %v, want ExtractionError", err)
	}
	if env.queue.Len() != 0 || env.done.Len() != 0 {
		t.Fatal("no item may be created on extraction failure")
	}
}

func TestAddDeduplicatesActiveQueue(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)
	env.eng.Pause()

	if _, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"}); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	_, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("error = %v, want ErrDuplicate", err)
	}
	if env.queue.Len() != 1 {
		t.Fatalf("queue holds %d items, want 1", env.queue.Len())
	}
}

func TestAddDeduplicatesAgainstArchive(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1, KeepArchive: true}, fake)
	if err := env.arch.Add("fake abc"); err != nil {
		t.Fatalf("seed archive: %v", err)
	}

	_, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("error = %v, want ErrDuplicate", err)
	}
}

func TestAddExpandsPlaylist(t *testing.T) {
	fake := &fakeExec{
		meta: func(url string) *downloader.Metadata {
			return &downloader.Metadata{
				ID:        "list1",
				Type:      "playlist",
				URL:       url,
				Extractor: "Fake",
				Entries: []downloader.Metadata{
					{ID: "e1", Title: "one", URL: "https://example.com/v/e1", Extractor: "Fake"},
					{ID: "e2", Title: "two", URL: "https://example.com/v/e2", Extractor: "Fake"},
				},
			}
		},
	}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)
	env.eng.Pause()

	items, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/playlist"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("created %d items, want 2", len(items))
	}
	if env.queue.Len() != 2 {
		t.Fatalf("queue holds %d items, want 2", env.queue.Len())
	}
}

func TestAddBatchReportsPerURL(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)
	env.eng.Pause()

	results, err := env.eng.AddBatch(context.Background(), []item.Request{
		{URL: "https://example.com/v/one"},
		{URL: "not a url"},
		{URL: "https://example.com/v/two"},
	})
	if err == nil {
		t.Fatal("expected aggregated error for the invalid entry")
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Error != "" || len(results[0].Items) != 1 {
		t.Fatalf("first entry should succeed: %+v", results[0])
	}
	if results[1].Error == "" {
		t.Fatal("second entry should carry its validation error")
	}
	if results[2].Error != "" {
		t.Fatalf("third entry should succeed despite the second failing: %+v", results[2])
	}
}

func TestUpcomingLiveIsParkedThenRequeued(t *testing.T) {
	started := time.Now().Add(-time.Minute).Unix()
	fake := &fakeExec{
		meta: func(url string) *downloader.Metadata {
			return &downloader.Metadata{
				ID:          "live1",
				Title:       "stream",
				URL:         url,
				Extractor:   "Fake",
				LiveStatus:  "is_upcoming",
				ReleaseUnix: started,
			}
		},
	}
	env := newTestEnv(t, Config{MaxWorkers: 1, LiveCheckInterval: 20 * time.Millisecond}, fake)

	items, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/live"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if items[0].Status != item.StatusNotLive {
		t.Fatalf("status = %q, want not_live", items[0].Status)
	}
	if env.queue.Len() != 0 {
		t.Fatal("upcoming stream must not enter the active queue")
	}

	// The monitor should notice the start time has passed, requeue it,
	// and a worker should carry it to completion.
	waitFor(t, "stream requeue and completion", func() bool {
		for _, it := range env.done.Items() {
			if it.Status == item.StatusFinished {
				return true
			}
		}
		return false
	})
	if fake.downloadCount() != 1 {
		t.Fatalf("download invoked %d times, want 1", fake.downloadCount())
	}
}

func TestClearRemovesHistoryAndArtifacts(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)

	items, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	it := items[0]
	waitFor(t, "item to finish", func() bool {
		got, ok := env.done.Get(it.ID)
		return ok && got.Status == item.StatusFinished
	})

	got, _ := env.done.Get(it.ID)
	sibling := strings.TrimSuffix(got.Filename, filepath.Ext(got.Filename)) + ".srt"
	for _, path := range []string{got.Filename, sibling} {
		if err := afero.WriteFile(env.fs, path, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed artifact %q: %v", path, err)
		}
	}

	if err := env.eng.Clear([]string{it.ID}, true); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if env.done.Len() != 0 {
		t.Fatal("history entry not removed")
	}
	for _, path := range []string{got.Filename, sibling} {
		if ok, _ := afero.Exists(env.fs, path); ok {
			t.Fatalf("artifact %q still present", path)
		}
	}
	if !env.rec.has(events.Cleared) {
		t.Fatal("cleared event never emitted")
	}
}

func TestClearUnknownIDFails(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)

	err := env.eng.Clear([]string{"nope"}, false)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestReorderMovesQueuedItem(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)
	env.eng.Pause()

	var ids []string
	for _, u := range []string{"https://example.com/v/a", "https://example.com/v/b", "https://example.com/v/c"} {
		items, err := env.eng.Add(context.Background(), item.Request{URL: u})
		if err != nil {
			t.Fatalf("Add %q failed: %v", u, err)
		}
		ids = append(ids, items[0].ID)
	}

	if err := env.eng.Reorder(ids[2], 0); err != nil {
		t.Fatalf("Reorder failed: %v", err)
	}
	order := env.queue.Items()
	if order[0].ID != ids[2] {
		t.Fatalf("head = %s, want %s", order[0].ID, ids[2])
	}
	if !env.rec.has(events.Moved) {
		t.Fatal("moved event never emitted")
	}
	if err := env.eng.Reorder("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSnapshotCopiesItemsUnderActiveDownload(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake := &fakeExec{
		run: func(ctx context.Context, it *item.Item, onUpdate func(downloader.Update)) (*downloader.Result, error) {
			once.Do(func() { close(started) })
			for i := int64(1); ; i++ {
				select {
				case <-release:
					return &downloader.Result{}, nil
				default:
					onUpdate(downloader.Update{
						Status:   item.StatusDownloading,
						Progress: item.Progress{Percent: float64(i % 100), DownloadedBytes: i},
					})
					time.Sleep(time.Millisecond)
				}
			}
		},
	}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)
	defer close(release)

	if _, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	<-started

	// Marshal snapshots while the worker keeps mutating the item. With
	// shared pointers the race detector fails this loop.
	for i := 0; i < 50; i++ {
		if _, err := json.Marshal(env.eng.Snapshot()); err != nil {
			t.Fatalf("marshal snapshot: %v", err)
		}
	}

	snap := env.eng.Snapshot()
	if len(snap.Queue) != 1 {
		t.Fatalf("snapshot queue = %d, want 1", len(snap.Queue))
	}
	before := snap.Queue[0].Progress.DownloadedBytes
	waitFor(t, "progress to advance past the snapshot", func() bool {
		q := env.eng.Snapshot().Queue
		return len(q) == 1 && q[0].Progress.DownloadedBytes > before
	})
	if snap.Queue[0].Progress.DownloadedBytes != before {
		t.Fatal("snapshot must not track the live item")
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	fake := &fakeExec{}
	env := newTestEnv(t, Config{MaxWorkers: 1}, fake)
	env.eng.Pause()

	if _, err := env.eng.Add(context.Background(), item.Request{URL: "https://example.com/v/abc"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	snap := env.eng.Snapshot()
	if len(snap.Queue) != 1 {
		t.Fatalf("snapshot queue = %d, want 1", len(snap.Queue))
	}
	if !snap.Paused {
		t.Fatal("snapshot must report the paused flag")
	}
	if len(snap.Presets) == 0 {
		t.Fatal("snapshot must include the preset list")
	}
}
