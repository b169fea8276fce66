package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/archive"
	"github.com/FildCommander/ytptube/internal/engine"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/pkg/logger"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []item.Request
	err  error
}

func (f *fakeSubmitter) Add(ctx context.Context, req item.Request) ([]*item.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return []*item.Item{item.New(req.URL)}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeCheckpoints struct {
	mu      sync.Mutex
	checked map[string]time.Time
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{checked: make(map[string]time.Time)}
}

func (f *fakeCheckpoints) TaskChecked(id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked[id] = at
	return nil
}

func (f *fakeCheckpoints) TaskLastChecked(id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checked[id], nil
}

func loadedManager(t *testing.T, body string) *Manager {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/tasks.json", []byte(body), 0o644); err != nil {
		t.Fatalf("write tasks file: %v", err)
	}
	arch, _ := archive.New(afero.NewMemMapFs(), "/archive.log")
	m := NewManager(fs, "/tasks.json", arch, nil, events.NewBus(nil), logger.NewNopLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m
}

func TestNeverCheckedTaskFiresImmediately(t *testing.T) {
	m := loadedManager(t, `[{"id":"t1","url":"https://example.com/channel","timer":"0 0 1 1 *"}]`)
	sub := &fakeSubmitter{}
	cp := newFakeCheckpoints()
	p := NewPoller(m, sub, cp, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count() != 1 {
		t.Fatalf("task fired %d times, want 1", sub.count())
	}
	if last, _ := cp.TaskLastChecked("t1"); last.IsZero() {
		t.Fatal("check time not recorded")
	}
	sub.mu.Lock()
	req := sub.reqs[0]
	sub.mu.Unlock()
	if req.URL != "https://example.com/channel" {
		t.Fatalf("submitted url = %q", req.URL)
	}
}

func TestDisabledTaskNeverFires(t *testing.T) {
	m := loadedManager(t, `[
		{"id":"t1","url":"https://example.com/off","timer":"0 0 1 1 *","enabled":false},
		{"id":"t2","url":"https://example.com/on","timer":"0 0 1 1 *"}
	]`)
	sub := &fakeSubmitter{}
	cp := newFakeCheckpoints()
	p := NewPoller(m, sub, cp, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if sub.count() != 1 {
		t.Fatalf("fired %d times, want only the enabled task", sub.count())
	}
	sub.mu.Lock()
	url := sub.reqs[0].URL
	sub.mu.Unlock()
	if url != "https://example.com/on" {
		t.Fatalf("submitted url = %q, want the enabled task's", url)
	}
	if last, _ := cp.TaskLastChecked("t1"); !last.IsZero() {
		t.Fatal("disabled task must not record a check")
	}

	// A disabled task stays listed; only scheduling skips it.
	if len(m.All()) != 2 {
		t.Fatalf("manager lists %d tasks, want 2", len(m.All()))
	}
	// tick guards directly too, for ticks queued before a reload
	// disabled the task.
	p.tick(ctx, "t1")
	if sub.count() != 1 {
		t.Fatal("tick must skip a disabled task")
	}
}

func TestTickRecordsCheckEvenOnDuplicate(t *testing.T) {
	m := loadedManager(t, `[{"id":"t1","url":"https://example.com/channel","timer":"0 * * * *"}]`)
	sub := &fakeSubmitter{err: fmt.Errorf("everything known: %w", engine.ErrDuplicate)}
	cp := newFakeCheckpoints()
	p := NewPoller(m, sub, cp, logger.NewNopLogger())

	p.tick(context.Background(), "t1")
	if last, _ := cp.TaskLastChecked("t1"); last.IsZero() {
		t.Fatal("duplicate tick must still record the check")
	}
}

func TestTickToleratesSubmissionFailure(t *testing.T) {
	m := loadedManager(t, `[{"id":"t1","url":"https://example.com/channel","timer":"0 * * * *"}]`)
	sub := &fakeSubmitter{err: fmt.Errorf("extractor exploded")}
	cp := newFakeCheckpoints()
	p := NewPoller(m, sub, cp, logger.NewNopLogger())

	p.tick(context.Background(), "t1")
	if last, _ := cp.TaskLastChecked("t1"); last.IsZero() {
		t.Fatal("failed tick must still record the check")
	}
}

func TestTickSkipsRemovedTask(t *testing.T) {
	m := loadedManager(t, `[{"id":"t1","url":"https://example.com/channel","timer":"0 * * * *"}]`)
	sub := &fakeSubmitter{}
	cp := newFakeCheckpoints()
	p := NewPoller(m, sub, cp, logger.NewNopLogger())

	p.tick(context.Background(), "gone")
	if sub.count() != 0 {
		t.Fatal("removed task must not submit")
	}
}

func TestNextTriggerMissedOccurrenceCatchesUp(t *testing.T) {
	m := loadedManager(t, `[{"id":"t1","url":"https://example.com/channel","timer":"0 * * * *"}]`)
	cp := newFakeCheckpoints()
	p := NewPoller(m, &fakeSubmitter{}, cp, logger.NewNopLogger())
	task := m.All()[0]

	now := time.Now()

	// Checked two hours ago with an hourly cadence: overdue, fires now.
	_ = cp.TaskChecked("t1", now.Add(-2*time.Hour))
	if got := p.nextTrigger(task, now); got.After(now) {
		t.Fatalf("missed occurrence should fire immediately, got %s", got)
	}

	// Checked seconds ago: next trigger lands in the future.
	_ = cp.TaskChecked("t1", now)
	if got := p.nextTrigger(task, now); !got.After(now) {
		t.Fatalf("fresh check should schedule into the future, got %s", got)
	}
}

func TestReloadPicksUpNewTasks(t *testing.T) {
	fs := afero.NewMemMapFs()
	arch, _ := archive.New(afero.NewMemMapFs(), "/archive.log")
	m := NewManager(fs, "/tasks.json", arch, nil, events.NewBus(nil), logger.NewNopLogger())
	if err := m.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	sub := &fakeSubmitter{}
	cp := newFakeCheckpoints()
	p := NewPoller(m, sub, cp, logger.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	if sub.count() != 0 {
		t.Fatal("empty schedule must not fire")
	}

	body := `[{"id":"t1","url":"https://example.com/channel","timer":"0 0 1 1 *"}]`
	if err := afero.WriteFile(fs, "/tasks.json", []byte(body), 0o644); err != nil {
		t.Fatalf("write tasks file: %v", err)
	}
	if err := m.Load(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	p.Reload()

	deadline := time.Now().Add(5 * time.Second)
	for sub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sub.count() != 1 {
		t.Fatalf("reloaded task fired %d times, want 1", sub.count())
	}
}
