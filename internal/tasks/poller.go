package tasks

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/adhocore/gronx"

	"github.com/FildCommander/ytptube/internal/engine"
	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// maxSleepCap bounds how long the poller sleeps between heap checks, so
// task reloads and clock adjustments are picked up promptly.
const maxSleepCap = 60 * time.Second

// Submitter is the queue surface a tick drives.
type Submitter interface {
	Add(ctx context.Context, req item.Request) ([]*item.Item, error)
}

// Checkpoints records when a task last ran, surviving restarts.
type Checkpoints interface {
	TaskChecked(id string, at time.Time) error
	TaskLastChecked(id string) (time.Time, error)
}

// tickEvent is one pending task firing in the poller heap.
type tickEvent struct {
	TaskID    string
	TriggerAt time.Time
	CronExpr  string
}

// tickHeap is a min-heap of tickEvents ordered by trigger time.
type tickHeap []tickEvent

func (h tickHeap) Len() int           { return len(h) }
func (h tickHeap) Less(i, j int) bool { return h[i].TriggerAt.Before(h[j].TriggerAt) }
func (h tickHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *tickHeap) Push(x any) {
	*h = append(*h, x.(tickEvent))
}

func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Poller runs the task schedule: a single goroutine over a min-heap of
// upcoming ticks, sleeping until the earliest one. Each tick submits the
// task URL to the queue; duplicates are expected and skipped silently,
// which is what makes ticks idempotent.
type Poller struct {
	mgr *Manager
	sub Submitter
	cp  Checkpoints
	log logger.Logger

	reloadChan chan struct{}
}

// NewPoller wires a poller over the manager's task list.
func NewPoller(mgr *Manager, sub Submitter, cp Checkpoints, log logger.Logger) *Poller {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Poller{
		mgr:        mgr,
		sub:        sub,
		cp:         cp,
		log:        log,
		reloadChan: make(chan struct{}, 1),
	}
}

// Reload asks the poller to rebuild its schedule from the manager's
// current task list.
func (p *Poller) Reload() {
	select {
	case p.reloadChan <- struct{}{}:
	default:
	}
}

// Run executes the schedule until ctx is cancelled. A task whose cron
// occurrence was missed while the process was down fires once
// immediately, then falls back onto its cadence.
func (p *Poller) Run(ctx context.Context) {
	h := &tickHeap{}
	heap.Init(h)
	p.schedule(h, time.Now())

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	resetTimer := func() <-chan time.Time {
		if timer != nil {
			timer.Stop()
		}
		if h.Len() == 0 {
			return nil
		}
		dur := time.Until((*h)[0].TriggerAt)
		if dur > maxSleepCap {
			dur = maxSleepCap
		}
		if dur < 0 {
			dur = 0
		}
		timer = time.NewTimer(dur)
		return timer.C
	}

	timerCh := resetTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.reloadChan:
			*h = (*h)[:0]
			heap.Init(h)
			p.schedule(h, time.Now())
			timerCh = resetTimer()

		case <-timerCh:
			now := time.Now()
			for h.Len() > 0 && !(*h)[0].TriggerAt.After(now) {
				ev := heap.Pop(h).(tickEvent)
				p.tick(ctx, ev.TaskID)
				if next, err := gronx.NextTickAfter(ev.CronExpr, time.Now(), false); err == nil {
					heap.Push(h, tickEvent{TaskID: ev.TaskID, TriggerAt: next, CronExpr: ev.CronExpr})
				}
			}
			timerCh = resetTimer()
		}
	}
}

// schedule seeds the heap from the task list. A task never checked, or
// whose next occurrence after its last check is already past, is due
// immediately.
func (p *Poller) schedule(h *tickHeap, now time.Time) {
	for _, t := range p.mgr.All() {
		if !t.Active() {
			p.log.Info("task %q is disabled, skipping", t.Name)
			continue
		}
		trigger := p.nextTrigger(t, now)
		heap.Push(h, tickEvent{TaskID: t.ID, TriggerAt: trigger, CronExpr: t.Timer})
		p.log.Info("task %q scheduled for %s", t.Name, trigger.Format(time.RFC3339))
	}
}

func (p *Poller) nextTrigger(t Task, now time.Time) time.Time {
	last, err := p.cp.TaskLastChecked(t.ID)
	if err != nil || last.IsZero() {
		return now
	}
	next, err := gronx.NextTickAfter(t.Timer, last, false)
	if err != nil {
		return now
	}
	if next.Before(now) {
		// Missed while the process was down. Catch up once.
		return now
	}
	return next
}

// tick runs one task check. Failures are logged and never stop the
// schedule; the task fires again on its next occurrence.
func (p *Poller) tick(ctx context.Context, taskID string) {
	t, ok := p.mgr.Get(taskID)
	if !ok || !t.Active() {
		return
	}

	items, err := p.sub.Add(ctx, t.Request())
	switch {
	case err == nil:
		p.log.Info("task %q queued %d new items", t.Name, len(items))
	case errors.Is(err, engine.ErrDuplicate):
		p.log.Info("task %q found nothing new", t.Name)
	default:
		p.log.Warning("task %q check failed: %v", t.Name, err)
	}

	if err := p.cp.TaskChecked(t.ID, time.Now().UTC()); err != nil {
		p.log.Error("record check of task %q: %v", t.Name, err)
	}
}
