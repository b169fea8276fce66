package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/FildCommander/ytptube/internal/downloader"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/item"
)

// Start launches the worker pool and the live-stream monitor. Workers
// exit when ctx is cancelled; Wait blocks until they are done.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(e.cfg.MaxWorkers)
	for i := 0; i < e.cfg.MaxWorkers; i++ {
		go e.worker(ctx, i)
	}

	go e.monitorLive(ctx)

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.closed = true
		for _, cancel := range e.active {
			cancel()
		}
		e.mu.Unlock()
		e.cond.Broadcast()
	}()
}

// Wait blocks until every worker has exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context, n int) {
	defer e.wg.Done()
	for {
		it, itemCtx := e.claim()
		if it == nil {
			return
		}
		e.log.Info("worker %d picked up %s", n, it.Name())
		e.run(itemCtx, it)
	}
}

// claim blocks until a dispatchable pending item exists, then atomically
// transitions it to downloading and registers its cancel func. Returns
// nil when the engine shuts down. The status change under e.mu is the
// check-and-set that keeps two workers from claiming the same item.
func (e *Engine) claim() (*item.Item, context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return nil, nil
		}
		if !e.paused {
			if it := e.queue.NextPending(); it != nil {
				if err := it.MarkStarted(); err != nil {
					e.log.Error("claim %s: %v", it.Name(), err)
					continue
				}
				itemCtx, cancel := context.WithCancel(context.Background())
				e.active[it.ID] = cancel
				return it, itemCtx
			}
		}
		e.cond.Wait()
	}
}

// run drives one claimed item to a terminal state.
func (e *Engine) run(ctx context.Context, it *item.Item) {
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.active[it.ID]; ok {
			cancel()
			delete(e.active, it.ID)
		}
		e.mu.Unlock()
		e.cond.Broadcast()
	}()

	if err := e.queue.Put(it); err != nil {
		e.log.Error("persist claim of %s: %v", it.Name(), err)
	}
	e.bus.Emit(events.Updated, it.Clone())

	opt, err := e.presets.Merge(item.Request{
		URL:      it.URL,
		Preset:   it.Preset,
		Folder:   it.Folder,
		Template: it.Template,
		Cookies:  it.Cookies,
	})
	if err != nil {
		// Preset vanished since submission. Run with instance defaults.
		e.log.Warning("preset %q gone for %s, using defaults", it.Preset, it.Name())
		opt, _ = e.presets.Merge(item.Request{URL: it.URL, Folder: it.Folder, Template: it.Template, Cookies: it.Cookies})
	}

	res, err := e.dl.Download(ctx, it, opt, func(up downloader.Update) {
		e.applyUpdate(it, up)
	})

	switch {
	case err == nil:
		e.mu.Lock()
		if res != nil {
			if res.Filename != "" {
				it.Filename = res.Filename
			}
			if res.FileSize > 0 {
				it.FileSize = res.FileSize
			}
		}
		terr := it.MarkTerminal(item.StatusFinished, "")
		e.mu.Unlock()
		if terr != nil {
			e.log.Error("finish %s: %v", it.Name(), terr)
		}
		e.finish(it, events.Completed)
		e.archiveItem(it)
		e.log.Success("finished %s (%s)", it.Name(), humanize.Bytes(uint64(it.FileSize)))

	case errors.Is(err, downloader.ErrCancelled):
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if closed {
			// Shutdown interrupt, not a user cancel. The item goes back
			// to pending so the next start dispatches it again.
			e.returnToQueue(it)
			e.log.Info("shutdown interrupted %s, returned to queue", it.Name())
			return
		}
		e.mu.Lock()
		terr := it.MarkTerminal(item.StatusCancelled, "cancelled by user")
		e.mu.Unlock()
		if terr != nil {
			e.log.Error("cancel %s: %v", it.Name(), terr)
		}
		e.finish(it, events.Cancelled)
		e.log.Info("cancelled %s", it.Name())

	default:
		e.mu.Lock()
		terr := it.MarkTerminal(item.StatusError, err.Error())
		e.mu.Unlock()
		if terr != nil {
			e.log.Error("fail %s: %v", it.Name(), terr)
		}
		e.finish(it, events.Completed)
		e.log.Error("failed %s: %v", it.Name(), err)
	}
}

// returnToQueue rewinds an interrupted item to pending and persists it
// in the queue partition, the same shape startup recovery produces.
func (e *Engine) returnToQueue(it *item.Item) {
	e.mu.Lock()
	it.Status = item.StatusPending
	it.StartedAt = nil
	it.Progress = item.Progress{}
	e.mu.Unlock()
	if err := e.queue.Put(it); err != nil {
		e.log.Error("persist interrupted item %s: %v", it.Name(), err)
	}
}

// applyUpdate folds one executor emission into the item and pushes it to
// realtime subscribers. Only status changes are written through to the
// store; progress ticks stay in memory.
func (e *Engine) applyUpdate(it *item.Item, up downloader.Update) {
	e.mu.Lock()
	persist := false
	if up.Status == item.StatusPostprocessing && it.Status == item.StatusDownloading {
		it.Status = item.StatusPostprocessing
		persist = true
	}
	if up.Progress != (item.Progress{}) {
		it.Progress = up.Progress
	}
	if up.Filename != "" {
		it.Filename = up.Filename
	}
	clone := it.Clone()
	e.mu.Unlock()

	if persist {
		if err := e.queue.Put(it); err != nil {
			e.log.Error("persist postprocessing of %s: %v", it.Name(), err)
		}
	}
	e.bus.Emit(events.Updated, clone)
}

// finish moves the item from queue to history and emits the terminal
// event. Store failures degrade to in-memory state, they never lose the
// transition.
func (e *Engine) finish(it *item.Item, kind string) {
	if err := e.done.Put(it); err != nil {
		e.log.Error("persist history entry %s: %v", it.Name(), err)
	}
	if err := e.queue.Delete(it.ID); err != nil {
		e.log.Error("remove %s from queue: %v", it.Name(), err)
	}
	e.bus.Emit(kind, it.Clone())
}

func (e *Engine) archiveItem(it *item.Item) {
	if !e.cfg.KeepArchive || e.arch == nil || it.ArchiveID == "" {
		return
	}
	if err := e.arch.Add(it.ArchiveID); err != nil {
		e.log.Error("archive %s: %v", it.Name(), err)
	}
}

// monitorLive periodically re-queues parked not_live items whose
// announced start time has passed.
func (e *Engine) monitorLive(ctx context.Context) {
	tick := time.NewTicker(e.cfg.LiveCheckInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			e.requeueLive()
		}
	}
}

func (e *Engine) requeueLive() {
	now := time.Now().Unix()
	for _, it := range e.done.Items() {
		if it.Status != item.StatusNotLive {
			continue
		}
		release := releaseUnix(it)
		if release > 0 && release > now {
			continue
		}

		requeued := item.New(it.URL)
		requeued.ContentID = it.ContentID
		requeued.Title = it.Title
		requeued.Preset = it.Preset
		requeued.Folder = it.Folder
		requeued.Template = it.Template
		requeued.Cookies = it.Cookies
		requeued.ArchiveID = it.ArchiveID
		requeued.IsLive = true
		requeued.Extras = it.Extras

		if err := e.done.Delete(it.ID); err != nil {
			e.log.Error("unpark %s: %v", it.Name(), err)
		}
		if err := e.queue.Put(requeued); err != nil {
			e.log.Error("requeue %s: %v", requeued.Name(), err)
		}
		e.log.Info("stream %s should be live, requeued", requeued.Name())
		e.bus.Emit(events.Added, requeued.Clone())
		e.cond.Broadcast()
	}
}

// releaseUnix extracts the announced start time stashed at submission.
// JSON round-trips land numbers as float64.
func releaseUnix(it *item.Item) int64 {
	switch v := it.Extras["release_timestamp"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

var _ Downloader = (*downloader.Executor)(nil)
