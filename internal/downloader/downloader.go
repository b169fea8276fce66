// Package downloader wraps the external downloader tool (yt-dlp) behind
// a process boundary: merged options in, progress and outcome out,
// signal-based cancellation with a bounded grace period.
package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/internal/presets"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// Config bounds the executor. SocketTimeout and ExtractTimeout are
// independent on purpose: one bounds connection establishment inside
// the tool, the other bounds the whole metadata resolution call.
type Config struct {
	Bin              string
	DownloadPath     string
	TempPath         string
	SocketTimeout    time.Duration
	ExtractTimeout   time.Duration
	CancelGrace      time.Duration
	ProgressInterval time.Duration
	MaxRuntime       time.Duration
	Retries          int
}

// Metadata is the resolved description of a source URL.
type Metadata struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	URL         string     `json:"webpage_url"`
	Type        string     `json:"_type"`
	Extractor   string     `json:"extractor_key"`
	IsLive      bool       `json:"is_live"`
	LiveStatus  string     `json:"live_status"`
	ReleaseUnix int64      `json:"release_timestamp"`
	Entries     []Metadata `json:"entries"`
}

// ArchiveID returns the content identifier used for archive dedup,
// "<extractor> <id>" in lower case, the layout yt-dlp archives use.
func (m *Metadata) ArchiveID() string {
	if m.ID == "" {
		return ""
	}
	ex := strings.ToLower(m.Extractor)
	if ex == "" {
		ex = "generic"
	}
	return ex + " " + m.ID
}

// Upcoming reports whether the source is a live stream that has not
// started yet.
func (m *Metadata) Upcoming() bool {
	return m.LiveStatus == "is_upcoming"
}

// Result is the successful outcome of a download run.
type Result struct {
	Filename string
	FileSize int64
}

// syscallSignalZero probes liveness without delivering a signal.
var syscallSignalZero = syscall.Signal(0)

// Executor runs one tool invocation per call. It is stateless and safe
// for concurrent use by the worker pool.
type Executor struct {
	cfg Config
	log logger.Logger
}

// New creates an executor.
func New(cfg Config, log logger.Logger) *Executor {
	if cfg.Bin == "" {
		cfg.Bin = "yt-dlp"
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Executor{cfg: cfg, log: log}
}

// Inspect resolves metadata for a URL without downloading. Exceeding
// the extraction timeout or a tool failure yields an ExtractionError.
func (e *Executor) Inspect(ctx context.Context, rawURL string, opt presets.Options) (*Metadata, error) {
	if e.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ExtractTimeout)
		defer cancel()
	}

	args := []string{"-J", "--flat-playlist", "--no-warnings"}
	args = append(args, e.commonArgs(opt)...)
	if opt.Cookies != "" {
		path, cleanup, err := e.cookieFile(opt.Cookies)
		if err != nil {
			return nil, &ExtractionError{URL: rawURL, Err: err}
		}
		defer cleanup()
		args = append(args, "--cookies", path)
	}
	args = append(args, rawURL)

	cmd := exec.CommandContext(ctx, e.cfg.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ExtractionError{URL: rawURL, Err: fmt.Errorf("metadata extraction exceeded %s", e.cfg.ExtractTimeout)}
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &ExtractionError{URL: rawURL, Err: fmt.Errorf("%v: %s", err, firstLine(stderr.String()))}
	}

	meta := &Metadata{}
	if err := json.Unmarshal(stdout.Bytes(), meta); err != nil {
		return nil, &ExtractionError{URL: rawURL, Err: fmt.Errorf("parse metadata: %w", err)}
	}
	if meta.URL == "" {
		meta.URL = rawURL
	}
	for i := range meta.Entries {
		if meta.Entries[i].Extractor == "" {
			meta.Entries[i].Extractor = meta.Extractor
		}
	}
	return meta, nil
}

// Download runs the tool for one item, emitting throttled progress
// through onUpdate. Transient failures are retried up to the configured
// limit; cancellation is honored before start and during execution.
func (e *Executor) Download(ctx context.Context, it *item.Item, opt presets.Options, onUpdate func(Update)) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	policy := defaultRetryPolicy(e.cfg.Retries)
	var lastErr error
	for attempt := 0; ; attempt++ {
		res, err := e.runOnce(ctx, it, opt, onUpdate)
		if err == nil {
			return res, nil
		}
		lastErr = err

		var dlErr *DownloadError
		retryable := errors.As(err, &dlErr) && dlErr.Transient
		if !retryable || attempt >= policy.MaxRetries {
			return nil, lastErr
		}
		e.log.Warning("transient failure for %s, retrying (%d/%d): %v", it.Name(), attempt+1, policy.MaxRetries, err)
		if err := policy.wait(ctx, attempt+1); err != nil {
			return nil, ErrCancelled
		}
	}
}

func (e *Executor) runOnce(ctx context.Context, it *item.Item, opt presets.Options, onUpdate func(Update)) (*Result, error) {
	runCtx := ctx
	if e.cfg.MaxRuntime > 0 && !it.IsLive {
		// Live items are exempt from the runtime bound: they run until
		// the stream ends.
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.cfg.MaxRuntime)
		defer cancel()
	}

	args := []string{
		"--newline", "--no-colors", "--no-warnings",
		"--progress-template", progressTemplate,
		"--progress-template", postprocessTemplate,
		"--paths", "home:" + e.homeDir(opt),
	}
	if e.cfg.TempPath != "" {
		args = append(args, "--paths", "temp:"+e.cfg.TempPath)
	}
	if opt.Template != "" {
		args = append(args, "--output", opt.Template)
	}
	args = append(args, e.commonArgs(opt)...)
	if opt.Cookies != "" {
		path, cleanup, err := e.cookieFile(opt.Cookies)
		if err != nil {
			return nil, &DownloadError{URL: it.URL, Err: err}
		}
		defer cleanup()
		args = append(args, "--cookies", path)
	}
	args = append(args, it.URL)

	cmd := exec.Command(e.cfg.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &DownloadError{URL: it.URL, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &DownloadError{URL: it.URL, Err: err}
	}

	// Cancellation watcher: graceful interrupt, bounded grace, then
	// forced termination.
	done := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
			e.terminate(cmd)
		case <-done:
		}
	}()

	result := e.consumeProgress(stdout, onUpdate)

	waitErr := cmd.Wait()
	close(done)

	if ctx.Err() != nil && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, ErrCancelled
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &DownloadError{URL: it.URL, Msg: fmt.Sprintf("download exceeded max runtime of %s", e.cfg.MaxRuntime)}
	}
	if waitErr != nil {
		msg := firstLine(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return nil, &DownloadError{
			URL:       it.URL,
			Msg:       msg,
			Transient: isTransient(waitErr, stderr.String()),
			Err:       waitErr,
		}
	}

	if result.Filename != "" {
		if fi, err := os.Stat(result.Filename); err == nil {
			result.FileSize = fi.Size()
		}
	}
	return result, nil
}

// consumeProgress reads tool output and forwards throttled updates:
// at most one emission per ProgressInterval, status changes always
// pass through.
func (e *Executor) consumeProgress(r io.Reader, onUpdate func(Update)) *Result {
	result := &Result{}
	lastEmit := time.Time{}
	lastStatus := item.StatusDownloading

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		up, ok := parseProgressLine(sc.Text())
		if !ok {
			continue
		}
		if up.Filename != "" && up.Filename != "NA" {
			result.Filename = up.Filename
		}
		if onUpdate == nil {
			continue
		}
		statusChanged := up.Status != lastStatus
		if !statusChanged && time.Since(lastEmit) < e.cfg.ProgressInterval {
			continue
		}
		lastStatus = up.Status
		lastEmit = time.Now()
		onUpdate(up)
	}
	return result
}

// terminate sends the graceful stop signal, waits out the grace period,
// then kills the process if it is still alive.
func (e *Executor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	e.log.Info("interrupting downloader process pid=%d", pid)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
		return
	}

	deadline := time.After(e.cfg.CancelGrace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			e.log.Warning("grace period expired, killing downloader process pid=%d", pid)
			_ = cmd.Process.Kill()
			return
		case <-tick.C:
			// Signal 0 probes process liveness without touching it.
			if cmd.Process.Signal(syscallSignalZero) != nil {
				return
			}
		}
	}
}

func (e *Executor) commonArgs(opt presets.Options) []string {
	var args []string
	if e.cfg.SocketTimeout > 0 {
		args = append(args, "--socket-timeout", fmt.Sprintf("%d", int(e.cfg.SocketTimeout.Seconds())))
	}
	if opt.Format != "" {
		args = append(args, "--format", opt.Format)
	}
	args = append(args, opt.Args...)
	return args
}

// homeDir resolves the destination directory for an invocation. A
// relative folder is rooted under the instance download path.
func (e *Executor) homeDir(opt presets.Options) string {
	if opt.Folder == "" || opt.Folder == e.cfg.DownloadPath {
		return e.cfg.DownloadPath
	}
	if filepath.IsAbs(opt.Folder) {
		return opt.Folder
	}
	return filepath.Join(e.cfg.DownloadPath, opt.Folder)
}

// cookieFile writes the submitted cookie jar to a temp file the tool
// can read. cleanup removes it after the run.
func (e *Executor) cookieFile(cookies string) (string, func(), error) {
	f, err := os.CreateTemp(e.cfg.TempPath, "cookies-*.txt")
	if err != nil {
		return "", nil, fmt.Errorf("write cookie jar: %w", err)
	}
	if _, err := f.WriteString(cookies); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write cookie jar: %w", err)
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
