// Package item defines the download item model and its lifecycle rules.
// An item lives in exactly one of the two logical stores at a time: the
// active queue while its status is non-terminal, the history afterwards.
package item

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a download item.
type Status string

const (
	// StatusPending means the item is waiting for a free worker slot.
	StatusPending Status = "pending"
	// StatusDownloading means a worker is transferring the item.
	StatusDownloading Status = "downloading"
	// StatusPostprocessing means the transfer finished and yt-dlp is
	// running post-processing steps (merge, convert, move).
	StatusPostprocessing Status = "postprocessing"
	// StatusFinished is the terminal success state.
	StatusFinished Status = "finished"
	// StatusError is the terminal failure state.
	StatusError Status = "error"
	// StatusCancelled is the terminal user-cancelled state.
	StatusCancelled Status = "cancelled"
	// StatusNotLive marks an upcoming live stream parked in history until
	// its announced start time passes, at which point it is re-queued.
	StatusNotLive Status = "not_live"
)

// Terminal reports whether the status places the item in history.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled, StatusNotLive:
		return true
	}
	return false
}

// InFlight reports whether a worker owns the item. Items found in-flight
// at startup are reset to pending, recovery never resumes mid-transfer.
func (s Status) InFlight() bool {
	return s == StatusDownloading || s == StatusPostprocessing
}

// transitions holds the allowed status graph. Cancellation of pending
// items bypasses this table: those are discarded, not transitioned.
var transitions = map[Status][]Status{
	StatusPending:        {StatusDownloading, StatusCancelled},
	StatusDownloading:    {StatusPostprocessing, StatusFinished, StatusError, StatusCancelled},
	StatusPostprocessing: {StatusFinished, StatusError, StatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Progress carries the throttled transfer metrics pushed with every
// updated event.
type Progress struct {
	Percent         float64 `json:"percent"`
	Speed           float64 `json:"speed"`
	ETA             int64   `json:"eta"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
}

// Item is a single download request moving through the queue. The JSON
// field names match the persisted record layout and the realtime wire
// format, both inherited from the original frontend contract.
type Item struct {
	ID        string   `json:"_id"`
	ContentID string   `json:"id"`
	Title     string   `json:"title"`
	URL       string   `json:"url"`
	Preset    string   `json:"preset"`
	Folder    string   `json:"folder"`
	Template  string   `json:"template,omitempty"`
	Cookies   string   `json:"cookies,omitempty"`
	Status    Status   `json:"status"`
	Error     string   `json:"error,omitempty"`
	IsLive    bool     `json:"is_live"`
	LiveIn    string   `json:"live_in,omitempty"`
	ArchiveID string   `json:"archive_id,omitempty"`
	Progress  Progress `json:"progress"`
	Filename  string   `json:"filename,omitempty"`
	FileSize  int64    `json:"file_size,omitempty"`
	AutoStart bool     `json:"auto_start"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Extras is the opaque pass-through bag for source metadata the
	// engine does not interpret (playlist indices, uploader, thumbnails).
	Extras map[string]any `json:"extras,omitempty"`
}

// New creates a pending item for the given URL with a fresh id.
func New(rawURL string) *Item {
	return &Item{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Status:    StatusPending,
		AutoStart: true,
		CreatedAt: time.Now().UTC(),
		Extras:    map[string]any{},
	}
}

// MarkStarted transitions the item into downloading and stamps StartedAt.
func (i *Item) MarkStarted() error {
	if err := i.transition(StatusDownloading); err != nil {
		return err
	}
	now := time.Now().UTC()
	i.StartedAt = &now
	return nil
}

// MarkTerminal moves the item to the given terminal status, stamping
// FinishedAt. msg populates the error field for failed items.
func (i *Item) MarkTerminal(s Status, msg string) error {
	if !s.Terminal() {
		return fmt.Errorf("status %q is not terminal", s)
	}
	if err := i.transition(s); err != nil {
		return err
	}
	now := time.Now().UTC()
	i.FinishedAt = &now
	if s == StatusError || s == StatusCancelled {
		i.Error = msg
	}
	return nil
}

func (i *Item) transition(next Status) error {
	if !i.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %q -> %q for item %s", i.Status, next, i.ID)
	}
	i.Status = next
	return nil
}

// Clone returns a shallow copy safe to hand to subscribers while a
// worker keeps mutating the original.
func (i *Item) Clone() *Item {
	c := *i
	return &c
}

// Name returns a short log reference for the item.
func (i *Item) Name() string {
	return fmt.Sprintf("id=%q title=%q", i.ContentID, i.Title)
}

// Request is a single submission entry. Zero-valued fields fall back to
// the preset, then to the instance defaults.
type Request struct {
	URL       string         `json:"url"`
	Preset    string         `json:"preset,omitempty"`
	Folder    string         `json:"folder,omitempty"`
	Template  string         `json:"template,omitempty"`
	Cookies   string         `json:"cookies,omitempty"`
	AutoStart *bool          `json:"auto_start,omitempty"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// ValidationError reports a rejected submission. No item is created when
// validation fails.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Validate checks the request shape. Preset existence is checked by the
// caller against the loaded preset set.
func (r *Request) Validate() error {
	u := strings.TrimSpace(r.URL)
	if u == "" {
		return &ValidationError{Field: "url", Msg: "url param is required"}
	}
	parsed, err := url.ParseRequestURI(u)
	if err != nil {
		return &ValidationError{Field: "url", Msg: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &ValidationError{Field: "url", Msg: fmt.Sprintf("unsupported scheme %q", parsed.Scheme)}
	}
	if parsed.Host == "" {
		return &ValidationError{Field: "url", Msg: "missing host"}
	}
	return nil
}
