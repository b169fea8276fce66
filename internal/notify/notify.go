// Package notify delivers engine events to configured webhook targets.
// Delivery is fire-and-forget with a small bounded retry; outcomes are
// logged, they never affect queue processing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// DeliveryError reports a webhook send that failed after all attempts.
type DeliveryError struct {
	Target string
	Event  string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %q to target %q: %v", e.Event, e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Header is one request header attached to a target's webhook calls.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TargetRequest describes how to reach a target.
type TargetRequest struct {
	Method  string   `json:"method,omitempty"`
	URL     string   `json:"url"`
	Type    string   `json:"type,omitempty"`
	Headers []Header `json:"headers,omitempty"`
}

// Target is one notification destination. On lists the event kinds it
// wants; empty means every kind.
type Target struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	On      []string      `json:"on,omitempty"`
	Request TargetRequest `json:"request"`
}

func (t *Target) wants(kind string) bool {
	if len(t.On) == 0 {
		return true
	}
	for _, k := range t.On {
		if k == kind {
			return true
		}
	}
	return false
}

// Config tunes delivery.
type Config struct {
	Retries int
	Timeout time.Duration
}

// Notifier loads targets from a JSON file and fans bus events out to
// them. Reload swaps the target list atomically.
type Notifier struct {
	cfg    Config
	fs     afero.Fs
	path   string
	client *http.Client
	log    logger.Logger

	mu      sync.RWMutex
	targets []Target
}

// New creates a notifier reading targets from path.
func New(cfg Config, fs afero.Fs, path string, log logger.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Notifier{
		cfg:    cfg,
		fs:     fs,
		path:   path,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

// Load reads the targets file and replaces the list. A missing file
// means no targets.
func (n *Notifier) Load() error {
	body, err := afero.ReadFile(n.fs, n.path)
	if err != nil {
		if os.IsNotExist(err) {
			n.replace(nil)
			return nil
		}
		return fmt.Errorf("read notification targets %q: %w", n.path, err)
	}

	var list []Target
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("parse notification targets %q: %w", n.path, err)
	}
	for i := range list {
		if list[i].Request.URL == "" {
			return fmt.Errorf("target at position %d has no url", i)
		}
		if list[i].ID == "" {
			list[i].ID = uuid.NewString()
		}
		if list[i].Name == "" {
			list[i].Name = list[i].Request.URL
		}
	}
	n.replace(list)
	return nil
}

func (n *Notifier) replace(list []Target) {
	n.mu.Lock()
	n.targets = list
	n.mu.Unlock()
}

// Targets returns the loaded targets.
func (n *Notifier) Targets() []Target {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Target(nil), n.targets...)
}

// Attach subscribes the notifier to every bus event. Delivery happens on
// the emitting goroutine's schedule but in its own goroutine, so slow
// targets never stall the engine.
func (n *Notifier) Attach(ctx context.Context, bus *events.Bus) {
	bus.Subscribe("notifier", func(ev events.Event) {
		for _, t := range n.Targets() {
			if !t.wants(ev.Event) {
				continue
			}
			target := t
			go func() {
				if err := n.deliver(ctx, target, ev); err != nil {
					n.log.Warning("%v", err)
				}
			}()
		}
	})
}

// deliver sends one event to one target, retrying transport failures
// and 5xx responses up to the configured limit.
func (n *Notifier) deliver(ctx context.Context, t Target, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return &DeliveryError{Target: t.Name, Event: ev.Event, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &DeliveryError{Target: t.Name, Event: ev.Event, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		lastErr = n.send(ctx, t, payload)
		if lastErr == nil {
			return nil
		}
	}
	return &DeliveryError{Target: t.Name, Event: ev.Event, Err: lastErr}
}

func (n *Notifier) send(ctx context.Context, t Target, payload []byte) error {
	method := t.Request.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, t.Request.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range t.Request.Headers {
		req.Header.Set(h.Key, h.Value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("target responded %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		// Client errors will not improve with retries. Give up quietly
		// after logging; the caller treats nil as delivered.
		n.log.Warning("target %q rejected event: %s", t.Name, resp.Status)
		return nil
	}
	return nil
}
