// Package events implements the in-process typed publish/fan-out bus.
// Producers call Emit; subscribers (realtime broadcaster, notification
// dispatcher) register without producers knowing about transport.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FildCommander/ytptube/pkg/logger"
)

// Event kinds. Names are the wire values pushed to realtime clients.
const (
	Added       = "added"
	Updated     = "updated"
	Completed   = "completed"
	Cancelled   = "cancelled"
	Cleared     = "cleared"
	Moved       = "moved"
	Paused      = "paused"
	Resumed     = "resumed"
	PresetsSet  = "presets_update"
	TasksSet    = "tasks_update"
	InitialData = "initial_data"
	Test        = "test"

	LogInfo    = "log_info"
	LogSuccess = "log_success"
	LogWarning = "log_warning"
	LogError   = "log_error"
)

// Kinds returns every event kind the bus can carry, in a stable order.
func Kinds() []string {
	return []string{
		Added, Updated, Completed, Cancelled, Cleared, Moved,
		Paused, Resumed, PresetsSet, TasksSet, InitialData, Test,
		LogInfo, LogSuccess, LogWarning, LogError,
	}
}

// Event is the envelope delivered to every subscriber.
type Event struct {
	ID      string `json:"id"`
	Created string `json:"created"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
}

// Handler receives one event. Handlers for the same subscriber are
// invoked in emit order, which is what gives per-item event ordering.
type Handler func(Event)

// Bus fans events out to named subscribers. Delivery is synchronous and
// best-effort: a panicking handler is recovered and logged, it never
// fails the emitting operation.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler
	log  logger.Logger
}

// NewBus creates an empty bus.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Bus{
		subs: make(map[string]map[string]Handler),
		log:  log,
	}
}

// Subscribe registers handler under name for the given kinds. An empty
// kinds list subscribes to everything. Re-subscribing under the same
// name replaces the previous handler for those kinds.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...string) {
	if name == "" {
		name = uuid.NewString()
	}
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		if b.subs[k] == nil {
			b.subs[k] = make(map[string]Handler)
		}
		b.subs[k][name] = handler
	}
}

// Unsubscribe removes the named subscriber from the given kinds, or from
// every kind when none are given.
func (b *Bus) Unsubscribe(name string, kinds ...string) {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		delete(b.subs[k], name)
	}
}

// Emit publishes an event of the given kind to all matching subscribers.
func (b *Bus) Emit(kind string, data any) {
	ev := Event{
		ID:      uuid.NewString(),
		Created: time.Now().UTC().Format(time.RFC3339Nano),
		Event:   kind,
		Data:    data,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[kind]))
	for _, h := range b.subs[kind] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(kind, h, ev)
	}
}

func (b *Bus) dispatch(kind string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler for %q panicked: %v", kind, r)
		}
	}()
	h(ev)
}

// LogMessage is the payload of log_* events.
type LogMessage struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// BusLogger wraps a base logger and mirrors every message onto the bus
// as the corresponding log_* event, so connected clients and
// notification targets see what the engine logs.
type BusLogger struct {
	base logger.Logger
	bus  *Bus
}

// NewBusLogger creates a logger that forwards to base and to bus.
func NewBusLogger(base logger.Logger, bus *Bus) *BusLogger {
	return &BusLogger{base: base, bus: bus}
}

// Info logs and emits a log_info event.
func (l *BusLogger) Info(format string, args ...interface{}) {
	l.base.Info(format, args...)
	l.bus.Emit(LogInfo, LogMessage{Message: fmt.Sprintf(format, args...)})
}

// Success logs and emits a log_success event.
func (l *BusLogger) Success(format string, args ...interface{}) {
	l.base.Success(format, args...)
	l.bus.Emit(LogSuccess, LogMessage{Message: fmt.Sprintf(format, args...)})
}

// Warning logs and emits a log_warning event.
func (l *BusLogger) Warning(format string, args ...interface{}) {
	l.base.Warning(format, args...)
	l.bus.Emit(LogWarning, LogMessage{Message: fmt.Sprintf(format, args...)})
}

// Error logs and emits a log_error event.
func (l *BusLogger) Error(format string, args ...interface{}) {
	l.base.Error(format, args...)
	l.bus.Emit(LogError, LogMessage{Message: fmt.Sprintf(format, args...)})
}

var _ logger.Logger = (*BusLogger)(nil)
