package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	cws "github.com/coder/websocket"

	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// writeTimeout bounds a single push to one client. A client that cannot
// keep up is dropped rather than stalling the broadcast.
const writeTimeout = 5 * time.Second

// envelope is the realtime wire format.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Broadcaster pushes bus events to every connected websocket client.
type Broadcaster struct {
	log      logger.Logger
	snapshot func() any

	mu      sync.Mutex
	clients map[*cws.Conn]struct{}
}

// NewBroadcaster creates a broadcaster. snapshot produces the
// initial_data payload sent to every new connection.
func NewBroadcaster(snapshot func() any, log logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Broadcaster{
		log:      log,
		snapshot: snapshot,
		clients:  make(map[*cws.Conn]struct{}),
	}
}

// Attach subscribes the broadcaster to every bus event.
func (b *Broadcaster) Attach(bus *events.Bus) {
	bus.Subscribe("broadcaster", func(ev events.Event) {
		b.Broadcast(ev.Event, ev.Data)
	})
}

// Register adds a connection, sends it the full state snapshot, and
// blocks reading until the peer goes away. The read loop only drains
// pings and detects closure; clients never send commands over the
// socket, the REST surface is the command path.
func (b *Broadcaster) Register(ctx context.Context, conn *cws.Conn) {
	if err := b.write(ctx, conn, envelope{Type: events.InitialData, Data: b.snapshot()}); err != nil {
		b.log.Warning("initial snapshot push failed: %v", err)
		conn.Close(cws.StatusInternalError, "snapshot push failed")
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	b.log.Info("realtime client connected (%d total)", n)

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close(cws.StatusNormalClosure, "")
		b.log.Info("realtime client disconnected")
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast pushes one envelope to every client, dropping the ones that
// fail.
func (b *Broadcaster) Broadcast(kind string, data any) {
	b.mu.Lock()
	conns := make([]*cws.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	env := envelope{Type: kind, Data: data}
	for _, conn := range conns {
		if err := b.write(context.Background(), conn, env); err != nil {
			b.log.Warning("dropping realtime client: %v", err)
			b.mu.Lock()
			delete(b.clients, conn)
			b.mu.Unlock()
			conn.Close(cws.StatusGoingAway, "write failed")
		}
	}
}

// ClientCount reports how many clients are connected.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) write(ctx context.Context, conn *cws.Conn, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, cws.MessageText, body)
}
