// Package server exposes the control surface: a REST API for queue
// operations and a websocket endpoint streaming engine events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	cws "github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/FildCommander/ytptube/internal/downloader"
	"github.com/FildCommander/ytptube/internal/engine"
	"github.com/FildCommander/ytptube/internal/events"
	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/internal/presets"
	"github.com/FildCommander/ytptube/internal/tasks"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// Server wires the HTTP mux over the engine and its satellites.
type Server struct {
	addr    string
	eng     *engine.Engine
	presets *presets.Set
	tasks   *tasks.Manager
	bcast   *Broadcaster
	log     logger.Logger

	mu   sync.Mutex
	http *http.Server
}

// New creates the server. bus events flow to websocket clients through
// the broadcaster.
func New(addr string, eng *engine.Engine, ps *presets.Set, tm *tasks.Manager, bus *events.Bus, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s := &Server{
		addr:    addr,
		eng:     eng,
		presets: ps,
		tasks:   tm,
		log:     log,
	}
	s.bcast = NewBroadcaster(func() any { return eng.Snapshot() }, log)
	s.bcast.Attach(bus)
	return s
}

// Router builds the HTTP mux.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/ping", s.handlePing)
	r.Route("/api/history", func(r chi.Router) {
		r.Get("/", s.handleSnapshot)
		r.Post("/", s.handleAdd)
		r.Delete("/", s.handleRemove)
	})
	r.Post("/api/history/batch", s.handleAddBatch)
	r.Post("/api/queue/pause", s.handlePause)
	r.Post("/api/queue/resume", s.handleResume)
	r.Post("/api/item/{id}/start", s.handleStart)
	r.Post("/api/item/{id}/move", s.handleMove)
	r.Get("/api/presets", s.handlePresets)
	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleTasks)
		r.Post("/{id}/mark", s.handleMark)
		r.Post("/{id}/unmark", s.handleUnmark)
	})
	r.Get("/socket", s.handleSocket)

	return r
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	s.http = &http.Server{Addr: s.addr, Handler: s.Router()}
	s.mu.Unlock()

	s.log.Info("listening on %s", s.addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Snapshot())
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req item.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := s.eng.Add(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "items": items})
}

func (s *Server) handleAddBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []item.Request
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results, err := s.eng.AddBatch(r.Context(), reqs)
	status := http.StatusOK
	if err != nil {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, results)
}

// removeRequest selects items to take out of the system. where is
// "queue" (cancel) or "done" (clear history).
type removeRequest struct {
	IDs         []string `json:"ids"`
	Where       string   `json:"where"`
	RemoveFiles bool     `json:"remove_files"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	switch req.Where {
	case "queue":
		for _, id := range req.IDs {
			if err := s.eng.Cancel(id); err != nil {
				writeError(w, statusFor(err), err)
				return
			}
		}
	case "done":
		if err := s.eng.Clear(req.IDs, req.RemoveFiles); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, errors.New(`where must be "queue" or "done"`))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.eng.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.eng.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.StartItem(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position int `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.eng.Reorder(chi.URLParam(r, "id"), body.Position); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.presets.All())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.All())
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	n, err := s.tasks.Mark(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "marked": n})
}

func (s *Server) handleUnmark(w http.ResponseWriter, r *http.Request) {
	n, err := s.tasks.Unmark(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "unmarked": n})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := cws.Accept(w, r, &cws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warning("websocket accept failed: %v", err)
		return
	}
	s.bcast.Register(r.Context(), conn)
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var vErr *item.ValidationError
	var exErr *downloader.ExtractionError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicate):
		return http.StatusConflict
	case errors.As(err, &exErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"status": "error", "error": err.Error()})
}
