// Package store persists item and scheduled-task state in SQLite. Items
// live in a single history table logically partitioned into the active
// queue and the finished history by a type column, mirroring how the
// engine partitions them by status.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/FildCommander/ytptube/internal/item"
	"github.com/FildCommander/ytptube/pkg/logger"
)

// StoreType selects the logical partition an item record belongs to.
type StoreType string

const (
	// TypeQueue holds items in non-terminal statuses.
	TypeQueue StoreType = "queue"
	// TypeDone holds items in terminal statuses.
	TypeDone StoreType = "done"
)

// PersistenceError wraps a store failure that survived the bounded
// retry. It is surfaced to the caller, never allowed to crash the
// dispatcher.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

const schema = `
CREATE TABLE IF NOT EXISTS "history" (
	"id"         TEXT PRIMARY KEY,
	"type"       TEXT NOT NULL,
	"url"        TEXT NOT NULL,
	"data"       TEXT NOT NULL,
	"created_at" TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS "idx_history_type" ON "history" ("type", "created_at");
CREATE TABLE IF NOT EXISTS "tasks" (
	"id"           TEXT PRIMARY KEY,
	"last_checked" TIMESTAMP
);
`

// Store is the durable CRUD layer. All writes are atomic per record
// (single statement, single row). Writes are retried a bounded number
// of times before surfacing a PersistenceError.
type Store struct {
	db      *sql.DB
	log     logger.Logger
	retries int
}

// Open opens the SQLite database at path and creates the schema.
// Failure here is fatal to the engine by contract.
func Open(path string, retries int, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	// modernc sqlite serializes writes itself, but a single connection
	// avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}
	return &Store{db: db, log: log, retries: retries}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put upserts an item record into the given partition.
func (s *Store) Put(typ StoreType, it *item.Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return &PersistenceError{Op: "encode", Err: err}
	}
	return s.withRetry("put", func() error {
		_, err := s.db.Exec(
			`INSERT INTO "history" ("id", "type", "url", "data", "created_at") VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT("id") DO UPDATE SET "type" = excluded."type", "url" = excluded."url", "data" = excluded."data"`,
			it.ID, string(typ), it.URL, string(data), it.CreatedAt.UTC(),
		)
		return err
	})
}

// Get fetches one item by id, reporting which partition held it.
func (s *Store) Get(id string) (*item.Item, StoreType, error) {
	var typ, data string
	err := s.db.QueryRow(`SELECT "type", "data" FROM "history" WHERE "id" = ?`, id).Scan(&typ, &data)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("item %q not found", id)
	}
	if err != nil {
		return nil, "", &PersistenceError{Op: "get", Err: err}
	}
	it := &item.Item{}
	if err := json.Unmarshal([]byte(data), it); err != nil {
		return nil, "", &PersistenceError{Op: "decode", Err: err}
	}
	return it, StoreType(typ), nil
}

// List returns every item in the partition in insertion order, which is
// the FIFO order the dispatcher honors.
func (s *Store) List(typ StoreType) ([]*item.Item, error) {
	rows, err := s.db.Query(
		`SELECT "data" FROM "history" WHERE "type" = ? ORDER BY "created_at" ASC, "rowid" ASC`,
		string(typ),
	)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var items []*item.Item
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &PersistenceError{Op: "list", Err: err}
		}
		it := &item.Item{}
		if err := json.Unmarshal([]byte(data), it); err != nil {
			s.log.Warning("skipping undecodable item record: %v", err)
			continue
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Delete removes an item record by id. Deleting a missing id is not an
// error.
func (s *Store) Delete(id string) error {
	return s.withRetry("delete", func() error {
		_, err := s.db.Exec(`DELETE FROM "history" WHERE "id" = ?`, id)
		return err
	})
}

// ResetInFlight rewrites any queued item left in an in-flight status
// back to pending. An in-flight item at startup means the prior process
// died mid-transfer; recovery restarts from scratch.
func (s *Store) ResetInFlight() (int, error) {
	items, err := s.List(TypeQueue)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, it := range items {
		if !it.Status.InFlight() {
			continue
		}
		it.Status = item.StatusPending
		it.StartedAt = nil
		it.Progress = item.Progress{}
		if err := s.Put(TypeQueue, it); err != nil {
			return reset, err
		}
		reset++
	}
	return reset, nil
}

// TaskChecked records the last poll time of a scheduled task.
func (s *Store) TaskChecked(id string, at time.Time) error {
	return s.withRetry("task_checked", func() error {
		_, err := s.db.Exec(
			`INSERT INTO "tasks" ("id", "last_checked") VALUES (?, ?)
			 ON CONFLICT("id") DO UPDATE SET "last_checked" = excluded."last_checked"`,
			id, at.UTC(),
		)
		return err
	})
}

// TaskLastChecked returns the recorded last poll time, or zero when the
// task has never run.
func (s *Store) TaskLastChecked(id string) (time.Time, error) {
	var at sql.NullTime
	err := s.db.QueryRow(`SELECT "last_checked" FROM "tasks" WHERE "id" = ?`, id).Scan(&at)
	if err == sql.ErrNoRows || (err == nil && !at.Valid) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &PersistenceError{Op: "task_last_checked", Err: err}
	}
	return at.Time, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < s.retries {
			s.log.Warning("store %s failed (attempt %d/%d): %v", op, attempt+1, s.retries, err)
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
		}
	}
	return &PersistenceError{Op: op, Err: err}
}
