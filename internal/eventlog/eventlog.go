// Package eventlog implements the state-transition ledger: one NDJSON
// line per event appended to <storage_root>/events/<vm_id>.ndjson (the
// authoritative, purely observational record spec.md §3 calls for —
// never consulted for correctness, a write failure is logged and
// swallowed rather than propagated), plus a pure-Go SQLite index
// (modernc.org/sqlite, WAL mode) so events can be queried across every
// VM at once instead of only grepped one file at a time.
//
// Grounded on internal/logstore/logstore.go's per-instance NDJSON
// append-and-rotate file handles for the file half, and
// internal/registry/db.go's WAL-mode sqlite open/migrate pattern for
// the index half.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hacke-rc/bandsox/internal/bsxerr"
)

const maxFileBytes = 10 * 1024 * 1024

// Event is one ledger entry.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	VmID      string         `json:"vm_id"`
	Type      string         `json:"type"`
	Details   map[string]any `json:"details,omitempty"`
}

// Logger owns the per-VM NDJSON files and the cross-VM sqlite index.
type Logger struct {
	dir string
	db  *sql.DB

	mu    sync.Mutex
	files map[string]*os.File
}

// Open returns a Logger rooted at eventsDir (typically
// config.Config.EventsDir), creating the directory and the sqlite
// index database if they don't already exist.
func Open(eventsDir string) (*Logger, error) {
	if err := os.MkdirAll(eventsDir, 0700); err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "create events directory")
	}

	db, err := sql.Open("sqlite", filepath.Join(eventsDir, "index.sqlite"))
	if err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "open event index database")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "set event index WAL mode")
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         TEXT NOT NULL,
			vm_id      TEXT NOT NULL,
			event_type TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '{}'
		)
	`); err != nil {
		db.Close()
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "migrate event index database")
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_vm_id ON events(vm_id)`); err != nil {
		db.Close()
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "create event index")
	}

	return &Logger{dir: eventsDir, db: db, files: make(map[string]*os.File)}, nil
}

// Close closes the sqlite index and every open NDJSON file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		f.Close()
	}
	return l.db.Close()
}

// Append records one event. Failures are logged by the caller's choice
// (Append returns the error; VmController logs and discards it) rather
// than ever blocking or failing the state transition that produced the
// event.
func (l *Logger) Append(ctx context.Context, vmID, eventType string, details map[string]any) error {
	evt := Event{Timestamp: time.Now(), VmID: vmID, Type: eventType, Details: details}

	if err := l.appendNDJSON(evt); err != nil {
		return err
	}
	return l.appendIndex(ctx, evt)
}

func (l *Logger) appendNDJSON(evt Event) error {
	l.mu.Lock()
	f, ok := l.files[evt.VmID]
	if !ok {
		path := filepath.Join(l.dir, evt.VmID+".ndjson")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			l.mu.Unlock()
			return bsxerr.Wrap(bsxerr.IoError, err, "open vm event file")
		}
		l.files[evt.VmID] = f
	}
	l.mu.Unlock()

	data, err := json.Marshal(evt)
	if err != nil {
		return bsxerr.Wrap(bsxerr.Internal, err, "marshal event")
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if info, statErr := f.Stat(); statErr == nil && info.Size() > maxFileBytes {
		l.rotateLocked(evt.VmID, f)
		f = l.files[evt.VmID]
	}
	if _, err := f.Write(data); err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "append event to vm event file")
	}
	return nil
}

func (l *Logger) rotateLocked(vmID string, f *os.File) {
	path := filepath.Join(l.dir, vmID+".ndjson")
	f.Close()
	os.Rename(path, path+".1")
	nf, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		delete(l.files, vmID)
		return
	}
	l.files[vmID] = nf
}

func (l *Logger) appendIndex(ctx context.Context, evt Event) error {
	details, err := json.Marshal(evt.Details)
	if err != nil {
		details = []byte("{}")
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO events (ts, vm_id, event_type, details) VALUES (?, ?, ?, ?)`,
		evt.Timestamp.Format(time.RFC3339Nano), evt.VmID, evt.Type, string(details))
	if err != nil {
		return bsxerr.Wrap(bsxerr.IoError, err, "index event")
	}
	return nil
}

// Query returns up to limit (default 1000) indexed events for vmID,
// newest first. An empty vmID queries across every VM.
func (l *Logger) Query(ctx context.Context, vmID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if vmID == "" {
		rows, err = l.db.QueryContext(ctx,
			`SELECT ts, vm_id, event_type, details FROM events ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT ts, vm_id, event_type, details FROM events WHERE vm_id = ? ORDER BY id DESC LIMIT ?`, vmID, limit)
	}
	if err != nil {
		return nil, bsxerr.Wrap(bsxerr.IoError, err, "query event index")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var tsStr, vm, typ, details string
		if err := rows.Scan(&tsStr, &vm, &typ, &details); err != nil {
			return nil, bsxerr.Wrap(bsxerr.IoError, err, "scan event row")
		}
		ts, _ := time.Parse(time.RFC3339Nano, tsStr)
		var d map[string]any
		json.Unmarshal([]byte(details), &d)
		out = append(out, Event{Timestamp: ts, VmID: vm, Type: typ, Details: d})
	}
	return out, rows.Err()
}
