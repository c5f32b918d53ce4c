// Package sessionledger keeps a small local SQLite-backed record of recent
// sessions for diagnostics: GET /sessions/recent can answer
// without round-tripping to the session store, and history survives an
// agent restart. This is not the authoritative session record; the
// session store's REST calls remain authoritative.
package sessionledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edge-agent/agent/internal/logging"
)

var log = logging.L("sessionledger")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	stream_path TEXT NOT NULL,
	start_ts TEXT NOT NULL,
	end_ts TEXT,
	classes TEXT,
	archived INTEGER NOT NULL DEFAULT 0
);
`

// Entry is one row of the recent-sessions ledger.
type Entry struct {
	ID         string
	DeviceID   string
	StreamPath string
	StartTs    time.Time
	EndTs      *time.Time
	Classes    []string
	Archived   bool
}

// Ledger wraps a SQLite-backed store of recent sessions, retaining at most
// retain rows (oldest evicted first).
type Ledger struct {
	db     *sql.DB
	retain int
}

// Open opens (creating if necessary) the SQLite database at path.
func Open(path string, retain int) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessionledger: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time keeps this simple

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessionledger: create schema: %w", err)
	}

	return &Ledger{db: db, retain: retain}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordOpen inserts a new in-progress session row.
func (l *Ledger) RecordOpen(ctx context.Context, id, deviceID, streamPath string, startTs time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, device_id, stream_path, start_ts) VALUES (?, ?, ?, ?)`,
		id, deviceID, streamPath, startTs.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sessionledger: record open: %w", err)
	}
	l.trim(ctx)
	return nil
}

// RecordClose updates a session row with its end time and final class set.
func (l *Ledger) RecordClose(ctx context.Context, id string, endTs time.Time, classes []string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE sessions SET end_ts = ?, classes = ? WHERE id = ?`,
		endTs.UTC().Format(time.RFC3339Nano), strings.Join(classes, ","), id,
	)
	if err != nil {
		return fmt.Errorf("sessionledger: record close: %w", err)
	}
	return nil
}

// MarkArchived sets a session row's archived flag. The director sets it when
// it hands the session to the archiver; the flag does not record whether the
// upload later succeeds.
func (l *Ledger) MarkArchived(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx, `UPDATE sessions SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sessionledger: mark archived: %w", err)
	}
	return nil
}

// Recent returns up to limit of the most recently started sessions, newest
// first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, device_id, stream_path, start_ts, end_ts, classes, archived
		 FROM sessions ORDER BY start_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sessionledger: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var startTs string
		var endTs, classes sql.NullString
		var archived int
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.StreamPath, &startTs, &endTs, &classes, &archived); err != nil {
			return nil, fmt.Errorf("sessionledger: scan: %w", err)
		}
		e.StartTs, _ = time.Parse(time.RFC3339Nano, startTs)
		if endTs.Valid && endTs.String != "" {
			t, _ := time.Parse(time.RFC3339Nano, endTs.String)
			e.EndTs = &t
		}
		if classes.Valid && classes.String != "" {
			e.Classes = strings.Split(classes.String, ",")
		}
		e.Archived = archived != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// trim evicts the oldest rows beyond the retention limit. Failures are
// logged and otherwise ignored; the ledger is diagnostic, not authoritative.
func (l *Ledger) trim(ctx context.Context) {
	if l.retain <= 0 {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY start_ts DESC LIMIT -1 OFFSET ?
		)`, l.retain)
	if err != nil {
		log.Warn("trim ledger", "error", err)
	}
}
