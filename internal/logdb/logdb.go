// Package logdb stores context-switch logs received from a target.
package logdb

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ember/kernel/ctxlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at INTEGER NOT NULL,
	entries     INTEGER NOT NULL,
	dropped     INTEGER NOT NULL,
	digest      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS switches (
	transfer_id   INTEGER NOT NULL REFERENCES transfers(id),
	seq           INTEGER NOT NULL,
	cause         TEXT NOT NULL,
	prev_id       INTEGER NOT NULL,
	prev_name     TEXT NOT NULL,
	prev_priority INTEGER NOT NULL,
	prev_state    TEXT NOT NULL,
	next_id       INTEGER NOT NULL,
	next_name     TEXT NOT NULL,
	next_priority INTEGER NOT NULL,
	next_state    TEXT NOT NULL,
	PRIMARY KEY (transfer_id, seq)
) WITHOUT ROWID;
`

// Transfer summarizes one stored stream.
type Transfer struct {
	ID         int64
	ReceivedAt time.Time
	Entries    int
	Dropped    int
	Digest     string
}

// DB is an open log store.
type DB struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("logdb: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("logdb: schema: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Store saves one decoded stream and returns its transfer ID.
func (d *DB) Store(tr ctxlog.Trailer, entries []ctxlog.Entry, at time.Time) (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO transfers (received_at, entries, dropped, digest) VALUES (?, ?, ?, ?)`,
		at.UnixMilli(), len(entries), tr.Dropped, tr.Digest,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO switches (
			transfer_id, seq, cause,
			prev_id, prev_name, prev_priority, prev_state,
			next_id, next_name, next_priority, next_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(
			id, e.Seq, e.Cause,
			e.Prev.ID, e.Prev.Name, e.Prev.Priority, e.Prev.State,
			e.Next.ID, e.Next.Name, e.Next.Priority, e.Next.State,
		); err != nil {
			return 0, fmt.Errorf("logdb: switch %d: %w", e.Seq, err)
		}
	}
	return id, tx.Commit()
}

// Transfers lists stored streams, newest first.
func (d *DB) Transfers() ([]Transfer, error) {
	rows, err := d.db.Query(`SELECT id, received_at, entries, dropped, digest FROM transfers ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		var t Transfer
		var ms int64
		if err := rows.Scan(&t.ID, &ms, &t.Entries, &t.Dropped, &t.Digest); err != nil {
			return nil, err
		}
		t.ReceivedAt = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Switches returns the entries of one transfer in sequence order.
func (d *DB) Switches(transfer int64) ([]ctxlog.Entry, error) {
	rows, err := d.db.Query(`
		SELECT seq, cause,
			prev_id, prev_name, prev_priority, prev_state,
			next_id, next_name, next_priority, next_state
		FROM switches WHERE transfer_id = ? ORDER BY seq`, transfer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ctxlog.Entry
	for rows.Next() {
		var e ctxlog.Entry
		if err := rows.Scan(&e.Seq, &e.Cause,
			&e.Prev.ID, &e.Prev.Name, &e.Prev.Priority, &e.Prev.State,
			&e.Next.ID, &e.Next.Name, &e.Next.Priority, &e.Next.State,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TaskSwitches counts how often each task was switched in across every
// stored transfer.
func (d *DB) TaskSwitches() (map[string]int, error) {
	rows, err := d.db.Query(`SELECT next_name, COUNT(*) FROM switches GROUP BY next_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, rows.Err()
}
