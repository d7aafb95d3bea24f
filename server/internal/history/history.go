package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/obsidianstack/changeagent/pkg/types"
)

// History is a SQLite-backed event log.
type History struct {
	sql *sql.DB
	now func() time.Time // injectable for tests
}

// Open opens (creating if needed) the database at path and migrates it.
// path may be ":memory:".
func Open(path string) (*History, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("history: %s: %w", pragma, err)
		}
	}

	h := &History{sql: conn, now: time.Now}
	if err := h.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return h, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.sql.Close()
}

func (h *History) migrate() error {
	_, err := h.sql.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			machine_id  INTEGER NOT NULL,
			sequence    INTEGER NOT NULL,
			batch_id    TEXT NOT NULL,
			event_id    TEXT NOT NULL DEFAULT '',
			source      TEXT NOT NULL DEFAULT '',
			kind        TEXT NOT NULL DEFAULT '',
			subject     TEXT NOT NULL DEFAULT '',
			attributes  TEXT NOT NULL DEFAULT '{}',
			observed_at INTEGER NOT NULL DEFAULT 0,
			received_at INTEGER NOT NULL,
			PRIMARY KEY (machine_id, sequence)
		)
	`)
	if err != nil {
		return fmt.Errorf("history: create events: %w", err)
	}

	_, err = h.sql.Exec(`CREATE INDEX IF NOT EXISTS events_received_at ON events (received_at)`)
	if err != nil {
		return fmt.Errorf("history: create events index: %w", err)
	}

	_, err = h.sql.Exec(`
		CREATE TABLE IF NOT EXISTS machines (
			machine_id INTEGER PRIMARY KEY,
			cursor     INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("history: create machines: %w", err)
	}
	return nil
}

// seqKey maps a sequence onto int64 so that SQLite's signed ordering
// matches uint64 ordering across the full range.
func seqKey(seq uint64) int64 { return int64(seq ^ 1<<63) }

func seqFromKey(k int64) uint64 { return uint64(k) ^ 1<<63 }

// Append stores every event of batch and raises the machine's cursor to
// the batch's last sequence. Events already stored are left untouched.
func (h *History) Append(ctx context.Context, batch types.EventBatch) error {
	if len(batch.Events) == 0 {
		return nil
	}

	tx, err := h.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO events
			(machine_id, sequence, batch_id, event_id, source, kind, subject, attributes, observed_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("history: prepare insert: %w", err)
	}
	defer stmt.Close()

	received := h.now().UnixNano()
	machineID := int64(batch.MachineID)
	for _, ev := range batch.Events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("history: encode attributes: %w", err)
		}
		if ev.Attributes == nil {
			attrs = []byte("{}")
		}
		_, err = stmt.ExecContext(ctx,
			machineID, seqKey(ev.Sequence), batch.BatchID, ev.ID,
			ev.Source, ev.Kind, ev.Subject, string(attrs),
			ev.ObservedAt.UnixNano(), received)
		if err != nil {
			return fmt.Errorf("history: insert event %d: %w", ev.Sequence, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO machines (machine_id, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (machine_id) DO UPDATE SET
			cursor = MAX(cursor, excluded.cursor),
			updated_at = excluded.updated_at
	`, machineID, seqKey(batch.LastSequence()), received)
	if err != nil {
		return fmt.Errorf("history: update cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// Cursor returns the highest stored sequence for machineID. ok is false if
// the machine has never been recorded.
func (h *History) Cursor(ctx context.Context, machineID uint64) (cursor uint64, ok bool, err error) {
	var c int64
	err = h.sql.QueryRowContext(ctx,
		`SELECT cursor FROM machines WHERE machine_id = ?`, int64(machineID)).Scan(&c)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("history: cursor %d: %w", machineID, err)
	}
	return seqFromKey(c), true, nil
}

// Events returns up to limit events of machineID with sequence > after, in
// sequence order.
func (h *History) Events(ctx context.Context, machineID, after uint64, limit int) ([]types.Event, error) {
	rows, err := h.sql.QueryContext(ctx, `
		SELECT sequence, event_id, source, kind, subject, attributes, observed_at
		FROM events
		WHERE machine_id = ? AND sequence > ?
		ORDER BY sequence
		LIMIT ?
	`, int64(machineID), seqKey(after), limit)
	if err != nil {
		return nil, fmt.Errorf("history: query events: %w", err)
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			ev       types.Event
			seq      int64
			attrs    string
			observed int64
		)
		if err := rows.Scan(&seq, &ev.ID, &ev.Source, &ev.Kind, &ev.Subject, &attrs, &observed); err != nil {
			return nil, fmt.Errorf("history: scan event: %w", err)
		}
		ev.Sequence = seqFromKey(seq)
		ev.ObservedAt = time.Unix(0, observed).UTC()
		if attrs != "{}" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
				return nil, fmt.Errorf("history: decode attributes of %d: %w", ev.Sequence, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes events received before cutoff and returns how many were
// removed.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := h.sql.ExecContext(ctx, `DELETE FROM events WHERE received_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Run prunes events older than retention every interval until ctx is
// cancelled. A zero retention disables pruning.
func (h *History) Run(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := h.Prune(ctx, h.now().Add(-retention))
			if err != nil {
				slog.Error("history: prune failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("history: pruned events", "count", n)
			}
		}
	}
}
