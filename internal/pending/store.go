// Package pending is the durable store of audio clips not yet confirmed
// played. It is shared by the interactive session and the background
// context, so it lives in sqlite with atomic insert-or-ignore semantics
// rather than in memory. Dismissals are tombstones: a dismissed id is
// never re-surfaced, even if the same push event is delivered again.
package pending

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dispatch-voice-relay/internal/logging"
	"github.com/dispatch-voice-relay/internal/metrics"
)

// Record is one pending clip.
type Record struct {
	ID         string
	SenderID   string
	SenderName string
	AudioURL   string
	Timestamp  int64
	ReceivedAt time.Time
	Dismissed  bool
}

// RecordID derives the deterministic record id from the clip's origin.
// Re-delivery of the same event always maps to the same id, which is what
// makes insertion idempotent.
func RecordID(senderID string, timestamp int64) string {
	return fmt.Sprintf("audio_%s_%d", senderID, timestamp)
}

// NewRecord builds a Record for a push event, stamping ReceivedAt.
func NewRecord(senderID, senderName, audioURL string, timestamp int64) Record {
	return Record{
		ID:         RecordID(senderID, timestamp),
		SenderID:   senderID,
		SenderName: senderName,
		AudioURL:   audioURL,
		Timestamp:  timestamp,
		ReceivedAt: time.Now(),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_audio (
	id          TEXT PRIMARY KEY,
	sender_id   TEXT NOT NULL,
	sender_name TEXT NOT NULL DEFAULT '',
	audio_url   TEXT NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	dismissed   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pending_audio_received ON pending_audio(received_at);
`

// Store wraps the sqlite database. Safe for concurrent use from both
// execution contexts; sqlite serializes the writes.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// Open opens (creating if needed) the store at dbPath.
func Open(dbPath string, m *metrics.Metrics) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("pending: open database: %w", err)
	}
	// WAL so the session and bridge processes can share the file, busy
	// timeout so a write from one context waits instead of failing.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pending: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pending: create schema: %w", err)
	}
	return &Store{db: db, metrics: m}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Add inserts a record keyed by its deterministic id. Returns true when a
// new record was created, false when the id already exists — active or
// tombstoned — in which case nothing changes.
func (s *Store) Add(ctx context.Context, r Record) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pending_audio (id, sender_id, sender_name, audio_url, timestamp, received_at, dismissed)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		r.ID, r.SenderID, r.SenderName, r.AudioURL, r.Timestamp, r.ReceivedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("pending: add %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pending: add %s: %w", r.ID, err)
	}
	inserted := n == 1
	if inserted {
		logging.Infow("pending: record stored", logging.RecordFields(r.ID, r.SenderID, r.ReceivedAt.UnixMilli())...)
		s.updateGauge(ctx)
	} else {
		logging.Debugw("pending: duplicate delivery ignored", "record.id", r.ID)
	}
	return inserted, nil
}

// Dismiss tombstones an id. If no record exists yet, a tombstone row is
// still written so a later duplicate delivery cannot resurrect the clip.
func (s *Store) Dismiss(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_audio (id, sender_id, sender_name, audio_url, timestamp, received_at, dismissed)
		 VALUES (?, '', '', '', 0, ?, 1)
		 ON CONFLICT(id) DO UPDATE SET dismissed = 1`,
		id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("pending: dismiss %s: %w", id, err)
	}
	logging.Infow("pending: record dismissed", "record.id", id)
	s.updateGauge(ctx)
	return nil
}

// ListActive returns all non-dismissed records ordered by arrival.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, sender_name, audio_url, timestamp, received_at, dismissed
		 FROM pending_audio WHERE dismissed = 0 ORDER BY received_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("pending: list active: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var receivedAt int64
		var dismissed int
		if err := rows.Scan(&r.ID, &r.SenderID, &r.SenderName, &r.AudioURL, &r.Timestamp, &receivedAt, &dismissed); err != nil {
			return nil, fmt.Errorf("pending: scan record: %w", err)
		}
		r.ReceivedAt = time.UnixMilli(receivedAt)
		r.Dismissed = dismissed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountActive returns the number of non-dismissed records, for the badge
// indicator.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_audio WHERE dismissed = 0`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending: count active: %w", err)
	}
	return n, nil
}

// IsDismissed reports whether id carries a tombstone.
func (s *Store) IsDismissed(ctx context.Context, id string) (bool, error) {
	var dismissed int
	err := s.db.QueryRowContext(ctx, `SELECT dismissed FROM pending_audio WHERE id = ?`, id).Scan(&dismissed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pending: lookup %s: %w", id, err)
	}
	return dismissed != 0, nil
}

// EvictOlderThan removes every record, active or tombstoned, received
// before cutoff. Tombstones are evicted too so the store cannot grow
// without bound; an extremely late duplicate after eviction can
// re-surface, which is the documented trade-off.
func (s *Store) EvictOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_audio WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pending: evict: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Infow("pending: evicted old records", "count", n, "cutoff", cutoff)
		s.updateGauge(ctx)
	}
	return n, nil
}

// StartSweeper runs the periodic eviction sweep until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval, retention time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.EvictOlderThan(ctx, time.Now().Add(-retention)); err != nil {
					// Losing the durability guarantee degrades to
					// logging; delivery must never block on the store.
					logging.Errorw("pending: sweep failed", "err", err)
				}
			}
		}
	}()
}

func (s *Store) updateGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.CountActive(ctx); err == nil {
		s.metrics.PendingRecords.Set(float64(n))
	}
}
