// Package store persists guide programs in a local sqlite database.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Program is one guide entry keyed by (frequency, channel, start time).
// Times are unix milliseconds UTC.
type Program struct {
	Frequency   string // mux frequency in Hz, decimal string
	ChannelID   string // virtual channel number or canonical service id
	StartTime   int64
	EndTime     int64
	Title       string
	Description string
	EventID     int // table event id; 0 = unknown
	SourceID    int // ATSC source_id; 0 = unknown (DVB)
}

// Store wraps the sqlite program database. Safe for concurrent use;
// database/sql serialises access and sqlite runs with busy_timeout.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the program database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS programs (
	frequency          TEXT NOT NULL,
	channel_service_id TEXT NOT NULL,
	start_time         INTEGER NOT NULL,
	end_time           INTEGER NOT NULL,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	event_id           INTEGER NOT NULL DEFAULT 0,
	source_id          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (frequency, channel_service_id, start_time)
);
CREATE INDEX IF NOT EXISTS idx_programs_end ON programs(end_time);
CREATE INDEX IF NOT EXISTS idx_programs_event ON programs(frequency, channel_service_id, event_id);
`)
	if err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// UpsertProgram inserts or refreshes a program row. On conflict the end time,
// title and ids are updated; the description is replaced only when the new row
// carries one. Descriptions often arrive separately (ETT / extended event) and
// a later title-only re-announcement must not wipe one already stored.
func (s *Store) UpsertProgram(p Program) error {
	if p.StartTime <= 0 || p.EndTime <= p.StartTime || p.Title == "" {
		return fmt.Errorf("store: reject program %s/%s start=%d end=%d title=%q",
			p.Frequency, p.ChannelID, p.StartTime, p.EndTime, p.Title)
	}
	_, err := s.db.Exec(`
INSERT INTO programs (frequency, channel_service_id, start_time, end_time, title, description, event_id, source_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(frequency, channel_service_id, start_time) DO UPDATE SET
	end_time    = excluded.end_time,
	title       = excluded.title,
	event_id    = excluded.event_id,
	source_id   = excluded.source_id,
	description = CASE WHEN excluded.description != '' THEN excluded.description
	                   ELSE programs.description END`,
		p.Frequency, p.ChannelID, p.StartTime, p.EndTime, p.Title, p.Description, p.EventID, p.SourceID)
	if err != nil {
		return fmt.Errorf("store: upsert program: %w", err)
	}
	return nil
}

// UpdateDescription attaches text to an already stored event. Update only:
// a description with no matching event row is dropped, not inserted.
func (s *Store) UpdateDescription(frequency, channelID string, eventID int, description string) error {
	if description == "" || eventID == 0 {
		return nil
	}
	res, err := s.db.Exec(`
UPDATE programs SET description = ?
WHERE frequency = ? AND channel_service_id = ? AND event_id = ?`,
		description, frequency, channelID, eventID)
	if err != nil {
		return fmt.Errorf("store: update description: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("store: description for unknown event freq=%s channel=%s event=%d dropped",
			frequency, channelID, eventID)
	}
	return nil
}

// SelectActive returns, per channel, the program airing at now (ms).
func (s *Store) SelectActive(now int64) (map[string]Program, error) {
	rows, err := s.db.Query(`
SELECT frequency, channel_service_id, start_time, end_time, title, description, event_id, source_id
FROM programs WHERE start_time <= ? AND end_time > ?`, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: select active: %w", err)
	}
	defer rows.Close()
	out := make(map[string]Program)
	for rows.Next() {
		var p Program
		if err := rows.Scan(&p.Frequency, &p.ChannelID, &p.StartTime, &p.EndTime,
			&p.Title, &p.Description, &p.EventID, &p.SourceID); err != nil {
			return nil, err
		}
		out[p.ChannelID] = p
	}
	return out, rows.Err()
}

// SelectWindow returns programs overlapping [start, end), ordered by channel
// then start time. end <= 0 leaves the window open; the XMLTV document is
// built from SelectWindow(now, 0).
func (s *Store) SelectWindow(start, end int64) ([]Program, error) {
	q := `
SELECT frequency, channel_service_id, start_time, end_time, title, description, event_id, source_id
FROM programs WHERE end_time > ?`
	args := []any{start}
	if end > 0 {
		q += ` AND start_time < ?`
		args = append(args, end)
	}
	q += ` ORDER BY channel_service_id, start_time`
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: select window: %w", err)
	}
	defer rows.Close()
	var out []Program
	for rows.Next() {
		var p Program
		if err := rows.Scan(&p.Frequency, &p.ChannelID, &p.StartTime, &p.EndTime,
			&p.Title, &p.Description, &p.EventID, &p.SourceID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Prune deletes programs that ended before cutoff (ms). Returns rows removed.
func (s *Store) Prune(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM programs WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored programs.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM programs`).Scan(&n)
	return n, err
}

// PruneOlderThan is a convenience for the scan loop.
func (s *Store) PruneOlderThan(age time.Duration) (int64, error) {
	return s.Prune(time.Now().Add(-age).UnixMilli())
}
