// Package session persists per-image session state — slot, dpi, image
// descriptor, and last-acked viewport (§3 Session state) — across process
// restarts, so a reconnect can re-announce tracked slides without the
// surrounding UI having to remember anything itself.
package session

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/google/uuid"
)

// Record is the persisted state for one open image.
type Record struct {
	Slot   byte
	DPI    float32
	ID     uuid.UUID
	Width  uint32
	Height uint32
	Levels uint32

	ViewX, ViewY          float64
	ViewWidth, ViewHeight float64
	ViewZoom              float64
}

// Store persists Records in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the session database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			slot        INTEGER PRIMARY KEY,
			dpi         REAL NOT NULL,
			image_id    TEXT NOT NULL,
			width       INTEGER NOT NULL,
			height      INTEGER NOT NULL,
			levels      INTEGER NOT NULL,
			view_x      REAL NOT NULL DEFAULT 0,
			view_y      REAL NOT NULL DEFAULT 0,
			view_width  REAL NOT NULL DEFAULT 0,
			view_height REAL NOT NULL DEFAULT 0,
			view_zoom   REAL NOT NULL DEFAULT 1
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Put upserts a Record keyed by slot.
func (s *Store) Put(r Record) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (slot, dpi, image_id, width, height, levels, view_x, view_y, view_width, view_height, view_zoom)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
			dpi=excluded.dpi, image_id=excluded.image_id, width=excluded.width,
			height=excluded.height, levels=excluded.levels, view_x=excluded.view_x,
			view_y=excluded.view_y, view_width=excluded.view_width,
			view_height=excluded.view_height, view_zoom=excluded.view_zoom`,
		r.Slot, r.DPI, r.ID.String(), r.Width, r.Height, r.Levels,
		r.ViewX, r.ViewY, r.ViewWidth, r.ViewHeight, r.ViewZoom,
	)
	if err != nil {
		return fmt.Errorf("session: put slot %d: %w", r.Slot, err)
	}
	return nil
}

// UpdateViewport updates only the last-acked viewport for an existing slot.
// It is a no-op (returns nil) if the slot has no session recorded.
func (s *Store) UpdateViewport(slot byte, x, y, w, h, zoom float64) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET view_x=?, view_y=?, view_width=?, view_height=?, view_zoom=? WHERE slot=?`,
		x, y, w, h, zoom, slot,
	)
	if err != nil {
		return fmt.Errorf("session: update viewport for slot %d: %w", slot, err)
	}
	return nil
}

// Get returns the Record for a slot, if one exists.
func (s *Store) Get(slot byte) (Record, bool, error) {
	var r Record
	var idStr string
	err := s.db.QueryRow(
		`SELECT slot, dpi, image_id, width, height, levels, view_x, view_y, view_width, view_height, view_zoom
		 FROM sessions WHERE slot=?`, slot,
	).Scan(&r.Slot, &r.DPI, &idStr, &r.Width, &r.Height, &r.Levels,
		&r.ViewX, &r.ViewY, &r.ViewWidth, &r.ViewHeight, &r.ViewZoom)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("session: get slot %d: %w", slot, err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return Record{}, false, fmt.Errorf("session: parse image id for slot %d: %w", slot, err)
	}
	r.ID = id
	return r, true, nil
}

// All returns every persisted Record, used to re-announce tracked slides on
// reconnect or process restart.
func (s *Store) All() ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT slot, dpi, image_id, width, height, levels, view_x, view_y, view_width, view_height, view_zoom
		 FROM sessions`,
	)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var idStr string
		if err := rows.Scan(&r.Slot, &r.DPI, &idStr, &r.Width, &r.Height, &r.Levels,
			&r.ViewX, &r.ViewY, &r.ViewWidth, &r.ViewHeight, &r.ViewZoom); err != nil {
			return nil, fmt.Errorf("session: scan row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("session: parse image id: %w", err)
		}
		r.ID = id
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate rows: %w", err)
	}
	return out, nil
}

// Delete removes the session for a slot (on closeSlide).
func (s *Store) Delete(slot byte) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE slot=?`, slot)
	if err != nil {
		return fmt.Errorf("session: delete slot %d: %w", slot, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	return nil
}
