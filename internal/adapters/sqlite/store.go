// Package sqlite is a single-file durable store for persisted strokes, used
// when the server runs without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS drawings (
    seq     INTEGER PRIMARY KEY AUTOINCREMENT,
    id      TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL,
    x       REAL NOT NULL,
    y       REAL NOT NULL,
    prev_x  REAL NOT NULL,
    prev_y  REAL NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_drawings_room_seq ON drawings (room_id, seq);
`

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	log.Info().Str("module", "adapters.sqlite").Str("path", path).Msg("sqlite opened")
	return &Store{db: db}, nil
}

// Persist inserts the batch in one transaction.
func (s *Store) Persist(ctx context.Context, room domain.RoomID, events []domain.StrokeEvent) (err error) {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO drawings (id, room_id, x, y, prev_x, prev_y) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err = stmt.ExecContext(ctx, uuid.NewString(), string(room), e.X, e.Y, e.PrevX, e.PrevY); err != nil {
			return fmt.Errorf("insert stroke: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, room domain.RoomID) ([]domain.StrokeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y, prev_x, prev_y FROM drawings WHERE room_id = ? ORDER BY seq`, string(room))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.StrokeEvent
	for rows.Next() {
		e := domain.StrokeEvent{Room: room}
		if err := rows.Scan(&e.X, &e.Y, &e.PrevX, &e.PrevY); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
