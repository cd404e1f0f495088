// Package postgres is the durable store for persisted strokes.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Canvas/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type PoolOptions struct {
	URL      string
	MaxConns int32
	MinConns int32
}

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Str("module", "adapters.postgres").Int32("max_conns", cfg.MaxConns).Msg("postgres connected")
	return pool, nil
}

// Store persists stroke batches into the drawings table and reads them back.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Persist writes the whole batch with one COPY; it either lands entirely or
// not at all.
func (s *Store) Persist(ctx context.Context, room domain.RoomID, events []domain.StrokeEvent) error {
	if len(events) == 0 {
		return nil
	}
	roomID, err := uuid.Parse(string(room))
	if err != nil {
		return fmt.Errorf("persist strokes: %w", err)
	}
	rows := make([][]any, len(events))
	for i, e := range events {
		rows[i] = []any{uuid.New(), roomID, e.X, e.Y, e.PrevX, e.PrevY}
	}

	n, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"drawings"},
		[]string{"id", "room_id", "x", "y", "prev_x", "prev_y"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy strokes: %w", err)
	}
	log.Debug().Str("module", "adapters.postgres").Str("room", string(room)).Int64("rows", n).Msg("strokes persisted")
	return nil
}

func (s *Store) History(ctx context.Context, room domain.RoomID) ([]domain.StrokeEvent, error) {
	roomID, err := uuid.Parse(string(room))
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT x, y, prev_x, prev_y FROM drawings WHERE room_id = $1 ORDER BY seq`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StrokeEvent, error) {
		e := domain.StrokeEvent{Room: room}
		err := row.Scan(&e.X, &e.Y, &e.PrevX, &e.PrevY)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
