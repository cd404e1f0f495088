package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// persistTimeout bounds one batch insert. The insert runs detached from the
// session context so a closing session still finishes its in-flight batch.
const persistTimeout = 10 * time.Second

// FlushResult describes one flush cycle.
type FlushResult struct {
	// Alive is false once the room was torn down; the flush loop stops.
	Alive     bool
	Skipped   bool // another flusher holds the lease for this interval
	Persisted int
	Lost      int
}

// Flusher periodically moves staged strokes of one room into durable storage.
type Flusher struct {
	Room      domain.RoomID
	Buffer    core.DrawBuffer
	Persister core.Persister
	Lease     core.FlushLease // optional
	Interval  time.Duration

	logger zerolog.Logger
}

func NewFlusher(room domain.RoomID, buffer core.DrawBuffer, persister core.Persister, lease core.FlushLease, interval time.Duration) *Flusher {
	return &Flusher{
		Room:      room,
		Buffer:    buffer,
		Persister: persister,
		Lease:     lease,
		Interval:  interval,
		logger:    log.With().Str("module", "app.flush").Str("room", string(room)).Logger(),
	}
}

// Flush runs one cycle: exists, drain, persist, clear, in that order.
// A failed persist is logged and the batch is dropped, never re-queued;
// only store failures are returned.
func (f *Flusher) Flush(ctx context.Context) (FlushResult, error) {
	alive, err := f.Buffer.Exists(ctx, f.Room)
	if err != nil {
		return FlushResult{}, fmt.Errorf("check room: %w", err)
	}
	if !alive {
		return FlushResult{}, nil
	}
	res := FlushResult{Alive: true}

	if f.Lease != nil {
		ok, err := f.Lease.Claim(ctx, f.Room, f.leaseTTL())
		if err != nil {
			return res, fmt.Errorf("claim flush lease: %w", err)
		}
		if !ok {
			res.Skipped = true
			return res, nil
		}
	}

	events, err := f.Buffer.DrainAll(ctx, f.Room)
	if err != nil {
		return res, fmt.Errorf("drain strokes: %w", err)
	}
	if len(events) == 0 {
		return res, nil
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	perr := f.Persister.Persist(pctx, f.Room, events)
	cancel()
	if perr != nil {
		res.Lost = len(events)
		f.logger.Error().Err(perr).Int("events", len(events)).Msg("persist strokes failed, batch dropped")
	} else {
		res.Persisted = len(events)
		f.logger.Debug().Int("events", len(events)).Msg("strokes persisted")
	}

	if err := f.Buffer.Clear(ctx, f.Room); err != nil {
		return res, fmt.Errorf("clear strokes: %w", err)
	}
	return res, nil
}

// Run flushes every Interval until ctx is done or the room is torn down.
// Returning nil on teardown ends only this activity, not the session.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := f.Flush(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if !res.Alive {
				f.logger.Info().Msg("room torn down, flush loop stopped")
				return nil
			}
		}
	}
}

// leaseTTL keeps the lease a little shorter than the interval so the next
// tick in any process can claim it again.
func (f *Flusher) leaseTTL() time.Duration {
	ttl := f.Interval * 9 / 10
	if ttl <= 0 {
		ttl = f.Interval
	}
	return ttl
}
