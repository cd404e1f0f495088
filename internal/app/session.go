package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRoomFull            = errors.New("room is full")
	ErrPresenceUnavailable = errors.New("presence store unavailable")
	ErrKicked              = errors.New("kicked")
	ErrSlowConsumer        = errors.New("slow consumer")
	ErrShuttingDown        = errors.New("server shutting down")
	errSubscriptionClosed  = errors.New("fanout subscription closed")
)

const cleanupTimeout = 5 * time.Second

type State int32

const (
	StateConnecting State = iota
	StateValidating
	StateAccepting
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateValidating:
		return "validating"
	case StateAccepting:
		return "accepting"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Deps is the capability set a relay session is built from.
type Deps struct {
	Presence  core.PresenceStore
	Fanout    core.Fanout
	Buffer    core.DrawBuffer
	Persister core.Persister
	Lease     core.FlushLease // optional
	Policy    Policy          // optional, defaults to SimplePolicy
	Limiter   FrameLimiter    // optional
}

type Options struct {
	Capacity      int
	FlushInterval time.Duration
	// StrictCapacity makes check-and-add atomic on accept. Without it the
	// capacity is a soft limit: concurrent joiners may overshoot it.
	StrictCapacity bool
	// PresenceRefresh is how often a live session re-asserts its presence.
	// Keep it well below the presence TTL. Zero means FlushInterval.
	PresenceRefresh time.Duration
}

// Session owns one participant connection from validation to close.
type Session struct {
	ID          core.SessionID
	Room        domain.RoomID
	Participant domain.ParticipantID

	conn core.ClientConn
	deps Deps
	opts Options

	state  atomic.Int32
	closed atomic.Bool

	exitMu  sync.Mutex
	exitErr error

	logger zerolog.Logger
}

func NewSession(
	id core.SessionID,
	room domain.RoomID,
	who domain.ParticipantID,
	conn core.ClientConn,
	deps Deps,
	opts Options,
) *Session {
	if deps.Policy == nil {
		deps.Policy = SimplePolicy{}
	}
	return &Session{
		ID:          id,
		Room:        room,
		Participant: who,
		conn:        conn,
		deps:        deps,
		opts:        opts,
		logger: log.With().
			Str("module", "app.session").
			Str("sid", string(id)).
			Str("room", string(room)).
			Str("participant", string(who)).
			Logger(),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug().Str("state", st.String()).Msg("session state")
}

// Run drives the session through its lifecycle and returns once the
// transport is closed. A clean disconnect or an external cancellation
// returns nil; a rejected join returns ErrRoomFull.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateValidating)
	if err := s.validate(ctx); err != nil {
		s.reject(err)
		return err
	}

	s.setState(StateAccepting)
	if err := s.conn.Accept(); err != nil {
		s.close(core.CloseInternalError, "accept failed")
		s.setState(StateClosed)
		return fmt.Errorf("accept: %w", err)
	}
	if err := s.register(ctx); err != nil {
		s.reject(err)
		return err
	}

	sub, err := s.deps.Fanout.Subscribe(ctx, s.Room)
	if err != nil {
		err = fmt.Errorf("subscribe: %w", err)
		s.finish(ctx, nil, err)
		return err
	}

	s.setState(StateActive)
	s.logger.Info().Msg("participant joined")
	err = s.active(ctx, sub)
	return s.finish(ctx, sub, err)
}

// validate checks capacity before the transport is accepted. A room without
// a presence record is fresh, and this participant is its first joiner.
func (s *Session) validate(ctx context.Context) error {
	n, err := s.deps.Presence.Count(ctx, s.Room)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPresenceUnavailable, err)
	}
	if n >= s.opts.Capacity {
		return ErrRoomFull
	}
	return nil
}

func (s *Session) register(ctx context.Context) error {
	if !s.opts.StrictCapacity {
		if err := s.deps.Presence.Add(ctx, s.Room, s.Participant); err != nil {
			return fmt.Errorf("%w: %v", ErrPresenceUnavailable, err)
		}
		return nil
	}
	ok, err := s.deps.Presence.TryAdd(ctx, s.Room, s.Participant, s.opts.Capacity)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPresenceUnavailable, err)
	}
	if !ok {
		return ErrRoomFull
	}
	return nil
}

// reject closes a session that never became active. Nothing was registered.
func (s *Session) reject(err error) {
	code := core.CloseInternalError
	if errors.Is(err, ErrRoomFull) {
		code = core.ClosePolicyViolation
		s.logger.Info().Int("capacity", s.opts.Capacity).Msg("join rejected, room full")
	} else {
		s.logger.Error().Err(err).Msg("join failed")
	}
	s.close(code, err.Error())
	s.setState(StateClosed)
}

// active runs the relay activities until the first one exits, then cancels
// the others. Closing the transport is what unblocks the client reader.
// Presence is refreshed alongside so a quiet room never expires under its
// live participants.
func (s *Session) active(ctx context.Context, sub core.Subscription) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	g.Go(func() error {
		defer stop()
		return s.exit(s.receiveFromClient(runCtx))
	})
	g.Go(func() error {
		defer stop()
		return s.exit(s.receiveFromFanout(runCtx, sub))
	})
	g.Go(func() error {
		flusher := NewFlusher(s.Room, s.deps.Buffer, s.deps.Persister, s.deps.Lease, s.opts.FlushInterval)
		if err := flusher.Run(runCtx); err != nil {
			return s.exit(err)
		}
		return nil
	})
	g.Go(func() error {
		s.keepPresence(runCtx)
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		s.exit(context.Cause(ctx))
		code, reason := s.closeReason()
		s.close(code, reason)
		return nil
	})

	_ = g.Wait()
	return s.exitReason()
}

// exit records the first non-nil reason the session stops. Activities that
// merely observed cancellation report nil and leave the reason to the cause.
func (s *Session) exit(err error) error {
	if err != nil {
		s.exitMu.Lock()
		if s.exitErr == nil {
			s.exitErr = err
		}
		s.exitMu.Unlock()
	}
	return err
}

func (s *Session) exitReason() error {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	return s.exitErr
}

func (s *Session) closeReason() (core.CloseCode, string) {
	err := s.exitReason()
	switch {
	case err == nil, errors.Is(err, core.ErrDisconnected), errors.Is(err, ErrShuttingDown),
		errors.Is(err, context.Canceled):
		return core.CloseNormal, ""
	case errors.Is(err, ErrKicked), errors.Is(err, ErrSlowConsumer), errors.Is(err, ErrRoomFull),
		errors.Is(err, core.ErrFrameTooLarge):
		return core.ClosePolicyViolation, err.Error()
	default:
		return core.CloseInternalError, "internal error"
	}
}

func (s *Session) receiveFromClient(ctx context.Context) error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, core.ErrDisconnected) {
				s.logger.Info().Err(err).Msg("client disconnected")
				return core.ErrDisconnected
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if s.deps.Limiter != nil && !s.deps.Limiter.Allow(s.Participant) {
			s.logger.Debug().Msg("frame dropped by rate limit")
			continue
		}
		if stroke, ok := domain.ClassifyFrame(s.Room, frame); ok {
			if err := s.deps.Buffer.Append(ctx, s.Room, stroke); err != nil {
				return fmt.Errorf("stage stroke: %w", err)
			}
		}
		if err := s.deps.Fanout.Publish(ctx, s.Room, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("publish: %w", err)
		}
	}
}

func (s *Session) receiveFromFanout(ctx context.Context, sub core.Subscription) error {
	frames := sub.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errSubscriptionClosed
			}
			if s.closed.Load() {
				return nil
			}
			if err := s.send(frame); err != nil {
				return err
			}
		}
	}
}

// keepPresence re-adds the participant every refresh period. A failed
// refresh is retried on the next tick; the record only lapses if presence
// stays unreachable for a whole TTL.
func (s *Session) keepPresence(ctx context.Context) {
	every := s.opts.PresenceRefresh
	if every <= 0 {
		every = s.opts.FlushInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.deps.Presence.Add(ctx, s.Room, s.Participant); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("presence refresh failed")
			}
		}
	}
}

func (s *Session) send(frame core.Frame) error {
	err := s.conn.TrySend(frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrBackpressure):
		switch s.deps.Policy.OnBackPressure(s.Room, s.Participant) {
		case KickMember:
			s.logger.Warn().Msg("outbound buffer full, kicking participant")
			return ErrSlowConsumer
		case DropFrame, NoAction:
			s.logger.Warn().Msg("outbound buffer full, frame dropped")
		}
		return nil
	case errors.Is(err, core.ErrConnClosed):
		return core.ErrDisconnected
	default:
		return fmt.Errorf("send frame: %w", err)
	}
}

// finish is the Disconnecting path. It runs on every exit from an active
// (or half-registered) session, with a context that outlives cancellation.
func (s *Session) finish(ctx context.Context, sub core.Subscription, err error) error {
	s.exit(err)
	s.setState(StateDisconnecting)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if sub != nil {
		if cerr := sub.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("unsubscribe failed")
		}
	}
	if derr := s.deregister(cctx); derr != nil {
		s.logger.Error().Err(derr).Msg("presence cleanup failed")
	}

	code, reason := s.closeReason()
	s.close(code, reason)
	s.setState(StateClosed)

	cause := s.exitReason()
	if code == core.CloseInternalError {
		s.logger.Error().Err(cause).Msg("session closed with error")
		return cause
	}
	s.logger.Info().Str("close", code.String()).Msg("participant left")
	if code == core.ClosePolicyViolation {
		return cause
	}
	return nil
}

// deregister removes the participant and deletes the room record when it
// was the last one out.
func (s *Session) deregister(ctx context.Context) error {
	if err := s.deps.Presence.Remove(ctx, s.Room, s.Participant); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	n, err := s.deps.Presence.Count(ctx, s.Room)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	if n > 0 {
		return nil
	}
	if err := s.deps.Presence.Delete(ctx, s.Room); err != nil {
		return fmt.Errorf("delete room presence: %w", err)
	}
	s.logger.Info().Msg("last participant left, room presence released")
	return nil
}

// close shuts the transport exactly once.
func (s *Session) close(code core.CloseCode, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.conn.Close(code, reason)
}
