package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Canvas/internal/app"
	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator builds relay sessions from the injected components and keeps
// track of the ones running in this process.
type Orchestrator struct {
	Registry *app.Registry
	Deps     app.Deps
	Options  app.Options

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

func New(deps app.Deps, opts app.Options) *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Deps:     deps,
		Options:  opts,
	}
}

// Serve runs one participant's session to completion. It blocks for the
// lifetime of the connection. Once Shutdown has begun the connection is
// closed straight away with ErrShuttingDown.
func (o *Orchestrator) Serve(ctx context.Context, room domain.RoomID, who domain.ParticipantID, conn core.ClientConn) error {
	if !o.enter() {
		conn.Close(core.CloseNormal, app.ErrShuttingDown.Error())
		return app.ErrShuttingDown
	}
	defer o.wg.Done()

	sid := core.NewSessionID()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.Registry.Bind(sid, room, who, cancel)
	defer o.Registry.Unbind(sid)

	sess := app.NewSession(sid, room, who, conn, o.Deps, o.Options)
	err := sess.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, app.ErrRoomFull), errors.Is(err, app.ErrKicked), errors.Is(err, app.ErrSlowConsumer):
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Err(err).Msg("session ended by policy")
	default:
		log.Error().Str("module", "app.orch").Str("sid", string(sid)).Err(err).Msg("session failed")
	}
	return err
}

// enter counts a new session unless the orchestrator is draining. Add and
// the draining check share mu so no Add races the Wait in Shutdown.
func (o *Orchestrator) enter() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining {
		return false
	}
	o.wg.Add(1)
	return true
}

// Shutdown cancels every live session and waits for their cleanup to run.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()

	n := o.Registry.CancelWhere(app.ErrShuttingDown, func(domain.RoomID, domain.ParticipantID) bool { return true })
	log.Info().Str("module", "app.orch").Int("sessions", n).Msg("draining relay sessions")

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
