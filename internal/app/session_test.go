package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dkeye/Canvas/internal/adapters/memory"
	"github.com/dkeye/Canvas/internal/app"
	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/dkeye/Canvas/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type relayEnv struct {
	presence  *memory.Presence
	fanout    *memory.Fanout
	buffer    *memory.DrawBuffer
	persister *testutils.RecordingPersister
	deps      app.Deps
	opts      app.Options
}

func newRelayEnv() *relayEnv {
	presence := memory.NewPresence(5 * time.Minute)
	buffer := memory.NewDrawBuffer(presence)
	e := &relayEnv{
		presence:  presence,
		fanout:    memory.NewFanout(64),
		buffer:    buffer,
		persister: &testutils.RecordingPersister{},
	}
	e.deps = app.Deps{
		Presence:  e.presence,
		Fanout:    e.fanout,
		Buffer:    e.buffer,
		Persister: e.persister,
	}
	e.opts = app.Options{Capacity: 8, FlushInterval: 20 * time.Millisecond, StrictCapacity: true}
	return e
}

type running struct {
	sess *app.Session
	conn *testutils.FakeConn
	errc chan error
}

func (e *relayEnv) start(ctx context.Context, room domain.RoomID, who domain.ParticipantID, conn *testutils.FakeConn) *running {
	r := &running{
		sess: app.NewSession(core.NewSessionID(), room, who, conn, e.deps, e.opts),
		conn: conn,
		errc: make(chan error, 1),
	}
	go func() { r.errc <- r.sess.Run(ctx) }()
	return r
}

func (e *relayEnv) join(t *testing.T, room domain.RoomID, who domain.ParticipantID) *running {
	t.Helper()
	r := e.start(t.Context(), room, who, testutils.NewFakeConn(64))
	require.Eventually(t, func() bool { return r.sess.State() == app.StateActive }, waitFor, tick)
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not finish")
		return nil
	}
}

func (r *running) next(t *testing.T) string {
	t.Helper()
	select {
	case f := <-r.conn.Out:
		return string(f)
	case <-time.After(waitFor):
		t.Fatal("no frame delivered")
		return ""
	}
}

func (e *relayEnv) count(t *testing.T, room domain.RoomID) int {
	t.Helper()
	n, err := e.presence.Count(context.Background(), room)
	require.NoError(t, err)
	return n
}

func (e *relayEnv) exists(t *testing.T, room domain.RoomID) bool {
	t.Helper()
	ok, err := e.presence.Exists(context.Background(), room)
	require.NoError(t, err)
	return ok
}

func TestSession_JoinDrawAndLeave(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()

	a := e.join(t, room, "A")
	assert.Equal(t, 1, e.count(t, room))

	a.conn.Send(`{"type":"draw","x":1,"y":2,"prevX":0,"prevY":0}`)
	assert.JSONEq(t, `{"type":"draw","x":1,"y":2,"prevX":0,"prevY":0}`, a.next(t))

	require.Eventually(t, func() bool { return len(e.persister.Batches()) == 1 }, waitFor, tick)
	batch := e.persister.Batches()[0]
	require.Len(t, batch, 1)
	assert.Equal(t, domain.StrokeEvent{Room: room, X: 1, Y: 2, PrevX: 0, PrevY: 0}, batch[0])
	assert.Zero(t, e.buffer.Staged(room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
	assert.Equal(t, core.CloseNormal, a.conn.CloseCode())
	assert.Equal(t, 1, a.conn.Closes())
	assert.Equal(t, app.StateClosed, a.sess.State())
	assert.False(t, e.exists(t, room))
}

func TestSession_RelaysToEveryParticipant(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()

	a := e.join(t, room, "A")
	b := e.join(t, room, "B")
	c := e.join(t, room, "C")

	b.conn.Send(`{"type":"chat","text":"hello"}`)
	for _, r := range []*running{a, b, c} {
		assert.JSONEq(t, `{"type":"chat","text":"hello"}`, r.next(t))
	}
	// Non-draw frames are relayed but never staged.
	assert.Zero(t, e.buffer.Staged(room))
	assert.Empty(t, e.persister.Batches())

	for _, r := range []*running{a, b, c} {
		r.conn.Leave()
		require.NoError(t, r.wait(t))
	}
}

func TestSession_OtherRoomsAreIsolated(t *testing.T) {
	e := newRelayEnv()
	r1, r2 := domain.NewRoomID(), domain.NewRoomID()

	a := e.join(t, r1, "A")
	b := e.join(t, r2, "B")

	a.conn.Send(`{"type":"ping"}`)
	assert.JSONEq(t, `{"type":"ping"}`, a.next(t))
	assert.Never(t, func() bool { return len(b.conn.Out) > 0 }, 50*time.Millisecond, tick)

	a.conn.Leave()
	b.conn.Leave()
	require.NoError(t, a.wait(t))
	require.NoError(t, b.wait(t))
}

func TestSession_CapacityRejection(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, e.presence.Add(ctx, room, domain.ParticipantID(fmt.Sprintf("p%d", i))))
	}

	conn := testutils.NewFakeConn(8)
	r := e.start(t.Context(), room, "ninth", conn)

	err := r.wait(t)
	require.ErrorIs(t, err, app.ErrRoomFull)
	assert.False(t, conn.Accepted())
	assert.Equal(t, core.ClosePolicyViolation, conn.CloseCode())
	assert.Equal(t, 8, e.count(t, room))
	assert.Equal(t, app.StateClosed, r.sess.State())
}

func TestSession_FreshRoomAdmitsFirstJoiner(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()
	require.False(t, e.exists(t, room))

	a := e.join(t, room, "first")
	assert.True(t, e.exists(t, room))
	assert.Equal(t, 1, e.count(t, room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
}

func TestSession_StrictCapacityClosesTheRace(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, e.presence.Add(ctx, room, domain.ParticipantID(fmt.Sprintf("p%d", i))))
	}
	// Validation sees an empty room, as if the others joined right after it.
	e.deps.Presence = &testutils.FailingPresence{PresenceStore: e.presence, StaleCount: true}

	conn := testutils.NewFakeConn(8)
	r := e.start(t.Context(), room, "late", conn)

	require.ErrorIs(t, r.wait(t), app.ErrRoomFull)
	assert.True(t, conn.Accepted())
	assert.Equal(t, core.ClosePolicyViolation, conn.CloseCode())
	assert.Equal(t, 8, e.count(t, room))
}

func TestSession_SoftCapacityMayOvershoot(t *testing.T) {
	e := newRelayEnv()
	e.opts.StrictCapacity = false
	room := domain.NewRoomID()
	ctx := context.Background()
	for i := range 8 {
		require.NoError(t, e.presence.Add(ctx, room, domain.ParticipantID(fmt.Sprintf("p%d", i))))
	}
	e.deps.Presence = &testutils.FailingPresence{PresenceStore: e.presence, StaleCount: true}

	c, cancel := context.WithCancel(t.Context())
	r := e.start(c, room, "late", testutils.NewFakeConn(8))
	require.Eventually(t, func() bool { return r.sess.State() == app.StateActive }, waitFor, tick)
	assert.Equal(t, 9, e.count(t, room))

	cancel()
	require.NoError(t, r.wait(t))
}

func TestSession_LastLeaverDeletesRoom(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()

	a := e.join(t, room, "A")
	b := e.join(t, room, "B")
	assert.Equal(t, 2, e.count(t, room))

	b.conn.Leave()
	require.NoError(t, b.wait(t))
	assert.True(t, e.exists(t, room))
	assert.Equal(t, 1, e.count(t, room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
	assert.False(t, e.exists(t, room))
}

func TestSession_MalformedDrawIsRelayedNotStaged(t *testing.T) {
	e := newRelayEnv()
	e.opts.FlushInterval = time.Hour
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	for _, frame := range []string{
		`{"type":"draw","x":1}`,
		`{"type":"draw","x":"1","y":2,"prevX":0,"prevY":0}`,
		`not json`,
	} {
		a.conn.Send(frame)
		assert.Equal(t, frame, a.next(t))
	}
	assert.Zero(t, e.buffer.Staged(room))

	a.conn.Send(`{"type":"draw","x":1,"y":1,"prevX":1,"prevY":1}`)
	a.next(t)
	assert.Equal(t, 1, e.buffer.Staged(room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
}

func TestSession_PersistFailureKeepsSessionAlive(t *testing.T) {
	e := newRelayEnv()
	e.persister.FailWith(testutils.ErrInjected)
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	a.conn.Send(`{"type":"draw","x":1,"y":1,"prevX":0,"prevY":0}`)
	a.next(t)

	require.Eventually(t, func() bool { return len(e.persister.Batches()) >= 1 }, waitFor, tick)
	// The failed batch is dropped, not retried.
	require.Eventually(t, func() bool { return e.buffer.Staged(room) == 0 }, waitFor, tick)
	assert.Equal(t, app.StateActive, a.sess.State())

	a.conn.Send(`{"type":"chat"}`)
	assert.JSONEq(t, `{"type":"chat"}`, a.next(t))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
}

func TestSession_StoreFailureClosesWithInternalError(t *testing.T) {
	e := newRelayEnv()
	e.deps.Buffer = &testutils.FailingBuffer{DrawBuffer: e.buffer, FailAppend: true}
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	a.conn.Send(`{"type":"draw","x":1,"y":1,"prevX":0,"prevY":0}`)

	err := a.wait(t)
	require.ErrorIs(t, err, testutils.ErrInjected)
	assert.Equal(t, core.CloseInternalError, a.conn.CloseCode())
	assert.Equal(t, 1, a.conn.Closes())
	assert.False(t, e.exists(t, room), "cleanup runs on the error path")
}

func TestSession_ReadFailureSelectsCloseCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code core.CloseCode
	}{
		{"client went away", fmt.Errorf("%w: going away", core.ErrDisconnected), core.CloseNormal},
		{"oversized frame", fmt.Errorf("%w: read limit exceeded", core.ErrFrameTooLarge), core.ClosePolicyViolation},
		{"protocol error", errors.New("ws read: bad opcode"), core.CloseInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newRelayEnv()
			room := domain.NewRoomID()
			a := e.join(t, room, "A")

			a.conn.FailRead(tt.err)
			err := a.wait(t)
			assert.Equal(t, tt.code, a.conn.CloseCode())
			if tt.code == core.CloseNormal {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
			assert.False(t, e.exists(t, room))
		})
	}
}

func TestSession_PresenceUnavailable(t *testing.T) {
	e := newRelayEnv()
	e.deps.Presence = &testutils.FailingPresence{PresenceStore: e.presence, FailCount: true}

	conn := testutils.NewFakeConn(8)
	r := e.start(t.Context(), domain.NewRoomID(), "A", conn)

	require.ErrorIs(t, r.wait(t), app.ErrPresenceUnavailable)
	assert.False(t, conn.Accepted())
	assert.Equal(t, core.CloseInternalError, conn.CloseCode())
}

func TestSession_AcceptFailure(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()
	conn := testutils.NewFakeConn(8)
	conn.AcceptErr = testutils.ErrInjected

	r := e.start(t.Context(), room, "A", conn)

	require.ErrorIs(t, r.wait(t), testutils.ErrInjected)
	assert.Equal(t, core.CloseInternalError, conn.CloseCode())
	assert.Zero(t, e.count(t, room))
}

func TestSession_CancelCauseSelectsCloseCode(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		wantErr error
		code    core.CloseCode
	}{
		{name: "kicked", cause: app.ErrKicked, wantErr: app.ErrKicked, code: core.ClosePolicyViolation},
		{name: "shutdown", cause: app.ErrShuttingDown, code: core.CloseNormal},
		{name: "plain cancel", cause: nil, code: core.CloseNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newRelayEnv()
			room := domain.NewRoomID()
			ctx, cancel := context.WithCancelCause(t.Context())
			conn := testutils.NewFakeConn(8)
			r := e.start(ctx, room, "A", conn)
			require.Eventually(t, func() bool { return r.sess.State() == app.StateActive }, waitFor, tick)

			cancel(tt.cause)

			err := r.wait(t)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.code, conn.CloseCode())
			assert.Equal(t, 1, conn.Closes())
			assert.False(t, e.exists(t, room))
		})
	}
}

func TestSession_SlowConsumerIsKicked(t *testing.T) {
	e := newRelayEnv()
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	slow := testutils.NewFakeConn(0)
	b := e.start(t.Context(), room, "B", slow)
	require.Eventually(t, func() bool { return b.sess.State() == app.StateActive }, waitFor, tick)

	a.conn.Send(`{"type":"chat"}`)

	require.ErrorIs(t, b.wait(t), app.ErrSlowConsumer)
	assert.Equal(t, core.ClosePolicyViolation, slow.CloseCode())
	assert.Equal(t, app.StateActive, a.sess.State())
	assert.Equal(t, 1, e.count(t, room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
}

func TestSession_DropPolicyKeepsSlowConsumer(t *testing.T) {
	e := newRelayEnv()
	e.deps.Policy = app.DropPolicy{}
	room := domain.NewRoomID()

	conn := testutils.NewFakeConn(1)
	a := e.start(t.Context(), room, "A", conn)
	require.Eventually(t, func() bool { return a.sess.State() == app.StateActive }, waitFor, tick)

	for i := range 3 {
		conn.Send(fmt.Sprintf(`{"type":"chat","n":%d}`, i))
	}
	assert.Never(t, func() bool { return a.sess.State() != app.StateActive }, 100*time.Millisecond, tick)
	assert.JSONEq(t, `{"type":"chat","n":0}`, a.next(t))

	conn.Send(`{"type":"chat","n":3}`)
	assert.JSONEq(t, `{"type":"chat","n":3}`, a.next(t))

	conn.Leave()
	require.NoError(t, a.wait(t))
}

type denyAll struct{}

func (denyAll) Allow(domain.ParticipantID) bool { return false }

func TestSession_RateLimitedFramesAreDropped(t *testing.T) {
	e := newRelayEnv()
	e.deps.Limiter = denyAll{}
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	a.conn.Send(`{"type":"draw","x":1,"y":1,"prevX":0,"prevY":0}`)
	assert.Never(t, func() bool { return len(a.conn.Out) > 0 }, 50*time.Millisecond, tick)
	assert.Zero(t, e.buffer.Staged(room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
}

func TestSession_FlushStopsWhenRoomTornDown(t *testing.T) {
	e := newRelayEnv()
	e.opts.PresenceRefresh = time.Hour
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	require.NoError(t, e.presence.Delete(context.Background(), room))
	// Give the flusher a few ticks to notice.
	time.Sleep(5 * e.opts.FlushInterval)

	a.conn.Send(`{"type":"draw","x":1,"y":1,"prevX":0,"prevY":0}`)
	a.next(t)

	assert.Never(t, func() bool { return len(e.persister.Batches()) > 0 }, 5*e.opts.FlushInterval, tick)
	assert.Equal(t, 1, e.buffer.Staged(room))
	assert.Equal(t, app.StateActive, a.sess.State(), "relaying continues")

	a.conn.Leave()
	require.NoError(t, a.wait(t))
}

func TestSession_QuietRoomOutlivesPresenceTTL(t *testing.T) {
	e := newRelayEnv()
	e.presence = memory.NewPresence(100 * time.Millisecond)
	e.buffer = memory.NewDrawBuffer(e.presence)
	e.deps.Presence = e.presence
	e.deps.Buffer = e.buffer
	e.opts.PresenceRefresh = 30 * time.Millisecond
	room := domain.NewRoomID()
	a := e.join(t, room, "A")

	// No joins or leaves for twice the TTL.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, e.exists(t, room))
	assert.Equal(t, 1, e.count(t, room))

	a.conn.Send(`{"type":"draw","x":1,"y":2,"prevX":0,"prevY":0}`)
	a.next(t)
	require.Eventually(t, func() bool { return len(e.persister.Batches()) == 1 }, waitFor, tick)
	assert.Equal(t, []domain.StrokeEvent{{Room: room, X: 1, Y: 2}}, e.persister.Batches()[0])
	assert.Zero(t, e.buffer.Staged(room))

	a.conn.Leave()
	require.NoError(t, a.wait(t))
	assert.False(t, e.exists(t, room))
}

func TestSession_QuietFullRoomStillRejects(t *testing.T) {
	e := newRelayEnv()
	e.presence = memory.NewPresence(100 * time.Millisecond)
	e.buffer = memory.NewDrawBuffer(e.presence)
	e.deps.Presence = e.presence
	e.deps.Buffer = e.buffer
	e.opts.PresenceRefresh = 30 * time.Millisecond
	e.opts.Capacity = 2
	room := domain.NewRoomID()
	a := e.join(t, room, "A")
	b := e.join(t, room, "B")

	time.Sleep(200 * time.Millisecond)

	late := e.start(t.Context(), room, "C", testutils.NewFakeConn(8))
	assert.ErrorIs(t, late.wait(t), app.ErrRoomFull)
	assert.Equal(t, core.ClosePolicyViolation, late.conn.CloseCode())
	assert.Equal(t, 2, e.count(t, room))

	a.conn.Leave()
	b.conn.Leave()
	require.NoError(t, a.wait(t))
	require.NoError(t, b.wait(t))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "active", app.StateActive.String())
	assert.Equal(t, "closed", app.StateClosed.String())
	assert.Equal(t, "unknown", app.State(42).String())
}
