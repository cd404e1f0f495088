// Package testutils provides fakes shared by the relay tests.
package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
)

// FakeConn is an in-memory core.ClientConn. Frames pushed with Send are read
// by the session; frames the session sends land in Out.
type FakeConn struct {
	In  chan core.Frame
	Out chan core.Frame

	AcceptErr error

	readErr  chan error
	accepted atomic.Bool
	closes   atomic.Int32
	code     atomic.Int32
	done     chan struct{}
	once     sync.Once
	leave    sync.Once
}

func NewFakeConn(outBuffer int) *FakeConn {
	return &FakeConn{
		In:      make(chan core.Frame, 64),
		Out:     make(chan core.Frame, outBuffer),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (c *FakeConn) Accept() error {
	c.accepted.Store(true)
	return c.AcceptErr
}

func (c *FakeConn) ReadFrame() (core.Frame, error) {
	select {
	case f, ok := <-c.In:
		if !ok {
			return nil, fmt.Errorf("%w: client closed", core.ErrDisconnected)
		}
		return f, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.done:
		return nil, fmt.Errorf("%w: connection closed", core.ErrDisconnected)
	}
}

func (c *FakeConn) TrySend(f core.Frame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.Out <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (c *FakeConn) Close(code core.CloseCode, _ string) {
	c.closes.Add(1)
	c.once.Do(func() {
		c.code.Store(int32(code))
		close(c.done)
	})
}

// FailRead makes the next read return err.
func (c *FakeConn) FailRead(err error) { c.readErr <- err }

// Send delivers a client frame to the session.
func (c *FakeConn) Send(frame string) { c.In <- core.Frame(frame) }

// Leave simulates the client closing its side.
func (c *FakeConn) Leave() { c.leave.Do(func() { close(c.In) }) }

func (c *FakeConn) Accepted() bool { return c.accepted.Load() }
func (c *FakeConn) Closes() int    { return int(c.closes.Load()) }

func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseCode is the code of the first Close call, 0 while open.
func (c *FakeConn) CloseCode() core.CloseCode { return core.CloseCode(c.code.Load()) }

// RecordingPersister records every batch and can be told to fail.
type RecordingPersister struct {
	mu      sync.Mutex
	batches [][]domain.StrokeEvent
	fail    error
}

func (p *RecordingPersister) Persist(_ context.Context, room domain.RoomID, events []domain.StrokeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]domain.StrokeEvent, len(events))
	copy(batch, events)
	p.batches = append(p.batches, batch)
	return p.fail
}

func (p *RecordingPersister) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *RecordingPersister) Batches() [][]domain.StrokeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]domain.StrokeEvent, len(p.batches))
	copy(out, p.batches)
	return out
}

var ErrInjected = errors.New("injected failure")

// FailingPresence wraps a presence store and fails the selected operations.
type FailingPresence struct {
	core.PresenceStore
	FailCount bool
	// StaleCount makes Count report an empty room regardless of content,
	// which opens the validate/accept race on purpose.
	StaleCount bool
}

func (p *FailingPresence) Count(ctx context.Context, room domain.RoomID) (int, error) {
	if p.FailCount {
		return 0, ErrInjected
	}
	if p.StaleCount {
		return 0, nil
	}
	return p.PresenceStore.Count(ctx, room)
}

// FailingBuffer wraps a draw buffer and fails Append.
type FailingBuffer struct {
	core.DrawBuffer
	FailAppend bool
}

func (b *FailingBuffer) Append(ctx context.Context, room domain.RoomID, e domain.StrokeEvent) error {
	if b.FailAppend {
		return ErrInjected
	}
	return b.DrawBuffer.Append(ctx, room, e)
}
