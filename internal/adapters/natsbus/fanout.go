// Package natsbus relays room frames over core NATS subjects, one subject
// per room. Delivery is at-most-once, the same contract as the in-process
// and Redis fanouts.
package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/dkeye/Canvas/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSubjectPrefix = "relay.room"
	defaultChannelSize   = 256
)

// Connect dials NATS with unlimited reconnects.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Str("module", "adapters.nats").Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("module", "adapters.nats").Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	log.Info().Str("module", "adapters.nats").Str("url", conn.ConnectedUrl()).Msg("nats connected")
	return conn, nil
}

type Fanout struct {
	conn   *nats.Conn
	prefix string
	size   int
}

func NewFanout(conn *nats.Conn, prefix string, size int) *Fanout {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if size <= 0 {
		size = defaultChannelSize
	}
	return &Fanout{conn: conn, prefix: prefix, size: size}
}

func (f *Fanout) subject(room domain.RoomID) string {
	return f.prefix + "." + string(room)
}

// Subscribe returns after the server has acknowledged the interest, so
// frames published afterwards reach the new subscriber.
func (f *Fanout) Subscribe(ctx context.Context, room domain.RoomID) (core.Subscription, error) {
	msgs := make(chan *nats.Msg, f.size)
	ns, err := f.conn.ChanSubscribe(f.subject(room), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe room %s: %w", room, err)
	}
	if err := f.conn.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("subscribe room %s: %w", room, err)
	}
	sub := &subscription{
		ns:     ns,
		frames: make(chan core.Frame, f.size),
		done:   make(chan struct{}),
	}
	go sub.pump(msgs)
	return sub, nil
}

func (f *Fanout) Publish(_ context.Context, room domain.RoomID, frame core.Frame) error {
	if err := f.conn.Publish(f.subject(room), frame); err != nil {
		return fmt.Errorf("publish room %s: %w", room, err)
	}
	return nil
}

func (f *Fanout) Ping(ctx context.Context) error {
	if !f.conn.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return f.conn.FlushWithContext(ctx)
}

type subscription struct {
	ns     *nats.Subscription
	frames chan core.Frame
	done   chan struct{}
	once   sync.Once
}

// pump never closes msgs; nats does not close a channel subscription's
// channel on unsubscribe.
func (s *subscription) pump(msgs <-chan *nats.Msg) {
	defer close(s.frames)
	for {
		select {
		case <-s.done:
			return
		case msg := <-msgs:
			select {
			case s.frames <- core.Frame(msg.Data):
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Frames() <-chan core.Frame { return s.frames }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ns.Unsubscribe()
		close(s.done)
	})
	if err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}
