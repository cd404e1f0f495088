package signal

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Canvas/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// maxCloseReason is the close frame payload limit (125) minus the code.
const maxCloseReason = 123

type ConnOptions struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// pongWait is how long a silent peer is tolerated; pings go out every
// PingPeriod, which must stay below it.
func (o ConnOptions) pongWait() time.Duration {
	return o.PingPeriod * 10 / 9
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WsSignalConn is a relay client connection over a WebSocket. The HTTP
// request is only upgraded on Accept, so a join can be refused first.
type WsSignalConn struct {
	w    http.ResponseWriter
	r    *http.Request
	opts ConnOptions

	conn *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu            sync.RWMutex
	closed        bool
	upgradeFailed bool
}

func NewWsSignalConn(w http.ResponseWriter, r *http.Request, opts ConnOptions) *WsSignalConn {
	opts = opts.withDefaults()
	return &WsSignalConn{
		w:    w,
		r:    r,
		opts: opts,
		send: make(chan core.Frame, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *WsSignalConn) Accept() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.conn != nil {
		return nil
	}
	ws, err := upgrader.Upgrade(c.w, c.r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		c.upgradeFailed = true
		return fmt.Errorf("ws upgrade: %w", err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.pongWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.pongWait()))
	})
	c.conn = ws

	go c.writePump()
	return nil
}

func (c *WsSignalConn) ReadFrame() (core.Frame, error) {
	c.mu.RLock()
	ws := c.conn
	c.mu.RUnlock()
	if ws == nil {
		return nil, fmt.Errorf("%w: not accepted", core.ErrDisconnected)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, readError(err)
	}
	return core.Frame(data), nil
}

// readError sorts a read failure into a routine disconnect, an oversized
// frame, or a fault. A read deadline hit means the peer stopped answering
// pings and counts as gone.
func readError(err error) error {
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.As(err, &closeErr),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", core.ErrDisconnected, err)
	case errors.Is(err, websocket.ErrReadLimit):
		return fmt.Errorf("%w: %v", core.ErrFrameTooLarge, err)
	default:
		return fmt.Errorf("ws read: %w", err)
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close sends a close frame with code and shuts the socket. A connection
// that was never accepted is upgraded just to carry the close code.
func (c *WsSignalConn) Close(code core.CloseCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	ws := c.conn
	if ws == nil && c.upgradeFailed {
		c.mu.Unlock()
		return
	}
	if ws == nil {
		var err error
		ws, err = upgrader.Upgrade(c.w, c.r, nil)
		if err != nil {
			c.mu.Unlock()
			log.Warn().Err(err).Str("module", "signal").Msg("upgrade for close failed")
			return
		}
		c.conn = ws
	}
	c.mu.Unlock()

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(int(code), reason)
	err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Debug().Err(err).Str("module", "signal").Msg("close frame not delivered")
	}
	_ = ws.Close()
}
