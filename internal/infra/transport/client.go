package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/infra/clock"
)

// Errors
var (
	ErrTransport    = errors.New("transport failure")
	ErrNotConnected = errors.New("not connected")
	ErrSend         = errors.New("send failed")
)

// Handler receives link events. Callbacks run on transport goroutines, never
// inside a Client method call.
type Handler interface {
	// Active reports whether the session still wants the link.
	Active() bool
	OnOpen(reconnected bool)
	OnControl(msg Inbound)
	OnAudio(frame []byte)
	OnStateChange(state ConnectionState)
	// OnFatalClose reports a close that must end the session.
	OnFatalClose(code int)
	// OnError reports an unrecoverable link failure.
	OnError(err error)
}

// Config holds client configuration.
type Config struct {
	Endpoint       string
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	FatalCloseCode int
	WriteTimeout   time.Duration
	Header         http.Header
}

// Stats counts link traffic.
type Stats struct {
	Sent       uint64
	Dropped    uint64
	Received   uint64
	Reconnects uint64
}

// Client is a WebSocket link. A failed first dial and each unexpected drop
// get exactly one reconnect attempt; a failed attempt is reported through
// OnError.
type Client struct {
	config Config
	clock  clock.Clock
	dialer *websocket.Dialer

	mu              sync.Mutex
	handler         Handler
	ctx             context.Context
	conn            *websocket.Conn
	state           ConnectionState
	epoch           uint64
	closing         bool
	reconnectCancel func()

	writeMu sync.Mutex

	sent       atomic.Uint64
	dropped    atomic.Uint64
	received   atomic.Uint64
	reconnects atomic.Uint64
}

// NewClient creates a client. Call SetHandler before Open.
func NewClient(config Config, clk clock.Clock) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if config.FatalCloseCode == 0 {
		config.FatalCloseCode = websocket.CloseAbnormalClosure
	}
	return &Client{
		config: config,
		clock:  clk,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.DialTimeout,
		},
		handler: nopHandler{},
		ctx:     context.Background(),
		state:   StateDisconnected,
	}
}

// SetHandler installs the event handler.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		h = nopHandler{}
	}
	c.handler = h
}

// State returns the link state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the traffic counters.
func (c *Client) Stats() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		Received:   c.received.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Open starts dialing in the background. Any previous link is abandoned.
// The outcome is reported through OnOpen or OnError.
func (c *Client) Open(ctx context.Context) {
	c.mu.Lock()
	c.cancelReconnectLocked()
	old := c.conn
	c.conn = nil
	c.epoch++
	epoch := c.epoch
	c.ctx = ctx
	c.closing = false
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	zlog.Debug().Msgf("transport: dialing: endpoint=%s", c.config.Endpoint)
	go c.dial(ctx, epoch, false)
}

// Close shuts the link down after grace. Pending reconnects are cancelled
// immediately and no further events are delivered.
func (c *Client) Close(grace time.Duration) {
	c.mu.Lock()
	c.cancelReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.epoch++
	c.closing = true
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return
	}

	closeFn := func() {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
		zlog.Debug().Msg("transport: closed")
	}

	if grace <= 0 {
		closeFn()
		return
	}
	c.clock.AfterFunc(grace, closeFn)
}

// SendAudio sends a binary frame.
func (c *Client) SendAudio(chunk []byte) error {
	return c.write(websocket.BinaryMessage, chunk)
}

// SendControl sends a JSON control message.
func (c *Client) SendControl(m Outbound) error {
	data, err := EncodeOutbound(m)
	if err != nil {
		c.dropped.Add(1)
		return errors.Mark(err, ErrSend)
	}
	return c.write(websocket.TextMessage, data)
}

// SendStart asks the agent to begin with message as its greeting.
func (c *Client) SendStart(message string) error {
	return c.SendControl(Outbound{Type: TypeStart, Message: message})
}

// SendDone marks the end of the user's utterance.
func (c *Client) SendDone() error {
	return c.SendControl(Outbound{Type: TypeDone})
}

// SendCleanup tells the agent the call is over.
func (c *Client) SendCleanup() error {
	return c.SendControl(Outbound{Type: TypeCleanup})
}

func (c *Client) write(messageType int, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		c.dropped.Add(1)
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := conn.WriteMessage(messageType, data); err != nil {
		c.dropped.Add(1)
		return errors.Mark(errors.Wrap(err, "transport: write"), ErrSend)
	}
	c.sent.Add(1)
	return nil
}

func (c *Client) dial(ctx context.Context, epoch uint64, reconnected bool) {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.config.Endpoint, c.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	if epoch != c.epoch || c.closing {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	h := c.handler
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()

		err = errors.Mark(errors.Wrapf(err, "transport: dial %s", c.config.Endpoint), ErrTransport)
		zlog.Warn().Err(err).Msgf("transport: dial failed: reconnect=%t", reconnected)
		h.OnStateChange(StateDisconnected)

		// The first failure gets the same single retry as a dropped link.
		if !reconnected && ctx.Err() == nil && h.Active() && c.scheduleReconnect(epoch) {
			return
		}
		h.OnError(err)
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	if reconnected {
		c.reconnects.Add(1)
	}
	zlog.Info().Msgf("transport: connected: endpoint=%s reconnect=%t", c.config.Endpoint, reconnected)

	h.OnStateChange(StateConnected)
	h.OnOpen(reconnected)

	c.readLoop(conn, epoch)
}

func (c *Client) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, epoch, err)
			return
		}

		h, current := c.current(epoch)
		if !current {
			continue
		}
		c.received.Add(1)

		switch messageType {
		case websocket.BinaryMessage:
			h.OnAudio(data)
		case websocket.TextMessage:
			msg, err := DecodeInbound(data)
			if errors.Is(err, ErrUntyped) {
				zlog.Debug().Msgf("transport: untyped control message ignored: %s", data)
				continue
			}
			if err != nil {
				zlog.Warn().Err(err).Msg("transport: control message ignored")
				continue
			}
			h.OnControl(msg)
		}
	}
}

func (c *Client) current(epoch uint64) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler, epoch == c.epoch && !c.closing
}

func (c *Client) handleClosed(conn *websocket.Conn, epoch uint64, readErr error) {
	_ = conn.Close()

	c.mu.Lock()
	if epoch != c.epoch || c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	h := c.handler
	c.mu.Unlock()

	code := CloseCode(readErr)
	zlog.Warn().Err(readErr).Msgf("transport: connection closed: code=%d", code)
	h.OnStateChange(StateDisconnected)

	if code == c.config.FatalCloseCode {
		h.OnFatalClose(code)
		return
	}
	if !h.Active() {
		return
	}
	c.scheduleReconnect(epoch)
}

// scheduleReconnect arms the single retry for epoch. It returns false when
// the link was closed or superseded meanwhile.
func (c *Client) scheduleReconnect(epoch uint64) bool {
	c.mu.Lock()
	if epoch != c.epoch || c.closing {
		c.mu.Unlock()
		return false
	}
	c.cancelReconnectLocked()
	c.reconnectCancel = c.clock.AfterFunc(c.config.ReconnectDelay, func() {
		c.reconnect(epoch)
	})
	c.mu.Unlock()

	zlog.Info().Msgf("transport: reconnecting in %v", c.config.ReconnectDelay)
	return true
}

func (c *Client) reconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.closing {
		c.mu.Unlock()
		return
	}
	c.reconnectCancel = nil
	h := c.handler
	ctx := c.ctx
	c.mu.Unlock()

	if !h.Active() {
		return
	}

	c.mu.Lock()
	if epoch != c.epoch || c.closing {
		c.mu.Unlock()
		return
	}
	c.epoch++
	next := c.epoch
	c.state = StateConnecting
	c.mu.Unlock()

	h.OnStateChange(StateConnecting)
	go c.dial(ctx, next, true)
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
}

// CloseCode extracts the WebSocket close code from a read error. Errors
// without a close frame count as abnormal closure.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

type nopHandler struct{}

func (nopHandler) Active() bool                  { return false }
func (nopHandler) OnOpen(bool)                   {}
func (nopHandler) OnControl(Inbound)             {}
func (nopHandler) OnAudio([]byte)                {}
func (nopHandler) OnStateChange(ConnectionState) {}
func (nopHandler) OnFatalClose(int)              {}
func (nopHandler) OnError(error)                 {}
