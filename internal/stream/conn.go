// Package stream maintains the server-push log connection and decodes
// inbound frames into typed events.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/dshills/taskwatch/internal/logging"
	"github.com/dshills/taskwatch/internal/metrics"
	"github.com/dshills/taskwatch/internal/task"
)

// Connection errors.
var (
	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("connection already established")

	// ErrConnClosed indicates the connection has been closed.
	ErrConnClosed = errors.New("connection closed")
)

// eventBufferSize is the capacity of the events channel. Delivery
// blocks once full, preserving arrival order without dropping frames.
const eventBufferSize = 64

// closeWriteTimeout bounds the goodbye close frame on shutdown.
const closeWriteTimeout = time.Second

// Conn owns exactly one server-push connection. A Conn never
// reconnects: once it reaches StateClosed it stays closed and the
// owner builds a new instance. Reconnection policy lives with the
// owner so it can be tested on its own.
type Conn struct {
	url     string
	dialer  *websocket.Dialer
	logger  *logging.Logger
	metrics *metrics.Metrics

	ws     *websocket.Conn
	events chan Event

	mu     sync.Mutex
	state  State
	closed atomic.Bool
	done   chan struct{}
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer sets a custom WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) {
		c.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Conn) {
		c.logger = l
	}
}

// WithMetrics sets the metrics tracker.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) {
		c.metrics = m
	}
}

// New creates a connection in StateConnecting for the given stream URL.
// Call Connect to perform the handshake.
func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:     url,
		dialer:  websocket.DefaultDialer,
		logger:  logging.NullLogger,
		metrics: metrics.GetMetrics(),
		events:  make(chan Event, eventBufferSize),
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect performs the handshake and starts the read loop. On failure
// the connection transitions to StateClosed and cannot be reused.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return ErrConnClosed
		}
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.setState(StateClosed)
		if c.closed.Swap(true) {
			// Closed while dialing; Close owns the event channel shutdown.
			return ErrConnClosed
		}
		close(c.done)
		c.sendFinal(Event{Type: EventStateChange, State: StateClosed, Err: err})
		close(c.events)
		return err
	}

	c.mu.Lock()
	if c.closed.Load() {
		// Closed while dialing; Close owns the event channel shutdown.
		c.mu.Unlock()
		_ = ws.Close()
		return ErrConnClosed
	}
	c.ws = ws
	// Written with the socket: a racing Close either aborts this
	// Connect above or publishes StateClosed after this write.
	c.state = StateOpen
	c.mu.Unlock()

	c.deliver(Event{Type: EventStateChange, State: StateOpen})
	c.logger.Debug("stream connected to %s", c.url)

	go c.readLoop()
	return nil
}

// Events returns the channel of decoded events and lifecycle
// transitions. The channel is closed once the connection is finished
// and the final StateClosed event has been delivered.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the connection down. Safe to call multiple times and
// from any goroutine; after Close no further events are delivered.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)
	c.setState(StateClosed)

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(closeWriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return ws.Close()
	}

	// Connect never succeeded; finish the event stream here.
	close(c.events)
	return nil
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// setState records a lifecycle transition.
func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// deliver sends an event unless the connection is being torn down.
func (c *Conn) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// readLoop reads frames until the transport fails or Close is called.
// It owns the events channel and closes it on exit.
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Swap(true) {
				// Owner-initiated close; announce the clean transition.
				c.sendFinal(Event{Type: EventStateChange, State: StateClosed})
				return
			}
			close(c.done)
			c.setState(StateClosed)
			c.logger.Warn("stream closed: %v", err)
			c.sendFinal(Event{Type: EventStateChange, State: StateClosed, Err: err})
			_ = c.ws.Close()
			return
		}

		if msgType != websocket.TextMessage {
			c.metrics.RecordFrameDropped()
			continue
		}

		ev, ok := decodeFrame(data)
		if !ok {
			// Malformed or unrecognized frames never terminate the
			// connection and never surface to the owner.
			c.metrics.RecordFrameDropped()
			continue
		}

		c.metrics.RecordFrame()
		c.deliver(ev)
	}
}

// sendFinal delivers the terminal state-change event. The done channel
// is closed by now, so this is a non-blocking best effort: with the
// buffered channel the event fits unless the owner stopped reading.
func (c *Conn) sendFinal(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// decodeFrame decodes one inbound frame. Returns false for anything
// that is not a well-formed log frame: invalid JSON, a different frame
// type, or missing required fields.
func decodeFrame(data []byte) (Event, bool) {
	if !gjson.ValidBytes(data) {
		return Event{}, false
	}

	frame := gjson.ParseBytes(data)
	if frame.Get("type").String() != "log" {
		return Event{}, false
	}

	taskID := frame.Get("taskId").String()
	if taskID == "" {
		return Event{}, false
	}

	log := frame.Get("log")
	if !log.IsObject() {
		return Event{}, false
	}

	ts := log.Get("timestamp")
	if !ts.Exists() {
		return Event{}, false
	}

	channel, ok := task.ParseChannel(log.Get("channel").String())
	if !ok {
		return Event{}, false
	}

	content := log.Get("content")
	if !content.Exists() {
		return Event{}, false
	}

	return Event{
		Type:   EventLog,
		TaskID: taskID,
		Record: task.LogRecord{
			Timestamp: ts.Int(),
			Channel:   channel,
			Content:   content.String(),
		},
	}, true
}
