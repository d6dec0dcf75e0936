// Package protocol implements the WebSocket session protocol spoken with
// the interview orchestrator: joining a session, submitting recognized
// utterances, interrupting playback, and receiving voice responses and
// status broadcasts as typed events.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ConnState describes the client's connection lifecycle.
type ConnState int

const (
	// StateDisconnected means no socket is open.
	StateDisconnected ConnState = iota

	// StateConnecting means a dial is in flight.
	StateConnecting

	// StateConnected means the session join has been sent on an open socket.
	StateConnected
)

// String returns a readable state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotConnected is returned by send operations when no session is joined.
var ErrNotConnected = errors.New("protocol: not connected")

// DefaultAttemptSpacing is the minimum interval between connection attempts.
const DefaultAttemptSpacing = 4 * time.Second

// Session identifies the interview session being joined and carries the
// optional context the orchestrator uses to steer the conversation.
type Session struct {
	ID          string
	UserID      string
	JobPosition string
	Background  string
}

// Option configures a [Client].
type Option func(*Client)

// WithAttemptSpacing overrides the minimum interval between dials.
func WithAttemptSpacing(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.spacing = d
		}
	}
}

// WithDialer replaces the WebSocket dial function, for tests.
func WithDialer(dial func(ctx context.Context, url string) (*websocket.Conn, error)) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// Client is a duplex session protocol client. It owns a single socket at a
// time; reconnection policy (how many attempts, when to give up) belongs to
// the caller.
type Client struct {
	url     string
	log     *slog.Logger
	spacing time.Duration
	dial    func(ctx context.Context, url string) (*websocket.Conn, error)

	events chan Event

	mu          sync.Mutex
	state       ConnState
	session     Session
	conn        *websocket.Conn
	lastAttempt time.Time
	readCancel  context.CancelFunc
}

// New creates a client for the given endpoint URL.
func New(url string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		url:     url,
		log:     log,
		spacing: DefaultAttemptSpacing,
		events:  make(chan Event, 16),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, url, nil)
			return conn, err
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events returns the inbound event stream. The channel stays open for the
// client's lifetime; a KindDisconnected event marks each socket teardown.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the orchestrator and joins the given session. It reports
// whether a new connection attempt was actually started: an attempt while a
// dial is already in flight, while the same session is already connected,
// or sooner than the attempt spacing allows is a no-op returning false.
func (c *Client) Connect(ctx context.Context, sess Session) (bool, error) {
	c.mu.Lock()
	switch {
	case c.state == StateConnecting:
		c.mu.Unlock()
		c.log.Debug("connect skipped, dial in flight", "session_id", sess.ID)
		return false, nil
	case c.state == StateConnected && c.session.ID == sess.ID:
		c.mu.Unlock()
		c.log.Debug("connect skipped, already joined", "session_id", sess.ID)
		return false, nil
	case time.Since(c.lastAttempt) < c.spacing:
		c.mu.Unlock()
		c.log.Debug("connect skipped, attempt too soon", "session_id", sess.ID)
		return false, nil
	}
	if c.conn != nil {
		c.teardownLocked(websocket.StatusNormalClosure, "rejoining")
	}
	c.state = StateConnecting
	c.lastAttempt = time.Now()
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return true, fmt.Errorf("protocol: dial %s: %w", c.url, err)
	}

	join := envelope{Event: eventJoinSession}
	join.Data, err = json.Marshal(joinPayload{
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		JobPosition: sess.JobPosition,
		Background:  sess.Background,
	})
	if err == nil {
		err = writeJSON(ctx, conn, join)
	}
	if err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return true, fmt.Errorf("protocol: join session %s: %w", sess.ID, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.state = StateConnected
	c.session = sess
	c.conn = conn
	c.readCancel = cancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)

	c.log.Info("session joined", "session_id", sess.ID, "url", c.url)
	return true, nil
}

// SubmitText sends one recognized user utterance to the orchestrator.
func (c *Client) SubmitText(ctx context.Context, text string) error {
	c.mu.Lock()
	conn, sess := c.conn, c.session
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(textPayload{
		Text:        text,
		SessionID:   sess.ID,
		UserID:      sess.UserID,
		JobPosition: sess.JobPosition,
		Background:  sess.Background,
	})
	if err != nil {
		return fmt.Errorf("protocol: encode text message: %w", err)
	}
	if err := writeJSON(ctx, conn, envelope{Event: eventTextMessage, Data: data}); err != nil {
		return fmt.Errorf("protocol: submit text: %w", err)
	}
	return nil
}

// Interrupt tells the orchestrator to abandon the in-flight response.
func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if err := writeJSON(ctx, conn, envelope{Event: eventInterrupt}); err != nil {
		return fmt.Errorf("protocol: interrupt: %w", err)
	}
	return nil
}

// Close tears down the socket, if any. The events channel stays open so
// a pending KindDisconnected event can still be drained.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.state = StateDisconnected
		return nil
	}
	c.teardownLocked(websocket.StatusNormalClosure, "closing")
	return nil
}

// teardownLocked closes the current socket and stops its read loop.
// Callers must hold c.mu.
func (c *Client) teardownLocked(code websocket.StatusCode, reason string) {
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	if c.conn != nil {
		c.conn.Close(code, reason)
		c.conn = nil
	}
	c.state = StateDisconnected
}

// readLoop pumps inbound messages into the events channel until the socket
// dies or the loop context is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	var cause string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				cause = err.Error()
			}
			break
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("discarding malformed frame", "error", err)
			continue
		}
		switch env.Event {
		case eventVoiceResponse:
			var v VoiceResponse
			if err := json.Unmarshal(env.Data, &v); err != nil {
				c.log.Warn("discarding malformed voice_response", "error", err)
				continue
			}
			c.emit(Event{Kind: KindVoiceResponse, Voice: v})
		case eventStatus:
			var s Status
			if err := json.Unmarshal(env.Data, &s); err != nil {
				c.log.Warn("discarding malformed status", "error", err)
				continue
			}
			c.emit(Event{Kind: KindStatus, Status: s})
		case eventError:
			var e errorPayload
			if err := json.Unmarshal(env.Data, &e); err != nil {
				c.log.Warn("discarding malformed error event", "error", err)
				continue
			}
			c.emit(Event{Kind: KindError, Err: e.Message})
		default:
			c.log.Debug("ignoring unknown event", "event", env.Event)
		}
	}

	c.mu.Lock()
	if c.conn == conn {
		c.teardownLocked(websocket.StatusNormalClosure, "read loop done")
	}
	c.mu.Unlock()

	c.emit(Event{Kind: KindDisconnected, Err: cause})
	if cause != "" {
		c.log.Warn("connection lost", "error", cause)
	}
}

// emit delivers an event without blocking the read loop; a full channel
// drops the oldest pending event first.
func (c *Client) emit(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
			select {
			case <-c.events:
			default:
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
