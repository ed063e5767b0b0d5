package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warrenhq/warren/pkg/log"
)

// controlPath is the websocket endpoint inside the workload container.
const controlPath = "/ws"

// ErrConnectionClosed rejects requests whose socket dropped before the
// response arrived.
var ErrConnectionClosed = errors.New("control: connection closed")

// HandshakeError means the control channel rejected or timed out the
// handshake. Callers mark the instance errored; there is no automatic
// retry.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("control: handshake failed: %v", e.Err)
	}
	return fmt.Sprintf("control: handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RequestError is a response envelope with ok=false.
type RequestError struct {
	Method  string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("control: %s rejected: %s", e.Method, e.Message)
}

// State is the client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventHandler receives the payload of one event envelope.
type EventHandler func(payload json.RawMessage)

// Config holds the connection parameters for one control session.
type Config struct {
	Addr       string // host:port of the instance control channel
	Token      string
	ClientName string
	Role       string
	Scopes     []string

	// GreetingWait bounds how long Connect waits for the server's own
	// greeting before sending the handshake.
	GreetingWait time.Duration
	// HandshakeTimeout bounds the handshake round trip.
	HandshakeTimeout time.Duration
}

// Client is one JSON session over one websocket. It owns its socket: a
// single read loop, a single writer goroutine, and a single event
// dispatcher. Events run off the read loop so a handler may itself issue
// requests without starving the responses it waits on.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	state  atomic.Int32
	nextID atomic.Int64

	mu         sync.Mutex
	pending    map[int64]chan Envelope
	handlers   map[string]map[int64]EventHandler
	nextSub    int64
	sessionKey string

	writeCh   chan Envelope
	greeted   chan struct{}
	greetOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once

	// eventQueue preserves server event order; eventKick wakes the
	// dispatcher. The queue is unbounded so the read loop never blocks
	// behind a slow handler.
	eventMu    sync.Mutex
	eventQueue []Envelope
	eventKick  chan struct{}

	chatTimeout time.Duration
}

// NewClient creates a disconnected client.
func NewClient(cfg Config) *Client {
	if cfg.GreetingWait <= 0 {
		cfg.GreetingWait = 300 * time.Millisecond
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "warren"
	}
	if cfg.Role == "" {
		cfg.Role = "operator"
	}
	return &Client{
		cfg:         cfg,
		pending:     make(map[int64]chan Envelope),
		handlers:    make(map[string]map[int64]EventHandler),
		writeCh:     make(chan Envelope, 16),
		eventKick:   make(chan struct{}, 1),
		greeted:     make(chan struct{}),
		done:        make(chan struct{}),
		chatTimeout: chatTimeout,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Done is closed once the session ends, whether by Close or by the socket
// dropping.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SessionKey returns the key resolved by the handshake.
func (c *Client) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// Connect dials the control channel, gives the server its greeting
// opportunity, and performs the handshake. It returns once the handshake
// response has been processed.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errors.New("control: client already connected")
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     c.cfg.Addr,
		Path:     controlPath,
		RawQuery: "token=" + url.QueryEscape(c.cfg.Token),
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("failed to dial control channel at %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn

	go c.readLoop()
	go c.writeLoop()
	go c.eventLoop()

	// Let the server speak first, up to the greeting deadline.
	select {
	case <-c.greeted:
	case <-time.After(c.cfg.GreetingWait):
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	}

	if err := c.sendHandshake(ctx); err != nil {
		c.shutdown()
		return err
	}

	c.state.Store(int32(StateConnected))
	return nil
}

func (c *Client) sendHandshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	payload, err := c.Request(hctx, MethodHandshake, HandshakeParams{
		MinVersion: ProtocolVersionMin,
		MaxVersion: ProtocolVersionMax,
		Client:     c.cfg.ClientName,
		Role:       c.cfg.Role,
		Scopes:     c.cfg.Scopes,
		Token:      c.cfg.Token,
	})
	if err != nil {
		return &HandshakeError{Err: err}
	}

	var res HandshakeResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return &HandshakeError{Reason: "malformed handshake payload", Err: err}
	}
	if res.SessionKey == "" {
		return &HandshakeError{Reason: "handshake payload carried no session key"}
	}

	c.mu.Lock()
	c.sessionKey = res.SessionKey
	c.mu.Unlock()
	return nil
}

// Request sends one request envelope and waits for the matching response.
// If the socket closes first the request fails with ErrConnectionClosed.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		raw = data
	}

	id := c.nextID.Add(1)
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	env := Envelope{Type: TypeRequest, ID: id, Method: method, Params: raw}
	select {
	case c.writeCh <- env:
	case <-c.done:
		c.dropPending(id)
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		if !res.OK {
			return nil, &RequestError{Method: method, Message: res.Error}
		}
		return res.Payload, nil
	case <-c.done:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	}
}

// On registers a handler for server-pushed events with the given name and
// returns its unsubscribe func.
func (c *Client) On(event string, fn EventHandler) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	m := c.handlers[event]
	if m == nil {
		m = make(map[int64]EventHandler)
		c.handlers[event] = m
	}
	m[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if m := c.handlers[event]; m != nil {
			delete(m, id)
		}
		c.mu.Unlock()
	}
}

// Close ends the session. All pending requests reject with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Lock()
		c.pending = make(map[int64]chan Envelope)
		c.mu.Unlock()
	})
}

func (c *Client) writeLoop() {
	for {
		select {
		case env := <-c.writeCh:
			if err := c.conn.WriteJSON(env); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.shutdown()
			return
		}
		c.greetOnce.Do(func() { close(c.greeted) })

		switch env.Type {
		case TypeResponse:
			c.mu.Lock()
			ch := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- env
			}
		case TypeEvent:
			c.enqueueEvent(env)
		}
	}
}

func (c *Client) enqueueEvent(env Envelope) {
	c.eventMu.Lock()
	c.eventQueue = append(c.eventQueue, env)
	c.eventMu.Unlock()
	select {
	case c.eventKick <- struct{}{}:
	default:
	}
}

// eventLoop dispatches queued events in arrival order, off the read loop.
func (c *Client) eventLoop() {
	for {
		select {
		case <-c.eventKick:
		case <-c.done:
			return
		}
		for {
			c.eventMu.Lock()
			if len(c.eventQueue) == 0 {
				c.eventMu.Unlock()
				break
			}
			env := c.eventQueue[0]
			c.eventQueue = c.eventQueue[1:]
			c.eventMu.Unlock()
			c.dispatchEvent(env)
		}
	}
}

func (c *Client) dispatchEvent(env Envelope) {
	if env.Event == EventReauth {
		// The server wants credentials again; do not wait out the
		// greeting deadline.
		go func() {
			if err := c.sendHandshake(context.Background()); err != nil {
				log.Warn("re-authentication handshake failed", "addr", c.cfg.Addr, "error", err)
			}
		}()
	}

	c.mu.Lock()
	var fns []EventHandler
	for _, fn := range c.handlers[env.Event] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(env.Payload)
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
