// Package client implements the bridge client: a connection state machine
// that multiplexes many concurrent callers over a single TCP connection.
//
// Each call gets a unique id, and a background goroutine (recvLoop)
// continuously reads framed responses and routes them to the correct caller
// via its pending entry:
//
//	goroutine-1 ──Call(id=a)──┐
//	goroutine-2 ──Call(id=b)──┼──→ single TCP conn ──→ host
//	goroutine-3 ──Call(id=c)──┘
//
//	recvLoop:  ←── response(id=b) → pending[b] → goroutine-2 wakes up
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"hostbridge/message"
	"hostbridge/protocol"
)

// Typed client-local failures. Callers always see one of these, a Response,
// or a context error — never silence.
var (
	// ErrTimeout fires when a call's deadline elapses before its response.
	ErrTimeout = errors.New("client: call timed out")
	// ErrConnectionLost fires for every call outstanding when the socket
	// drops; the command may still execute host-side.
	ErrConnectionLost = errors.New("client: connection lost")
	// ErrConnectionUnavailable fires when automatic reconnection exhausts its
	// attempts; the command was never sent.
	ErrConnectionUnavailable = errors.New("client: connection unavailable")
	// ErrClosed fires on use after Close.
	ErrClosed = errors.New("client: closed")
)

// State is the connection state machine's current state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune timeouts and reconnection. Zero values select defaults.
type Options struct {
	DialTimeout       time.Duration // bound on one connect attempt (default 2s)
	CallTimeout       time.Duration // default per-call deadline (default 10s)
	ReconnectAttempts int           // connect attempts before ErrConnectionUnavailable (default 3)
	ReconnectBackoff  time.Duration // base backoff, doubles per attempt (default 100ms)
	MaxBackoff        time.Duration // backoff cap (default 2s)
	MaxFrameSize      int           // inbound frame limit (default protocol.DefaultMaxFrameSize)
	Logger            *slog.Logger
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 2 * time.Second
	}
	if out.CallTimeout <= 0 {
		out.CallTimeout = 10 * time.Second
	}
	if out.ReconnectAttempts <= 0 {
		out.ReconnectAttempts = 3
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = 100 * time.Millisecond
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 2 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// callResult is what a pending call's continuation receives: exactly one of
// resp or err, exactly once.
type callResult struct {
	resp *message.Response
	err  error
}

// pendingCall lives from send until its response arrives, its deadline
// elapses, or the connection drops — whichever is first.
type pendingCall struct {
	id        string
	createdAt time.Time
	done      chan callResult // buffered(1): recvLoop never blocks on delivery
}

// Client multiplexes concurrent calls over one TCP connection to the host,
// reconnecting transparently with capped exponential backoff.
//
// Concurrency: any number of goroutines may call Call. The write mutex is
// the only serialization around the socket — waiting for a reply never
// blocks other callers' writes. The pending table has its own mutex.
type Client struct {
	addr   string
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex // guards conn, state, closed
	conn    net.Conn
	state   State
	closed  bool
	closing chan struct{} // closed by Close; interrupts reconnect backoff

	sending sync.Mutex // socket write lock — frames must never interleave

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	pingMu sync.Mutex          // one probe in flight at a time (pongs carry no id)
	pong   chan *message.Response
}

// New creates a client for the host at addr. No connection is opened until
// Connect or the first Call.
func New(addr string, opts *Options) *Client {
	o := opts.withDefaults()
	return &Client{
		addr:    addr,
		opts:    o,
		logger:  o.Logger,
		state:   StateDisconnected,
		closing: make(chan struct{}),
		pending: make(map[string]*pendingCall),
		pong:    make(chan *message.Response, 1),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the socket with a bounded timeout. No-op when already
// connected. On failure the state machine moves to Error and the caller
// receives a typed connection failure.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.state == StateConnected {
		return nil
	}
	c.state = StateConnecting
	c.logger.Debug("connecting", slog.String("addr", c.addr))

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.state = StateError
		return fmt.Errorf("%w: dial %s: %v", ErrConnectionUnavailable, c.addr, err)
	}
	c.conn = conn
	c.state = StateConnected
	go c.recvLoop(conn)
	c.logger.Info("connected", slog.String("addr", c.addr))
	return nil
}

// ensureConnected transparently reconnects before a send, with a bounded
// number of attempts and capped exponential backoff. On total failure the
// pending command was never sent, so there is no risk of silently
// re-executing a non-idempotent command.
//
// The mutex is held only around each connect attempt, never across a
// backoff sleep: State, Close, and the recvLoop's teardown stay responsive
// while a reconnect is in progress, and Close interrupts the wait.
func (c *Client) ensureConnected(ctx context.Context) error {
	backoff := c.opts.ReconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		lastErr = c.connectLocked(ctx)
		c.mu.Unlock()
		if lastErr == nil {
			return nil
		}
		c.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max", c.opts.ReconnectAttempts),
			slog.String("error", lastErr.Error()))
		if attempt == c.opts.ReconnectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-c.closing:
			return ErrClosed
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrConnectionUnavailable, ctx.Err())
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
	return fmt.Errorf("%w: %d attempts exhausted: %v",
		ErrConnectionUnavailable, c.opts.ReconnectAttempts, lastErr)
}

// Call sends one command and suspends the calling goroutine (nobody else)
// until its response, the deadline, or a connection loss. params may be any
// JSON-marshalable value or nil.
func (c *Client) Call(ctx context.Context, cmdType string, params any) (*message.Response, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("client: marshal parameters: %w", err)
		}
	}

	cmd := message.Command{
		ID:         uuid.NewString(),
		Type:       cmdType,
		Parameters: rawParams,
	}
	payload, err := json.Marshal(&cmd)
	if err != nil {
		return nil, fmt.Errorf("client: marshal command: %w", err)
	}

	// Register the pending entry BEFORE writing, so a fast response can
	// never race past its continuation.
	call := &pendingCall{
		id:        cmd.ID,
		createdAt: time.Now(),
		done:      make(chan callResult, 1),
	}
	c.pendingMu.Lock()
	c.pending[cmd.ID] = call
	c.pendingMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		// Dropped between ensureConnected and the write.
		c.removePending(cmd.ID)
		return nil, ErrConnectionLost
	}

	c.sending.Lock()
	err = protocol.WriteFrame(conn, payload)
	c.sending.Unlock()
	if err != nil {
		c.removePending(cmd.ID)
		c.dropConnection(conn, err)
		return nil, fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	select {
	case result := <-call.done:
		if result.err != nil {
			return nil, result.err
		}
		return result.resp, nil
	case <-ctx.Done():
		c.removePending(cmd.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, cmd.Type, time.Since(call.createdAt))
		}
		return nil, ctx.Err()
	}
}

// Ping sends the bare legacy probe bytes (no framing) and waits for the
// framed id-less pong. Probes are serialized; pongs carry no correlation id.
func (c *Client) Ping(ctx context.Context) (*message.Response, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.pingMu.Lock()
	defer c.pingMu.Unlock()

	// Flush any stale pong left by an abandoned probe.
	select {
	case <-c.pong:
	default:
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionLost
	}

	c.sending.Lock()
	_, err := conn.Write([]byte("ping"))
	c.sending.Unlock()
	if err != nil {
		c.dropConnection(conn, err)
		return nil, fmt.Errorf("%w: write probe: %v", ErrConnectionLost, err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	select {
	case resp := <-c.pong:
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: ping probe", ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Close tears the connection down and fails every outstanding call.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.failAllPending(ErrClosed)
	return nil
}

// recvLoop runs one per live connection, continuously reading framed
// responses and routing each to its caller by id. Responses can arrive in
// any order; correlation makes write-order irrelevant. A read failure or EOF
// promptly fails ALL pending calls rather than letting them hang until their
// individual deadlines.
func (c *Client) recvLoop(conn net.Conn) {
	decoder := protocol.NewDecoder(c.opts.MaxFrameSize)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := decoder.Feed(buf[:n])
			for _, frame := range frames {
				c.deliver(frame)
			}
			if ferr != nil {
				c.dropConnection(conn, ferr)
				return
			}
		}
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
	}
}

// deliver routes one decoded response payload. Replies with no id are
// unsolicited probe replies and go to the pong channel.
func (c *Client) deliver(frame []byte) {
	resp, err := message.ParseResponse(frame)
	if err != nil {
		c.logger.Warn("discarding unparseable response", slog.String("error", err.Error()))
		return
	}
	if resp.ID == "" {
		select {
		case c.pong <- resp:
		default: // nobody waiting on a probe
		}
		return
	}
	c.pendingMu.Lock()
	call, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.pendingMu.Unlock()
	if !ok {
		// Abandoned call (timed out before the reply landed). Dropped.
		c.logger.Debug("response for unknown id", slog.String("id", resp.ID))
		return
	}
	call.done <- callResult{resp: resp}
}

// dropConnection tears down a broken connection exactly once and fails all
// pending calls with ErrConnectionLost. Reconnection happens lazily on the
// next Call.
func (c *Client) dropConnection(conn net.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if !c.closed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Close()
	c.logger.Warn("connection lost", slog.String("error", cause.Error()))
	c.failAllPending(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failAllPending(err error) {
	c.pendingMu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.pendingMu.Unlock()
	for _, call := range calls {
		call.done <- callResult{err: err}
	}
}
