// Package server implements the host side of the bridge: a TCP listener,
// one session per connection, and a Dispatcher that serializes all handler
// execution onto a single drain worker.
//
// Request processing pipeline:
//
//	Accept conn → session.readLoop (single goroutine reads and decodes frames)
//	  → shared FIFO queue (all sessions interleaved in enqueue order)
//	    → drain worker (the ONLY handler executor)
//	      → middleware chain → registry handler → framed response on the
//	        originating session's socket
//
// Because every handler invocation happens on the drain worker, two commands
// never execute concurrently — even from two different sessions. This is how
// the host's single-thread execution constraint is respected without the
// Dispatcher knowing why that constraint exists.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"hostbridge/message"
	"hostbridge/middleware"
	"hostbridge/registry"
)

// Options tune the Dispatcher. Zero values select defaults.
type Options struct {
	MaxFrameSize  int // inbound frame limit (default protocol.DefaultMaxFrameSize)
	QueueCapacity int // shared command queue depth (default 256)
	Logger        *slog.Logger
	Metrics       *Metrics // nil disables prometheus instrumentation
}

// queuedCommand tags a parsed command with the session that must receive its
// response.
type queuedCommand struct {
	cmd  *message.Command
	sess *session
}

// Dispatcher accepts connections, queues their commands, and executes them
// strictly serialized on one drain worker. All state is per-instance — no
// globals — so tests can run many isolated dispatchers in one process.
type Dispatcher struct {
	registry *registry.Registry
	opts     Options
	logger   *slog.Logger
	metrics  *Metrics

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // chain built once at Start

	listener net.Listener
	queue    chan queuedCommand
	quit     chan struct{}

	mu       sync.Mutex
	sessions map[*session]struct{}

	wg       sync.WaitGroup // accept loop + drain worker + sessions
	shutdown atomic.Bool
	started  atomic.Bool

	startedAt time.Time
	executed  atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher creates a dispatcher over the given handler registry.
// The registry is frozen at Start.
func NewDispatcher(reg *registry.Registry, opts *Options) *Dispatcher {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		opts:     o,
		logger:   o.Logger,
		metrics:  o.Metrics,
		queue:    make(chan queuedCommand, o.QueueCapacity),
		quit:     make(chan struct{}),
		sessions: make(map[*session]struct{}),
	}
}

// Use appends a middleware. Middlewares run in registration order around
// every handler invocation. Must be called before Start.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.middlewares = append(d.middlewares, mw)
}

// Start freezes the registry, binds the listener, and launches the accept
// loop and the single drain worker. addr is host:port; port 0 picks a free
// port (see Addr). Reconfiguring the port requires Stop and a fresh Start.
func (d *Dispatcher) Start(addr string) error {
	if d.started.Swap(true) {
		return fmt.Errorf("server: dispatcher already started")
	}
	d.registry.Freeze()
	d.handler = middleware.Chain(d.middlewares...)(d.dispatch)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		d.started.Store(false)
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	d.listener = listener
	d.startedAt = time.Now()
	d.logger.Info("dispatcher listening", slog.String("addr", listener.Addr().String()))

	d.wg.Add(2)
	go d.acceptLoop()
	go d.drainLoop()
	return nil
}

// Addr returns the bound listener address, or empty before Start.
func (d *Dispatcher) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// acceptLoop runs one session goroutine per accepted connection.
func (d *Dispatcher) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			// listener.Close during Stop surfaces here; anything else is a
			// real accept failure.
			if !d.shutdown.Load() {
				d.logger.Error("accept failed", slog.String("error", err.Error()))
			}
			return
		}
		sess := newSession(d, conn)
		d.mu.Lock()
		d.sessions[sess] = struct{}{}
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.ActiveSessions.Inc()
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			sess.readLoop()
			d.removeSession(sess)
		}()
	}
}

func (d *Dispatcher) removeSession(sess *session) {
	d.mu.Lock()
	_, present := d.sessions[sess]
	delete(d.sessions, sess)
	d.mu.Unlock()
	if present && d.metrics != nil {
		d.metrics.ActiveSessions.Dec()
	}
}

// enqueue pushes a parsed command onto the shared FIFO queue. During
// shutdown the command is dropped; its session is going away with it.
func (d *Dispatcher) enqueue(cmd *message.Command, sess *session) {
	if d.metrics != nil {
		d.metrics.QueueDepth.Inc()
	}
	select {
	case d.queue <- queuedCommand{cmd: cmd, sess: sess}:
	case <-d.quit:
		if d.metrics != nil {
			d.metrics.QueueDepth.Dec()
		}
	}
}

// drainLoop is the single concurrent executor for all commands. Within one
// session arrival order is preserved; across sessions commands interleave in
// enqueue order. Nothing here suspends — a slow handler stalls every
// session, which is the accepted cost of the host's single-thread model.
func (d *Dispatcher) drainLoop() {
	defer d.wg.Done()
	for {
		select {
		case qc := <-d.queue:
			d.executeOne(qc)
		case <-d.quit:
			// Execute what is already queued, then exit.
			for {
				select {
				case qc := <-d.queue:
					d.executeOne(qc)
				default:
					return
				}
			}
		}
	}
}

// executeOne runs one command through the middleware chain and writes the
// response on the originating session. This is the single point where
// handler failures are caught: a misbehaving handler must never take down
// the drain worker.
func (d *Dispatcher) executeOne(qc queuedCommand) {
	if d.metrics != nil {
		d.metrics.QueueDepth.Dec()
	}
	resp := d.safeInvoke(qc.cmd)

	d.executed.Add(1)
	if !resp.IsSuccess() {
		d.failed.Add(1)
	}
	if d.metrics != nil {
		d.metrics.ObserveCommand(qc.cmd.Type, resp)
	}

	// Write failure means the session died after queueing this command.
	// The response is dropped, not retried.
	if err := qc.sess.writeResponse(resp); err != nil {
		d.logger.Debug("response dropped",
			slog.String("id", resp.ID),
			slog.String("error", err.Error()))
	}
}

// safeInvoke converts panics anywhere in the chain into INTERNAL_ERROR
// responses carrying the panic message and a stack trace.
func (d *Dispatcher) safeInvoke(cmd *message.Command) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				slog.String("type", cmd.Type),
				slog.Any("panic", r))
			resp = message.NewError(cmd.ID, message.CodeInternalError,
				fmt.Sprintf("handler panic: %v", r),
				map[string]any{"stack": string(debug.Stack())})
		}
	}()
	return d.handler(context.Background(), cmd)
}

// dispatch is the innermost HandlerFunc: registry lookup plus invocation.
func (d *Dispatcher) dispatch(ctx context.Context, cmd *message.Command) *message.Response {
	h, ok := d.registry.Get(cmd.Type)
	if !ok {
		return message.NewError(cmd.ID, message.CodeUnknownCommand,
			fmt.Sprintf("Unknown command type: %s", cmd.Type),
			map[string]any{"type": cmd.Type})
	}
	result, err := h.Handle(ctx, cmd.Parameters)
	if err != nil {
		return message.NewError(cmd.ID, message.CodeInternalError, err.Error(), nil)
	}
	return message.NewSuccess(cmd.ID, result)
}

// Stats is a point-in-time snapshot for diagnostics (the status command).
type Stats struct {
	StartedAt time.Time
	Executed  uint64
	Failed    uint64
	Sessions  int
	QueueLen  int
}

// Stats returns current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	sessions := len(d.sessions)
	d.mu.Unlock()
	return Stats{
		StartedAt: d.startedAt,
		Executed:  d.executed.Load(),
		Failed:    d.failed.Load(),
		Sessions:  sessions,
		QueueLen:  len(d.queue),
	}
}

// Stop shuts the dispatcher down:
//  1. set the shutdown flag BEFORE closing the listener, so the accept loop
//     recognizes the close as intentional
//  2. close the listener (no new sessions) and every live session
//  3. signal the drain worker, which finishes already-queued commands
//  4. wait for everything with a bound
func (d *Dispatcher) Stop(timeout time.Duration) error {
	if !d.started.Load() || d.listener == nil || d.shutdown.Swap(true) {
		return nil
	}
	d.listener.Close()

	d.mu.Lock()
	open := make([]*session, 0, len(d.sessions))
	for sess := range d.sessions {
		open = append(open, sess)
	}
	d.mu.Unlock()
	for _, sess := range open {
		sess.close()
	}

	close(d.quit)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("server: timeout waiting for sessions to drain")
	}
}
