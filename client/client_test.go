package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbridge/message"
	"hostbridge/protocol"
)

// fakeHost is a minimal protocol-speaking host for client tests: it answers
// framed commands via a pluggable reply function and the raw "ping" probe
// with a framed id-less pong.
type fakeHost struct {
	t        *testing.T
	listener net.Listener
	reply    func(cmd *message.Command) *message.Response

	mu    sync.Mutex
	conns []net.Conn
}

func newFakeHost(t *testing.T, reply func(cmd *message.Command) *message.Response) *fakeHost {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := &fakeHost{t: t, listener: listener, reply: reply}
	go h.acceptLoop()
	t.Cleanup(h.close)
	return h
}

func (h *fakeHost) addr() string { return h.listener.Addr().String() }

func (h *fakeHost) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		go h.serve(conn)
	}
}

func (h *fakeHost) serve(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	write := func(resp *message.Response) {
		payload, err := resp.Encode()
		if err != nil {
			return
		}
		writeMu.Lock()
		protocol.WriteFrame(conn, payload)
		writeMu.Unlock()
	}

	decoder := protocol.NewDecoder(0)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if decoder.Buffered() == 0 && protocol.IsPingProbe(chunk) {
				write(message.NewSuccess("", map[string]any{
					"message":   "pong",
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				}))
				continue
			}
			frames, ferr := decoder.Feed(chunk)
			for _, frame := range frames {
				cmd, perr := message.ParseCommand(frame)
				if perr != nil {
					continue
				}
				if resp := h.reply(cmd); resp != nil {
					// Replies may land out of order; correlation is by id.
					go write(resp)
				}
			}
			if ferr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dropConnections severs every live session without stopping the listener.
func (h *fakeHost) dropConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, conn := range h.conns {
		conn.Close()
	}
	h.conns = nil
}

func (h *fakeHost) close() {
	h.listener.Close()
	h.dropConnections()
}

func echoHost(t *testing.T) *fakeHost {
	return newFakeHost(t, func(cmd *message.Command) *message.Response {
		return message.NewSuccess(cmd.ID, map[string]any{
			"type":   cmd.Type,
			"params": json.RawMessage(cmd.Parameters),
		})
	})
}

func TestCallSuccess(t *testing.T) {
	host := echoHost(t)
	c := New(host.addr(), nil)
	defer c.Close()

	resp, err := c.Call(context.Background(), "list_assets", map[string]string{"dir": "/tmp"})
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())

	var result struct {
		Type   string            `json:"type"`
		Params map[string]string `json:"params"`
	}
	require.NoError(t, resp.DecodeResult(&result))
	assert.Equal(t, "list_assets", result.Type)
	assert.Equal(t, "/tmp", result.Params["dir"])
}

func TestStateTransitions(t *testing.T) {
	host := echoHost(t)
	c := New(host.addr(), nil)
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	// Connect is a no-op when already connected.
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())

	_, err := c.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// M concurrent callers on one connection get M responses, each correlated
// to its own call — no cross-delivery, regardless of reply order.
func TestConcurrentCallers(t *testing.T) {
	host := echoHost(t)
	c := New(host.addr(), nil)
	defer c.Close()

	const m = 50
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := c.Call(context.Background(), "echo", map[string]int{"n": n})
			if err != nil {
				t.Errorf("call %d: %v", n, err)
				return
			}
			var result struct {
				Params struct {
					N int `json:"n"`
				} `json:"params"`
			}
			if err := resp.DecodeResult(&result); err != nil {
				t.Errorf("call %d: decode: %v", n, err)
				return
			}
			if result.Params.N != n {
				t.Errorf("cross-delivery: call %d got %d", n, result.Params.N)
			}
		}(i)
	}
	wg.Wait()
}

func TestCallTimeout(t *testing.T) {
	// Host that never replies.
	host := newFakeHost(t, func(*message.Command) *message.Response { return nil })
	c := New(host.addr(), &Options{CallTimeout: 100 * time.Millisecond})
	defer c.Close()

	_, err := c.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrTimeout)

	// The pending entry was removed on timeout.
	c.pendingMu.Lock()
	remaining := len(c.pending)
	c.pendingMu.Unlock()
	assert.Zero(t, remaining)
}

// A connection drop with calls outstanding rejects them all promptly with
// ErrConnectionLost — not individually by timeout.
func TestConnectionLostFailsAllPending(t *testing.T) {
	host := newFakeHost(t, func(cmd *message.Command) *message.Response {
		if cmd.Type == "hang" {
			return nil
		}
		return message.NewSuccess(cmd.ID, nil)
	})
	c := New(host.addr(), &Options{CallTimeout: 10 * time.Second})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Call(context.Background(), "hang", nil)
			errs <- err
		}()
	}
	// Let both calls register and write.
	time.Sleep(100 * time.Millisecond)
	host.dropConnections()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrConnectionLost)
		case <-time.After(2 * time.Second):
			t.Fatal("pending call not rejected promptly after connection loss")
		}
	}
}

func TestConnectionUnavailable(t *testing.T) {
	// Grab a port and close it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := New(addr, &Options{
		ReconnectAttempts: 2,
		ReconnectBackoff:  10 * time.Millisecond,
		DialTimeout:       200 * time.Millisecond,
	})
	defer c.Close()

	_, err = c.Call(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.Equal(t, StateError, c.State())
}

// While a reconnect is sleeping between attempts, State must answer
// immediately and Close must cut the wait short instead of letting the
// caller ride out the full backoff window.
func TestCloseInterruptsReconnectBackoff(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := New(addr, &Options{
		ReconnectAttempts: 5,
		ReconnectBackoff:  5 * time.Second,
		DialTimeout:       100 * time.Millisecond,
	})

	errs := make(chan error, 1)
	go func() {
		_, callErr := c.Call(context.Background(), "ping", nil)
		errs <- callErr
	}()

	// Let the first dial fail and the backoff sleep begin.
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	_ = c.State()
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"State must not block behind the backoff sleep")

	require.NoError(t, c.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not interrupt the reconnect backoff")
	}
}

func TestAutoReconnect(t *testing.T) {
	host := echoHost(t)
	c := New(host.addr(), &Options{ReconnectBackoff: 10 * time.Millisecond})
	defer c.Close()

	_, err := c.Call(context.Background(), "first", nil)
	require.NoError(t, err)

	host.dropConnections()
	// Wait for the client to notice the drop.
	require.Eventually(t, func() bool {
		return c.State() != StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := c.Call(context.Background(), "second", nil)
	require.NoError(t, err, "Call must transparently reconnect")
	assert.True(t, resp.IsSuccess())
}

func TestPingProbe(t *testing.T) {
	host := echoHost(t)
	c := New(host.addr(), nil)
	defer c.Close()

	resp, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resp.ID)

	var result struct {
		Message string `json:"message"`
	}
	require.NoError(t, resp.DecodeResult(&result))
	assert.Equal(t, "pong", result.Message)
}
