package e2e

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/canvaslink/relay/pkg/protocol"
)

// WSClient connects to a relay WebSocket endpoint and collects every frame it
// receives in a background goroutine.
type WSClient struct {
	t      *testing.T
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	frames    []protocol.Frame
	closeCode websocket.StatusCode
	done      bool
	doneCh    chan struct{}
}

// WSConnect dials wsURL with the v1 subprotocol and starts the collector.
func WSConnect(t *testing.T, wsURL string) *WSClient {
	t.Helper()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		t:      t,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	t.Cleanup(c.Close)

	go c.readLoop()
	return c
}

func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.closeCode = websocket.CloseStatus(err)
			c.done = true
			c.mu.Unlock()
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		c.mu.Lock()
		c.frames = append(c.frames, f)
		c.mu.Unlock()
	}
}

// Send writes one frame.
func (c *WSClient) Send(f protocol.Frame) {
	c.t.Helper()
	data, err := json.Marshal(f)
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, data))
}

// Frames returns a snapshot of everything received so far.
func (c *WSClient) Frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// WaitFor polls until a collected frame matches the predicate, or returns nil
// on timeout.
func (c *WSClient) WaitFor(predicate func(protocol.Frame) bool, timeout time.Duration) *protocol.Frame {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	seen := 0
	for {
		select {
		case <-deadline:
			return nil
		case <-tick.C:
			c.mu.Lock()
			for ; seen < len(c.frames); seen++ {
				if predicate(c.frames[seen]) {
					f := c.frames[seen]
					c.mu.Unlock()
					return &f
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits until a frame of the given type has been collected.
// Frames are not consumed: a second call matches the same frame again.
func (c *WSClient) WaitForType(frameType string, timeout time.Duration) *protocol.Frame {
	return c.WaitFor(func(f protocol.Frame) bool { return f.Type == frameType }, timeout)
}

// WaitForEvt waits for an evt frame with the given evt name.
func (c *WSClient) WaitForEvt(evt string, timeout time.Duration) *protocol.Frame {
	return c.WaitFor(func(f protocol.Frame) bool {
		return f.Type == protocol.TypeEvt && f.Evt == evt
	}, timeout)
}

// WaitForClose blocks until the connection closes and returns the close code.
func (c *WSClient) WaitForClose(timeout time.Duration) (websocket.StatusCode, bool) {
	select {
	case <-c.doneCh:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closeCode, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Close tears the connection down. Idempotent.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	select {
	case <-c.doneCh:
	case <-time.After(time.Second):
	}
}
