// Package federation implements aggregator mode: a single inbound session
// fanned out across multiple independently-owned memory servers, with
// merged and deduplicated results.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coltonmb/memgate/internal/protocol"
	"github.com/coltonmb/memgate/internal/session"
)

// UpstreamClient is a JSON-RPC client session to one upstream memory
// server over WebSocket. The connection is opened lazily, reused across
// calls, and re-dialed after a failure.
type UpstreamClient struct {
	name string
	url  string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan *protocol.Response
	nextID  atomic.Int64

	healthy   atomic.Bool
	latencyMs atomic.Int64
}

// NewUpstreamClient creates a client for the named upstream.
func NewUpstreamClient(name, url string) *UpstreamClient {
	return &UpstreamClient{
		name:    name,
		url:     url,
		pending: make(map[int64]chan *protocol.Response),
	}
}

// Name returns the configured upstream name.
func (c *UpstreamClient) Name() string { return c.name }

// Healthy reports the last observed reachability.
func (c *UpstreamClient) Healthy() bool { return c.healthy.Load() }

// LatencyMs reports the last observed call latency.
func (c *UpstreamClient) LatencyMs() int64 { return c.latencyMs.Load() }

// Call issues one JSON-RPC request and waits for its response or ctx
// expiry. Reachability and latency are refreshed on every call.
func (c *UpstreamClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.call(ctx, method, params)
	if err != nil {
		c.healthy.Store(false)
		return nil, err
	}
	c.healthy.Store(true)
	c.latencyMs.Store(time.Since(start).Milliseconds())
	return raw, nil
}

func (c *UpstreamClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	respCh := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("federation: encode params: %w", err)
		}
	}
	frame, err := json.Marshal(protocol.Request{
		JSONRPC: protocol.Version,
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("federation: encode request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.dropConn(conn)
		return nil, fmt.Errorf("federation: write to %s: %w", c.name, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-respCh:
		if !ok || resp == nil {
			return nil, fmt.Errorf("federation: connection to %s lost", c.name)
		}
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Result, nil
	}
}

// ensureConn dials the upstream if needed and performs the initialize
// handshake on a fresh connection.
func (c *UpstreamClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("federation: dial %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost the race to another caller; use theirs.
		existing := c.conn
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate")
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if _, err := c.call(ctx, "initialize", session.InitializeParams{
		ProtocolVersion: session.ProtocolVersion,
		ClientInfo:      session.ClientInfo{Name: "memgate-aggregator", Version: "1"},
	}); err != nil {
		c.dropConn(conn)
		return nil, fmt.Errorf("federation: initialize %s: %w", c.name, err)
	}
	return conn, nil
}

// readLoop routes responses to pending calls until the connection dies.
func (c *UpstreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.dropConn(conn)
			return
		}
		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil || len(resp.ID) == 0 {
			// Notification or junk; upstream events are not forwarded.
			continue
		}
		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			continue
		}
		// Claim the entry under the lock so dropConn can no longer close
		// this channel; the send is then safe and never blocks (cap 1).
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}
}

// dropConn closes and clears the connection and fails all pending calls.
// Only channels still in the pending map are closed; a channel already
// claimed by readLoop is owned by the sender.
func (c *UpstreamClient) dropConn(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.healthy.Store(false)
	slog.Debug("upstream connection dropped", "upstream", c.name)
}

// Close tears the connection down.
func (c *UpstreamClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.dropConn(conn)
	}
}
