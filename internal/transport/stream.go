package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"metamcp/internal/logging"
	"metamcp/internal/types"
)

const (
	streamDialTimeout = 10 * time.Second
	streamPingTimeout = 5 * time.Second
)

// StreamTransport keeps one long-lived websocket to the server. Frames are
// JSON-RPC envelopes; a reader goroutine correlates responses by id, and an
// application-level ping keeps the channel warm.
type StreamTransport struct {
	mu sync.Mutex

	name         string
	url          string
	pingInterval time.Duration

	conn      *websocket.Conn
	connected bool

	pendingReqs map[int]chan *rpcResponse
	nextID      int

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewStreamTransport builds a transport for the given websocket URL. A
// pingInterval of zero disables the keep-alive loop.
func NewStreamTransport(name, url string, pingInterval time.Duration) *StreamTransport {
	return &StreamTransport{
		name:         name,
		url:          url,
		pingInterval: pingInterval,
		pendingReqs:  make(map[int]chan *rpcResponse),
		nextID:       1,
	}
}

// Connect dials the socket and starts the reader and ping loops.
func (t *StreamTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	dctx, cancel := context.WithTimeout(ctx, streamDialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dctx, t.url, nil)
	if err != nil {
		return types.WrapError(types.ErrTransport, fmt.Sprintf("dial %s failed", t.url), err)
	}

	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})

	t.wg.Add(1)
	go t.readLoop(conn)
	if t.pingInterval > 0 {
		t.wg.Add(1)
		go t.pingLoop(t.done)
	}

	logging.Transport("server %s: stream connected to %s", t.name, t.url)
	return nil
}

// readLoop demultiplexes frames to waiting callers until the socket dies.
func (t *StreamTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasConnected := t.connected
			t.connected = false
			pending := t.pendingReqs
			t.pendingReqs = make(map[int]chan *rpcResponse)
			t.mu.Unlock()

			for _, ch := range pending {
				close(ch)
			}
			if wasConnected {
				logging.TransportWarn("server %s: stream read failed: %v", t.name, err)
			}
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logging.TransportWarn("server %s: unparseable frame: %v", t.name, err)
			continue
		}
		if resp.ID == 0 {
			logging.TransportDebug("server %s: notification: %s", t.name, string(data))
			continue
		}

		t.mu.Lock()
		ch, ok := t.pendingReqs[resp.ID]
		if ok {
			delete(t.pendingReqs, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// pingLoop sends an application-level ping at the configured interval.
func (t *StreamTransport) pingLoop(done chan struct{}) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), streamPingTimeout)
			if _, err := t.Call(ctx, "ping", nil); err != nil {
				logging.TransportWarn("server %s: keep-alive ping failed: %v", t.name, err)
			}
			cancel()
		}
	}
}

// Call writes one frame and waits for the matching reply. Writes are
// serialized; readers run concurrently.
func (t *StreamTransport) Call(ctx context.Context, method string, args map[string]any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrTransport, "server %s stream is down", t.name)
	}
	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pendingReqs[id] = ch
	conn := t.conn
	t.mu.Unlock()

	data, err := json.Marshal(newRequest(id, method, args))
	if err != nil {
		t.forget(id)
		return nil, types.WrapError(types.ErrInternal, "failed to marshal request", err)
	}

	t.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.forget(id)
		return nil, types.WrapError(types.ErrTransport, fmt.Sprintf("write to server %s failed", t.name), err)
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, types.Errorf(types.ErrTransport, "server %s closed the stream", t.name)
		}
		if resp.Error != nil {
			return nil, types.Errorf(types.ErrTool, "server %s: %s (code %d)", t.name, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(id)
		return nil, types.WrapError(types.ErrTimeout, fmt.Sprintf("call %s on server %s", method, t.name), ctx.Err())
	}
}

func (t *StreamTransport) forget(id int) {
	t.mu.Lock()
	delete(t.pendingReqs, id)
	t.mu.Unlock()
}

// HealthCheck is a ping with a timed response.
func (t *StreamTransport) HealthCheck(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, streamPingTimeout)
	defer cancel()
	_, err := t.Call(hctx, "ping", nil)
	return err
}

// Close shuts the socket and stops the loops.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	if !t.connected && t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		logging.TransportWarn("server %s: stream goroutines slow to exit", t.name)
	}

	logging.Transport("server %s: stream closed", t.name)
	return nil
}

func (t *StreamTransport) Kind() Kind { return KindStream }

var _ Transport = (*StreamTransport)(nil)
