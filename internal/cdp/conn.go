package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by calls made after the connection went away
var ErrClosed = errors.New("inspection channel closed")

// Caller issues a single protocol command and decodes its result
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// Event is a protocol notification. Seq numbers events in the order they
// arrived on the connection, starting at 1; zero means unnumbered.
type Event struct {
	Method string
	Params json.RawMessage
	Seq    uint64
}

// Sequencer reports the Seq of the last event received. Every event sent by
// the browser before it answered a command has a Seq at or below the value
// read after that command returned.
type Sequencer interface {
	Received() uint64
}

// EventSource hands out bounded per-method event channels
type EventSource interface {
	Subscribe(method string, buffer int) <-chan Event
}

// ProtocolError is an error object returned by the browser
type ProtocolError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// Conn is a websocket connection to one DevTools target
type Conn struct {
	ws     *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *message

	subsMu sync.RWMutex
	subs   map[string][]chan Event

	seq     atomic.Uint64
	dropped atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a target's webSocketDebuggerUrl
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	// Screenshots and response bodies can be large
	ws.SetReadLimit(64 * 1024 * 1024)

	c := &Conn{
		ws:      ws,
		pending: make(map[int64]chan *message),
		subs:    make(map[string][]chan Event),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	return c, nil
}

// Call sends a command and waits for the matching response or ctx expiry
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	id := c.nextID.Add(1)

	req := message{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal %s params: %w", method, err)
		}
		req.Params = raw
	}

	ch := make(chan *message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(&req); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Subscribe returns a channel receiving every event with the given method.
// Events are dropped when the subscriber falls more than buffer events behind.
func (c *Conn) Subscribe(method string, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	select {
	case <-c.closed:
		close(ch)
		return ch
	default:
	}
	c.subs[method] = append(c.subs[method], ch)

	return ch
}

// Received implements Sequencer
func (c *Conn) Received() uint64 {
	return c.seq.Load()
}

// Dropped counts events lost to full subscriber buffers
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed when the connection terminates
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Close shuts the websocket and closes every subscription channel
func (c *Conn) Close() error {
	err := c.ws.Close()
	c.shutdown()
	return err
}

func (c *Conn) write(msg *message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.ws.WriteJSON(msg)
}

func (c *Conn) readLoop() {
	defer c.shutdown()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️ Inspection channel read error: %v", err)
			}
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️ Dropping malformed protocol message: %v", err)
			continue
		}

		if msg.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		c.dispatch(Event{Method: msg.Method, Params: msg.Params, Seq: c.seq.Add(1)})
	}
}

func (c *Conn) dispatch(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	for _, ch := range c.subs[ev.Method] {
		select {
		case ch <- ev:
		default:
			c.dropped.Add(1)
			log.Printf("⚠️ Event buffer full for %s, dropping event", ev.Method)
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.subsMu.Lock()
		for method, chans := range c.subs {
			for _, ch := range chans {
				close(ch)
			}
			delete(c.subs, method)
		}
		c.subsMu.Unlock()
	})
}
