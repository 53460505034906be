// Package rpc implements the symmetric JSON-RPC-over-websocket transport the
// userdata system runs on. Either peer may issue requests; inbound requests
// are handled concurrently, so replies are sent in completion order, which
// need not be request order, and are matched to their calls by id. Many
// logical tenants share one
// connection, distinguished by a channel id that callers prepend to the
// argument list.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrClosed, possibly wrapped, is returned by calls issued on (or
// interrupted by) a connection that was closed or whose read loop ended. A
// connection torn down by a failed write reports that write error instead.
var ErrClosed = errors.New("rpc: connection closed")

// RemoteError is a failure reported by the peer in reply to a call.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// ReplyFunc receives the result of a backgrounded call. Exactly one of
// result and err is meaningful.
type ReplyFunc func(result any, err error)

// HandlerFunc dispatches one inbound request. The returned value is sent
// back for call frames and discarded for event frames.
type HandlerFunc func(method string, args []any, kwargs map[string]any) (any, error)

// Conn is one end of an RPC websocket. Handlers and lifecycle callbacks
// must be installed before Serve starts reading.
type Conn struct {
	ws  *websocket.Conn
	log *logrus.Logger

	handler  HandlerFunc
	closedFn func()
	errorFn  func(error)

	mu       sync.Mutex
	name     string
	nextID   uint64
	pending  map[uint64]ReplyFunc
	closed   bool
	closeErr error
}

func newConn(ws *websocket.Conn, log *logrus.Logger) *Conn {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Conn{
		ws:      ws,
		log:     log,
		pending: make(map[uint64]ReplyFunc),
	}
}

// SetName attaches a human-readable name used in log lines.
func (c *Conn) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Name returns the name set with SetName.
func (c *Conn) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// OnRequest installs the dispatcher for inbound call and event frames.
func (c *Conn) OnRequest(h HandlerFunc) { c.handler = h }

// OnClosed installs a callback invoked exactly once when the connection
// dies, after every pending call has been failed.
func (c *Conn) OnClosed(f func()) { c.closedFn = f }

// OnError installs a callback for connection-level error frames (errors the
// peer could not attribute to a specific call).
func (c *Conn) OnError(f func(error)) { c.errorFn = f }

// Call transmits a request and blocks until the peer replies, the context
// is cancelled, or the connection dies.
func (c *Conn) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)

	id, err := c.send(&frame{kind: frameCall, method: method, args: args, kwargs: kwargs}, func(result any, err error) {
		ch <- outcome{result, err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Post transmits a request without waiting. A nil reply sends an event
// frame; a non-nil reply sends a call frame and invokes reply on a worker
// goroutine when the peer answers.
func (c *Conn) Post(method string, args []any, kwargs map[string]any, reply ReplyFunc) error {
	kind := frameEvent
	if reply != nil {
		kind = frameCall
	}
	_, err := c.send(&frame{kind: kind, method: method, args: args, kwargs: kwargs}, reply)
	return err
}

// send assigns an id for call frames, registers the reply, and writes the
// frame. It returns the assigned id (zero for events).
func (c *Conn) send(f *frame, reply ReplyFunc) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, c.closeErr
	}
	if f.kind == frameCall {
		c.nextID++
		f.id = c.nextID
		f.hasID = true
		if reply != nil {
			c.pending[f.id] = reply
		}
	}
	err := c.writeLocked(f)
	c.mu.Unlock()
	if err != nil {
		c.teardown(fmt.Errorf("rpc: write failed: %w", err))
		return 0, err
	}
	return f.id, nil
}

func (c *Conn) writeLocked(f *frame) error {
	data, err := f.encode()
	if err != nil {
		return err
	}
	if c.log.IsLevelEnabled(logrus.TraceLevel) {
		c.log.Tracef("rpc %s send: %s", c.name, spew.Sdump(f))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Serve reads frames until the connection dies, then fails all pending
// calls and fires the closed callback. It is the only reader.
func (c *Conn) Serve() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.log.WithField("conn", c.Name()).Warnf("dropping bad frame: %v", err)
			continue
		}
		if c.log.IsLevelEnabled(logrus.TraceLevel) {
			c.log.Tracef("rpc %s recv: %s", c.Name(), spew.Sdump(f))
		}

		switch f.kind {
		case frameCall, frameEvent:
			// Handlers run on their own goroutine so they may issue
			// calls on this same connection while the loop keeps
			// delivering replies.
			go c.dispatch(f)
		case frameReturn:
			c.resolve(f.id, f.value, nil)
		case frameError:
			if f.hasID {
				c.resolve(f.id, nil, &RemoteError{Message: f.errMsg})
			} else if c.errorFn != nil {
				c.errorFn(&RemoteError{Message: f.errMsg})
			} else {
				c.log.WithField("conn", c.Name()).Warnf("peer error: %s", f.errMsg)
			}
		}
	}
}

// Start launches Serve on its own goroutine. Used for dialed connections;
// accepted connections are served by their HTTP handler goroutine.
func (c *Conn) Start() {
	go c.Serve()
}

func (c *Conn) dispatch(f *frame) {
	handler := c.handler
	var result any
	var err error
	if handler == nil {
		err = fmt.Errorf("undefined function")
	} else {
		result, err = handler(f.method, f.args, f.kwargs)
	}

	if !f.hasID {
		if err != nil {
			c.log.WithField("conn", c.Name()).Warnf("event %s failed: %v", f.method, err)
		}
		return
	}

	var out *frame
	if err != nil {
		out = &frame{kind: frameError, id: f.id, hasID: true, errMsg: err.Error()}
	} else {
		out = &frame{kind: frameReturn, id: f.id, hasID: true, value: result}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	werr := c.writeLocked(out)
	c.mu.Unlock()
	if werr != nil {
		c.teardown(fmt.Errorf("rpc: write failed: %w", werr))
	}
}

func (c *Conn) resolve(id uint64, result any, err error) {
	c.mu.Lock()
	reply, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithField("conn", c.Name()).Warnf("reply for unknown call %d", id)
		return
	}
	// Reply handlers may block on further calls; keep them off the read loop.
	go reply(result, err)
}

// Close tears the connection down. Pending calls fail with ErrClosed and
// the closed callback fires.
func (c *Conn) Close() error {
	c.teardown(ErrClosed)
	return nil
}

func (c *Conn) teardown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	stalled := c.pending
	c.pending = make(map[uint64]ReplyFunc)
	c.mu.Unlock()

	_ = c.ws.Close()

	for _, reply := range stalled {
		go reply(nil, reason)
	}
	if c.closedFn != nil {
		c.closedFn()
	}
}
