package userdata

import (
	"context"

	"github.com/wijnen/userdata/internal/rpc"
)

// link is the transport surface the broker borrows from an RPC connection.
// The connection outlives every link holder.
type link interface {
	Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error)
	Post(method string, args []any, kwargs map[string]any, reply rpc.ReplyFunc) error
	Close() error
	SetName(name string)
	Name() string
}

// Access is a handle on one channel of a shared RPC transport. Every
// outbound request gets the channel id inserted at position 0 of its
// argument list, so the peer can tell its tenants apart.
//
// The zero Access is invalid. A handle may be moved between owners but not
// used concurrently; the transport underneath is shared freely.
type Access struct {
	conn    link
	channel int
}

func newAccess(conn link, channel int) *Access {
	return &Access{conn: conn, channel: channel}
}

// Valid reports whether the handle is bound to a transport.
func (a *Access) Valid() bool { return a != nil && a.conn != nil }

// Channel returns the channel id this handle stamps on its requests.
func (a *Access) Channel() int { return a.channel }

// Call transmits a request on this channel and blocks until the peer
// replies. The argument vector is copied before the channel id is
// prepended; the caller may reuse it immediately.
func (a *Access) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	return a.conn.Call(ctx, method, a.prepend(args), kwargs)
}

// Post transmits a request on this channel without waiting. A non-nil
// reply is invoked on an RPC worker goroutine when the peer answers.
func (a *Access) Post(method string, args []any, kwargs map[string]any, reply func(result any, err error)) error {
	return a.conn.Post(method, a.prepend(args), kwargs, reply)
}

func (a *Access) prepend(args []any) []any {
	realargs := make([]any, 0, len(args)+1)
	realargs = append(realargs, a.channel)
	return append(realargs, args...)
}
