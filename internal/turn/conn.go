package turn

import (
	"context"

	"github.com/coder/websocket"
)

// frameKind distinguishes the two WebSocket frame kinds the turn pipeline
// cares about: text (JSON control messages) and binary (raw PCM audio).
type frameKind int

const (
	frameText frameKind = iota
	frameBinary
)

// conn is the subset of *websocket.Conn the orchestrator depends on,
// narrowed to an interface so tests can drive the pipeline without a real
// socket.
type conn interface {
	// read blocks until a frame arrives, ctx is cancelled, or the socket
	// closes.
	read(ctx context.Context) (frameKind, []byte, error)

	// writeText sends a single JSON control frame.
	writeText(ctx context.Context, data []byte) error

	// writeBinary sends a single binary frame (synthesized audio).
	writeBinary(ctx context.Context, data []byte) error

	// close closes the socket with the given status code and reason.
	close(code int, reason string) error
}

// wsConn adapts *websocket.Conn to the conn interface.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c}
}

// NewConn adapts an accepted *websocket.Conn into the value Deps.Conn expects.
// Callers outside this package have no other way to populate that field since
// conn's methods are unexported.
func NewConn(c *websocket.Conn) conn {
	return newWSConn(c)
}

func (w *wsConn) read(ctx context.Context) (frameKind, []byte, error) {
	typ, data, err := w.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return frameBinary, data, nil
	}
	return frameText, data, nil
}

func (w *wsConn) writeText(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) writeBinary(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, data)
}

func (w *wsConn) close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// WebSocket close codes used by the turn pipeline, per §6 and §7 of the
// governing specification.
const (
	CloseNormal      = 1000
	CloseUnhandled   = 1011
	CloseAuthInvalid = 4001
)
