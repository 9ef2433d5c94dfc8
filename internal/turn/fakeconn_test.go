package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// fakeFrame is one queued inbound frame for fakeConn.
type fakeFrame struct {
	kind frameKind
	data []byte
}

// fakeConn is a scripted conn test double: it replays a fixed sequence of
// inbound frames and records every outbound frame for assertion, standing in
// for a real *websocket.Conn in orchestrator/pipeline tests.
type fakeConn struct {
	mu      sync.Mutex
	inbound []fakeFrame

	sentText   [][]byte
	sentBinary [][]byte

	closed      bool
	closeCode   int
	closeReason string
}

func newFakeConn(frames ...fakeFrame) *fakeConn {
	return &fakeConn{inbound: frames}
}

func textFrame(v any) fakeFrame {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return fakeFrame{kind: frameText, data: data}
}

func binaryFrame(n int) fakeFrame {
	return fakeFrame{kind: frameBinary, data: make([]byte, n)}
}

func (c *fakeConn) read(ctx context.Context) (frameKind, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return 0, nil, io.EOF
	}
	f := c.inbound[0]
	c.inbound = c.inbound[1:]
	return f.kind, f.data, nil
}

func (c *fakeConn) writeText(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentText = append(c.sentText, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) writeBinary(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentBinary = append(c.sentBinary, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: already closed")
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// textTypes returns the "type" field of every recorded text frame, in order.
func (c *fakeConn) textTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, data := range c.sentText {
		var env envelope
		if json.Unmarshal(data, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func (c *fakeConn) countType(t string) int {
	n := 0
	for _, got := range c.textTypes() {
		if got == t {
			n++
		}
	}
	return n
}

var _ conn = (*fakeConn)(nil)
