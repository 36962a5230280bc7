package syncrelay

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// syncConn wraps one client's WebSocket connection with a write mutex:
// coder/websocket permits only one concurrent writer, but a docEntry
// broadcasts to a connection from whichever goroutine handled the
// triggering frame, so every write must be serialized here.
type syncConn struct {
	ws       *websocket.Conn
	clientID uint64

	writeMu sync.Mutex
}

func (c *syncConn) write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageBinary, frame)
}
