package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/companionchat/relay/registry"
)

const writeTimeout = 10 * time.Second

// wsTransport adapts a websocket connection to registry.Conn. Both pumps
// write through it; the mutex serializes frames on the wire.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ registry.Conn = (*wsTransport)(nil)

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Write(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.conn.Write(wctx, websocket.MessageText, payload)
}
