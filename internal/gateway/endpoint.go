package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/matst80/termbridge/internal/proto"
)

// Close codes sent to the browser client.
const (
	StatusSuperseded    websocket.StatusCode = 4001
	StatusInvalidID     websocket.StatusCode = 4400
	StatusRateLimited   websocket.StatusCode = 4429
	StatusInternal      websocket.StatusCode = 4500
	StatusPoolExhausted websocket.StatusCode = 4503
)

// wsEndpoint adapts a websocket connection to session.Endpoint.
type wsEndpoint struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	// ctx parents every write; Close cancels it.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newEndpoint(conn *websocket.Conn, writeTimeout time.Duration) *wsEndpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsEndpoint{conn: conn, writeTimeout: writeTimeout, ctx: ctx, cancel: cancel}
}

func (e *wsEndpoint) Send(m proto.Message) error {
	b, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	typ := websocket.MessageText
	if m.Binary() {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.writeTimeout)
	defer cancel()
	if err := e.conn.Write(ctx, typ, b); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

// Close fails any write in flight at once and starts the close handshake in the
// background; the session never waits on the browser. A connection whose write was
// aborted is torn down by the websocket library instead of getting the close code.
func (e *wsEndpoint) Close(reason string) error {
	code := websocket.StatusGoingAway
	if reason == "superseded" {
		code = StatusSuperseded
	}
	e.closeOnce.Do(func() {
		e.cancel()
		go e.conn.Close(code, reason)
	})
	return nil
}
