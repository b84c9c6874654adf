package sync

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parley-chat/parley-api/internal/dto"
)

// WebsocketTransport is the production Transport: a single duplex
// connection to the delivery channel. Writes are serialized; the pump
// feeds inbound frames to one or more engines.
type WebsocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial opens the delivery-channel connection. The header typically
// carries the bearer token.
func Dial(ctx context.Context, url string, header http.Header) (*WebsocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial delivery channel: %w", err)
	}
	return &WebsocketTransport{conn: conn}, nil
}

// Emit writes one frame. Safe for concurrent use.
func (t *WebsocketTransport) Emit(envelope dto.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(envelope)
}

// Pump reads frames until the connection closes, dispatching each to
// the engine. Run it in its own goroutine; the returned error is the
// read failure that ended the loop.
func (t *WebsocketTransport) Pump(engine *Engine) error {
	for {
		var envelope dto.Envelope
		if err := t.conn.ReadJSON(&envelope); err != nil {
			return err
		}
		engine.HandleEvent(envelope)
	}
}

// Close tears the connection down.
func (t *WebsocketTransport) Close() error {
	return t.conn.Close()
}
