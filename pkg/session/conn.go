package session

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the session needs. A
// *websocket.Conn satisfies it directly; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a connection to the relay.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with the default gorilla dialer.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", url, err)
		}
		return conn, nil
	}
}
