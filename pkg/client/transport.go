package client

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// Transport carries whole protocol messages over one connection. Reads
// block until a message arrives or the connection fails; after any error
// the transport is dead and a new one must be dialed.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports to a server.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// WebSocketDialer dials the server over a websocket, the transport the
// relay actually speaks.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the websocket handshake. Zero means 10s.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each message write. Zero means 5s.
	WriteTimeout time.Duration
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake == 0 {
		handshake = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshake}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(protocol.MaxMessageSize)

	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// The protocol is binary only; ignore stray text frames.
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
