package devserver

import (
	"bytes"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// SafeConn wraps a websocket connection with automatic write
// synchronization. Request handlers and broadcast senders write to the
// same connection from different goroutines; gorilla/websocket does not
// allow concurrent writers.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a websocket connection with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// SendResponse encodes and sends a response as one binary message. This
// is the only way to write to the connection; the raw conn is private.
func (sc *SafeConn) SendResponse(resp protocol.Response) error {
	var buf bytes.Buffer
	if err := protocol.EncodeResponse(&buf, resp); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

// ReadRequest reads and decodes one request from the connection. Reads
// don't need write synchronization.
func (sc *SafeConn) ReadRequest() (protocol.Request, error) {
	_, data, err := sc.conn.ReadMessage()
	if err != nil {
		return protocol.Request{}, err
	}
	return protocol.DecodeRequest(bytes.NewReader(data))
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}
