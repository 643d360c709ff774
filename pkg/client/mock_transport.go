package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// MockTransport is an in-memory Transport for tests. The test plays the
// server: it reads client requests with NextRequest and injects
// responses with Push.
type MockTransport struct {
	incoming  chan []byte
	outgoing  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

var errTransportClosed = errors.New("transport closed")

func NewMockTransport() *MockTransport {
	return &MockTransport{
		incoming: make(chan []byte, 64),
		outgoing: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (t *MockTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case <-t.closed:
		return nil, errTransportClosed
	}
}

func (t *MockTransport) WriteMessage(data []byte) error {
	select {
	case t.outgoing <- data:
		return nil
	case <-t.closed:
		return errTransportClosed
	}
}

func (t *MockTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Push delivers a response to the client as if the server sent it.
func (t *MockTransport) Push(resp protocol.Response) error {
	var buf bytes.Buffer
	if err := protocol.EncodeResponse(&buf, resp); err != nil {
		return err
	}
	select {
	case t.incoming <- buf.Bytes():
		return nil
	case <-t.closed:
		return errTransportClosed
	}
}

// NextRequest returns the next request the client sent, waiting up to
// timeout.
func (t *MockTransport) NextRequest(timeout time.Duration) (protocol.Request, error) {
	select {
	case data := <-t.outgoing:
		return protocol.DecodeRequest(bytes.NewReader(data))
	case <-t.closed:
		return protocol.Request{}, errTransportClosed
	case <-time.After(timeout):
		return protocol.Request{}, errors.New("timed out waiting for request")
	}
}

// MockDialer hands out transports from a queue, one per connection
// attempt.
type MockDialer struct {
	mu         sync.Mutex
	transports []*MockTransport
	dials      int
}

func NewMockDialer(transports ...*MockTransport) *MockDialer {
	return &MockDialer{transports: transports}
}

// Add queues another transport for a future dial.
func (d *MockDialer) Add(t *MockTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports = append(d.transports, t)
}

// Dials reports how many connection attempts were made.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *MockDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.transports) == 0 {
		return nil, errors.New("no transport available")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	return t, nil
}
