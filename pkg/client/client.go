// Package client implements the chat client runtime: one supervised
// connection to the relay, request/response correlation, push handling,
// channel state, and the end-to-end encryption around all of it.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

// ConnectionState describes where the client is in its connection and
// authentication lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateNotAuthenticated
	StateRetrievingChallenge
	StateWaitingForVerification
	StateVerifying
	StateAuthenticating
	StateFailedAuthentication
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNotAuthenticated:
		return "not authenticated"
	case StateRetrievingChallenge:
		return "retrieving challenge"
	case StateWaitingForVerification:
		return "waiting for verification"
	case StateVerifying:
		return "verifying"
	case StateAuthenticating:
		return "authenticating"
	case StateFailedAuthentication:
		return "failed authentication"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	defaultBackoff       = 3 * time.Second
	defaultProbeInterval = time.Second
	defaultEventBuffer   = 256
	sendQueueSize        = 64
	pushQueueSize        = 64
)

// Options configures a Client. URL, Self, KeyPair, and Store are
// required.
type Options struct {
	// URL is the websocket endpoint of the relay.
	URL string

	// Self reports the local character identity. It is called whenever
	// the client needs to know who it is, so it may change between
	// calls.
	Self func() Identity

	// KeyPair is the persistent identity key. The client takes
	// ownership and zeroes it on Close.
	KeyPair *crypto.KeyPair

	// Store persists credentials and channel secrets.
	Store Store

	// Dialer defaults to a WebSocketDialer.
	Dialer Dialer

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// AllowInvites is the initial invite preference sent during
	// authentication.
	AllowInvites bool

	// Backoff is the delay between reconnect attempts. Zero means 3s.
	Backoff time.Duration

	// ProbeInterval is the liveness ping cadence after connecting.
	// Zero means 1s.
	ProbeInterval time.Duration

	// EventBuffer sizes the event channel. Zero means 256.
	EventBuffer int
}

// Client maintains one connection to the relay and exposes every chat
// operation over it. Create with New, drive with Run, consume Events.
type Client struct {
	url           string
	self          func() Identity
	keys          *crypto.KeyPair
	store         Store
	dialer        Dialer
	log           *zap.Logger
	backoff       time.Duration
	probeInterval time.Duration

	events   chan Event
	corr     *correlator
	channels *ChannelState

	mu           sync.Mutex
	state        ConnectionState
	sendq        chan []byte
	transport    Transport
	allowInvites bool
	closed       bool
}

// New validates options and builds a Client. It does not connect; call
// Run for that.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.Self == nil {
		return nil, errors.New("client: Self is required")
	}
	if opts.KeyPair == nil {
		return nil, errors.New("client: KeyPair is required")
	}
	if opts.Store == nil {
		return nil, errors.New("client: Store is required")
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	backoff := opts.Backoff
	if backoff == 0 {
		backoff = defaultBackoff
	}
	probe := opts.ProbeInterval
	if probe == 0 {
		probe = defaultProbeInterval
	}
	buffer := opts.EventBuffer
	if buffer == 0 {
		buffer = defaultEventBuffer
	}

	return &Client{
		url:           opts.URL,
		self:          opts.Self,
		keys:          opts.KeyPair,
		store:         opts.Store,
		dialer:        dialer,
		log:           log,
		backoff:       backoff,
		probeInterval: probe,
		events:        make(chan Event, buffer),
		corr:          newCorrelator(),
		channels:      NewChannelState(),
		allowInvites:  opts.AllowInvites,
	}, nil
}

// Events returns the channel carrying everything the application should
// surface. Slow consumers lose events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channels exposes the in-memory channel state. All accessors return
// copies, so the returned value is safe to use from any goroutine.
func (c *Client) Channels() *ChannelState {
	return c.channels
}

// Self returns the current local identity.
func (c *Client) Self() Identity {
	return c.self()
}

// Run connects and keeps the connection alive until ctx is cancelled or
// Close is called, reconnecting with a fixed backoff. Each reconnect
// starts a fresh epoch: request numbering restarts and every pending
// request fails with ErrConnectionReset.
func (c *Client) Run(ctx context.Context) error {
	first := true
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}

		if !first {
			reconnects.Inc()
		}
		first = false

		err := c.runEpoch(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", c.backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

// Close shuts the client down: the transport closes, the identity key
// is zeroed, and the store is released. The client is unusable after.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	transport := c.transport
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}
	c.corr.reset()
	c.keys.Close()
	return c.store.Close()
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()
	if prev == state {
		return
	}
	connectionState.Set(float64(state))
	c.publish(StateEvent{State: state, Err: err})
}

// runEpoch runs one connection from dial to failure. Epoch reset
// happens at the head: fresh numbering, fresh send queue, no waiters.
func (c *Client) runEpoch(ctx context.Context) error {
	// State from a dead connection is not authoritative; the listing
	// after authentication rebuilds it.
	c.channels.Reset()
	c.setState(StateConnecting, nil)

	transport, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.setState(StateDisconnected, err)
		return err
	}

	c.corr.reset()
	sendq := make(chan []byte, sendQueueSize)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		transport.Close()
		return ErrClosed
	}
	c.sendq = sendq
	c.transport = transport
	c.mu.Unlock()

	epochCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	up := make(chan struct{}, 1)

	pushq := make(chan func(), pushQueueSize)
	go c.pushLoop(pushq)
	go c.writeLoop(epochCtx, transport, sendq, errs)
	go c.readLoop(transport, up, pushq, errs)
	go c.establishSession(epochCtx, up)

	select {
	case err = <-errs:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	transport.Close()

	c.mu.Lock()
	c.sendq = nil
	c.transport = nil
	c.mu.Unlock()
	c.corr.reset()
	c.setState(StateDisconnected, err)
	return err
}

// establishSession probes until the server answers, reports the
// protocol version, then authenticates if a credential is stored.
func (c *Client) establishSession(ctx context.Context, up <-chan struct{}) {
	probe, err := encodeRequest(protocol.Request{
		Number: protocol.LivenessProbeNumber,
		Kind:   protocol.PingRequest{},
	})
	if err != nil {
		c.log.Error("failed to encode probe", zap.Error(err))
		return
	}

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()
	c.enqueueRaw(probe)
probing:
	for {
		select {
		case <-ctx.Done():
			return
		case <-up:
			break probing
		case <-ticker.C:
			c.enqueueRaw(probe)
		}
	}

	if _, err := c.call(ctx, protocol.VersionRequest{Version: protocol.Version}); err != nil {
		c.log.Warn("version exchange failed", zap.Error(err))
		return
	}

	credential, err := c.store.Credential()
	if err != nil {
		c.log.Error("failed to load credential", zap.Error(err))
		return
	}
	if credential == "" {
		c.setState(StateNotAuthenticated, nil)
		return
	}
	if err := c.authenticate(ctx, credential); err != nil && ctx.Err() == nil {
		c.log.Warn("authentication failed", zap.Error(err))
	}
}

func (c *Client) authenticate(ctx context.Context, credential string) error {
	c.setState(StateAuthenticating, nil)

	c.mu.Lock()
	allowInvites := c.allowInvites
	c.mu.Unlock()

	resp, err := c.call(ctx, protocol.AuthenticateRequest{
		Key:          credential,
		PublicKey:    c.keys.Public(),
		AllowInvites: allowInvites,
	})
	if err != nil {
		c.setState(StateFailedAuthentication, err)
		return err
	}
	auth, ok := resp.Kind.(protocol.AuthenticateResponse)
	if !ok {
		c.setState(StateFailedAuthentication, ErrUnexpectedResponse)
		return fmt.Errorf("%w: %T to authenticate", ErrUnexpectedResponse, resp.Kind)
	}
	if auth.Error != "" {
		err := &ServerError{Message: auth.Error}
		c.setState(StateFailedAuthentication, err)
		return err
	}

	c.setState(StateConnected, nil)

	// Refresh the full channel listing; the response arrives as a
	// push-style list and is applied by the handler.
	return c.sendAsync(protocol.ListRequest{Kind: protocol.ListKind{Variant: "all"}})
}

func (c *Client) writeLoop(ctx context.Context, transport Transport, sendq <-chan []byte, errs chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-sendq:
			if err := transport.WriteMessage(data); err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
		}
	}
}

func (c *Client) readLoop(transport Transport, up chan<- struct{}, pushq chan<- func(), errs chan<- error) {
	defer close(pushq)
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		resp, err := protocol.DecodeResponse(bytes.NewReader(data))
		if err != nil {
			c.log.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		c.dispatch(resp, up, pushq)
	}
}

// pushLoop runs push handlers in arrival order, off the receive
// goroutine so a slow handler cannot stall reads or correlation.
func (c *Client) pushLoop(pushq <-chan func()) {
	for fn := range pushq {
		fn()
	}
}

// dispatch routes one incoming message. Chat traffic is handed to the
// push loop regardless of its number; lifecycle pushes only at the
// push number; everything else resolves the matching waiter.
func (c *Client) dispatch(resp protocol.Response, up chan<- struct{}, pushq chan<- func()) {
	switch kind := resp.Kind.(type) {
	case protocol.PingResponse:
		if resp.Number == protocol.LivenessProbeNumber {
			select {
			case up <- struct{}{}:
			default:
			}
			return
		}
		c.corr.resolve(resp)
	case protocol.MessageResponse:
		pushq <- func() { c.handleMessage(kind) }
	case protocol.InvitedResponse:
		pushq <- func() { c.handleInvited(kind) }
	case protocol.ListResponse:
		pushq <- func() { c.handleList(kind) }
	case protocol.MemberChangeResponse:
		pushq <- func() { c.handleMemberChange(kind) }
	case protocol.SecretsResponse:
		pushq <- func() { c.handleSecrets(kind) }
	case protocol.DisbandResponse:
		if resp.IsPush() {
			pushq <- func() { c.handleDisband(kind) }
			return
		}
		c.corr.resolve(resp)
	case protocol.UpdatedResponse:
		if resp.IsPush() {
			pushq <- func() { c.handleUpdated(kind) }
			return
		}
		c.corr.resolve(resp)
	case protocol.SendSecretsResponse:
		if resp.IsPush() {
			pushq <- func() { c.handleSendSecrets(kind) }
			return
		}
		c.corr.resolve(resp)
	case protocol.AnnounceResponse:
		if resp.IsPush() {
			pushq <- func() { c.publish(AnnouncementEvent{Text: kind.Announcement}) }
			return
		}
		c.corr.resolve(resp)
	case protocol.ErrorResponse:
		if resp.IsPush() {
			pushq <- func() { c.publish(ErrorEvent{Channel: kind.Channel, Message: kind.Message}) }
			return
		}
		c.corr.resolve(resp)
	default:
		if !c.corr.resolve(resp) {
			c.log.Debug("response without waiter",
				zap.Uint32("number", resp.Number),
				zap.String("kind", fmt.Sprintf("%T", resp.Kind)))
		}
	}
}

// call sends a request and waits for its response. A server error
// response is returned as *ServerError; a dropped connection returns
// ErrConnectionReset.
func (c *Client) call(ctx context.Context, kind protocol.RequestKind) (protocol.Response, error) {
	number, ch := c.corr.register()
	if err := c.enqueue(protocol.Request{Number: number, Kind: kind}); err != nil {
		c.corr.cancel(number)
		return protocol.Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return protocol.Response{}, ErrConnectionReset
		}
		if errResp, isErr := resp.Kind.(protocol.ErrorResponse); isErr {
			return resp, &ServerError{Channel: errResp.Channel, Message: errResp.Message}
		}
		return resp, nil
	case <-ctx.Done():
		c.corr.cancel(number)
		return protocol.Response{}, ctx.Err()
	}
}

// sendAsync sends a request without waiting for a response. It still
// consumes a number so per-epoch numbering stays strictly increasing.
func (c *Client) sendAsync(kind protocol.RequestKind) error {
	return c.enqueue(protocol.Request{Number: c.corr.allocate(), Kind: kind})
}

func (c *Client) enqueue(req protocol.Request) error {
	data, err := encodeRequest(req)
	if err != nil {
		return err
	}
	return c.enqueueRaw(data)
}

func (c *Client) enqueueRaw(data []byte) error {
	c.mu.Lock()
	sendq := c.sendq
	c.mu.Unlock()
	if sendq == nil {
		return ErrNotConnected
	}
	select {
	case sendq <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrNotConnected)
	}
}

func encodeRequest(req protocol.Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := protocol.EncodeRequest(&buf, req); err != nil {
		return nil, err
	}
	if buf.Len() > protocol.MaxMessageSize {
		return nil, protocol.ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}
