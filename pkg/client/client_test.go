package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

const testTimeout = 2 * time.Second

func newTestClient(t *testing.T, store Store, dialer Dialer) *Client {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	c, err := New(Options{
		URL:           "ws://relay.test/chat",
		Self:          func() Identity { return testSelf },
		KeyPair:       kp,
		Store:         store,
		Dialer:        dialer,
		Backoff:       20 * time.Millisecond,
		ProbeInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

// nextNonPing returns the next request that is not a liveness ping.
func nextNonPing(t *testing.T, mt *MockTransport) protocol.Request {
	t.Helper()
	for {
		req, err := mt.NextRequest(testTimeout)
		require.NoError(t, err)
		if _, ok := req.Kind.(protocol.PingRequest); ok {
			continue
		}
		return req
	}
}

// completeHandshake answers the liveness probe and the version exchange.
func completeHandshake(t *testing.T, mt *MockTransport) {
	t.Helper()
	req, err := mt.NextRequest(testTimeout)
	require.NoError(t, err)
	require.IsType(t, protocol.PingRequest{}, req.Kind)
	require.Equal(t, protocol.LivenessProbeNumber, req.Number)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.PingResponse{}}))

	req = nextNonPing(t, mt)
	version, ok := req.Kind.(protocol.VersionRequest)
	require.True(t, ok, "expected version request, got %T", req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.VersionResponse{Version: version.Version}}))
}

func awaitState(t *testing.T, c *Client, want ConnectionState) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-c.Events():
			if st, ok := ev.(StateEvent); ok && st.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v (current %v)", want, c.State())
		}
	}
}

func awaitEvent[T Event](t *testing.T, c *Client) T {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-c.Events():
			if typed, ok := ev.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(Options{})
	assert.Error(t, err)

	_, err = New(Options{URL: "ws://x", Self: func() Identity { return testSelf }, KeyPair: kp})
	assert.Error(t, err)

	c, err := New(Options{
		URL:     "ws://x",
		Self:    func() Identity { return testSelf },
		KeyPair: kp,
		Store:   NewMemoryStore(),
	})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestSessionWithoutCredential(t *testing.T) {
	mt := NewMockTransport()
	c := newTestClient(t, NewMemoryStore(), NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	completeHandshake(t, mt)
	awaitState(t, c, StateNotAuthenticated)
}

func TestSessionAuthenticates(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SetCredential("account-key"))

	mt := NewMockTransport()
	c := newTestClient(t, store, NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	completeHandshake(t, mt)

	req := nextNonPing(t, mt)
	auth, ok := req.Kind.(protocol.AuthenticateRequest)
	require.True(t, ok, "expected authenticate, got %T", req.Kind)
	assert.Equal(t, "account-key", auth.Key)
	assert.Len(t, auth.PublicKey, crypto.KeySize)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.AuthenticateResponse{}}))

	// A full listing refresh follows authentication.
	req = nextNonPing(t, mt)
	list, ok := req.Kind.(protocol.ListRequest)
	require.True(t, ok, "expected list, got %T", req.Kind)
	assert.Equal(t, "all", list.Kind.Variant)

	awaitState(t, c, StateConnected)
}

func TestSessionAuthenticationRejected(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SetCredential("stale-key"))

	mt := NewMockTransport()
	c := newTestClient(t, store, NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	completeHandshake(t, mt)

	req := nextNonPing(t, mt)
	require.IsType(t, protocol.AuthenticateRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.AuthenticateResponse{Error: "invalid key"}}))

	awaitState(t, c, StateFailedAuthentication)
}

func TestReconnectRestartsNumbering(t *testing.T) {
	mt1 := NewMockTransport()
	mt2 := NewMockTransport()
	dialer := NewMockDialer(mt1, mt2)
	c := newTestClient(t, NewMemoryStore(), dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// First epoch: the version request is the first numbered request.
	req, err := mt1.NextRequest(testTimeout)
	require.NoError(t, err)
	require.IsType(t, protocol.PingRequest{}, req.Kind)
	require.NoError(t, mt1.Push(protocol.Response{Number: req.Number, Kind: protocol.PingResponse{}}))

	req = nextNonPing(t, mt1)
	require.IsType(t, protocol.VersionRequest{}, req.Kind)
	assert.Equal(t, uint32(1), req.Number)

	// Kill the connection; the client reconnects and numbering
	// restarts at 1.
	mt1.Close()
	completeHandshakeNumber(t, mt2)
	assert.GreaterOrEqual(t, dialer.Dials(), 2)
}

func TestReconnectClearsChannelState(t *testing.T) {
	mt1 := NewMockTransport()
	mt2 := NewMockTransport()
	dialer := NewMockDialer(mt1, mt2)
	c := newTestClient(t, NewMemoryStore(), dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	completeHandshake(t, mt1)
	awaitState(t, c, StateNotAuthenticated)

	id := protocol.NewChannelID()
	c.Channels().UpsertChannel(protocol.Channel{
		ID:      id,
		Members: []protocol.Member{{Name: testSelf.Name, World: testSelf.World, Rank: protocol.RankAdmin}},
	}, protocol.RankAdmin)
	c.Channels().AddInvite(protocol.Channel{ID: protocol.NewChannelID()})

	// Roster, ranks, and invites from the dead connection must not
	// leak into the next session.
	mt1.Close()
	completeHandshake(t, mt2)
	awaitState(t, c, StateNotAuthenticated)

	assert.Empty(t, c.Channels().Channels())
	assert.Empty(t, c.Channels().Invites())
	_, ok := c.Channels().Rank(id)
	assert.False(t, ok)
}

func completeHandshakeNumber(t *testing.T, mt *MockTransport) {
	t.Helper()
	req, err := mt.NextRequest(testTimeout)
	require.NoError(t, err)
	require.IsType(t, protocol.PingRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.PingResponse{}}))

	req = nextNonPing(t, mt)
	require.IsType(t, protocol.VersionRequest{}, req.Kind)
	assert.Equal(t, uint32(1), req.Number)
}

// gatedStore blocks SetSecret until released, standing in for a slow
// storage backend.
type gatedStore struct {
	*MemoryStore
	gate chan struct{}
}

func (g *gatedStore) SetSecret(id protocol.ChannelID, secret []byte) error {
	<-g.gate
	return g.MemoryStore.SetSecret(id, secret)
}

func TestSlowPushHandlerDoesNotStallCalls(t *testing.T) {
	store := &gatedStore{MemoryStore: NewMemoryStore(), gate: make(chan struct{})}
	mt := NewMockTransport()
	c := newTestClient(t, store, NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	completeHandshake(t, mt)
	awaitState(t, c, StateNotAuthenticated)

	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	keys, err := crypto.ResponderSessionKeys(peer, c.keys.Public())
	require.NoError(t, err)
	encSecret, err := crypto.Seal(keys.Tx[:], secret)
	require.NoError(t, err)

	// This push parks its handler inside the store write.
	channel := protocol.NewChannelID()
	require.NoError(t, mt.Push(protocol.Response{Kind: protocol.SecretsResponse{
		Channel:               channel,
		PublicKey:             peer.Public(),
		EncryptedSharedSecret: encSecret,
	}}))

	// Requests must still go out and correlate while it is stuck.
	callCtx, callCancel := context.WithTimeout(ctx, testTimeout)
	defer callCancel()
	done := make(chan error, 1)
	go func() { done <- c.SetAllowInvites(callCtx, true) }()

	req := nextNonPing(t, mt)
	require.IsType(t, protocol.AllowInvitesRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.AllowInvitesResponse{Allowed: true}}))
	require.NoError(t, <-done)

	close(store.gate)
	ev := awaitEvent[SecretEvent](t, c)
	assert.Equal(t, channel, ev.Channel)
}

func TestPendingCallFailsOnDisconnect(t *testing.T) {
	mt := NewMockTransport()
	c := newTestClient(t, NewMemoryStore(), NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	completeHandshake(t, mt)
	awaitState(t, c, StateNotAuthenticated)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.call(context.Background(), protocol.AllowInvitesRequest{Allowed: true})
		errCh <- err
	}()

	// The request goes out, then the connection dies before a reply.
	req := nextNonPing(t, mt)
	require.IsType(t, protocol.AllowInvitesRequest{}, req.Kind)
	mt.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionReset)
	case <-time.After(testTimeout):
		t.Fatal("call did not fail after disconnect")
	}
}

func TestCallReturnsServerError(t *testing.T) {
	mt := NewMockTransport()
	c := newTestClient(t, NewMemoryStore(), NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	completeHandshake(t, mt)
	awaitState(t, c, StateNotAuthenticated)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.call(context.Background(), protocol.DisbandRequest{Channel: protocol.NewChannelID()})
		errCh <- err
	}()

	req := nextNonPing(t, mt)
	disband := req.Kind.(protocol.DisbandRequest)
	require.NoError(t, mt.Push(protocol.Response{
		Number: req.Number,
		Kind:   protocol.ErrorResponse{Channel: &disband.Channel, Message: "no permission"},
	}))

	select {
	case err := <-errCh:
		var serverErr *ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, "no permission", serverErr.Message)
		require.NotNil(t, serverErr.Channel)
		assert.Equal(t, disband.Channel, *serverErr.Channel)
	case <-time.After(testTimeout):
		t.Fatal("call did not return")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := newTestClient(t, NewMemoryStore(), NewMockDialer())
	err := c.sendAsync(protocol.PingRequest{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCloseZeroesIdentityKey(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	c, err := New(Options{
		URL:     "ws://x",
		Self:    func() Identity { return testSelf },
		KeyPair: kp,
		Store:   NewMemoryStore(),
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, kp.WithPrivate(func([]byte) error { return nil }), crypto.ErrKeyClosed)

	// Run after close refuses to start.
	assert.ErrorIs(t, c.Run(context.Background()), ErrClosed)
}
