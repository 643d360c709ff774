package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

// startConnected brings up a client through the handshake so every
// operation can run over the mock transport.
func startConnected(t *testing.T, store Store) (*Client, *MockTransport, context.CancelFunc) {
	t.Helper()
	mt := NewMockTransport()
	c := newTestClient(t, store, NewMockDialer(mt))

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	completeHandshake(t, mt)
	awaitState(t, c, StateNotAuthenticated)
	return c, mt, cancel
}

func opCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateChannel(t *testing.T) {
	store := NewMemoryStore()
	c, mt, cancel := startConnected(t, store)
	defer cancel()

	type result struct {
		id  protocol.ChannelID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := c.CreateChannel(opCtx(t), "linkshell eight")
		done <- result{id, err}
	}()

	req := nextNonPing(t, mt)
	create, ok := req.Kind.(protocol.CreateRequest)
	require.True(t, ok)
	assert.NotEmpty(t, create.Name)

	id := protocol.NewChannelID()
	channel := protocol.Channel{
		ID:   id,
		Name: create.Name,
		Members: []protocol.Member{
			{Name: testSelf.Name, World: testSelf.World, Rank: protocol.RankAdmin, Online: true},
		},
	}
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.CreateResponse{Channel: channel}}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, id, res.id)

	// The secret stayed local and decrypts the name we sent.
	secret, err := store.Secret(id)
	require.NoError(t, err)
	require.NotNil(t, secret)
	name, err := crypto.Open(secret, create.Name)
	require.NoError(t, err)
	assert.Equal(t, "linkshell eight", string(name))

	rank, ok := c.Channels().Rank(id)
	require.True(t, ok)
	assert.Equal(t, protocol.RankAdmin, rank)
	stored, _ := c.Channels().Name(id)
	assert.Equal(t, "linkshell eight", stored)
}

func TestInviteEncryptsSecretForInvitee(t *testing.T) {
	store := NewMemoryStore()
	channel := protocol.NewChannelID()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(channel, secret))

	c, mt, cancel := startConnected(t, store)
	defer cancel()
	c.Channels().UpsertChannel(protocol.Channel{ID: channel}, protocol.RankAdmin)

	invitee, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Invite(opCtx(t), channel, "Other Person", 54)
	}()

	// First the invitee's public key is looked up.
	req := nextNonPing(t, mt)
	pkReq, ok := req.Kind.(protocol.PublicKeyRequest)
	require.True(t, ok)
	assert.Equal(t, "Other Person", pkReq.Name)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.PublicKeyResponse{
		Name:      pkReq.Name,
		World:     pkReq.World,
		PublicKey: invitee.Public(),
	}}))

	// Then the invite carries the secret encrypted to that key.
	req = nextNonPing(t, mt)
	invite, ok := req.Kind.(protocol.InviteRequest)
	require.True(t, ok)
	assert.Equal(t, channel, invite.Channel)

	keys, err := crypto.ResponderSessionKeys(invitee, c.keys.Public())
	require.NoError(t, err)
	decrypted, err := crypto.Open(keys.Rx[:], invite.EncryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, secret, decrypted)

	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.InviteResponse{
		Channel: channel, Name: invite.Name, World: invite.World,
	}}))
	require.NoError(t, <-done)

	rank, ok := c.Channels().MemberRank(channel, "Other Person", 54)
	require.True(t, ok)
	assert.Equal(t, protocol.RankInvited, rank)
}

func TestInviteFailsWithoutPublicKey(t *testing.T) {
	store := NewMemoryStore()
	channel := protocol.NewChannelID()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(channel, secret))

	c, mt, cancel := startConnected(t, store)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Invite(opCtx(t), channel, "Offline Person", 54)
	}()

	req := nextNonPing(t, mt)
	require.IsType(t, protocol.PublicKeyRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.PublicKeyResponse{
		Name: "Offline Person", World: 54,
	}}))

	assert.ErrorIs(t, <-done, ErrNoPublicKey)
}

func TestInviteFailsWithoutSecret(t *testing.T) {
	c, mt, cancel := startConnected(t, NewMemoryStore())
	defer cancel()

	invitee, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- c.Invite(opCtx(t), protocol.NewChannelID(), "Other Person", 54)
	}()

	req := nextNonPing(t, mt)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.PublicKeyResponse{
		Name: "Other Person", World: 54, PublicKey: invitee.Public(),
	}}))

	assert.ErrorIs(t, <-done, ErrUnknownSecret)
}

func TestJoinWithKnownSecret(t *testing.T) {
	store := NewMemoryStore()
	channel := protocol.NewChannelID()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(channel, secret))

	c, mt, cancel := startConnected(t, store)
	defer cancel()

	encName, err := crypto.Seal(secret, []byte("the regulars"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Join(opCtx(t), channel) }()

	req := nextNonPing(t, mt)
	require.IsType(t, protocol.JoinRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.JoinResponse{
		Channel: protocol.Channel{ID: channel, Name: encName, Members: []protocol.Member{
			{Name: testSelf.Name, World: testSelf.World, Rank: protocol.RankMember, Online: true},
		}},
	}}))
	require.NoError(t, <-done)

	rank, ok := c.Channels().Rank(channel)
	require.True(t, ok)
	assert.Equal(t, protocol.RankMember, rank)
	name, ok := c.Channels().Name(channel)
	require.True(t, ok)
	assert.Equal(t, "the regulars", name)
}

func TestJoinWithoutSecretRequestsResync(t *testing.T) {
	c, mt, cancel := startConnected(t, NewMemoryStore())
	defer cancel()

	channel := protocol.NewChannelID()
	done := make(chan error, 1)
	go func() { done <- c.Join(opCtx(t), channel) }()

	req := nextNonPing(t, mt)
	require.IsType(t, protocol.JoinRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.JoinResponse{
		Channel: protocol.Channel{ID: channel},
	}}))
	require.NoError(t, <-done)

	req = nextNonPing(t, mt)
	secrets, ok := req.Kind.(protocol.SecretsRequest)
	require.True(t, ok, "expected secrets request, got %T", req.Kind)
	assert.Equal(t, channel, secrets.Channel)
}

func TestSendMessageEncrypts(t *testing.T) {
	store := NewMemoryStore()
	channel := protocol.NewChannelID()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(channel, secret))

	c, mt, cancel := startConnected(t, store)
	defer cancel()

	require.NoError(t, c.SendMessage(channel, "hello everyone"))

	req := nextNonPing(t, mt)
	msg, ok := req.Kind.(protocol.MessageRequest)
	require.True(t, ok)
	assert.Equal(t, channel, msg.Channel)

	plaintext, err := crypto.Open(secret, msg.Message)
	require.NoError(t, err)
	assert.Equal(t, "hello everyone", string(plaintext))
}

func TestSendMessageWithoutSecret(t *testing.T) {
	c, _, cancel := startConnected(t, NewMemoryStore())
	defer cancel()

	err := c.SendMessage(protocol.NewChannelID(), "hello")
	assert.ErrorIs(t, err, ErrUnknownSecret)
}

func TestLeaveForgetsChannel(t *testing.T) {
	store := NewMemoryStore()
	channel := protocol.NewChannelID()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(channel, secret))

	c, mt, cancel := startConnected(t, store)
	defer cancel()
	c.Channels().UpsertChannel(protocol.Channel{ID: channel}, protocol.RankMember)

	done := make(chan error, 1)
	go func() { done <- c.Leave(opCtx(t), channel) }()

	req := nextNonPing(t, mt)
	require.IsType(t, protocol.LeaveRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.LeaveResponse{Channel: channel}}))
	require.NoError(t, <-done)

	_, ok := c.Channels().Channel(channel)
	assert.False(t, ok)
	stored, err := store.Secret(channel)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRenameEncryptsNewName(t *testing.T) {
	store := NewMemoryStore()
	channel := protocol.NewChannelID()
	secret, err := crypto.GenerateSecret()
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(channel, secret))

	c, mt, cancel := startConnected(t, store)
	defer cancel()
	c.Channels().UpsertChannel(protocol.Channel{ID: channel}, protocol.RankAdmin)

	done := make(chan error, 1)
	go func() { done <- c.Rename(opCtx(t), channel, "renamed") }()

	req := nextNonPing(t, mt)
	update, ok := req.Kind.(protocol.UpdateRequest)
	require.True(t, ok)
	plaintext, err := crypto.Open(secret, update.Kind.Name)
	require.NoError(t, err)
	assert.Equal(t, "renamed", string(plaintext))

	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.UpdateResponse{Channel: channel}}))
	require.NoError(t, <-done)

	name, _ := c.Channels().Name(channel)
	assert.Equal(t, "renamed", name)
}

func TestDeleteAccountClearsCredential(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.SetCredential("account-key"))

	mt := NewMockTransport()
	c := newTestClient(t, store, NewMockDialer(mt))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	completeHandshake(t, mt)
	req := nextNonPing(t, mt)
	require.IsType(t, protocol.AuthenticateRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.AuthenticateResponse{}}))
	req = nextNonPing(t, mt)
	require.IsType(t, protocol.ListRequest{}, req.Kind)
	awaitState(t, c, StateConnected)

	done := make(chan error, 1)
	go func() { done <- c.DeleteAccount(opCtx(t)) }()

	req = nextNonPing(t, mt)
	require.IsType(t, protocol.DeleteAccountRequest{}, req.Kind)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.DeleteAccountResponse{}}))
	require.NoError(t, <-done)

	credential, err := store.Credential()
	require.NoError(t, err)
	assert.Empty(t, credential)
}

func TestRegistrationFlow(t *testing.T) {
	store := NewMemoryStore()
	c, mt, cancel := startConnected(t, store)
	defer cancel()

	type challengeResult struct {
		text string
		err  error
	}
	challengeCh := make(chan challengeResult, 1)
	go func() {
		text, err := c.GetChallenge(opCtx(t))
		challengeCh <- challengeResult{text, err}
	}()

	req := nextNonPing(t, mt)
	reg, ok := req.Kind.(protocol.RegisterRequest)
	require.True(t, ok)
	assert.Equal(t, testSelf.Name, reg.Name)
	assert.False(t, reg.ChallengeCompleted)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.RegisterResponse{
		Result: protocol.RegisterChallenge{Challenge: "put this text in your profile"},
	}}))

	res := <-challengeCh
	require.NoError(t, res.err)
	assert.Equal(t, "put this text in your profile", res.text)
	assert.Equal(t, StateWaitingForVerification, c.State())

	done := make(chan error, 1)
	go func() { done <- c.CompleteRegistration(opCtx(t)) }()

	req = nextNonPing(t, mt)
	reg, ok = req.Kind.(protocol.RegisterRequest)
	require.True(t, ok)
	assert.True(t, reg.ChallengeCompleted)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.RegisterResponse{
		Result: protocol.RegisterSuccess{Key: "fresh-account-key"},
	}}))

	// Success flows straight into authentication.
	req = nextNonPing(t, mt)
	auth, ok := req.Kind.(protocol.AuthenticateRequest)
	require.True(t, ok)
	assert.Equal(t, "fresh-account-key", auth.Key)
	require.NoError(t, mt.Push(protocol.Response{Number: req.Number, Kind: protocol.AuthenticateResponse{}}))

	req = nextNonPing(t, mt)
	require.IsType(t, protocol.ListRequest{}, req.Kind)

	require.NoError(t, <-done)
	awaitState(t, c, StateConnected)

	credential, err := store.Credential()
	require.NoError(t, err)
	assert.Equal(t, "fresh-account-key", credential)
}
