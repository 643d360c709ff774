package client

import (
	"context"
	"fmt"

	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

// GetChallenge begins registration for the current identity. The server
// responds with text the user must place in their public profile; call
// CompleteRegistration once they have.
func (c *Client) GetChallenge(ctx context.Context) (string, error) {
	c.setState(StateRetrievingChallenge, nil)

	self := c.self()
	resp, err := c.call(ctx, protocol.RegisterRequest{Name: self.Name, World: self.World})
	if err != nil {
		c.setState(StateNotAuthenticated, err)
		return "", err
	}
	reg, ok := resp.Kind.(protocol.RegisterResponse)
	if !ok {
		c.setState(StateNotAuthenticated, ErrUnexpectedResponse)
		return "", fmt.Errorf("%w: %T to register", ErrUnexpectedResponse, resp.Kind)
	}
	switch result := reg.Result.(type) {
	case protocol.RegisterChallenge:
		c.setState(StateWaitingForVerification, nil)
		return result.Challenge, nil
	case protocol.RegisterFailure:
		err := &ServerError{Message: "registration rejected"}
		c.setState(StateNotAuthenticated, err)
		return "", err
	default:
		c.setState(StateNotAuthenticated, ErrUnexpectedResponse)
		return "", fmt.Errorf("%w: register result %T", ErrUnexpectedResponse, reg.Result)
	}
}

// CompleteRegistration finishes registration after the challenge text is
// in place. On success the account key is stored and the client
// authenticates immediately.
func (c *Client) CompleteRegistration(ctx context.Context) error {
	c.setState(StateVerifying, nil)

	self := c.self()
	resp, err := c.call(ctx, protocol.RegisterRequest{
		Name:               self.Name,
		World:              self.World,
		ChallengeCompleted: true,
	})
	if err != nil {
		c.setState(StateNotAuthenticated, err)
		return err
	}
	reg, ok := resp.Kind.(protocol.RegisterResponse)
	if !ok {
		c.setState(StateNotAuthenticated, ErrUnexpectedResponse)
		return fmt.Errorf("%w: %T to register", ErrUnexpectedResponse, resp.Kind)
	}
	switch result := reg.Result.(type) {
	case protocol.RegisterSuccess:
		if err := c.store.SetCredential(result.Key); err != nil {
			return err
		}
		return c.authenticate(ctx, result.Key)
	case protocol.RegisterFailure:
		err := &ServerError{Message: "challenge verification failed"}
		c.setState(StateNotAuthenticated, err)
		return err
	default:
		c.setState(StateNotAuthenticated, ErrUnexpectedResponse)
		return fmt.Errorf("%w: register result %T", ErrUnexpectedResponse, reg.Result)
	}
}

// CreateChannel creates a channel named name. A fresh shared secret is
// generated locally, and only its ciphertexts ever leave this machine.
func (c *Client) CreateChannel(ctx context.Context, name string) (protocol.ChannelID, error) {
	secret, err := crypto.GenerateSecret()
	if err != nil {
		return protocol.NilChannelID, err
	}
	encrypted, err := crypto.Seal(secret, []byte(name))
	if err != nil {
		return protocol.NilChannelID, err
	}

	resp, err := c.call(ctx, protocol.CreateRequest{Name: encrypted})
	if err != nil {
		return protocol.NilChannelID, err
	}
	created, ok := resp.Kind.(protocol.CreateResponse)
	if !ok {
		return protocol.NilChannelID, fmt.Errorf("%w: %T to create", ErrUnexpectedResponse, resp.Kind)
	}

	id := created.Channel.ID
	if err := c.store.SetSecret(id, secret); err != nil {
		return id, err
	}
	if err := c.store.SetChannelName(id, name); err != nil {
		return id, err
	}
	c.channels.UpsertChannel(created.Channel, protocol.RankAdmin)
	c.channels.SetName(id, name)
	return id, nil
}

// Invite invites a character to a channel. The channel secret is
// fetched locally, encrypted to the invitee's public key, and attached
// to the invite; the server never sees it in the clear.
func (c *Client) Invite(ctx context.Context, channel protocol.ChannelID, name string, world uint16) error {
	resp, err := c.call(ctx, protocol.PublicKeyRequest{Name: name, World: world})
	if err != nil {
		return err
	}
	pk, ok := resp.Kind.(protocol.PublicKeyResponse)
	if !ok {
		return fmt.Errorf("%w: %T to public_key", ErrUnexpectedResponse, resp.Kind)
	}
	if pk.PublicKey == nil {
		return fmt.Errorf("%w: %s@%d", ErrNoPublicKey, name, world)
	}

	secret, err := c.store.Secret(channel)
	if err != nil {
		return err
	}
	if secret == nil {
		return ErrUnknownSecret
	}

	keys, err := crypto.InitiatorSessionKeys(c.keys, pk.PublicKey)
	if err != nil {
		return err
	}
	encrypted, err := crypto.Seal(keys.Tx[:], secret)
	keys.Zero()
	if err != nil {
		return err
	}

	resp, err = c.call(ctx, protocol.InviteRequest{
		Channel:         channel,
		Name:            name,
		World:           world,
		EncryptedSecret: encrypted,
	})
	if err != nil {
		return err
	}
	if _, ok := resp.Kind.(protocol.InviteResponse); !ok {
		return fmt.Errorf("%w: %T to invite", ErrUnexpectedResponse, resp.Kind)
	}

	c.channels.UpsertMember(channel, protocol.Member{
		Name:  name,
		World: world,
		Rank:  protocol.RankInvited,
	})
	return nil
}

// Join accepts a pending invite. If the channel secret did not arrive
// with the invite, a resync request goes out to the other members.
func (c *Client) Join(ctx context.Context, channel protocol.ChannelID) error {
	resp, err := c.call(ctx, protocol.JoinRequest{Channel: channel})
	if err != nil {
		return err
	}
	joined, ok := resp.Kind.(protocol.JoinResponse)
	if !ok {
		return fmt.Errorf("%w: %T to join", ErrUnexpectedResponse, resp.Kind)
	}

	c.channels.UpsertChannel(joined.Channel, protocol.RankMember)

	secret, err := c.store.Secret(channel)
	if err != nil {
		return err
	}
	if secret == nil {
		return c.sendAsync(protocol.SecretsRequest{Channel: channel})
	}
	c.applyChannelName(channel, secret, joined.Channel.Name)
	return nil
}

// Leave leaves a channel, or declines the invite if one is pending.
func (c *Client) Leave(ctx context.Context, channel protocol.ChannelID) error {
	resp, err := c.call(ctx, protocol.LeaveRequest{Channel: channel})
	if err != nil {
		return err
	}
	left, ok := resp.Kind.(protocol.LeaveResponse)
	if !ok {
		return fmt.Errorf("%w: %T to leave", ErrUnexpectedResponse, resp.Kind)
	}
	if left.Error != "" {
		return &ServerError{Channel: &left.Channel, Message: left.Error}
	}

	c.channels.RemoveChannel(channel)
	c.channels.RemoveInvite(channel)
	return c.store.DeleteChannel(channel)
}

// Kick removes a member from a channel.
func (c *Client) Kick(ctx context.Context, channel protocol.ChannelID, name string, world uint16) error {
	resp, err := c.call(ctx, protocol.KickRequest{Channel: channel, Name: name, World: world})
	if err != nil {
		return err
	}
	if _, ok := resp.Kind.(protocol.KickResponse); !ok {
		return fmt.Errorf("%w: %T to kick", ErrUnexpectedResponse, resp.Kind)
	}
	c.channels.RemoveMember(channel, name, world)
	return nil
}

// Promote sets a member's rank.
func (c *Client) Promote(ctx context.Context, channel protocol.ChannelID, name string, world uint16, rank protocol.Rank) error {
	resp, err := c.call(ctx, protocol.PromoteRequest{Channel: channel, Name: name, World: world, Rank: rank})
	if err != nil {
		return err
	}
	promoted, ok := resp.Kind.(protocol.PromoteResponse)
	if !ok {
		return fmt.Errorf("%w: %T to promote", ErrUnexpectedResponse, resp.Kind)
	}
	c.channels.SetMemberRank(channel, promoted.Name, promoted.World, promoted.Rank)
	return nil
}

// Disband deletes a channel entirely. Admin only.
func (c *Client) Disband(ctx context.Context, channel protocol.ChannelID) error {
	resp, err := c.call(ctx, protocol.DisbandRequest{Channel: channel})
	if err != nil {
		return err
	}
	if _, ok := resp.Kind.(protocol.DisbandResponse); !ok {
		return fmt.Errorf("%w: %T to disband", ErrUnexpectedResponse, resp.Kind)
	}
	c.channels.RemoveChannel(channel)
	return c.store.DeleteChannel(channel)
}

// Rename changes a channel's name. The new name is encrypted with the
// channel secret before it leaves this machine.
func (c *Client) Rename(ctx context.Context, channel protocol.ChannelID, name string) error {
	secret, err := c.store.Secret(channel)
	if err != nil {
		return err
	}
	if secret == nil {
		return ErrUnknownSecret
	}
	encrypted, err := crypto.Seal(secret, []byte(name))
	if err != nil {
		return err
	}

	resp, err := c.call(ctx, protocol.UpdateRequest{
		Channel: channel,
		Kind:    protocol.UpdateKind{Name: encrypted},
	})
	if err != nil {
		return err
	}
	if _, ok := resp.Kind.(protocol.UpdateResponse); !ok {
		return fmt.Errorf("%w: %T to update", ErrUnexpectedResponse, resp.Kind)
	}

	c.channels.SetName(channel, name)
	return c.store.SetChannelName(channel, name)
}

// SendMessage encrypts text with the channel secret and sends it. The
// message comes back as a push to every member, including this client.
func (c *Client) SendMessage(channel protocol.ChannelID, text string) error {
	secret, err := c.store.Secret(channel)
	if err != nil {
		return err
	}
	if secret == nil {
		return ErrUnknownSecret
	}
	encrypted, err := crypto.Seal(secret, []byte(text))
	if err != nil {
		return err
	}
	if err := c.sendAsync(protocol.MessageRequest{Channel: channel, Message: encrypted}); err != nil {
		return err
	}
	messagesSent.Inc()
	return nil
}

// RefreshChannels asks for the full channel and invite listing. The
// result is applied to channel state when it arrives.
func (c *Client) RefreshChannels() error {
	return c.sendAsync(protocol.ListRequest{Kind: protocol.ListKind{Variant: "all"}})
}

// RefreshMembers asks for one channel's roster.
func (c *Client) RefreshMembers(channel protocol.ChannelID) error {
	return c.sendAsync(protocol.ListRequest{Kind: protocol.ListKind{Members: &channel}})
}

// RequestSecret asks online channel members to resend the channel
// secret, encrypted to this client's key. The reply is applied when it
// arrives; a SecretEvent follows on success.
func (c *Client) RequestSecret(channel protocol.ChannelID) error {
	return c.sendAsync(protocol.SecretsRequest{Channel: channel})
}

// SetAllowInvites updates whether other users may invite this one.
func (c *Client) SetAllowInvites(ctx context.Context, allowed bool) error {
	resp, err := c.call(ctx, protocol.AllowInvitesRequest{Allowed: allowed})
	if err != nil {
		return err
	}
	ack, ok := resp.Kind.(protocol.AllowInvitesResponse)
	if !ok {
		return fmt.Errorf("%w: %T to allow_invites", ErrUnexpectedResponse, resp.Kind)
	}
	c.mu.Lock()
	c.allowInvites = ack.Allowed
	c.mu.Unlock()
	return nil
}

// DeleteAccount permanently deletes the account on the server and
// forgets the stored credential.
func (c *Client) DeleteAccount(ctx context.Context) error {
	resp, err := c.call(ctx, protocol.DeleteAccountRequest{})
	if err != nil {
		return err
	}
	if _, ok := resp.Kind.(protocol.DeleteAccountResponse); !ok {
		return fmt.Errorf("%w: %T to delete_account", ErrUnexpectedResponse, resp.Kind)
	}
	c.setState(StateNotAuthenticated, nil)
	return c.store.DeleteCredential()
}
