package client

import (
	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/client/crypto"
	"github.com/aeolun/crosschat/pkg/protocol"
)

func (c *Client) handleMessage(msg protocol.MessageResponse) {
	messagesReceived.Inc()

	secret, err := c.store.Secret(msg.Channel)
	if err != nil {
		c.log.Error("failed to load channel secret", zap.Error(err))
		return
	}
	if secret == nil {
		decryptFailures.Inc()
		c.publish(MessageEvent{
			Channel: msg.Channel,
			Sender:  msg.Sender,
			World:   msg.World,
		})
		return
	}

	plaintext, err := crypto.Open(secret, msg.Message)
	if err != nil {
		decryptFailures.Inc()
		c.log.Warn("undecryptable message",
			zap.Stringer("channel", msg.Channel),
			zap.String("sender", msg.Sender))
		c.publish(MessageEvent{
			Channel: msg.Channel,
			Sender:  msg.Sender,
			World:   msg.World,
		})
		return
	}

	c.publish(MessageEvent{
		Channel:   msg.Channel,
		Sender:    msg.Sender,
		World:     msg.World,
		Text:      string(plaintext),
		Decrypted: true,
	})
}

// handleInvited processes an incoming invite. The inviter encrypted the
// channel secret as the exchange initiator, so this side derives
// responder keys to unwrap it.
func (c *Client) handleInvited(inv protocol.InvitedResponse) {
	id := inv.Channel.ID
	c.channels.AddInvite(inv.Channel)

	keys, err := crypto.ResponderSessionKeys(c.keys, inv.PublicKey)
	if err != nil {
		c.log.Warn("invite with unusable public key", zap.Error(err))
		c.publish(InviteEvent{Channel: id, From: inv.Name, FromWorld: inv.World})
		return
	}
	secret, err := crypto.Open(keys.Rx[:], inv.EncryptedSecret)
	keys.Zero()
	if err != nil {
		c.log.Warn("invite secret did not decrypt",
			zap.Stringer("channel", id),
			zap.Error(err))
		c.publish(InviteEvent{Channel: id, From: inv.Name, FromWorld: inv.World})
		return
	}

	if err := c.store.SetSecret(id, secret); err != nil {
		c.log.Error("failed to store channel secret", zap.Error(err))
	}
	name := c.applyChannelName(id, secret, inv.Channel.Name)
	c.publish(InviteEvent{
		Channel:     id,
		ChannelName: name,
		From:        inv.Name,
		FromWorld:   inv.World,
	})
}

func (c *Client) handleList(list protocol.ListResponse) {
	switch result := list.Result.(type) {
	case protocol.ListAll:
		c.channels.ReplaceAll(result.Channels, result.Invites, c.self())
		for _, ch := range result.Channels {
			c.resolveChannelName(ch)
		}
		for _, ch := range result.Invites {
			c.resolveChannelName(ch)
		}
	case protocol.ListMembers:
		c.channels.SetMembers(result.Channel, result.Members)
	case protocol.ListChannels:
		for _, ch := range result.Channels {
			c.channels.SetRank(ch.ID, ch.Rank)
		}
	case protocol.ListInvites:
		// Summaries only; full invite records arrive as invited
		// pushes.
	}
}

// resolveChannelName decrypts a channel's name if the secret is known,
// and asks members for the secret otherwise.
func (c *Client) resolveChannelName(ch protocol.Channel) {
	secret, err := c.store.Secret(ch.ID)
	if err != nil {
		c.log.Error("failed to load channel secret", zap.Error(err))
		return
	}
	if secret == nil {
		if err := c.sendAsync(protocol.SecretsRequest{Channel: ch.ID}); err != nil {
			c.log.Warn("failed to request channel secret", zap.Error(err))
		}
		return
	}
	c.applyChannelName(ch.ID, secret, ch.Name)
}

// applyChannelName decrypts and records a channel name, returning the
// plaintext ("" when it did not decrypt).
func (c *Client) applyChannelName(id protocol.ChannelID, secret, encrypted []byte) string {
	if len(encrypted) == 0 {
		return ""
	}
	plaintext, err := crypto.Open(secret, encrypted)
	if err != nil {
		decryptFailures.Inc()
		c.log.Warn("channel name did not decrypt", zap.Stringer("channel", id))
		return ""
	}
	name := string(plaintext)
	c.channels.SetName(id, name)
	if err := c.store.SetChannelName(id, name); err != nil {
		c.log.Error("failed to store channel name", zap.Error(err))
	}
	return name
}

func (c *Client) handleMemberChange(change protocol.MemberChangeResponse) {
	self := c.self()
	aboutSelf := self.Matches(change.Name, change.World)
	promotion := false

	switch kind := change.Change.(type) {
	case protocol.MemberJoined:
		rank := protocol.RankMember
		if old, ok := c.channels.MemberRank(change.Channel, change.Name, change.World); ok && old > rank {
			rank = old
		}
		c.channels.UpsertMember(change.Channel, protocol.Member{
			Name:   change.Name,
			World:  change.World,
			Rank:   rank,
			Online: true,
		})
		if aboutSelf {
			// The join echo after creating a channel must not
			// downgrade the creator's Admin rank.
			if _, ok := c.channels.Rank(change.Channel); !ok {
				c.channels.SetRank(change.Channel, protocol.RankMember)
			}
		}
	case protocol.MemberInvited:
		c.channels.UpsertMember(change.Channel, protocol.Member{
			Name:  change.Name,
			World: change.World,
			Rank:  protocol.RankInvited,
		})
	case protocol.MemberLeft, protocol.InviteDeclined, protocol.InviteCancelled:
		c.channels.RemoveMember(change.Channel, change.Name, change.World)
		if aboutSelf {
			c.channels.RemoveChannel(change.Channel)
			c.channels.RemoveInvite(change.Channel)
		}
	case protocol.MemberKicked:
		c.channels.RemoveMember(change.Channel, change.Name, change.World)
		if aboutSelf {
			c.channels.RemoveChannel(change.Channel)
			c.channels.RemoveInvite(change.Channel)
			if err := c.store.DeleteChannel(change.Channel); err != nil {
				c.log.Error("failed to forget channel", zap.Error(err))
			}
		}
	case protocol.MemberPromoted:
		old, ok := c.channels.SetMemberRank(change.Channel, change.Name, change.World, kind.Rank)
		// Moving into the channel or up counts as a promotion.
		promotion = !ok || kind.Rank >= old
		if aboutSelf {
			c.channels.SetRank(change.Channel, kind.Rank)
		}
	}

	c.publish(MemberEvent{
		Channel:   change.Channel,
		Name:      change.Name,
		World:     change.World,
		Change:    change.Change,
		Promotion: promotion,
	})
}

// handleSecrets applies a secret another member sent in answer to our
// resync request. We initiated that exchange, so initiator keys unwrap
// it.
func (c *Client) handleSecrets(sec protocol.SecretsResponse) {
	if sec.EncryptedSharedSecret == nil {
		c.log.Debug("member had no secret to share", zap.Stringer("channel", sec.Channel))
		return
	}

	keys, err := crypto.InitiatorSessionKeys(c.keys, sec.PublicKey)
	if err != nil {
		c.log.Warn("secret reply with unusable public key", zap.Error(err))
		return
	}
	secret, err := crypto.Open(keys.Rx[:], sec.EncryptedSharedSecret)
	keys.Zero()
	if err != nil {
		c.log.Warn("secret reply did not decrypt", zap.Stringer("channel", sec.Channel))
		return
	}

	if err := c.store.SetSecret(sec.Channel, secret); err != nil {
		c.log.Error("failed to store channel secret", zap.Error(err))
		return
	}
	if ch, ok := c.channels.Channel(sec.Channel); ok {
		c.applyChannelName(sec.Channel, secret, ch.Name)
	}
	c.publish(SecretEvent{Channel: sec.Channel})
}

// handleSendSecrets answers another member's resync request. They
// initiated the exchange, so responder keys wrap the secret; a nil
// payload tells the server this client cannot help.
func (c *Client) handleSendSecrets(req protocol.SendSecretsResponse) {
	secret, err := c.store.Secret(req.Channel)
	if err != nil {
		c.log.Error("failed to load channel secret", zap.Error(err))
		return
	}

	var encrypted []byte
	if secret != nil {
		keys, err := crypto.ResponderSessionKeys(c.keys, req.PublicKey)
		if err != nil {
			c.log.Warn("secret request with unusable public key", zap.Error(err))
			return
		}
		encrypted, err = crypto.Seal(keys.Tx[:], secret)
		keys.Zero()
		if err != nil {
			c.log.Error("failed to encrypt channel secret", zap.Error(err))
			return
		}
	}

	if err := c.sendAsync(protocol.SendSecretsRequest{
		RequestID:             req.RequestID,
		EncryptedSharedSecret: encrypted,
	}); err != nil {
		c.log.Warn("failed to send channel secret", zap.Error(err))
	}
}

func (c *Client) handleDisband(dis protocol.DisbandResponse) {
	c.channels.RemoveChannel(dis.Channel)
	c.channels.RemoveInvite(dis.Channel)
	if err := c.store.DeleteChannel(dis.Channel); err != nil {
		c.log.Error("failed to forget channel", zap.Error(err))
	}
	c.publish(DisbandEvent{Channel: dis.Channel})
}

func (c *Client) handleUpdated(upd protocol.UpdatedResponse) {
	secret, err := c.store.Secret(upd.Channel)
	if err != nil {
		c.log.Error("failed to load channel secret", zap.Error(err))
		return
	}
	if secret == nil {
		c.log.Warn("channel renamed but secret unknown", zap.Stringer("channel", upd.Channel))
		return
	}
	name := c.applyChannelName(upd.Channel, secret, upd.Kind.Name)
	if name == "" {
		return
	}
	c.publish(ChannelRenamedEvent{Channel: upd.Channel, Name: name})
}
