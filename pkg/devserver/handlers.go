package devserver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// pendingSecret tracks a member's key resync request until another
// member answers it.
type pendingSecret struct {
	requester *session
	channel   protocol.ChannelID
}

func (s *Server) handle(sess *session, req protocol.Request) {
	switch kind := req.Kind.(type) {
	case protocol.PingRequest:
		s.respond(sess, req.Number, protocol.PingResponse{})
	case protocol.VersionRequest:
		s.respond(sess, req.Number, protocol.VersionResponse{Version: protocol.Version})
	case protocol.RegisterRequest:
		s.handleRegister(sess, req.Number, kind)
	case protocol.AuthenticateRequest:
		s.handleAuthenticate(sess, req.Number, kind)
	default:
		if sess.account == nil {
			s.respond(sess, req.Number, protocol.ErrorResponse{Message: "not authenticated"})
			return
		}
		s.handleAuthenticated(sess, req)
	}
}

func (s *Server) handleAuthenticated(sess *session, req protocol.Request) {
	switch kind := req.Kind.(type) {
	case protocol.CreateRequest:
		s.handleCreate(sess, req.Number, kind)
	case protocol.MessageRequest:
		s.handleMessage(sess, kind)
	case protocol.PublicKeyRequest:
		s.handlePublicKey(sess, req.Number, kind)
	case protocol.InviteRequest:
		s.handleInvite(sess, req.Number, kind)
	case protocol.JoinRequest:
		s.handleJoin(sess, req.Number, kind)
	case protocol.LeaveRequest:
		s.handleLeave(sess, req.Number, kind)
	case protocol.DisbandRequest:
		s.handleDisband(sess, req.Number, kind)
	case protocol.ListRequest:
		s.handleList(sess, req.Number, kind)
	case protocol.KickRequest:
		s.handleKick(sess, req.Number, kind)
	case protocol.PromoteRequest:
		s.handlePromote(sess, req.Number, kind)
	case protocol.UpdateRequest:
		s.handleUpdate(sess, req.Number, kind)
	case protocol.SecretsRequest:
		s.handleSecrets(sess, kind)
	case protocol.SendSecretsRequest:
		s.handleSendSecrets(sess, kind)
	case protocol.AllowInvitesRequest:
		s.handleAllowInvites(sess, req.Number, kind)
	case protocol.DeleteAccountRequest:
		s.handleDeleteAccount(sess, req.Number)
	default:
		s.respond(sess, req.Number, protocol.ErrorResponse{
			Message: fmt.Sprintf("unsupported request %T", req.Kind),
		})
	}
}

// handleRegister skips the profile verification a real deployment does:
// the first request hands out a fake challenge, the completing request
// always succeeds.
func (s *Server) handleRegister(sess *session, number uint32, req protocol.RegisterRequest) {
	user := userKey{name: req.Name, world: req.World}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.ChallengeCompleted {
		challenge := "devserver:" + newAccountKey()
		s.challenges[user] = challenge
		s.respond(sess, number, protocol.RegisterResponse{
			Result: protocol.RegisterChallenge{Challenge: challenge},
		})
		return
	}

	if _, ok := s.challenges[user]; !ok {
		s.respond(sess, number, protocol.RegisterResponse{Result: protocol.RegisterFailure{}})
		return
	}
	delete(s.challenges, user)

	acct := &account{
		key:          newAccountKey(),
		name:         req.Name,
		world:        req.World,
		allowInvites: true,
	}
	s.accounts[acct.key] = acct
	s.byUser[user] = acct
	s.log.Info("registered account", zap.String("name", acct.name), zap.Uint16("world", acct.world))
	s.respond(sess, number, protocol.RegisterResponse{Result: protocol.RegisterSuccess{Key: acct.key}})
}

func (s *Server) handleAuthenticate(sess *session, number uint32, req protocol.AuthenticateRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.Key]
	if !ok {
		s.respond(sess, number, protocol.AuthenticateResponse{Error: "invalid key"})
		return
	}

	acct.publicKey = append([]byte(nil), req.PublicKey...)
	acct.allowInvites = req.AllowInvites
	sess.account = acct
	s.respond(sess, number, protocol.AuthenticateResponse{})
}

func (s *Server) handleCreate(sess *session, number uint32, req protocol.CreateRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := &channel{
		id:      protocol.NewChannelID(),
		name:    req.Name,
		members: map[userKey]protocol.Rank{sess.user(): protocol.RankAdmin},
	}
	s.channels[ch.id] = ch
	s.respond(sess, number, protocol.CreateResponse{Channel: s.wireChannel(ch)})
}

func (s *Server) handleMessage(sess *session, req protocol.MessageRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok || rank == protocol.RankInvited {
		s.push(sess, protocol.ErrorResponse{Channel: &req.Channel, Message: "not a member of that channel"})
		return
	}

	// Echoed to every member, the sender included.
	s.broadcast(ch, protocol.MessageResponse{
		Channel: ch.id,
		Sender:  sess.account.name,
		World:   sess.account.world,
		Message: req.Message,
	}, nil)
}

func (s *Server) handlePublicKey(sess *session, number uint32, req protocol.PublicKeyRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := protocol.PublicKeyResponse{Name: req.Name, World: req.World}
	if acct, ok := s.byUser[userKey{name: req.Name, world: req.World}]; ok && acct.allowInvites {
		resp.PublicKey = acct.publicKey
	}
	s.respond(sess, number, resp)
}

func (s *Server) handleInvite(sess *session, number uint32, req protocol.InviteRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok || rank < protocol.RankModerator {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "no permission to invite"})
		return
	}

	invitee := userKey{name: req.Name, world: req.World}
	acct, ok := s.byUser[invitee]
	if !ok || !acct.allowInvites {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "that character cannot be invited"})
		return
	}
	if _, already := ch.members[invitee]; already {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "already a member"})
		return
	}

	ch.members[invitee] = protocol.RankInvited
	s.respond(sess, number, protocol.InviteResponse{Channel: ch.id, Name: req.Name, World: req.World})

	for _, target := range s.sessionsFor(invitee) {
		s.push(target, protocol.InvitedResponse{
			Channel:         s.wireChannel(ch),
			Name:            sess.account.name,
			World:           sess.account.world,
			PublicKey:       sess.account.publicKey,
			EncryptedSecret: req.EncryptedSecret,
		})
	}
	s.broadcast(ch, protocol.MemberChangeResponse{
		Channel: ch.id,
		Name:    req.Name,
		World:   req.World,
		Change:  protocol.MemberInvited{ByName: sess.account.name, ByWorld: sess.account.world},
	}, sess)
}

func (s *Server) handleJoin(sess *session, number uint32, req protocol.JoinRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok || rank != protocol.RankInvited {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "no pending invite"})
		return
	}

	ch.members[sess.user()] = protocol.RankMember
	s.respond(sess, number, protocol.JoinResponse{Channel: s.wireChannel(ch)})
	s.broadcast(ch, protocol.MemberChangeResponse{
		Channel: ch.id,
		Name:    sess.account.name,
		World:   sess.account.world,
		Change:  protocol.MemberJoined{},
	}, sess)
}

func (s *Server) handleLeave(sess *session, number uint32, req protocol.LeaveRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok {
		s.respond(sess, number, protocol.LeaveResponse{Channel: req.Channel, Error: "not a member"})
		return
	}

	delete(ch.members, sess.user())
	s.respond(sess, number, protocol.LeaveResponse{Channel: ch.id})

	var change protocol.MemberChange = protocol.MemberLeft{}
	if rank == protocol.RankInvited {
		change = protocol.InviteDeclined{}
	}
	s.broadcast(ch, protocol.MemberChangeResponse{
		Channel: ch.id,
		Name:    sess.account.name,
		World:   sess.account.world,
		Change:  change,
	}, sess)

	if len(ch.members) == 0 {
		delete(s.channels, ch.id)
	}
}

func (s *Server) handleDisband(sess *session, number uint32, req protocol.DisbandRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok || rank != protocol.RankAdmin {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "only an admin may disband"})
		return
	}

	s.broadcast(ch, protocol.DisbandResponse{Channel: ch.id}, sess)
	s.respond(sess, number, protocol.DisbandResponse{Channel: ch.id})
	delete(s.channels, ch.id)
}

func (s *Server) handleList(sess *session, number uint32, req protocol.ListRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := sess.user()
	switch {
	case req.Kind.Members != nil:
		ch, _, ok := s.membership(sess, *req.Kind.Members)
		if !ok {
			s.respond(sess, number, protocol.ErrorResponse{Channel: req.Kind.Members, Message: "not a member of that channel"})
			return
		}
		s.respond(sess, number, protocol.ListResponse{Result: protocol.ListMembers{
			Channel: ch.id,
			Members: s.wireMembers(ch),
		}})
	case req.Kind.Variant == "channels":
		var out []protocol.SimpleChannel
		for _, ch := range s.channels {
			if rank, ok := ch.members[user]; ok && rank != protocol.RankInvited {
				out = append(out, protocol.SimpleChannel{ID: ch.id, Name: ch.name, Rank: rank})
			}
		}
		s.respond(sess, number, protocol.ListResponse{Result: protocol.ListChannels{Channels: out}})
	case req.Kind.Variant == "invites":
		var out []protocol.SimpleChannel
		for _, ch := range s.channels {
			if rank, ok := ch.members[user]; ok && rank == protocol.RankInvited {
				out = append(out, protocol.SimpleChannel{ID: ch.id, Name: ch.name, Rank: rank})
			}
		}
		s.respond(sess, number, protocol.ListResponse{Result: protocol.ListInvites{Invites: out}})
	default:
		var channels, invites []protocol.Channel
		for _, ch := range s.channels {
			rank, ok := ch.members[user]
			if !ok {
				continue
			}
			if rank == protocol.RankInvited {
				invites = append(invites, s.wireChannel(ch))
			} else {
				channels = append(channels, s.wireChannel(ch))
			}
		}
		s.respond(sess, number, protocol.ListResponse{Result: protocol.ListAll{
			Channels: channels,
			Invites:  invites,
		}})
	}
}

func (s *Server) handleKick(sess *session, number uint32, req protocol.KickRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "not a member of that channel"})
		return
	}
	target := userKey{name: req.Name, world: req.World}
	targetRank, ok := ch.members[target]
	if !ok {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "no such member"})
		return
	}
	if !rank.CanKick(targetRank) {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "no permission to kick"})
		return
	}

	// Broadcast before removal so the kicked member hears about it.
	s.broadcast(ch, protocol.MemberChangeResponse{
		Channel: ch.id,
		Name:    req.Name,
		World:   req.World,
		Change:  protocol.MemberKicked{},
	}, sess)
	delete(ch.members, target)
	s.respond(sess, number, protocol.KickResponse{Channel: ch.id, Name: req.Name, World: req.World})
}

func (s *Server) handlePromote(sess *session, number uint32, req protocol.PromoteRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "not a member of that channel"})
		return
	}
	if !rank.CanPromote(req.Rank) {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "no permission to promote"})
		return
	}
	target := userKey{name: req.Name, world: req.World}
	if _, ok := ch.members[target]; !ok {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "no such member"})
		return
	}

	ch.members[target] = req.Rank
	s.respond(sess, number, protocol.PromoteResponse{Channel: ch.id, Name: req.Name, World: req.World, Rank: req.Rank})
	s.broadcast(ch, protocol.MemberChangeResponse{
		Channel: ch.id,
		Name:    req.Name,
		World:   req.World,
		Change:  protocol.MemberPromoted{Rank: req.Rank},
	}, sess)
}

func (s *Server) handleUpdate(sess *session, number uint32, req protocol.UpdateRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, rank, ok := s.membership(sess, req.Channel)
	if !ok || rank != protocol.RankAdmin {
		s.respond(sess, number, protocol.ErrorResponse{Channel: &req.Channel, Message: "only an admin may rename"})
		return
	}

	ch.name = req.Kind.Name
	s.respond(sess, number, protocol.UpdateResponse{Channel: ch.id})
	s.broadcast(ch, protocol.UpdatedResponse{Channel: ch.id, Kind: req.Kind}, sess)
}

// handleSecrets relays a key resync request to the channel's other
// online members. Whoever answers first wins; the others' answers go
// nowhere.
func (s *Server) handleSecrets(sess *session, req protocol.SecretsRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, _, ok := s.membership(sess, req.Channel)
	if !ok {
		s.push(sess, protocol.ErrorResponse{Channel: &req.Channel, Message: "not a member of that channel"})
		return
	}

	id := protocol.NewRequestID()
	s.secretReqs[id] = pendingSecret{requester: sess, channel: ch.id}

	forwarded := protocol.SendSecretsResponse{
		Channel:   ch.id,
		RequestID: id,
		PublicKey: sess.account.publicKey,
	}
	for member, rank := range ch.members {
		if member == sess.user() || rank == protocol.RankInvited {
			continue
		}
		for _, target := range s.sessionsFor(member) {
			s.push(target, forwarded)
		}
	}
}

func (s *Server) handleSendSecrets(sess *session, req protocol.SendSecretsRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.secretReqs[req.RequestID]
	if !ok || req.EncryptedSharedSecret == nil {
		return
	}
	delete(s.secretReqs, req.RequestID)

	s.push(pending.requester, protocol.SecretsResponse{
		Channel:               pending.channel,
		PublicKey:             sess.account.publicKey,
		EncryptedSharedSecret: req.EncryptedSharedSecret,
	})
}

func (s *Server) handleAllowInvites(sess *session, number uint32, req protocol.AllowInvitesRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.account.allowInvites = req.Allowed
	s.respond(sess, number, protocol.AllowInvitesResponse{Allowed: req.Allowed})
}

func (s *Server) handleDeleteAccount(sess *session, number uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := sess.account
	user := sess.user()
	for _, ch := range s.channels {
		if _, ok := ch.members[user]; !ok {
			continue
		}
		delete(ch.members, user)
		s.broadcast(ch, protocol.MemberChangeResponse{
			Channel: ch.id,
			Name:    acct.name,
			World:   acct.world,
			Change:  protocol.MemberLeft{},
		}, sess)
		if len(ch.members) == 0 {
			delete(s.channels, ch.id)
		}
	}

	delete(s.accounts, acct.key)
	delete(s.byUser, user)
	sess.account = nil
	s.respond(sess, number, protocol.DeleteAccountResponse{})
}

func (sess *session) user() userKey {
	return userKey{name: sess.account.name, world: sess.account.world}
}

// membership resolves a channel and the session's rank in it. Callers
// must hold s.mu.
func (s *Server) membership(sess *session, id protocol.ChannelID) (*channel, protocol.Rank, bool) {
	ch, ok := s.channels[id]
	if !ok {
		return nil, 0, false
	}
	rank, ok := ch.members[sess.user()]
	return ch, rank, ok
}

// wireChannel builds the protocol view of a channel. Callers must hold
// s.mu.
func (s *Server) wireChannel(ch *channel) protocol.Channel {
	return protocol.Channel{
		ID:      ch.id,
		Name:    ch.name,
		Members: s.wireMembers(ch),
	}
}

func (s *Server) wireMembers(ch *channel) []protocol.Member {
	members := make([]protocol.Member, 0, len(ch.members))
	for user, rank := range ch.members {
		members = append(members, protocol.Member{
			Name:   user.name,
			World:  user.world,
			Rank:   rank,
			Online: len(s.sessionsFor(user)) > 0,
		})
	}
	return members
}
