package client

import (
	"sort"
	"sync"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// Identity names the local character. It is injected rather than read
// from globals so tests and multi-account setups can supply their own.
type Identity struct {
	Name  string
	World uint16
}

// Matches reports whether the identity refers to the given name/world.
func (id Identity) Matches(name string, world uint16) bool {
	return id.Name == name && id.World == world
}

// ChannelState holds the in-memory view of joined channels, pending
// invites, decrypted names, and this client's rank per channel. One
// mutex guards everything; all accessors copy data out.
type ChannelState struct {
	mu       sync.RWMutex
	channels map[protocol.ChannelID]*protocol.Channel
	invites  map[protocol.ChannelID]*protocol.Channel
	ranks    map[protocol.ChannelID]protocol.Rank
	names    map[protocol.ChannelID]string
}

func NewChannelState() *ChannelState {
	return &ChannelState{
		channels: make(map[protocol.ChannelID]*protocol.Channel),
		invites:  make(map[protocol.ChannelID]*protocol.Channel),
		ranks:    make(map[protocol.ChannelID]protocol.Rank),
		names:    make(map[protocol.ChannelID]string),
	}
}

// Reset drops every channel, invite, rank, and name. Each connection
// starts from nothing; the server's listing repopulates the state.
func (s *ChannelState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[protocol.ChannelID]*protocol.Channel)
	s.invites = make(map[protocol.ChannelID]*protocol.Channel)
	s.ranks = make(map[protocol.ChannelID]protocol.Rank)
	s.names = make(map[protocol.ChannelID]string)
}

// ReplaceAll swaps in a complete channel and invite listing, recomputing
// this client's rank in each channel from the roster.
func (s *ChannelState) ReplaceAll(channels, invites []protocol.Channel, self Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels = make(map[protocol.ChannelID]*protocol.Channel, len(channels))
	s.ranks = make(map[protocol.ChannelID]protocol.Rank, len(channels))
	for i := range channels {
		ch := copyChannel(channels[i])
		s.channels[ch.ID] = &ch
		for _, m := range ch.Members {
			if self.Matches(m.Name, m.World) {
				s.ranks[ch.ID] = m.Rank
				break
			}
		}
	}

	s.invites = make(map[protocol.ChannelID]*protocol.Channel, len(invites))
	for i := range invites {
		ch := copyChannel(invites[i])
		s.invites[ch.ID] = &ch
	}
}

// UpsertChannel adds or replaces a joined channel and records this
// client's rank in it. Any pending invite for the channel is cleared.
func (s *ChannelState) UpsertChannel(ch protocol.Channel, selfRank protocol.Rank) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := copyChannel(ch)
	s.channels[c.ID] = &c
	s.ranks[c.ID] = selfRank
	delete(s.invites, c.ID)
}

// RemoveChannel forgets a joined channel entirely.
func (s *ChannelState) RemoveChannel(id protocol.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
	delete(s.ranks, id)
	delete(s.names, id)
}

// Channel returns a copy of a joined channel.
func (s *ChannelState) Channel(id protocol.ChannelID) (protocol.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return protocol.Channel{}, false
	}
	return copyChannel(*ch), true
}

// Channels returns copies of all joined channels, ordered by id for a
// stable listing.
func (s *ChannelState) Channels() []protocol.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, copyChannel(*ch))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// AddInvite records a pending invite.
func (s *ChannelState) AddInvite(ch protocol.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := copyChannel(ch)
	s.invites[c.ID] = &c
}

// RemoveInvite clears a pending invite.
func (s *ChannelState) RemoveInvite(id protocol.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.invites, id)
}

// Invites returns copies of all pending invites.
func (s *ChannelState) Invites() []protocol.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Channel, 0, len(s.invites))
	for _, ch := range s.invites {
		out = append(out, copyChannel(*ch))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Rank returns this client's rank in a joined channel.
func (s *ChannelState) Rank(id protocol.ChannelID) (protocol.Rank, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.ranks[id]
	return r, ok
}

// SetRank records this client's rank in a channel.
func (s *ChannelState) SetRank(id protocol.ChannelID, rank protocol.Rank) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranks[id] = rank
}

// SetName records a channel's decrypted name.
func (s *ChannelState) SetName(id protocol.ChannelID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = name
}

// Name returns a channel's decrypted name, if known.
func (s *ChannelState) Name(id protocol.ChannelID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[id]
	return name, ok
}

// UpsertMember adds a member to a joined channel's roster, or replaces
// the existing entry for the same character.
func (s *ChannelState) UpsertMember(id protocol.ChannelID, member protocol.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return
	}
	for i := range ch.Members {
		if ch.Members[i].Name == member.Name && ch.Members[i].World == member.World {
			ch.Members[i] = member
			return
		}
	}
	ch.Members = append(ch.Members, member)
}

// RemoveMember drops a member from a joined channel's roster.
func (s *ChannelState) RemoveMember(id protocol.ChannelID, name string, world uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return
	}
	for i := range ch.Members {
		if ch.Members[i].Name == name && ch.Members[i].World == world {
			ch.Members = append(ch.Members[:i], ch.Members[i+1:]...)
			return
		}
	}
}

// SetMembers replaces a joined channel's roster wholesale.
func (s *ChannelState) SetMembers(id protocol.ChannelID, members []protocol.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return
	}
	ch.Members = append([]protocol.Member(nil), members...)
}

// SetMemberRank updates a roster member's rank, returning the previous
// rank so callers can distinguish promotion from demotion.
func (s *ChannelState) SetMemberRank(id protocol.ChannelID, name string, world uint16, rank protocol.Rank) (protocol.Rank, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return 0, false
	}
	for i := range ch.Members {
		if ch.Members[i].Name == name && ch.Members[i].World == world {
			old := ch.Members[i].Rank
			ch.Members[i].Rank = rank
			return old, true
		}
	}
	// A rank change for someone not on the roster still counts as a
	// promotion into the channel.
	ch.Members = append(ch.Members, protocol.Member{Name: name, World: world, Rank: rank, Online: true})
	return protocol.RankInvited, true
}

// MemberRank looks up a roster member's rank.
func (s *ChannelState) MemberRank(id protocol.ChannelID, name string, world uint16) (protocol.Rank, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return 0, false
	}
	for _, m := range ch.Members {
		if m.Name == name && m.World == world {
			return m.Rank, true
		}
	}
	return 0, false
}

func copyChannel(ch protocol.Channel) protocol.Channel {
	out := ch
	out.Name = append([]byte(nil), ch.Name...)
	out.Members = append([]protocol.Member(nil), ch.Members...)
	return out
}
