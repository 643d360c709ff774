package client

import (
	"go.uber.org/zap"

	"github.com/aeolun/crosschat/pkg/protocol"
)

// Event is something the application should surface to the user. Events
// arrive on the channel returned by Client.Events; delivery is best
// effort and slow consumers lose events rather than stalling the
// connection.
type Event interface {
	event()
}

// StateEvent reports a connection state transition.
type StateEvent struct {
	State ConnectionState
	Err   error
}

// MessageEvent is a decrypted channel message. Decrypted is false when
// the channel secret is unknown; Text is empty then.
type MessageEvent struct {
	Channel   protocol.ChannelID
	Sender    string
	World     uint16
	Text      string
	Decrypted bool
}

// InviteEvent reports an incoming channel invite.
type InviteEvent struct {
	Channel     protocol.ChannelID
	ChannelName string
	From        string
	FromWorld   uint16
}

// MemberEvent reports a roster change in a joined channel. Promotion
// reflects whether a rank change raised the member; it is meaningless
// for other change kinds.
type MemberEvent struct {
	Channel   protocol.ChannelID
	Name      string
	World     uint16
	Change    protocol.MemberChange
	Promotion bool
}

// ChannelRenamedEvent reports that a channel name changed.
type ChannelRenamedEvent struct {
	Channel protocol.ChannelID
	Name    string
}

// DisbandEvent reports that a channel was disbanded by its admin.
type DisbandEvent struct {
	Channel protocol.ChannelID
}

// SecretEvent reports that a previously missing channel secret arrived,
// so the channel is usable again.
type SecretEvent struct {
	Channel protocol.ChannelID
}

// AnnouncementEvent carries a server-wide announcement.
type AnnouncementEvent struct {
	Text string
}

// ErrorEvent carries a server error not tied to a pending request.
type ErrorEvent struct {
	Channel *protocol.ChannelID
	Message string
}

func (StateEvent) event()          {}
func (MessageEvent) event()        {}
func (InviteEvent) event()         {}
func (MemberEvent) event()         {}
func (ChannelRenamedEvent) event() {}
func (DisbandEvent) event()        {}
func (SecretEvent) event()         {}
func (AnnouncementEvent) event()   {}
func (ErrorEvent) event()          {}

// publish delivers an event without blocking the read loop. Dropped
// events are counted and logged.
func (c *Client) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		eventsDropped.Inc()
		c.log.Warn("event channel full, dropping event", zap.String("type", eventName(ev)))
	}
}

func eventName(ev Event) string {
	switch ev.(type) {
	case StateEvent:
		return "state"
	case MessageEvent:
		return "message"
	case InviteEvent:
		return "invite"
	case MemberEvent:
		return "member"
	case ChannelRenamedEvent:
		return "renamed"
	case DisbandEvent:
		return "disband"
	case SecretEvent:
		return "secret"
	case AnnouncementEvent:
		return "announcement"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}
