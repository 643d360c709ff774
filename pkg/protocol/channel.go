package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Rank is a member's permission level within a channel.
type Rank uint8

const (
	RankInvited   Rank = 0
	RankMember    Rank = 1
	RankModerator Rank = 2
	RankAdmin     Rank = 3
)

// String returns a human-readable rank name.
func (r Rank) String() string {
	switch r {
	case RankInvited:
		return "invited"
	case RankMember:
		return "member"
	case RankModerator:
		return "moderator"
	case RankAdmin:
		return "admin"
	default:
		return fmt.Sprintf("rank(%d)", uint8(r))
	}
}

// Valid reports whether r is a known rank value.
func (r Rank) Valid() bool {
	return r <= RankAdmin
}

// CanKick reports whether a member with rank r may kick a member with
// rank target. Kicking requires moderator or better, a strictly lower
// target, and the target must be a full member rather than a pending
// invite (invites are cancelled, not kicked).
func (r Rank) CanKick(target Rank) bool {
	return r >= RankModerator && target < r && target != RankInvited
}

// CanPromote reports whether a member with rank r may set another
// member's rank to target. Only admins change ranks, and promoting to
// admin transfers admin-level control, so it requires admin as well.
func (r Rank) CanPromote(target Rank) bool {
	if r != RankAdmin {
		return false
	}
	return target.Valid()
}

// Member is one entry in a channel roster.
type Member struct {
	Name   string
	World  uint16
	Rank   Rank
	Online bool
}

func (m Member) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeString(m.Name); err != nil {
		return err
	}
	if err := enc.EncodeUint16(m.World); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(m.Rank)); err != nil {
		return err
	}
	return enc.EncodeBool(m.Online)
}

func (m *Member) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("member: expected 4 fields, got %d", n)
	}
	if m.Name, err = dec.DecodeString(); err != nil {
		return err
	}
	if m.World, err = dec.DecodeUint16(); err != nil {
		return err
	}
	rank, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	m.Rank = Rank(rank)
	m.Online, err = dec.DecodeBool()
	return err
}

// Channel is a full channel record: id, encrypted name, and roster.
// Name is ciphertext; decrypting it requires the channel's shared secret.
type Channel struct {
	ID      ChannelID
	Name    []byte
	Members []Member
}

func (c Channel) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := c.ID.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeBytes(c.Name); err != nil {
		return err
	}
	if err := enc.EncodeArrayLen(len(c.Members)); err != nil {
		return err
	}
	for _, m := range c.Members {
		if err := m.EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("channel: expected 3 fields, got %d", n)
	}
	if err := c.ID.DecodeMsgpack(dec); err != nil {
		return err
	}
	if c.Name, err = dec.DecodeBytes(); err != nil {
		return err
	}
	count, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	c.Members = make([]Member, count)
	for i := range c.Members {
		if err := c.Members[i].DecodeMsgpack(dec); err != nil {
			return err
		}
	}
	return nil
}

// SimpleChannel is a channel summary without the roster, as returned by
// list operations.
type SimpleChannel struct {
	ID   ChannelID
	Name []byte
	Rank Rank
}

func (c SimpleChannel) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := c.ID.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeBytes(c.Name); err != nil {
		return err
	}
	return enc.EncodeUint8(uint8(c.Rank))
}

func (c *SimpleChannel) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("simple channel: expected 3 fields, got %d", n)
	}
	if err := c.ID.DecodeMsgpack(dec); err != nil {
		return err
	}
	if c.Name, err = dec.DecodeBytes(); err != nil {
		return err
	}
	rank, err := dec.DecodeUint8()
	if err != nil {
		return err
	}
	c.Rank = Rank(rank)
	return nil
}

// UpdateKind describes a channel property change. Only the name can be
// updated today; the one-entry-map encoding leaves room for more.
type UpdateKind struct {
	// Name is the new encrypted channel name.
	Name []byte
}

func (u UpdateKind) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString("name"); err != nil {
		return err
	}
	return enc.EncodeBytes(u.Name)
}

func (u *UpdateKind) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("update kind: expected one entry, got %d", n)
	}
	key, err := dec.DecodeString()
	if err != nil {
		return err
	}
	if key != "name" {
		return fmt.Errorf("update kind: unknown variant %q", key)
	}
	u.Name, err = dec.DecodeBytes()
	return err
}
