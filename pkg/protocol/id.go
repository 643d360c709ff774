package protocol

import (
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ChannelIDSize is the encoded size of a channel identifier (16 bytes).
const ChannelIDSize = 16

// ChannelID is the 128-bit channel identifier. The in-memory layout keeps
// the mixed-endian byte order used by every existing client build: the
// first three groups (4, 2, and 2 bytes) are little-endian and the last
// 8 bytes are big-endian. FlipBytes converts between that layout and the
// fully big-endian order used on the wire; the conversion must stay
// bit-for-bit identical or existing servers will see different ids.
type ChannelID [ChannelIDSize]byte

// NilChannelID is the zero channel id.
var NilChannelID ChannelID

// RequestID correlates a secrets request with the answer another member
// sends back. Same sixteen-byte flipped layout as ChannelID.
type RequestID = ChannelID

// NewRequestID returns a fresh random request id.
func NewRequestID() RequestID {
	return NewChannelID()
}

// NewChannelID returns a fresh random channel id.
func NewChannelID() ChannelID {
	u := uuid.New()
	var id ChannelID
	copy(id[:], u[:])
	FlipBytes(id[:])
	return id
}

// ParseChannelID parses the canonical textual form
// ("xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx").
func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilChannelID, err
	}
	var id ChannelID
	copy(id[:], u[:])
	FlipBytes(id[:])
	return id, nil
}

// String renders the id in canonical textual form.
func (id ChannelID) String() string {
	b := id
	FlipBytes(b[:])
	return uuid.UUID(b).String()
}

// IsNil reports whether the id is the zero id.
func (id ChannelID) IsNil() bool {
	return id == NilChannelID
}

// FlipBytes reorders the first 16 bytes of b between the in-memory layout
// and the wire layout: reverse bytes 0-3, reverse bytes 4-5, reverse bytes
// 6-7, keep bytes 8-15. Applying it twice is the identity.
func FlipBytes(b []byte) {
	_ = b[:ChannelIDSize]
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
}

// EncodeMsgpack writes the id as a 16-byte binary value in wire order.
func (id ChannelID) EncodeMsgpack(enc *msgpack.Encoder) error {
	b := id
	FlipBytes(b[:])
	return enc.EncodeBytes(b[:])
}

// DecodeMsgpack reads a 16-byte binary value and converts it to the
// in-memory layout.
func (id *ChannelID) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	if len(raw) != ChannelIDSize {
		return ErrInvalidChannelID
	}
	copy(id[:], raw)
	FlipBytes(id[:])
	return nil
}
