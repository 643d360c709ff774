// Package protocol implements the wire protocol spoken between a chat
// client and the relay server: a MessagePack envelope carrying a
// correlation number and a tagged message, plus the full request and
// response taxonomy.
package protocol

import (
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	// MaxMessageSize is the maximum encoded envelope size (1MB).
	MaxMessageSize = 1024 * 1024

	// PushNumber is the correlation number carried by server-initiated
	// pushes. Requests never use it.
	PushNumber uint32 = 0

	// LivenessProbeNumber is the correlation number reserved for the
	// post-connect liveness ping. The sequence allocator skips it.
	LivenessProbeNumber uint32 = 42069

	// Version is the protocol version this package implements.
	Version uint32 = 2
)

var (
	// ErrMessageTooLarge is returned when an encoded envelope exceeds MaxMessageSize
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrInvalidEnvelope is returned when an envelope is malformed
	ErrInvalidEnvelope = errors.New("invalid message envelope")

	// ErrUnknownKind is returned when a message carries an unrecognized kind tag
	ErrUnknownKind = errors.New("unknown message kind")

	// ErrInvalidChannelID is returned when a channel id is not 16 bytes
	ErrInvalidChannelID = errors.New("invalid channel id")
)

// encodeEnvelope writes the two-element envelope [number, {kind: payload}].
func encodeEnvelope(w io.Writer, number uint32, kind string, payload func(*msgpack.Encoder) error) error {
	enc := msgpack.NewEncoder(w)
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint32(number); err != nil {
		return err
	}
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(kind); err != nil {
		return err
	}
	return payload(enc)
}

// decodeEnvelopeHeader reads the envelope prefix and returns the
// correlation number and kind tag, leaving the decoder positioned at the
// payload.
func decodeEnvelopeHeader(dec *msgpack.Decoder) (uint32, string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, "", err
	}
	if n != 2 {
		return 0, "", ErrInvalidEnvelope
	}
	number, err := dec.DecodeUint32()
	if err != nil {
		return 0, "", err
	}
	entries, err := dec.DecodeMapLen()
	if err != nil {
		return 0, "", err
	}
	if entries != 1 {
		return 0, "", ErrInvalidEnvelope
	}
	kind, err := dec.DecodeString()
	if err != nil {
		return 0, "", err
	}
	return number, kind, nil
}

// encodeNil writes a nil payload for kinds that carry no data.
func encodeNil(enc *msgpack.Encoder) error {
	return enc.EncodeNil()
}

// skipPayload consumes a payload without interpreting it.
func skipPayload(dec *msgpack.Decoder) error {
	return dec.Skip()
}

// decodeBytesOrNil reads a binary value that may be nil.
func decodeBytesOrNil(dec *msgpack.Decoder) ([]byte, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if c == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return dec.DecodeBytes()
}

// decodeStringOrNil reads a string value that may be nil. The second
// return distinguishes nil from the empty string.
func decodeStringOrNil(dec *msgpack.Decoder) (string, bool, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return "", false, err
	}
	if c == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	s, err := dec.DecodeString()
	return s, err == nil, err
}

// encodeBytesOrNil writes b as binary, or nil when b is nil. An empty
// non-nil slice encodes as zero-length binary.
func encodeBytesOrNil(enc *msgpack.Encoder, b []byte) error {
	if b == nil {
		return enc.EncodeNil()
	}
	return enc.EncodeBytes(b)
}
