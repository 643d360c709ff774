package protocol

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Request is a client-to-server envelope: a correlation number and one
// request kind.
type Request struct {
	Number uint32
	Kind   RequestKind
}

// RequestKind is implemented by every client-to-server message payload.
type RequestKind interface {
	requestTag() string
	encodePayload(enc *msgpack.Encoder) error
}

// PingRequest probes connection liveness. It carries no payload.
type PingRequest struct{}

func (PingRequest) requestTag() string { return "ping" }
func (PingRequest) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeNil()
}

// RegisterRequest claims a character identity, optionally completing a
// previously issued challenge.
type RegisterRequest struct {
	Name               string
	World              uint16
	ChallengeCompleted bool
}

func (RegisterRequest) requestTag() string { return "register" }
func (r RegisterRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Name); err != nil {
		return err
	}
	if err := enc.EncodeUint16(r.World); err != nil {
		return err
	}
	return enc.EncodeBool(r.ChallengeCompleted)
}

// AuthenticateRequest presents the account key along with the session
// public key and invite preference.
type AuthenticateRequest struct {
	Key          string
	PublicKey    []byte
	AllowInvites bool
}

func (AuthenticateRequest) requestTag() string { return "authenticate" }
func (r AuthenticateRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Key); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.PublicKey); err != nil {
		return err
	}
	return enc.EncodeBool(r.AllowInvites)
}

// MessageRequest sends an encrypted message to a channel.
type MessageRequest struct {
	Channel ChannelID
	Message []byte
}

func (MessageRequest) requestTag() string { return "message" }
func (r MessageRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	return enc.EncodeBytes(r.Message)
}

// CreateRequest creates a channel with an encrypted name.
type CreateRequest struct {
	Name []byte
}

func (CreateRequest) requestTag() string { return "create" }
func (r CreateRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return enc.EncodeBytes(r.Name)
}

// PublicKeyRequest looks up another user's session public key.
type PublicKeyRequest struct {
	Name  string
	World uint16
}

func (PublicKeyRequest) requestTag() string { return "public_key" }
func (r PublicKeyRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Name); err != nil {
		return err
	}
	return enc.EncodeUint16(r.World)
}

// InviteRequest invites a user to a channel, carrying the channel secret
// encrypted to the invitee's public key.
type InviteRequest struct {
	Channel         ChannelID
	Name            string
	World           uint16
	EncryptedSecret []byte
}

func (InviteRequest) requestTag() string { return "invite" }
func (r InviteRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Name); err != nil {
		return err
	}
	if err := enc.EncodeUint16(r.World); err != nil {
		return err
	}
	return enc.EncodeBytes(r.EncryptedSecret)
}

// JoinRequest accepts a pending invite.
type JoinRequest struct {
	Channel ChannelID
}

func (JoinRequest) requestTag() string { return "join" }
func (r JoinRequest) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelOnly(enc, r.Channel)
}

// ListKind selects what a ListRequest enumerates.
type ListKind struct {
	// Members, when set, lists the roster of one channel.
	Members *ChannelID
	// Variant is "all", "channels", or "invites" when Members is nil.
	Variant string
}

// ListRequest enumerates channels, invites, or a channel roster.
type ListRequest struct {
	Kind ListKind
}

func (ListRequest) requestTag() string { return "list" }
func (r ListRequest) encodePayload(enc *msgpack.Encoder) error {
	if r.Kind.Members != nil {
		if err := enc.EncodeMapLen(1); err != nil {
			return err
		}
		if err := enc.EncodeString("members"); err != nil {
			return err
		}
		return r.Kind.Members.EncodeMsgpack(enc)
	}
	return enc.EncodeString(r.Kind.Variant)
}

// LeaveRequest leaves a channel or declines an invite.
type LeaveRequest struct {
	Channel ChannelID
}

func (LeaveRequest) requestTag() string { return "leave" }
func (r LeaveRequest) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelOnly(enc, r.Channel)
}

// KickRequest removes a member from a channel.
type KickRequest struct {
	Channel ChannelID
	Name    string
	World   uint16
}

func (KickRequest) requestTag() string { return "kick" }
func (r KickRequest) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelTarget(enc, r.Channel, r.Name, r.World)
}

// DisbandRequest deletes a channel entirely.
type DisbandRequest struct {
	Channel ChannelID
}

func (DisbandRequest) requestTag() string { return "disband" }
func (r DisbandRequest) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelOnly(enc, r.Channel)
}

// PromoteRequest changes a member's rank.
type PromoteRequest struct {
	Channel ChannelID
	Name    string
	World   uint16
	Rank    Rank
}

func (PromoteRequest) requestTag() string { return "promote" }
func (r PromoteRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Name); err != nil {
		return err
	}
	if err := enc.EncodeUint16(r.World); err != nil {
		return err
	}
	return enc.EncodeUint8(uint8(r.Rank))
}

// UpdateRequest changes a channel property.
type UpdateRequest struct {
	Channel ChannelID
	Kind    UpdateKind
}

func (UpdateRequest) requestTag() string { return "update" }
func (r UpdateRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	return r.Kind.EncodeMsgpack(enc)
}

// SecretsRequest asks online members for the channel's shared secret.
type SecretsRequest struct {
	Channel ChannelID
}

func (SecretsRequest) requestTag() string { return "secrets" }
func (r SecretsRequest) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelOnly(enc, r.Channel)
}

// SendSecretsRequest answers a secrets request. EncryptedSharedSecret is
// nil when this client does not hold the secret either.
type SendSecretsRequest struct {
	RequestID             RequestID
	EncryptedSharedSecret []byte
}

func (SendSecretsRequest) requestTag() string { return "send_secrets" }
func (r SendSecretsRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := r.RequestID.EncodeMsgpack(enc); err != nil {
		return err
	}
	return encodeBytesOrNil(enc, r.EncryptedSharedSecret)
}

// VersionRequest reports the client's protocol version.
type VersionRequest struct {
	Version uint32
}

func (VersionRequest) requestTag() string { return "version" }
func (r VersionRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return enc.EncodeUint32(r.Version)
}

// DeleteAccountRequest permanently deletes the account. No payload.
type DeleteAccountRequest struct{}

func (DeleteAccountRequest) requestTag() string { return "delete_account" }
func (DeleteAccountRequest) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeNil()
}

// AllowInvitesRequest toggles whether other users may invite this one.
type AllowInvitesRequest struct {
	Allowed bool
}

func (AllowInvitesRequest) requestTag() string { return "allow_invites" }
func (r AllowInvitesRequest) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return enc.EncodeBool(r.Allowed)
}

func encodeChannelOnly(enc *msgpack.Encoder, ch ChannelID) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return ch.EncodeMsgpack(enc)
}

func encodeChannelTarget(enc *msgpack.Encoder, ch ChannelID, name string, world uint16) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := ch.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeString(name); err != nil {
		return err
	}
	return enc.EncodeUint16(world)
}

// EncodeRequest writes a complete request envelope to w.
func EncodeRequest(w io.Writer, req Request) error {
	return encodeEnvelope(w, req.Number, req.Kind.requestTag(), req.Kind.encodePayload)
}

// DecodeRequest reads a complete request envelope from r. It is the
// inverse of EncodeRequest and exists so a server (real or test) can
// speak the same wire format.
func DecodeRequest(r io.Reader) (Request, error) {
	dec := msgpack.NewDecoder(r)
	number, tag, err := decodeEnvelopeHeader(dec)
	if err != nil {
		return Request{}, err
	}
	kind, err := decodeRequestPayload(dec, tag)
	if err != nil {
		return Request{}, err
	}
	return Request{Number: number, Kind: kind}, nil
}

func decodeRequestPayload(dec *msgpack.Decoder, tag string) (RequestKind, error) {
	switch tag {
	case "ping":
		if err := skipPayload(dec); err != nil {
			return nil, err
		}
		return PingRequest{}, nil
	case "register":
		var r RegisterRequest
		if err := expectArrayLen(dec, 3); err != nil {
			return nil, err
		}
		var err error
		if r.Name, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if r.World, err = dec.DecodeUint16(); err != nil {
			return nil, err
		}
		if r.ChallengeCompleted, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
		return r, nil
	case "authenticate":
		var r AuthenticateRequest
		if err := expectArrayLen(dec, 3); err != nil {
			return nil, err
		}
		var err error
		if r.Key, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if r.PublicKey, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		if r.AllowInvites, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
		return r, nil
	case "message":
		var r MessageRequest
		if err := expectArrayLen(dec, 2); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.Message, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		return r, nil
	case "create":
		var r CreateRequest
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		var err error
		if r.Name, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		return r, nil
	case "public_key":
		var r PublicKeyRequest
		if err := expectArrayLen(dec, 2); err != nil {
			return nil, err
		}
		var err error
		if r.Name, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if r.World, err = dec.DecodeUint16(); err != nil {
			return nil, err
		}
		return r, nil
	case "invite":
		var r InviteRequest
		if err := expectArrayLen(dec, 4); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.Name, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if r.World, err = dec.DecodeUint16(); err != nil {
			return nil, err
		}
		if r.EncryptedSecret, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		return r, nil
	case "join":
		ch, err := decodeChannelOnly(dec)
		if err != nil {
			return nil, err
		}
		return JoinRequest{Channel: ch}, nil
	case "list":
		return decodeListRequest(dec)
	case "leave":
		ch, err := decodeChannelOnly(dec)
		if err != nil {
			return nil, err
		}
		return LeaveRequest{Channel: ch}, nil
	case "kick":
		var r KickRequest
		var err error
		if r.Channel, r.Name, r.World, err = decodeChannelTarget(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "disband":
		ch, err := decodeChannelOnly(dec)
		if err != nil {
			return nil, err
		}
		return DisbandRequest{Channel: ch}, nil
	case "promote":
		var r PromoteRequest
		if err := expectArrayLen(dec, 4); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.Name, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if r.World, err = dec.DecodeUint16(); err != nil {
			return nil, err
		}
		rank, err := dec.DecodeUint8()
		if err != nil {
			return nil, err
		}
		r.Rank = Rank(rank)
		return r, nil
	case "update":
		var r UpdateRequest
		if err := expectArrayLen(dec, 2); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		if err := r.Kind.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "secrets":
		ch, err := decodeChannelOnly(dec)
		if err != nil {
			return nil, err
		}
		return SecretsRequest{Channel: ch}, nil
	case "send_secrets":
		var r SendSecretsRequest
		if err := expectArrayLen(dec, 2); err != nil {
			return nil, err
		}
		if err := r.RequestID.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.EncryptedSharedSecret, err = decodeBytesOrNil(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "version":
		var r VersionRequest
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		var err error
		if r.Version, err = dec.DecodeUint32(); err != nil {
			return nil, err
		}
		return r, nil
	case "delete_account":
		if err := skipPayload(dec); err != nil {
			return nil, err
		}
		return DeleteAccountRequest{}, nil
	case "allow_invites":
		var r AllowInvitesRequest
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		var err error
		if r.Allowed, err = dec.DecodeBool(); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
}

func decodeListRequest(dec *msgpack.Decoder) (ListRequest, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return ListRequest{}, err
	}
	if msgpcode.IsString(c) {
		variant, err := dec.DecodeString()
		if err != nil {
			return ListRequest{}, err
		}
		switch variant {
		case "all", "channels", "invites":
			return ListRequest{Kind: ListKind{Variant: variant}}, nil
		default:
			return ListRequest{}, fmt.Errorf("%w: list %q", ErrUnknownKind, variant)
		}
	}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return ListRequest{}, err
	}
	if n != 1 {
		return ListRequest{}, ErrInvalidEnvelope
	}
	key, err := dec.DecodeString()
	if err != nil {
		return ListRequest{}, err
	}
	if key != "members" {
		return ListRequest{}, fmt.Errorf("%w: list %q", ErrUnknownKind, key)
	}
	var ch ChannelID
	if err := ch.DecodeMsgpack(dec); err != nil {
		return ListRequest{}, err
	}
	return ListRequest{Kind: ListKind{Members: &ch}}, nil
}

func decodeChannelOnly(dec *msgpack.Decoder) (ChannelID, error) {
	if err := expectArrayLen(dec, 1); err != nil {
		return NilChannelID, err
	}
	var ch ChannelID
	err := ch.DecodeMsgpack(dec)
	return ch, err
}

func decodeChannelTarget(dec *msgpack.Decoder) (ChannelID, string, uint16, error) {
	if err := expectArrayLen(dec, 3); err != nil {
		return NilChannelID, "", 0, err
	}
	var ch ChannelID
	if err := ch.DecodeMsgpack(dec); err != nil {
		return NilChannelID, "", 0, err
	}
	name, err := dec.DecodeString()
	if err != nil {
		return NilChannelID, "", 0, err
	}
	world, err := dec.DecodeUint16()
	if err != nil {
		return NilChannelID, "", 0, err
	}
	return ch, name, world, nil
}

func expectArrayLen(dec *msgpack.Decoder, want int) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != want {
		return fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidEnvelope, want, n)
	}
	return nil
}
