package protocol

import (
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Response is a server-to-client envelope. Number matches the request
// that triggered it, or PushNumber for server-initiated messages.
type Response struct {
	Number uint32
	Kind   ResponseKind
}

// IsPush reports whether the response was server-initiated.
func (r Response) IsPush() bool {
	return r.Number == PushNumber
}

// ResponseKind is implemented by every server-to-client message payload.
type ResponseKind interface {
	responseTag() string
	encodePayload(enc *msgpack.Encoder) error
}

// PingResponse answers a ping. No payload.
type PingResponse struct{}

func (PingResponse) responseTag() string { return "ping" }
func (PingResponse) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeNil()
}

// ErrorResponse reports a request failure. Channel is nil for errors not
// scoped to a channel.
type ErrorResponse struct {
	Channel *ChannelID
	Message string
}

func (ErrorResponse) responseTag() string { return "error" }
func (r ErrorResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if r.Channel == nil {
		if err := enc.EncodeNil(); err != nil {
			return err
		}
	} else if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	return enc.EncodeString(r.Message)
}

// RegisterResult is the outcome of a register request.
type RegisterResult interface {
	registerResult()
}

// RegisterFailure means the name/world pair could not be claimed.
type RegisterFailure struct{}

// RegisterChallenge carries text the user must place in their profile to
// prove ownership before registration completes.
type RegisterChallenge struct {
	Challenge string
}

// RegisterSuccess carries the account key for all future authentication.
type RegisterSuccess struct {
	Key string
}

func (RegisterFailure) registerResult()   {}
func (RegisterChallenge) registerResult() {}
func (RegisterSuccess) registerResult()   {}

// RegisterResponse wraps a RegisterResult.
type RegisterResponse struct {
	Result RegisterResult
}

func (RegisterResponse) responseTag() string { return "register" }
func (r RegisterResponse) encodePayload(enc *msgpack.Encoder) error {
	switch res := r.Result.(type) {
	case RegisterFailure:
		return enc.EncodeString("failure")
	case RegisterChallenge:
		if err := encodeOneFieldVariant(enc, "challenge"); err != nil {
			return err
		}
		return enc.EncodeString(res.Challenge)
	case RegisterSuccess:
		if err := encodeOneFieldVariant(enc, "success"); err != nil {
			return err
		}
		return enc.EncodeString(res.Key)
	default:
		return fmt.Errorf("%w: register result %T", ErrUnknownKind, r.Result)
	}
}

// AuthenticateResponse reports authentication outcome. Error is empty on
// success.
type AuthenticateResponse struct {
	Error string
}

func (AuthenticateResponse) responseTag() string { return "authenticate" }
func (r AuthenticateResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	if r.Error == "" {
		return enc.EncodeNil()
	}
	return enc.EncodeString(r.Error)
}

// MessageResponse delivers an encrypted channel message.
type MessageResponse struct {
	Channel ChannelID
	Sender  string
	World   uint16
	Message []byte
}

func (MessageResponse) responseTag() string { return "message" }
func (r MessageResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Sender); err != nil {
		return err
	}
	if err := enc.EncodeUint16(r.World); err != nil {
		return err
	}
	return enc.EncodeBytes(r.Message)
}

// CreateResponse confirms channel creation with the full channel record.
type CreateResponse struct {
	Channel Channel
}

func (CreateResponse) responseTag() string { return "create" }
func (r CreateResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return r.Channel.EncodeMsgpack(enc)
}

// PublicKeyResponse returns a user's session public key, or nil when the
// user is offline, unknown, or does not accept invites.
type PublicKeyResponse struct {
	Name      string
	World     uint16
	PublicKey []byte
}

func (PublicKeyResponse) responseTag() string { return "public_key" }
func (r PublicKeyResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := enc.EncodeString(r.Name); err != nil {
		return err
	}
	if err := enc.EncodeUint16(r.World); err != nil {
		return err
	}
	return encodeBytesOrNil(enc, r.PublicKey)
}

// InviteResponse confirms an invite was delivered.
type InviteResponse struct {
	Channel ChannelID
	Name    string
	World   uint16
}

func (InviteResponse) responseTag() string { return "invite" }
func (r InviteResponse) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelTarget(enc, r.Channel, r.Name, r.World)
}

// InvitedResponse notifies this client it was invited to a channel. The
// channel secret is encrypted to this client's public key using the
// inviter's key, which is included.
type InvitedResponse struct {
	Channel         Channel
	Name            string
	World           uint16
	PublicKey       []byte
	EncryptedSecret []byte
}

func (InvitedResponse) responseTag() string { return "invited" }
func (r InvitedResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(5); err != nil {
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
	if err := enc.EncodeBytes(r.PublicKey); err != nil {
		return err
	}
	return enc.EncodeBytes(r.EncryptedSecret)
}

// JoinResponse confirms this client joined a channel.
type JoinResponse struct {
	Channel Channel
}

func (JoinResponse) responseTag() string { return "join" }
func (r JoinResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return r.Channel.EncodeMsgpack(enc)
}

// ListResult is the payload of a list response.
type ListResult interface {
	listResult()
}

// ListAll carries both joined channels and pending invites.
type ListAll struct {
	Channels []Channel
	Invites  []Channel
}

// ListChannels carries joined channel summaries.
type ListChannels struct {
	Channels []SimpleChannel
}

// ListMembers carries one channel's roster.
type ListMembers struct {
	Channel ChannelID
	Members []Member
}

// ListInvites carries pending invite summaries.
type ListInvites struct {
	Invites []SimpleChannel
}

func (ListAll) listResult()      {}
func (ListChannels) listResult() {}
func (ListMembers) listResult()  {}
func (ListInvites) listResult()  {}

// ListResponse wraps a ListResult.
type ListResponse struct {
	Result ListResult
}

func (ListResponse) responseTag() string { return "list" }
func (r ListResponse) encodePayload(enc *msgpack.Encoder) error {
	switch res := r.Result.(type) {
	case ListAll:
		if err := encodeVariantHeader(enc, "all", 2); err != nil {
			return err
		}
		if err := encodeChannels(enc, res.Channels); err != nil {
			return err
		}
		return encodeChannels(enc, res.Invites)
	case ListChannels:
		if err := encodeOneFieldVariant(enc, "channels"); err != nil {
			return err
		}
		return encodeSimpleChannels(enc, res.Channels)
	case ListMembers:
		if err := encodeVariantHeader(enc, "members", 2); err != nil {
			return err
		}
		if err := res.Channel.EncodeMsgpack(enc); err != nil {
			return err
		}
		return encodeMembers(enc, res.Members)
	case ListInvites:
		if err := encodeOneFieldVariant(enc, "invites"); err != nil {
			return err
		}
		return encodeSimpleChannels(enc, res.Invites)
	default:
		return fmt.Errorf("%w: list result %T", ErrUnknownKind, r.Result)
	}
}

// LeaveResponse confirms this client left a channel (or declined an
// invite). Error is non-empty when leaving failed.
type LeaveResponse struct {
	Channel ChannelID
	Error   string
}

func (LeaveResponse) responseTag() string { return "leave" }
func (r LeaveResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	if r.Error == "" {
		return enc.EncodeNil()
	}
	return enc.EncodeString(r.Error)
}

// KickResponse confirms a member was kicked.
type KickResponse struct {
	Channel ChannelID
	Name    string
	World   uint16
}

func (KickResponse) responseTag() string { return "kick" }
func (r KickResponse) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelTarget(enc, r.Channel, r.Name, r.World)
}

// DisbandResponse notifies that a channel was disbanded.
type DisbandResponse struct {
	Channel ChannelID
}

func (DisbandResponse) responseTag() string { return "disband" }
func (r DisbandResponse) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelOnly(enc, r.Channel)
}

// PromoteResponse confirms a rank change.
type PromoteResponse struct {
	Channel ChannelID
	Name    string
	World   uint16
	Rank    Rank
}

func (PromoteResponse) responseTag() string { return "promote" }
func (r PromoteResponse) encodePayload(enc *msgpack.Encoder) error {
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

// UpdateResponse confirms this client's channel update was applied.
type UpdateResponse struct {
	Channel ChannelID
}

func (UpdateResponse) responseTag() string { return "update" }
func (r UpdateResponse) encodePayload(enc *msgpack.Encoder) error {
	return encodeChannelOnly(enc, r.Channel)
}

// UpdatedResponse notifies that another member updated a channel.
type UpdatedResponse struct {
	Channel ChannelID
	Kind    UpdateKind
}

func (UpdatedResponse) responseTag() string { return "updated" }
func (r UpdatedResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	return r.Kind.EncodeMsgpack(enc)
}

// MemberChange describes what happened to a channel member.
type MemberChange interface {
	memberChange()
}

// MemberJoined means the member accepted an invite.
type MemberJoined struct{}

// MemberLeft means the member left voluntarily.
type MemberLeft struct{}

// InviteDeclined means the member declined their invite.
type InviteDeclined struct{}

// MemberInvited means the member was invited by the named actor.
type MemberInvited struct {
	ByName  string
	ByWorld uint16
}

// InviteCancelled means the member's invite was cancelled by the named
// actor.
type InviteCancelled struct {
	ByName  string
	ByWorld uint16
}

// MemberKicked means the member was removed by the named actor.
type MemberKicked struct {
	ByName  string
	ByWorld uint16
}

// MemberPromoted means the member's rank changed.
type MemberPromoted struct {
	Rank Rank
}

func (MemberJoined) memberChange()    {}
func (MemberLeft) memberChange()      {}
func (InviteDeclined) memberChange()  {}
func (MemberInvited) memberChange()   {}
func (InviteCancelled) memberChange() {}
func (MemberKicked) memberChange()    {}
func (MemberPromoted) memberChange()  {}

// MemberChangeResponse notifies of a roster change in a channel.
type MemberChangeResponse struct {
	Channel ChannelID
	Name    string
	World   uint16
	Change  MemberChange
}

func (MemberChangeResponse) responseTag() string { return "member_change" }
func (r MemberChangeResponse) encodePayload(enc *msgpack.Encoder) error {
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
	return encodeMemberChange(enc, r.Change)
}

func encodeMemberChange(enc *msgpack.Encoder, change MemberChange) error {
	switch c := change.(type) {
	case MemberJoined:
		return enc.EncodeString("join")
	case MemberLeft:
		return enc.EncodeString("leave")
	case InviteDeclined:
		return enc.EncodeString("invite_decline")
	case MemberInvited:
		return encodeActorVariant(enc, "invite", c.ByName, c.ByWorld)
	case InviteCancelled:
		return encodeActorVariant(enc, "invite_cancel", c.ByName, c.ByWorld)
	case MemberKicked:
		return encodeActorVariant(enc, "kick", c.ByName, c.ByWorld)
	case MemberPromoted:
		if err := encodeOneFieldVariant(enc, "promote"); err != nil {
			return err
		}
		return enc.EncodeUint8(uint8(c.Rank))
	default:
		return fmt.Errorf("%w: member change %T", ErrUnknownKind, change)
	}
}

// SecretsResponse delivers the channel secret this client previously
// requested, encrypted to its public key by the sending member.
type SecretsResponse struct {
	Channel               ChannelID
	PublicKey             []byte
	EncryptedSharedSecret []byte
}

func (SecretsResponse) responseTag() string { return "secrets" }
func (r SecretsResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.PublicKey); err != nil {
		return err
	}
	return encodeBytesOrNil(enc, r.EncryptedSharedSecret)
}

// SendSecretsResponse asks this client to supply a channel secret to the
// requester identified by RequestID and PublicKey.
type SendSecretsResponse struct {
	Channel   ChannelID
	RequestID RequestID
	PublicKey []byte
}

func (SendSecretsResponse) responseTag() string { return "send_secrets" }
func (r SendSecretsResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(3); err != nil {
		return err
	}
	if err := r.Channel.EncodeMsgpack(enc); err != nil {
		return err
	}
	if err := r.RequestID.EncodeMsgpack(enc); err != nil {
		return err
	}
	return enc.EncodeBytes(r.PublicKey)
}

// VersionResponse acknowledges the client's protocol version.
type VersionResponse struct {
	Version uint32
}

func (VersionResponse) responseTag() string { return "version" }
func (r VersionResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return enc.EncodeUint32(r.Version)
}

// DeleteAccountResponse confirms account deletion. No payload.
type DeleteAccountResponse struct{}

func (DeleteAccountResponse) responseTag() string { return "delete_account" }
func (DeleteAccountResponse) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeNil()
}

// AnnounceResponse carries a server-wide announcement.
type AnnounceResponse struct {
	Announcement string
}

func (AnnounceResponse) responseTag() string { return "announce" }
func (r AnnounceResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return enc.EncodeString(r.Announcement)
}

// AllowInvitesResponse confirms the invite preference.
type AllowInvitesResponse struct {
	Allowed bool
}

func (AllowInvitesResponse) responseTag() string { return "allow_invites" }
func (r AllowInvitesResponse) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(1); err != nil {
		return err
	}
	return enc.EncodeBool(r.Allowed)
}

// EncodeResponse writes a complete response envelope to w. It is the
// inverse of DecodeResponse and exists so a server (real or test) can
// speak the same wire format.
func EncodeResponse(w io.Writer, resp Response) error {
	return encodeEnvelope(w, resp.Number, resp.Kind.responseTag(), resp.Kind.encodePayload)
}

// DecodeResponse reads a complete response envelope from r.
func DecodeResponse(r io.Reader) (Response, error) {
	dec := msgpack.NewDecoder(r)
	number, tag, err := decodeEnvelopeHeader(dec)
	if err != nil {
		return Response{}, err
	}
	kind, err := decodeResponsePayload(dec, tag)
	if err != nil {
		return Response{}, err
	}
	return Response{Number: number, Kind: kind}, nil
}

func decodeResponsePayload(dec *msgpack.Decoder, tag string) (ResponseKind, error) {
	switch tag {
	case "ping":
		if err := skipPayload(dec); err != nil {
			return nil, err
		}
		return PingResponse{}, nil
	case "error":
		return decodeErrorResponse(dec)
	case "register":
		return decodeRegisterResponse(dec)
	case "authenticate":
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		msg, _, err := decodeStringOrNil(dec)
		if err != nil {
			return nil, err
		}
		return AuthenticateResponse{Error: msg}, nil
	case "message":
		var r MessageResponse
		if err := expectArrayLen(dec, 4); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.Sender, err = dec.DecodeString(); err != nil {
			return nil, err
		}
		if r.World, err = dec.DecodeUint16(); err != nil {
			return nil, err
		}
		if r.Message, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		return r, nil
	case "create":
		var r CreateResponse
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "public_key":
		var r PublicKeyResponse
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
		if r.PublicKey, err = decodeBytesOrNil(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "invite":
		ch, name, world, err := decodeChannelTarget(dec)
		if err != nil {
			return nil, err
		}
		return InviteResponse{Channel: ch, Name: name, World: world}, nil
	case "invited":
		var r InvitedResponse
		if err := expectArrayLen(dec, 5); err != nil {
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
		if r.PublicKey, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		if r.EncryptedSecret, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		return r, nil
	case "join":
		var r JoinResponse
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "list":
		return decodeListResponse(dec)
	case "leave":
		var r LeaveResponse
		if err := expectArrayLen(dec, 2); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		msg, _, err := decodeStringOrNil(dec)
		if err != nil {
			return nil, err
		}
		r.Error = msg
		return r, nil
	case "kick":
		ch, name, world, err := decodeChannelTarget(dec)
		if err != nil {
			return nil, err
		}
		return KickResponse{Channel: ch, Name: name, World: world}, nil
	case "disband":
		ch, err := decodeChannelOnly(dec)
		if err != nil {
			return nil, err
		}
		return DisbandResponse{Channel: ch}, nil
	case "promote":
		var r PromoteResponse
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
		ch, err := decodeChannelOnly(dec)
		if err != nil {
			return nil, err
		}
		return UpdateResponse{Channel: ch}, nil
	case "updated":
		var r UpdatedResponse
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
	case "member_change":
		return decodeMemberChangeResponse(dec)
	case "secrets":
		var r SecretsResponse
		if err := expectArrayLen(dec, 3); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.PublicKey, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		if r.EncryptedSharedSecret, err = decodeBytesOrNil(dec); err != nil {
			return nil, err
		}
		return r, nil
	case "send_secrets":
		var r SendSecretsResponse
		if err := expectArrayLen(dec, 3); err != nil {
			return nil, err
		}
		if err := r.Channel.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		if err := r.RequestID.DecodeMsgpack(dec); err != nil {
			return nil, err
		}
		var err error
		if r.PublicKey, err = dec.DecodeBytes(); err != nil {
			return nil, err
		}
		return r, nil
	case "version":
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		v, err := dec.DecodeUint32()
		if err != nil {
			return nil, err
		}
		return VersionResponse{Version: v}, nil
	case "delete_account":
		if err := skipPayload(dec); err != nil {
			return nil, err
		}
		return DeleteAccountResponse{}, nil
	case "announce":
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		msg, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return AnnounceResponse{Announcement: msg}, nil
	case "allow_invites":
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		allowed, err := dec.DecodeBool()
		if err != nil {
			return nil, err
		}
		return AllowInvitesResponse{Allowed: allowed}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, tag)
	}
}

func decodeErrorResponse(dec *msgpack.Decoder) (ErrorResponse, error) {
	var r ErrorResponse
	if err := expectArrayLen(dec, 2); err != nil {
		return r, err
	}
	c, err := dec.PeekCode()
	if err != nil {
		return r, err
	}
	if c == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return r, err
		}
	} else {
		var ch ChannelID
		if err := ch.DecodeMsgpack(dec); err != nil {
			return r, err
		}
		r.Channel = &ch
	}
	r.Message, err = dec.DecodeString()
	return r, err
}

func decodeRegisterResponse(dec *msgpack.Decoder) (RegisterResponse, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return RegisterResponse{}, err
	}
	if msgpcode.IsString(c) {
		variant, err := dec.DecodeString()
		if err != nil {
			return RegisterResponse{}, err
		}
		if variant != "failure" {
			return RegisterResponse{}, fmt.Errorf("%w: register %q", ErrUnknownKind, variant)
		}
		return RegisterResponse{Result: RegisterFailure{}}, nil
	}
	variant, err := decodeVariantHeader(dec, 1)
	if err != nil {
		return RegisterResponse{}, err
	}
	value, err := dec.DecodeString()
	if err != nil {
		return RegisterResponse{}, err
	}
	switch variant {
	case "challenge":
		return RegisterResponse{Result: RegisterChallenge{Challenge: value}}, nil
	case "success":
		return RegisterResponse{Result: RegisterSuccess{Key: value}}, nil
	default:
		return RegisterResponse{}, fmt.Errorf("%w: register %q", ErrUnknownKind, variant)
	}
}

func decodeListResponse(dec *msgpack.Decoder) (ListResponse, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return ListResponse{}, err
	}
	if n != 1 {
		return ListResponse{}, ErrInvalidEnvelope
	}
	variant, err := dec.DecodeString()
	if err != nil {
		return ListResponse{}, err
	}
	switch variant {
	case "all":
		if err := expectArrayLen(dec, 2); err != nil {
			return ListResponse{}, err
		}
		channels, err := decodeChannels(dec)
		if err != nil {
			return ListResponse{}, err
		}
		invites, err := decodeChannels(dec)
		if err != nil {
			return ListResponse{}, err
		}
		return ListResponse{Result: ListAll{Channels: channels, Invites: invites}}, nil
	case "channels":
		if err := expectArrayLen(dec, 1); err != nil {
			return ListResponse{}, err
		}
		channels, err := decodeSimpleChannels(dec)
		if err != nil {
			return ListResponse{}, err
		}
		return ListResponse{Result: ListChannels{Channels: channels}}, nil
	case "members":
		if err := expectArrayLen(dec, 2); err != nil {
			return ListResponse{}, err
		}
		var ch ChannelID
		if err := ch.DecodeMsgpack(dec); err != nil {
			return ListResponse{}, err
		}
		members, err := decodeMembers(dec)
		if err != nil {
			return ListResponse{}, err
		}
		return ListResponse{Result: ListMembers{Channel: ch, Members: members}}, nil
	case "invites":
		if err := expectArrayLen(dec, 1); err != nil {
			return ListResponse{}, err
		}
		invites, err := decodeSimpleChannels(dec)
		if err != nil {
			return ListResponse{}, err
		}
		return ListResponse{Result: ListInvites{Invites: invites}}, nil
	default:
		return ListResponse{}, fmt.Errorf("%w: list %q", ErrUnknownKind, variant)
	}
}

func decodeMemberChangeResponse(dec *msgpack.Decoder) (MemberChangeResponse, error) {
	var r MemberChangeResponse
	if err := expectArrayLen(dec, 4); err != nil {
		return r, err
	}
	if err := r.Channel.DecodeMsgpack(dec); err != nil {
		return r, err
	}
	var err error
	if r.Name, err = dec.DecodeString(); err != nil {
		return r, err
	}
	if r.World, err = dec.DecodeUint16(); err != nil {
		return r, err
	}
	r.Change, err = decodeMemberChange(dec)
	return r, err
}

func decodeMemberChange(dec *msgpack.Decoder) (MemberChange, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if msgpcode.IsString(c) {
		variant, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		switch variant {
		case "join":
			return MemberJoined{}, nil
		case "leave":
			return MemberLeft{}, nil
		case "invite_decline":
			return InviteDeclined{}, nil
		default:
			return nil, fmt.Errorf("%w: member change %q", ErrUnknownKind, variant)
		}
	}
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, ErrInvalidEnvelope
	}
	variant, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	switch variant {
	case "invite", "invite_cancel", "kick":
		if err := expectArrayLen(dec, 2); err != nil {
			return nil, err
		}
		name, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		world, err := dec.DecodeUint16()
		if err != nil {
			return nil, err
		}
		switch variant {
		case "invite":
			return MemberInvited{ByName: name, ByWorld: world}, nil
		case "invite_cancel":
			return InviteCancelled{ByName: name, ByWorld: world}, nil
		default:
			return MemberKicked{ByName: name, ByWorld: world}, nil
		}
	case "promote":
		if err := expectArrayLen(dec, 1); err != nil {
			return nil, err
		}
		rank, err := dec.DecodeUint8()
		if err != nil {
			return nil, err
		}
		return MemberPromoted{Rank: Rank(rank)}, nil
	default:
		return nil, fmt.Errorf("%w: member change %q", ErrUnknownKind, variant)
	}
}

func encodeVariantHeader(enc *msgpack.Encoder, name string, fields int) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(name); err != nil {
		return err
	}
	return enc.EncodeArrayLen(fields)
}

func encodeOneFieldVariant(enc *msgpack.Encoder, name string) error {
	return encodeVariantHeader(enc, name, 1)
}

func encodeActorVariant(enc *msgpack.Encoder, name, actor string, world uint16) error {
	if err := encodeVariantHeader(enc, name, 2); err != nil {
		return err
	}
	if err := enc.EncodeString(actor); err != nil {
		return err
	}
	return enc.EncodeUint16(world)
}

func decodeVariantHeader(dec *msgpack.Decoder, fields int) (string, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", ErrInvalidEnvelope
	}
	name, err := dec.DecodeString()
	if err != nil {
		return "", err
	}
	if err := expectArrayLen(dec, fields); err != nil {
		return "", err
	}
	return name, nil
}

func encodeChannels(enc *msgpack.Encoder, channels []Channel) error {
	if err := enc.EncodeArrayLen(len(channels)); err != nil {
		return err
	}
	for _, c := range channels {
		if err := c.EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

func decodeChannels(dec *msgpack.Decoder) ([]Channel, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	channels := make([]Channel, n)
	for i := range channels {
		if err := channels[i].DecodeMsgpack(dec); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

func encodeSimpleChannels(enc *msgpack.Encoder, channels []SimpleChannel) error {
	if err := enc.EncodeArrayLen(len(channels)); err != nil {
		return err
	}
	for _, c := range channels {
		if err := c.EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

func decodeSimpleChannels(dec *msgpack.Decoder) ([]SimpleChannel, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	channels := make([]SimpleChannel, n)
	for i := range channels {
		if err := channels[i].DecodeMsgpack(dec); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

func encodeMembers(enc *msgpack.Encoder, members []Member) error {
	if err := enc.EncodeArrayLen(len(members)); err != nil {
		return err
	}
	for _, m := range members {
		if err := m.EncodeMsgpack(enc); err != nil {
			return err
		}
	}
	return nil
}

func decodeMembers(dec *msgpack.Decoder) ([]Member, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	members := make([]Member, n)
	for i := range members {
		if err := members[i].DecodeMsgpack(dec); err != nil {
			return nil, err
		}
	}
	return members, nil
}
