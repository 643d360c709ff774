package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustChannelID(t testing.TB, s string) ChannelID {
	t.Helper()
	id, err := ParseChannelID(s)
	require.NoError(t, err)
	return id
}

func roundTripRequest(t *testing.T, req Request) Request {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, req))
	decoded, err := DecodeRequest(&buf)
	require.NoError(t, err)
	return decoded
}

func roundTripResponse(t *testing.T, resp Response) Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, EncodeResponse(&buf, resp))
	decoded, err := DecodeResponse(&buf)
	require.NoError(t, err)
	return decoded
}

func TestPingRequestWireBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, Request{
		Number: LivenessProbeNumber,
		Kind:   PingRequest{},
	}))

	// [42069, {"ping": nil}]
	want := []byte{
		0x92,                         // array of 2
		0xce, 0x00, 0x00, 0xa4, 0x55, // uint32 42069
		0x81,                         // map of 1
		0xa4, 'p', 'i', 'n', 'g',     // "ping"
		0xc0, // nil
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestRequestRoundTrip(t *testing.T) {
	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")

	cases := []struct {
		name string
		req  Request
	}{
		{"register", Request{Number: 1, Kind: RegisterRequest{Name: "Aeolun Vex", World: 73, ChallengeCompleted: true}}},
		{"authenticate", Request{Number: 2, Kind: AuthenticateRequest{Key: "secret-key", PublicKey: []byte{1, 2, 3}, AllowInvites: true}}},
		{"message", Request{Number: 3, Kind: MessageRequest{Channel: ch, Message: []byte("ciphertext")}}},
		{"create", Request{Number: 4, Kind: CreateRequest{Name: []byte("encrypted name")}}},
		{"public_key", Request{Number: 5, Kind: PublicKeyRequest{Name: "Other Person", World: 54}}},
		{"invite", Request{Number: 6, Kind: InviteRequest{Channel: ch, Name: "Other Person", World: 54, EncryptedSecret: []byte{9, 8, 7}}}},
		{"join", Request{Number: 7, Kind: JoinRequest{Channel: ch}}},
		{"leave", Request{Number: 8, Kind: LeaveRequest{Channel: ch}}},
		{"kick", Request{Number: 9, Kind: KickRequest{Channel: ch, Name: "Other Person", World: 54}}},
		{"disband", Request{Number: 10, Kind: DisbandRequest{Channel: ch}}},
		{"promote", Request{Number: 11, Kind: PromoteRequest{Channel: ch, Name: "Other Person", World: 54, Rank: RankModerator}}},
		{"update", Request{Number: 12, Kind: UpdateRequest{Channel: ch, Kind: UpdateKind{Name: []byte("new name")}}}},
		{"secrets", Request{Number: 13, Kind: SecretsRequest{Channel: ch}}},
		{"send_secrets", Request{Number: 14, Kind: SendSecretsRequest{RequestID: NewRequestID(), EncryptedSharedSecret: []byte{4, 5, 6}}}},
		{"version", Request{Number: 15, Kind: VersionRequest{Version: 2}}},
		{"delete_account", Request{Number: 16, Kind: DeleteAccountRequest{}}},
		{"allow_invites", Request{Number: 17, Kind: AllowInvitesRequest{Allowed: false}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.req, roundTripRequest(t, tc.req))
		})
	}
}

func TestSendSecretsRequestNilSecret(t *testing.T) {
	rid := NewRequestID()
	req := Request{Number: 5, Kind: SendSecretsRequest{RequestID: rid}}
	decoded := roundTripRequest(t, req)
	kind, ok := decoded.Kind.(SendSecretsRequest)
	require.True(t, ok)
	assert.Nil(t, kind.EncryptedSharedSecret)
	assert.Equal(t, rid, kind.RequestID)
}

func TestListRequestVariants(t *testing.T) {
	for _, variant := range []string{"all", "channels", "invites"} {
		req := Request{Number: 1, Kind: ListRequest{Kind: ListKind{Variant: variant}}}
		decoded := roundTripRequest(t, req)
		kind, ok := decoded.Kind.(ListRequest)
		require.True(t, ok)
		assert.Equal(t, variant, kind.Kind.Variant)
		assert.Nil(t, kind.Kind.Members)
	}

	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")
	req := Request{Number: 2, Kind: ListRequest{Kind: ListKind{Members: &ch}}}
	decoded := roundTripRequest(t, req)
	kind, ok := decoded.Kind.(ListRequest)
	require.True(t, ok)
	require.NotNil(t, kind.Kind.Members)
	assert.Equal(t, ch, *kind.Kind.Members)
}

func TestUnknownRequestKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeEnvelope(&buf, 1, "bogus", encodeNil))
	_, err := DecodeRequest(&buf)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestResponseRoundTrip(t *testing.T) {
	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")
	channel := Channel{
		ID:   ch,
		Name: []byte("encrypted"),
		Members: []Member{
			{Name: "Aeolun Vex", World: 73, Rank: RankAdmin, Online: true},
			{Name: "Other Person", World: 54, Rank: RankInvited, Online: false},
		},
	}

	cases := []struct {
		name string
		resp Response
	}{
		{"ping", Response{Number: LivenessProbeNumber, Kind: PingResponse{}}},
		{"authenticate ok", Response{Number: 1, Kind: AuthenticateResponse{}}},
		{"authenticate err", Response{Number: 1, Kind: AuthenticateResponse{Error: "invalid key"}}},
		{"message", Response{Number: PushNumber, Kind: MessageResponse{Channel: ch, Sender: "Aeolun Vex", World: 73, Message: []byte("ct")}}},
		{"create", Response{Number: 2, Kind: CreateResponse{Channel: channel}}},
		{"public_key", Response{Number: 3, Kind: PublicKeyResponse{Name: "Other Person", World: 54, PublicKey: []byte{1, 2}}}},
		{"public_key nil", Response{Number: 3, Kind: PublicKeyResponse{Name: "Other Person", World: 54}}},
		{"invite", Response{Number: 4, Kind: InviteResponse{Channel: ch, Name: "Other Person", World: 54}}},
		{"invited", Response{Number: PushNumber, Kind: InvitedResponse{Channel: channel, Name: "Aeolun Vex", World: 73, PublicKey: []byte{1}, EncryptedSecret: []byte{2}}}},
		{"join", Response{Number: 5, Kind: JoinResponse{Channel: channel}}},
		{"leave", Response{Number: 6, Kind: LeaveResponse{Channel: ch}}},
		{"kick", Response{Number: 7, Kind: KickResponse{Channel: ch, Name: "Other Person", World: 54}}},
		{"disband", Response{Number: PushNumber, Kind: DisbandResponse{Channel: ch}}},
		{"promote", Response{Number: 8, Kind: PromoteResponse{Channel: ch, Name: "Other Person", World: 54, Rank: RankModerator}}},
		{"update", Response{Number: 9, Kind: UpdateResponse{Channel: ch}}},
		{"updated", Response{Number: PushNumber, Kind: UpdatedResponse{Channel: ch, Kind: UpdateKind{Name: []byte("n")}}}},
		{"secrets", Response{Number: PushNumber, Kind: SecretsResponse{Channel: ch, PublicKey: []byte{1}, EncryptedSharedSecret: []byte{2}}}},
		{"send_secrets", Response{Number: PushNumber, Kind: SendSecretsResponse{Channel: ch, RequestID: NewRequestID(), PublicKey: []byte{1}}}},
		{"version", Response{Number: 10, Kind: VersionResponse{Version: 2}}},
		{"delete_account", Response{Number: 11, Kind: DeleteAccountResponse{}}},
		{"announce", Response{Number: PushNumber, Kind: AnnounceResponse{Announcement: "maintenance at noon"}}},
		{"allow_invites", Response{Number: 12, Kind: AllowInvitesResponse{Allowed: true}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.resp, roundTripResponse(t, tc.resp))
		})
	}
}

func TestErrorResponseChannelScope(t *testing.T) {
	global := roundTripResponse(t, Response{Number: 1, Kind: ErrorResponse{Message: "not authenticated"}})
	kind, ok := global.Kind.(ErrorResponse)
	require.True(t, ok)
	assert.Nil(t, kind.Channel)
	assert.Equal(t, "not authenticated", kind.Message)

	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")
	scoped := roundTripResponse(t, Response{Number: 2, Kind: ErrorResponse{Channel: &ch, Message: "no permission"}})
	kind, ok = scoped.Kind.(ErrorResponse)
	require.True(t, ok)
	require.NotNil(t, kind.Channel)
	assert.Equal(t, ch, *kind.Channel)
}

func TestRegisterResponseVariants(t *testing.T) {
	failure := roundTripResponse(t, Response{Number: 1, Kind: RegisterResponse{Result: RegisterFailure{}}})
	assert.Equal(t, RegisterResponse{Result: RegisterFailure{}}, failure.Kind)

	challenge := roundTripResponse(t, Response{Number: 2, Kind: RegisterResponse{Result: RegisterChallenge{Challenge: "put this in your profile"}}})
	assert.Equal(t, RegisterResponse{Result: RegisterChallenge{Challenge: "put this in your profile"}}, challenge.Kind)

	success := roundTripResponse(t, Response{Number: 3, Kind: RegisterResponse{Result: RegisterSuccess{Key: "account-key"}}})
	assert.Equal(t, RegisterResponse{Result: RegisterSuccess{Key: "account-key"}}, success.Kind)
}

func TestListResponseVariants(t *testing.T) {
	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")
	channel := Channel{ID: ch, Name: []byte("n"), Members: []Member{{Name: "A", World: 1, Rank: RankAdmin, Online: true}}}
	simple := SimpleChannel{ID: ch, Name: []byte("n"), Rank: RankMember}

	all := roundTripResponse(t, Response{Number: 1, Kind: ListResponse{Result: ListAll{
		Channels: []Channel{channel},
		Invites:  []Channel{},
	}}})
	assert.Equal(t, ListResponse{Result: ListAll{Channels: []Channel{channel}, Invites: []Channel{}}}, all.Kind)

	channels := roundTripResponse(t, Response{Number: 2, Kind: ListResponse{Result: ListChannels{Channels: []SimpleChannel{simple}}}})
	assert.Equal(t, ListResponse{Result: ListChannels{Channels: []SimpleChannel{simple}}}, channels.Kind)

	members := roundTripResponse(t, Response{Number: 3, Kind: ListResponse{Result: ListMembers{Channel: ch, Members: channel.Members}}})
	assert.Equal(t, ListResponse{Result: ListMembers{Channel: ch, Members: channel.Members}}, members.Kind)

	invites := roundTripResponse(t, Response{Number: 4, Kind: ListResponse{Result: ListInvites{Invites: []SimpleChannel{simple}}}})
	assert.Equal(t, ListResponse{Result: ListInvites{Invites: []SimpleChannel{simple}}}, invites.Kind)
}

func TestMemberChangeVariants(t *testing.T) {
	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")
	changes := []MemberChange{
		MemberJoined{},
		MemberLeft{},
		InviteDeclined{},
		MemberInvited{ByName: "Aeolun Vex", ByWorld: 73},
		InviteCancelled{ByName: "Aeolun Vex", ByWorld: 73},
		MemberKicked{ByName: "Aeolun Vex", ByWorld: 73},
		MemberPromoted{Rank: RankModerator},
	}

	for _, change := range changes {
		resp := Response{Number: PushNumber, Kind: MemberChangeResponse{
			Channel: ch,
			Name:    "Other Person",
			World:   54,
			Change:  change,
		}}
		assert.Equal(t, resp, roundTripResponse(t, resp))
	}
}

func TestMemberChangeActorWireShape(t *testing.T) {
	ch := mustChannelID(t, "00112233-4455-6677-8899-aabbccddeeff")
	var buf bytes.Buffer
	require.NoError(t, EncodeResponse(&buf, Response{
		Number: PushNumber,
		Kind: MemberChangeResponse{
			Channel: ch,
			Name:    "Other Person",
			World:   54,
			Change:  MemberKicked{ByName: "Aeolun Vex", ByWorld: 73},
		},
	}))

	// {"kick": ["Aeolun Vex", 73]}
	want := []byte{
		0x81,
		0xa4, 'k', 'i', 'c', 'k',
		0x92,
		0xaa, 'A', 'e', 'o', 'l', 'u', 'n', ' ', 'V', 'e', 'x',
		0xcd, 0x00, 0x49,
	}
	assert.True(t, bytes.HasSuffix(buf.Bytes(), want))
}

func TestRankPermissions(t *testing.T) {
	assert.True(t, RankModerator.CanKick(RankMember))
	assert.True(t, RankAdmin.CanKick(RankModerator))
	assert.False(t, RankModerator.CanKick(RankModerator))
	assert.False(t, RankMember.CanKick(RankMember))
	assert.False(t, RankAdmin.CanKick(RankInvited))

	assert.True(t, RankAdmin.CanPromote(RankModerator))
	assert.True(t, RankAdmin.CanPromote(RankAdmin))
	assert.False(t, RankModerator.CanPromote(RankMember))
	assert.False(t, RankAdmin.CanPromote(Rank(200)))
}

func TestUnknownResponseKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, encodeEnvelope(&buf, 1, "bogus", encodeNil))
	_, err := DecodeResponse(&buf)
	assert.ErrorIs(t, err, ErrUnknownKind)
}
