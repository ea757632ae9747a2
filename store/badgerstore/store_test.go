package badgerstore

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/veilchat/veil/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAccountPickleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pickle, err := s.GetAccountPickle(ctx)
	require.NoError(t, err)
	assert.Nil(t, pickle)

	require.NoError(t, s.PutAccountPickle(ctx, []byte("pickled")))
	pickle, err = s.GetAccountPickle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pickled"), pickle)
}

func TestOlmSessionsKeyedBySender(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sender := id.Curve25519("sender+key")

	require.NoError(t, s.PutOlmSessionPickle(ctx, sender, "sess-b", []byte("b")))
	require.NoError(t, s.PutOlmSessionPickle(ctx, sender, "sess-a", []byte("a")))
	require.NoError(t, s.PutOlmSessionPickle(ctx, "other+key", "sess-c", []byte("c")))

	ids, err := s.GetOlmSessionIDs(ctx, sender)
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.SessionID{"sess-a", "sess-b"}, ids)

	pickle, err := s.GetOlmSessionPickle(ctx, sender, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), pickle)
}

func TestInboundGroupSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &crypto.InboundGroupSessionRecord{
		SessionID:       "group-session",
		SenderKey:       "sender+key",
		RoomID:          "!room:example.org",
		Pickle:          []byte("pickle"),
		KeysClaimed:     map[string]string{"ed25519": "signing"},
		ForwardingChain: []string{"hop"},
	}
	require.NoError(t, s.PutInboundGroupSession(ctx, rec))

	got, err := s.GetInboundGroupSession(ctx, rec.SenderKey, rec.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.RoomID, got.RoomID)
	assert.Equal(t, rec.ForwardingChain, got.ForwardingChain)

	missing, err := s.GetInboundGroupSession(ctx, "nobody", "nothing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := s.ListInboundGroupSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOutboundGroupSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")

	sessionID, _, err := s.GetOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, sessionID)

	require.NoError(t, s.PutOutboundGroupSession(ctx, roomID, "live-session", []byte("pickle")))
	sessionID, pickle, err := s.GetOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, id.SessionID("live-session"), sessionID)
	assert.Equal(t, []byte("pickle"), pickle)

	require.NoError(t, s.DeleteOutboundGroupSession(ctx, roomID))
	sessionID, _, err = s.GetOutboundGroupSession(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, sessionID)
}

func TestPutDevicesReplacesSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := id.UserID("@alice:example.org")

	first := map[id.DeviceID]*crypto.DeviceIdentity{
		"OLD": {UserID: userID, DeviceID: "OLD", IdentityKey: "old+key", SigningKey: "old+sig"},
	}
	require.NoError(t, s.PutDevices(ctx, userID, first))

	second := map[id.DeviceID]*crypto.DeviceIdentity{
		"NEW": {UserID: userID, DeviceID: "NEW", IdentityKey: "new+key", SigningKey: "new+sig"},
	}
	require.NoError(t, s.PutDevices(ctx, userID, second))

	devices, err := s.GetDevices(ctx, userID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Contains(t, devices, id.DeviceID("NEW"))

	byKey, err := s.GetDeviceByIdentityKey(ctx, userID, "new+key")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, id.DeviceID("NEW"), byKey.DeviceID)
}

func TestTrackingStatusDeleteOnNotTracked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	userID := id.UserID("@bob:example.org")

	require.NoError(t, s.PutTrackingStatus(ctx, userID, crypto.TrackingUpToDate))
	statuses, err := s.GetTrackingStatuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, crypto.TrackingUpToDate, statuses[userID])

	require.NoError(t, s.PutTrackingStatus(ctx, userID, crypto.TrackingNotTracked))
	statuses, err = s.GetTrackingStatuses(ctx)
	require.NoError(t, err)
	assert.NotContains(t, statuses, userID)
}

func TestOutgoingKeyRequestQueue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &crypto.OutgoingKeyRequest{
		RequestID: "1700000000000.1",
		Body:      crypto.RoomKeyRequestBody{Algorithm: id.AlgorithmMegolmV1, RoomID: "!r:x", SessionID: "sess"},
		State:     crypto.KeyRequestSent,
	}
	require.NoError(t, s.PutOutgoingKeyRequest(ctx, req))

	reqs, err := s.ListOutgoingKeyRequests(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, crypto.KeyRequestSent, reqs[0].State)

	require.NoError(t, s.DeleteOutgoingKeyRequest(ctx, req.RequestID))
	reqs, err = s.ListOutgoingKeyRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestPendingIncomingKeyRequests(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	req := &crypto.IncomingKeyRequest{
		UserID:    "@alice:example.org",
		DeviceID:  "PHONE",
		RequestID: "req-1",
		Body:      crypto.RoomKeyRequestBody{SessionID: "sess"},
	}
	require.NoError(t, s.PutPendingIncomingKeyRequest(ctx, req))

	pending, err := s.ListPendingIncomingKeyRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.DeletePendingIncomingKeyRequest(ctx, req.UserID, req.DeviceID, req.RequestID))
	pending, err = s.ListPendingIncomingKeyRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRoomEncryptionAndPolicyFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")

	cfg, err := s.GetRoomEncryption(ctx, roomID)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, s.PutRoomEncryption(ctx, roomID, &crypto.EncryptionConfig{Algorithm: id.AlgorithmMegolmV1}))
	cfg, err = s.GetRoomEncryption(ctx, roomID)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, id.AlgorithmMegolmV1, cfg.Algorithm)

	global, err := s.GetGlobalBlacklistUnverified(ctx)
	require.NoError(t, err)
	assert.False(t, global)
	require.NoError(t, s.SetGlobalBlacklistUnverified(ctx, true))
	global, err = s.GetGlobalBlacklistUnverified(ctx)
	require.NoError(t, err)
	assert.True(t, global)

	require.NoError(t, s.SetRoomBlacklistUnverified(ctx, roomID, true))
	room, err := s.GetRoomBlacklistUnverified(ctx, roomID)
	require.NoError(t, err)
	assert.True(t, room)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.PutAccountPickle(ctx, []byte("survives")))
	require.NoError(t, s.Close())

	s, err = Open(dir, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	pickle, err := s.GetAccountPickle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), pickle)
}
