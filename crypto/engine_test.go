package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testRoomID = id.RoomID("!room:example.org")

func newTestEngine(t *testing.T, transport Transport, userID id.UserID, deviceID id.DeviceID) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), EngineConfig{
		UserID:    userID,
		DeviceID:  deviceID,
		PickleKey: []byte("test-pickle-key-0123456789abcdef"),
		Store:     NewMemoryStore(),
		Transport: transport,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	e.keyRequests.sendDelay = 5 * time.Millisecond
	t.Cleanup(e.Close)
	return e
}

func startedEngine(t *testing.T, hs *homeserver, userID id.UserID, deviceID id.DeviceID) *Engine {
	t.Helper()
	e := newTestEngine(t, hs.transportFor(userID, deviceID), userID, deviceID)
	require.NoError(t, e.Start(context.Background(), false))
	return e
}

func joinEncryptedRoom(t *testing.T, ctx context.Context, e *Engine, users ...id.UserID) {
	t.Helper()
	require.NoError(t, e.SetRoomEncryption(ctx, testRoomID, &EncryptionConfig{Algorithm: id.AlgorithmMegolmV1}))
	for _, userID := range users {
		e.HandleMembership(ctx, testRoomID, userID, event.MembershipJoin)
	}
}

func deliverToDevice(t *testing.T, ctx context.Context, e *Engine, events []*ToDeviceEvent) {
	t.Helper()
	for _, evt := range events {
		require.NoError(t, e.HandleToDeviceEvent(ctx, evt))
	}
}

func TestStartUploadsKeysAndTopsUpPool(t *testing.T) {
	ctx := context.Background()
	serverCount := 0
	transport := &fakeTransport{}
	transport.uploadFunc = func(req *UploadKeysRequest) (*UploadKeysResponse, error) {
		serverCount += len(req.OneTimeKeys)
		return &UploadKeysResponse{OneTimeKeyCounts: map[id.KeyAlgorithm]int{
			id.KeyAlgorithmSignedCurve25519: serverCount,
		}}, nil
	}

	e := newTestEngine(t, transport, aliceID, "ALICEDEV")
	require.NoError(t, e.Start(ctx, false))

	uploads := transport.uploads
	require.NotEmpty(t, uploads)
	assert.NotNil(t, uploads[0].DeviceKeys, "first upload publishes device keys")
	assert.Equal(t, aliceID, uploads[0].DeviceKeys.UserID)
	assert.NotEmpty(t, uploads[0].DeviceKeys.Signatures[aliceID])

	target := int(e.olm.MaxOneTimeKeys() / 2)
	assert.Equal(t, target, serverCount, "pool filled to half capacity")
	for _, up := range uploads[1:] {
		assert.LessOrEqual(t, len(up.OneTimeKeys), oneTimeKeyGenerationBatch)
	}
}

func TestHandleOTKCountTopsUpShortfall(t *testing.T) {
	ctx := context.Background()
	serverCount := 0
	transport := &fakeTransport{}
	transport.uploadFunc = func(req *UploadKeysRequest) (*UploadKeysResponse, error) {
		serverCount += len(req.OneTimeKeys)
		return &UploadKeysResponse{OneTimeKeyCounts: map[id.KeyAlgorithm]int{
			id.KeyAlgorithmSignedCurve25519: serverCount,
		}}, nil
	}
	e := newTestEngine(t, transport, aliceID, "ALICEDEV")
	require.NoError(t, e.Start(ctx, false))

	target := int(e.olm.MaxOneTimeKeys() / 2)
	before := transport.uploadCount()

	// The server consumed three keys.
	serverCount = target - 3
	require.NoError(t, e.HandleOTKCount(ctx, map[id.KeyAlgorithm]int{
		id.KeyAlgorithmSignedCurve25519: serverCount,
	}))

	assert.Equal(t, target, serverCount)
	assert.Equal(t, before+1, transport.uploadCount(), "one batch covers the shortfall")
}

func TestEngineRequiresStart(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &fakeTransport{}, aliceID, "ALICEDEV")

	_, err := e.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotStarted)

	_, err = e.DecryptEvent(ctx, &EncryptedEvent{}, "")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestEncryptWithoutRoomConfig(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	e := startedEngine(t, hs, aliceID, "ALICEDEV")

	_, err := e.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"hi"}`))
	assert.ErrorIs(t, err, ErrEncryptionNotEnabled)
}

func TestRoomEncryptionFirstConfigWins(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	e := startedEngine(t, hs, aliceID, "ALICEDEV")

	first := &EncryptionConfig{Algorithm: id.AlgorithmMegolmV1, RotationPeriodMessages: 100}
	require.NoError(t, e.SetRoomEncryption(ctx, testRoomID, first))
	require.NoError(t, e.SetRoomEncryption(ctx, testRoomID, &EncryptionConfig{
		Algorithm: id.AlgorithmMegolmV1, RotationPeriodMessages: 1,
	}))

	cfg, err := e.store.GetRoomEncryption(ctx, testRoomID)
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.RotationPeriodMessages)
}

func TestSetRoomEncryptionRejectsUnknownAlgorithm(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	e := startedEngine(t, hs, aliceID, "ALICEDEV")

	err := e.SetRoomEncryption(ctx, testRoomID, &EncryptionConfig{Algorithm: "m.rot13"})
	assert.Error(t, err)
}

func TestEndToEndMessageDelivery(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	bob := startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	joinEncryptedRoom(t, ctx, bob, aliceID, bobID)

	content := json.RawMessage(`{"msgtype":"m.text","body":"hello bob"}`)
	encrypted, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, content)
	require.NoError(t, err)
	assert.Equal(t, id.AlgorithmMegolmV1, encrypted.Algorithm)
	assert.Equal(t, alice.OwnIdentityKey(), encrypted.SenderKey)

	// The room key travelled to bob's device as an olm envelope.
	deliverToDevice(t, ctx, bob, hs.take(bobID, "BOBDEV"))

	evt := &EncryptedEvent{
		EventID: "$event1",
		RoomID:  testRoomID,
		Sender:  aliceID,
		Content: *encrypted,
	}
	res, err := bob.DecryptEvent(ctx, evt, "live")
	require.NoError(t, err)
	assert.Equal(t, event.EventMessage.Type, res.ClearType.Type)
	assert.JSONEq(t, string(content), string(res.ClearContent))
	assert.Equal(t, alice.OwnIdentityKey(), res.SenderKey)
	assert.Equal(t, alice.OwnSigningKey(), res.ClaimedEd25519Key)
	assert.Empty(t, res.ForwardingChain)

	// Replays of the same event in the same timeline are rejected.
	_, err = bob.DecryptEvent(ctx, evt, "live")
	var dup *DuplicateIndexError
	assert.True(t, errors.As(err, &dup))

	// The sender can decrypt its own message too.
	res, err = alice.DecryptEvent(ctx, evt, "live")
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(res.ClearContent))
}

func TestSecondMessageReusesSession(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	bob := startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	joinEncryptedRoom(t, ctx, bob, aliceID, bobID)

	first, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"one"}`))
	require.NoError(t, err)
	deliverToDevice(t, ctx, bob, hs.take(bobID, "BOBDEV"))

	second, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"two"}`))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	// No new key share for the second message.
	assert.Empty(t, hs.take(bobID, "BOBDEV"))

	res, err := bob.DecryptEvent(ctx, &EncryptedEvent{
		EventID: "$event2", RoomID: testRoomID, Sender: aliceID, Content: *second,
	}, "live")
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"two"}`, string(res.ClearContent))
}

func TestDiscardRoomSessionRotates(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	bob := startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	joinEncryptedRoom(t, ctx, bob, aliceID, bobID)

	first, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"one"}`))
	require.NoError(t, err)
	require.NoError(t, alice.DiscardRoomSession(ctx, testRoomID))

	second, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"two"}`))
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestBlacklistUnverifiedBlocksEncryption(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	require.NoError(t, alice.SetGlobalBlacklistUnverified(ctx, true))

	_, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"hi"}`))
	var unknown *UnknownDevicesError
	require.True(t, errors.As(err, &unknown))
	assert.Contains(t, unknown.Devices, bobID)

	// Verifying bob's device unblocks sending.
	require.NoError(t, alice.DeviceList().SetDeviceTrust(ctx, bobID, "BOBDEV", TrustVerified))
	_, err = alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"hi"}`))
	assert.NoError(t, err)
}

func TestBlockedDeviceNeverReceivesKeys(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	// Known but blocked: download first, then block.
	_, err := alice.DeviceList().DownloadKeys(ctx, []id.UserID{bobID}, true)
	require.NoError(t, err)
	require.NoError(t, alice.SetDeviceTrust(ctx, bobID, "BOBDEV", TrustBlocked))

	_, err = alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"secret"}`))
	require.NoError(t, err)
	assert.Empty(t, hs.take(bobID, "BOBDEV"))
}

func TestDecryptUnsupportedAlgorithm(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	e := startedEngine(t, hs, aliceID, "ALICEDEV")

	_, err := e.DecryptEvent(ctx, &EncryptedEvent{
		EventID: "$x",
		Content: EncryptedContent{Algorithm: "m.rot13"},
	}, "")
	var utd *UnableToDecryptError
	require.True(t, errors.As(err, &utd))
	assert.Equal(t, id.EventID("$x"), utd.EventID)
}

func TestKeyRequestGossipBetweenOwnDevices(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	bob := startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	joinEncryptedRoom(t, ctx, bob, aliceID, bobID)

	content := json.RawMessage(`{"body":"history"}`)
	encrypted, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, content)
	require.NoError(t, err)
	evt := &EncryptedEvent{EventID: "$old", RoomID: testRoomID, Sender: aliceID, Content: *encrypted}

	// A second device logs in after the message was sent: it cannot
	// decrypt and gossips a key request.
	second := startedEngine(t, hs, aliceID, "ALICE2ND")
	_, err = second.DecryptEvent(ctx, evt, "live")
	require.ErrorIs(t, err, ErrUnknownSessionID)

	var requests []*ToDeviceEvent
	require.Eventually(t, func() bool {
		requests = append(requests, hs.take(aliceID, "*")...)
		return len(requests) > 0
	}, time.Second, time.Millisecond)

	// The first device sees the request, verifies the requester and
	// answers with a forwarded room key.
	deliverToDevice(t, ctx, alice, requests)
	_, err = alice.DeviceList().DownloadKeys(ctx, []id.UserID{aliceID}, true)
	require.NoError(t, err)
	require.NoError(t, alice.SetDeviceTrust(ctx, aliceID, "ALICE2ND", TrustVerified))
	require.NoError(t, alice.ProcessReceivedKeyRequests(ctx))

	forwarded := hs.take(aliceID, "ALICE2ND")
	require.NotEmpty(t, forwarded)
	deliverToDevice(t, ctx, second, forwarded)

	res, err := second.DecryptEvent(ctx, evt, "live")
	require.NoError(t, err)
	assert.JSONEq(t, string(content), string(res.ClearContent))
	// The key passed through the first device on its way here.
	assert.Equal(t, []string{string(alice.OwnIdentityKey())}, res.ForwardingChain)
}

func TestSurfacedKeyRequestResolution(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	bob := startedEngine(t, hs, bobID, "BOBDEV")

	joinEncryptedRoom(t, ctx, alice, aliceID, bobID)
	joinEncryptedRoom(t, ctx, bob, aliceID, bobID)

	encrypted, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"x"}`))
	require.NoError(t, err)
	evt := &EncryptedEvent{EventID: "$old", RoomID: testRoomID, Sender: aliceID, Content: *encrypted}

	second := startedEngine(t, hs, aliceID, "ALICE2ND")
	_, err = second.DecryptEvent(ctx, evt, "live")
	require.Error(t, err)

	var requests []*ToDeviceEvent
	require.Eventually(t, func() bool {
		requests = append(requests, hs.take(aliceID, "*")...)
		return len(requests) > 0
	}, time.Second, time.Millisecond)

	var surfaced *IncomingKeyRequest
	unsubscribe := alice.OnSurfacedKeyRequest(func(req *IncomingKeyRequest) { surfaced = req })
	defer unsubscribe()

	// The requester stays unverified, so the request needs a decision.
	deliverToDevice(t, ctx, alice, requests)
	_, err = alice.DeviceList().DownloadKeys(ctx, []id.UserID{aliceID}, true)
	require.NoError(t, err)
	require.NoError(t, alice.ProcessReceivedKeyRequests(ctx))
	require.NotNil(t, surfaced)
	assert.Equal(t, id.DeviceID("ALICE2ND"), surfaced.DeviceID)
	assert.Empty(t, hs.take(aliceID, "ALICE2ND"))

	// Approving it shares the key.
	require.NoError(t, alice.ResolveKeyRequest(ctx, surfaced.UserID, surfaced.DeviceID, surfaced.RequestID, true))
	forwarded := hs.take(aliceID, "ALICE2ND")
	require.NotEmpty(t, forwarded)
	deliverToDevice(t, ctx, second, forwarded)

	_, err = second.DecryptEvent(ctx, evt, "live")
	assert.NoError(t, err)
}

func TestPlaintextRoomKeyIgnored(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	e := startedEngine(t, hs, aliceID, "ALICEDEV")

	raw, err := json.Marshal(&RoomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     testRoomID,
		SessionID:  "injected",
		SessionKey: "fake",
	})
	require.NoError(t, err)
	require.NoError(t, e.HandleToDeviceEvent(ctx, &ToDeviceEvent{
		Type:    event.ToDeviceRoomKey,
		Sender:  bobID,
		Content: raw,
	}))

	assert.False(t, e.olm.HasInboundGroupSession(ctx, "any", "injected"))
}

func TestInitialSyncInvalidatesTrackedUsers(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	store := NewMemoryStore()
	require.NoError(t, store.PutTrackingStatus(ctx, bobID, TrackingUpToDate))

	e, err := NewEngine(ctx, EngineConfig{
		UserID:    aliceID,
		DeviceID:  "ALICEDEV",
		PickleKey: []byte("test-pickle-key-0123456789abcdef"),
		Store:     store,
		Transport: hs.transportFor(aliceID, "ALICEDEV"),
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	require.NoError(t, e.Start(ctx, true))
	assert.Equal(t, TrackingPendingDownload, e.DeviceList().TrackingStatus(bobID))
}

func TestStartResurfacesPendingKeyRequests(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	store := NewMemoryStore()

	// A previous run persisted an undecided request along with the
	// requesting device and the session it asks for.
	require.NoError(t, store.PutPendingIncomingKeyRequest(ctx, &IncomingKeyRequest{
		UserID:    aliceID,
		DeviceID:  "ALICE2ND",
		RequestID: "req-1",
		Body:      testRequestBody,
	}))
	require.NoError(t, store.PutDevice(ctx, &DeviceIdentity{
		UserID:      aliceID,
		DeviceID:    "ALICE2ND",
		IdentityKey: "second+identity",
		SigningKey:  "second+signing",
		Trust:       TrustUnverified,
	}))
	require.NoError(t, store.PutInboundGroupSession(ctx, &InboundGroupSessionRecord{
		SessionID: testRequestBody.SessionID,
		SenderKey: testRequestBody.SenderKey,
		RoomID:    testRequestBody.RoomID,
		Pickle:    []byte("pickled"),
	}))

	e, err := NewEngine(ctx, EngineConfig{
		UserID:    aliceID,
		DeviceID:  "ALICEDEV",
		PickleKey: []byte("test-pickle-key-0123456789abcdef"),
		Store:     store,
		Transport: hs.transportFor(aliceID, "ALICEDEV"),
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	var surfaced *IncomingKeyRequest
	unsubscribe := e.OnSurfacedKeyRequest(func(req *IncomingKeyRequest) { surfaced = req })
	defer unsubscribe()

	require.NoError(t, e.Start(ctx, false))
	require.NotNil(t, surfaced)
	assert.Equal(t, "req-1", surfaced.RequestID)

	// The request is still pending, ready to be resolved.
	pending, err := store.ListPendingIncomingKeyRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestInvitedMembersReceiveKeysWhenPolicyAllows(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	startedEngine(t, hs, bobID, "BOBDEV")

	require.NoError(t, alice.SetRoomEncryption(ctx, testRoomID, &EncryptionConfig{Algorithm: id.AlgorithmMegolmV1}))
	alice.HandleMembership(ctx, testRoomID, aliceID, event.MembershipJoin)
	alice.HandleMembership(ctx, testRoomID, bobID, event.MembershipInvite)

	// Without the opt-ins the invitee gets nothing.
	_, err := alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"one"}`))
	require.NoError(t, err)
	assert.Empty(t, hs.take(bobID, "BOBDEV"))

	alice.SetEncryptToInvitedMembers(true)
	alice.HandleHistoryVisibility(testRoomID, event.HistoryVisibilityShared)

	_, err = alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"two"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, hs.take(bobID, "BOBDEV"))

	// Rooms that only show history to joined members keep excluding
	// invitees even with the global flag on.
	alice.HandleHistoryVisibility(testRoomID, event.HistoryVisibilityJoined)
	_, err = alice.EncryptEvent(ctx, testRoomID, event.EventMessage, json.RawMessage(`{"body":"three"}`))
	require.NoError(t, err)
	assert.Empty(t, hs.take(bobID, "BOBDEV"))
}

func TestHandleDeviceListChanges(t *testing.T) {
	ctx := context.Background()
	hs := newHomeserver()
	alice := startedEngine(t, hs, aliceID, "ALICEDEV")
	startedEngine(t, hs, bobID, "BOBDEV")

	alice.DeviceList().StartTracking(ctx, bobID)
	require.NoError(t, alice.HandleDeviceListChanges(ctx, nil, nil))
	assert.Equal(t, TrackingUpToDate, alice.DeviceList().TrackingStatus(bobID))

	require.NoError(t, alice.HandleDeviceListChanges(ctx, nil, []id.UserID{bobID}))
	assert.Equal(t, TrackingNotTracked, alice.DeviceList().TrackingStatus(bobID))
}
