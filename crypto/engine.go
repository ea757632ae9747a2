package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/veilchat/veil/internal/eventbus"
	"github.com/veilchat/veil/internal/serialqueue"
)

const (
	// Upper bound on keys generated per top-up round, keeping the account
	// pickle small while the server count catches up.
	oneTimeKeyGenerationBatch = 5

	startRetryInterval = 1 * time.Second

	queueBacklog = 256
)

// EngineConfig wires an Engine's collaborators. Store and Transport are
// required; Registry and Logger default when nil.
type EngineConfig struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	PickleKey []byte

	Store     Store
	Transport Transport
	Registry  *AlgorithmRegistry

	// Consent, when set, is asked what to do with key-share requests from
	// unverified devices. Without it such requests stay pending and are
	// surfaced through OnSurfacedKeyRequest.
	Consent ConsentCallback

	Logger zerolog.Logger
}

// Engine is the orchestrating facade over the vault, the device directory
// and the key request managers. All ratchet-mutating work runs on two
// single-worker queues, one for encryption and one for decryption, so no
// session is ever touched concurrently.
type Engine struct {
	log       zerolog.Logger
	store     Store
	transport Transport
	registry  *AlgorithmRegistry
	consent   ConsentCallback

	userID   id.UserID
	deviceID id.DeviceID

	olm         *OlmDevice
	deviceList  *DeviceList
	keyRequests *KeyRequestManager
	incoming    *incomingRequestProcessor
	env         *AlgorithmEnv

	encryptQ *serialqueue.Queue
	decryptQ *serialqueue.Queue

	startGroup singleflight.Group
	started    atomic.Bool
	closed     atomic.Bool

	encryptorsMu sync.Mutex
	encryptors   map[id.RoomID]Encryptor

	decryptorsMu sync.Mutex
	decryptors   map[id.Algorithm]Decryptor

	// toDeviceDecryptor unwraps olm envelopes on to-device events.
	toDeviceDecryptor *olmDecryptor

	membersMu sync.RWMutex
	members   map[id.RoomID]map[id.UserID]struct{}
	invited   map[id.RoomID]map[id.UserID]struct{}
	// shareToInvited marks rooms whose history visibility lets invited
	// members read history, making them key recipients when the global
	// policy allows it.
	shareToInvited map[id.RoomID]bool

	encryptToInvited atomic.Bool

	surfacedRequests *eventbus.Bus[*IncomingKeyRequest]

	// signedCurve25519Count mirrors the server's published one-time key
	// count between syncs.
	signedCurve25519Count atomic.Int64
}

// NewEngine restores all persisted state (account, sessions, tracking
// statuses, request queues) but performs no network calls. Call Start once
// the transport is usable.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("crypto: EngineConfig needs Store and Transport")
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultAlgorithmRegistry()
	}
	log := cfg.Logger.With().Str("component", "crypto_engine").Logger()

	olmDevice, err := NewOlmDevice(ctx, cfg.Store, cfg.PickleKey, log)
	if err != nil {
		return nil, err
	}
	deviceList, err := NewDeviceList(ctx, cfg.Store, cfg.Transport, cfg.UserID, log)
	if err != nil {
		return nil, err
	}
	keyRequests, err := NewKeyRequestManager(ctx, cfg.Store, cfg.Transport, cfg.UserID, cfg.DeviceID, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:         log,
		store:       cfg.Store,
		transport:   cfg.Transport,
		registry:    cfg.Registry,
		consent:     cfg.Consent,
		userID:      cfg.UserID,
		deviceID:    cfg.DeviceID,
		olm:         olmDevice,
		deviceList:  deviceList,
		keyRequests: keyRequests,

		encryptQ: serialqueue.New("crypto_encrypt", queueBacklog),
		decryptQ: serialqueue.New("crypto_decrypt", queueBacklog),

		encryptors:     make(map[id.RoomID]Encryptor),
		decryptors:     make(map[id.Algorithm]Decryptor),
		members:        make(map[id.RoomID]map[id.UserID]struct{}),
		invited:        make(map[id.RoomID]map[id.UserID]struct{}),
		shareToInvited: make(map[id.RoomID]bool),

		surfacedRequests: eventbus.New[*IncomingKeyRequest](log),
	}
	e.env = &AlgorithmEnv{
		Log:         log,
		Store:       cfg.Store,
		Transport:   cfg.Transport,
		Olm:         olmDevice,
		DeviceList:  deviceList,
		KeyRequests: keyRequests,
		OwnUserID:   cfg.UserID,
		OwnDeviceID: cfg.DeviceID,
	}
	e.toDeviceDecryptor = &olmDecryptor{env: e.env}
	e.incoming = &incomingRequestProcessor{
		log:        log,
		store:      cfg.Store,
		deviceList: deviceList,
		ownUserID:  cfg.UserID,
		hasKey: func(ctx context.Context, body RoomKeyRequestBody) bool {
			return olmDevice.HasInboundGroupSession(ctx, body.SenderKey, body.SessionID)
		},
		hasDecryptor: cfg.Registry.SupportsDecryption,
		share:        e.shareKeys,
		consent:      cfg.Consent,
		surfaced:     e.surfacedRequests.Publish,
	}
	return e, nil
}

// Start publishes this device's identity keys and begins draining the key
// request queue. Concurrent calls coalesce into one attempt; a failed
// upload is retried every second until ctx is cancelled. On an initial
// sync every tracked device list is marked stale, since change signals may
// have been missed while offline; otherwise key requests left pending by a
// previous run are re-adjudicated right away.
func (e *Engine) Start(ctx context.Context, isInitialSync bool) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.started.Load() {
		return nil
	}
	_, err, _ := e.startGroup.Do("start", func() (any, error) {
		if e.started.Load() {
			return nil, nil
		}
		for {
			err := e.uploadDeviceKeys(ctx)
			if err == nil {
				break
			}
			e.log.Warn().Err(err).Msg("device key upload failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(startRetryInterval):
			}
		}
		e.started.Store(true)
		e.keyRequests.Start()
		if isInitialSync {
			e.deviceList.InvalidateAllDeviceLists(ctx)
		} else if err := e.decryptQ.Do(ctx, e.incoming.resurfacePending); err != nil {
			return nil, err
		}
		e.log.Info().
			Str("identity_key", e.olm.IdentityKey.String()).
			Msg("crypto engine started")
		return nil, nil
	})
	return err
}

// Close stops background work. Persisted state is untouched; a new engine
// over the same store resumes where this one left off.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.keyRequests.Stop()
	e.encryptQ.Close()
	e.decryptQ.Close()
}

// OwnIdentityKey returns this device's curve25519 key.
func (e *Engine) OwnIdentityKey() id.Curve25519 { return e.olm.IdentityKey }

// OwnSigningKey returns this device's ed25519 key.
func (e *Engine) OwnSigningKey() id.Ed25519 { return e.olm.SigningKey }

func (e *Engine) uploadDeviceKeys(ctx context.Context) error {
	payload := &DeviceKeysPayload{
		UserID:     e.userID,
		DeviceID:   e.deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, e.deviceID): string(e.olm.IdentityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, e.deviceID):    string(e.olm.SigningKey),
		},
	}
	sig, err := e.olm.SignJSON(payload)
	if err != nil {
		return err
	}
	payload.Signatures = map[id.UserID]map[string]string{
		e.userID: {
			string(id.NewDeviceKeyID(id.KeyAlgorithmEd25519, e.deviceID)): sig,
		},
	}
	resp, err := e.transport.UploadKeys(ctx, &UploadKeysRequest{DeviceKeys: payload})
	if err != nil {
		return fmt.Errorf("upload device keys: %w", err)
	}
	e.signedCurve25519Count.Store(int64(resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]))
	return e.maybeTopUpOneTimeKeys(ctx)
}

// HandleOTKCount takes the one-time key counts from a sync response and
// tops up the server-side pool when it has dropped below half the account's
// capacity.
func (e *Engine) HandleOTKCount(ctx context.Context, counts map[id.KeyAlgorithm]int) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	e.signedCurve25519Count.Store(int64(counts[id.KeyAlgorithmSignedCurve25519]))
	return e.encryptQ.Do(ctx, func(ctx context.Context) {
		if err := e.maybeTopUpOneTimeKeys(ctx); err != nil {
			e.log.Warn().Err(err).Msg("one-time key top-up failed")
		}
	})
}

func (e *Engine) maybeTopUpOneTimeKeys(ctx context.Context) error {
	target := int64(e.olm.MaxOneTimeKeys() / 2)
	for e.signedCurve25519Count.Load() < target {
		needed := target - e.signedCurve25519Count.Load()
		if needed > oneTimeKeyGenerationBatch {
			needed = oneTimeKeyGenerationBatch
		}
		if err := e.olm.GenerateOneTimeKeys(ctx, uint(needed)); err != nil {
			return err
		}
		uploaded, err := e.uploadOneTimeKeys(ctx)
		if err != nil {
			return err
		}
		if uploaded == 0 {
			return nil
		}
	}
	return nil
}

func (e *Engine) uploadOneTimeKeys(ctx context.Context) (int, error) {
	keys, err := e.olm.OneTimeKeys()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	oneTimeKeys := make(map[id.KeyID]json.RawMessage, len(keys))
	for keyID, key := range keys {
		signable := map[string]id.Curve25519{"key": key}
		sig, err := e.olm.SignJSON(signable)
		if err != nil {
			return 0, err
		}
		signed, err := json.Marshal(&SignedOneTimeKey{
			Key: key,
			Signatures: map[id.UserID]map[string]string{
				e.userID: {
					string(id.NewDeviceKeyID(id.KeyAlgorithmEd25519, e.deviceID)): sig,
				},
			},
		})
		if err != nil {
			return 0, err
		}
		oneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = signed
	}
	resp, err := e.transport.UploadKeys(ctx, &UploadKeysRequest{OneTimeKeys: oneTimeKeys})
	if err != nil {
		return 0, fmt.Errorf("upload one-time keys: %w", err)
	}
	if err := e.olm.MarkKeysAsPublished(ctx); err != nil {
		return 0, err
	}
	e.signedCurve25519Count.Store(int64(resp.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]))
	e.log.Debug().Int("count", len(oneTimeKeys)).Msg("uploaded one-time keys")
	return len(oneTimeKeys), nil
}

// SetRoomEncryption records a room's m.room.encryption config. The first
// config a room ever sees wins; later state events cannot downgrade it.
func (e *Engine) SetRoomEncryption(ctx context.Context, roomID id.RoomID, cfg *EncryptionConfig) error {
	existing, err := e.store.GetRoomEncryption(ctx, roomID)
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing != *cfg {
			e.log.Warn().
				Str("room_id", roomID.String()).
				Msg("ignoring changed encryption config for already-encrypted room")
		}
		return nil
	}
	if _, ok := e.registry.encryptors[cfg.Algorithm]; !ok {
		return fmt.Errorf("crypto: unsupported room algorithm %s", cfg.Algorithm)
	}
	if err := e.store.PutRoomEncryption(ctx, roomID, cfg); err != nil {
		return err
	}
	e.log.Info().
		Str("room_id", roomID.String()).
		Str("algorithm", string(cfg.Algorithm)).
		Msg("room encryption enabled")
	return nil
}

// IsRoomEncrypted reports whether a room has an encryption config.
func (e *Engine) IsRoomEncrypted(ctx context.Context, roomID id.RoomID) bool {
	cfg, err := e.store.GetRoomEncryption(ctx, roomID)
	return err == nil && cfg != nil
}

// HandleMembership keeps the engine's view of who must receive room keys.
// Joined (and, policy permitting, invited) members are tracked in the
// device directory; departed members stop receiving new sessions at the
// next rotation.
func (e *Engine) HandleMembership(ctx context.Context, roomID id.RoomID, userID id.UserID, membership event.Membership) {
	e.membersMu.Lock()
	switch membership {
	case event.MembershipJoin:
		delete(e.invited[roomID], userID)
		if e.members[roomID] == nil {
			e.members[roomID] = make(map[id.UserID]struct{})
		}
		e.members[roomID][userID] = struct{}{}
	case event.MembershipInvite:
		if e.invited[roomID] == nil {
			e.invited[roomID] = make(map[id.UserID]struct{})
		}
		e.invited[roomID][userID] = struct{}{}
	case event.MembershipLeave, event.MembershipBan:
		delete(e.members[roomID], userID)
		delete(e.invited[roomID], userID)
	}
	e.membersMu.Unlock()

	switch membership {
	case event.MembershipJoin, event.MembershipInvite:
		if e.IsRoomEncrypted(ctx, roomID) {
			e.deviceList.StartTracking(ctx, userID)
		}
	}
}

// HandleHistoryVisibility records whether a room's history is readable by
// invited members, which together with SetEncryptToInvitedMembers decides
// whether invitees receive room keys before joining.
func (e *Engine) HandleHistoryVisibility(roomID id.RoomID, visibility event.HistoryVisibility) {
	e.membersMu.Lock()
	e.shareToInvited[roomID] = visibility != event.HistoryVisibilityJoined
	e.membersMu.Unlock()
}

// SetEncryptToInvitedMembers toggles the account-wide opt-in to encrypt
// for invited members of rooms whose history visibility allows it.
func (e *Engine) SetEncryptToInvitedMembers(value bool) {
	e.encryptToInvited.Store(value)
}

func (e *Engine) roomMembers(roomID id.RoomID) []id.UserID {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()
	users := make([]id.UserID, 0, len(e.members[roomID])+len(e.invited[roomID]))
	for userID := range e.members[roomID] {
		users = append(users, userID)
	}
	if e.encryptToInvited.Load() && e.shareToInvited[roomID] {
		for userID := range e.invited[roomID] {
			if _, joined := e.members[roomID][userID]; !joined {
				users = append(users, userID)
			}
		}
	}
	return users
}

func (e *Engine) roomEncryptor(ctx context.Context, roomID id.RoomID) (Encryptor, error) {
	cfg, err := e.store.GetRoomEncryption(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrEncryptionNotEnabled
	}
	e.encryptorsMu.Lock()
	defer e.encryptorsMu.Unlock()
	if enc, ok := e.encryptors[roomID]; ok {
		return enc, nil
	}
	enc, ok := e.registry.NewEncryptor(cfg.Algorithm, e.env, roomID, cfg)
	if !ok {
		return nil, &UnableToEncryptError{RoomID: roomID, Reason: fmt.Sprintf("unsupported algorithm %s", cfg.Algorithm)}
	}
	e.encryptors[roomID] = enc
	return enc, nil
}

func (e *Engine) algorithmDecryptor(alg id.Algorithm) (Decryptor, bool) {
	e.decryptorsMu.Lock()
	defer e.decryptorsMu.Unlock()
	if dec, ok := e.decryptors[alg]; ok {
		return dec, true
	}
	dec, ok := e.registry.NewDecryptor(alg, e.env)
	if !ok {
		return nil, false
	}
	e.decryptors[alg] = dec
	return dec, true
}

// EncryptEvent encrypts a room event payload for the room's current member
// set. It runs on the encrypting queue; concurrent callers are serialized.
func (e *Engine) EncryptEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content json.RawMessage) (*EncryptedContent, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}
	return serialqueue.DoValue(ctx, e.encryptQ, func(ctx context.Context) (*EncryptedContent, error) {
		enc, err := e.roomEncryptor(ctx, roomID)
		if err != nil {
			return nil, err
		}
		return enc.Encrypt(ctx, evtType, content, e.roomMembers(roomID))
	})
}

// DiscardRoomSession invalidates a room's outbound session so the next
// message provisions and shares a fresh one.
func (e *Engine) DiscardRoomSession(ctx context.Context, roomID id.RoomID) error {
	return e.encryptQ.Do(ctx, func(ctx context.Context) {
		e.encryptorsMu.Lock()
		enc, ok := e.encryptors[roomID]
		e.encryptorsMu.Unlock()
		if !ok {
			if err := e.store.DeleteOutboundGroupSession(ctx, roomID); err != nil {
				e.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("failed to drop outbound session")
			}
			return
		}
		if err := enc.Discard(ctx); err != nil {
			e.log.Warn().Err(err).Str("room_id", roomID.String()).Msg("failed to discard outbound session")
		}
	})
}

// DecryptEvent decrypts one m.room.encrypted event. Failures come back as
// UnableToDecryptError so the caller can render a placeholder and move on.
func (e *Engine) DecryptEvent(ctx context.Context, evt *EncryptedEvent, timelineID string) (*DecryptionResult, error) {
	if !e.started.Load() {
		return nil, ErrNotStarted
	}
	return serialqueue.DoValue(ctx, e.decryptQ, func(ctx context.Context) (*DecryptionResult, error) {
		dec, ok := e.algorithmDecryptor(evt.Content.Algorithm)
		if !ok {
			return nil, &UnableToDecryptError{
				EventID:   evt.EventID,
				Algorithm: evt.Content.Algorithm,
				Cause:     fmt.Errorf("unsupported algorithm"),
			}
		}
		res, err := dec.Decrypt(ctx, evt, timelineID)
		if err != nil {
			return nil, &UnableToDecryptError{EventID: evt.EventID, Algorithm: evt.Content.Algorithm, Cause: err}
		}
		return res, nil
	})
}

// ResetReplayTimeline forgets the replay guard of one timeline, e.g. when
// its pagination window is thrown away.
func (e *Engine) ResetReplayTimeline(timelineID string) {
	e.olm.ResetReplayTimeline(timelineID)
}

// HandleToDeviceEvent routes one to-device message from sync: encrypted
// envelopes are unwrapped and their room keys ingested, key requests are
// buffered for ProcessReceivedKeyRequests.
func (e *Engine) HandleToDeviceEvent(ctx context.Context, evt *ToDeviceEvent) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	return e.decryptQ.Do(ctx, func(ctx context.Context) {
		e.handleToDevice(ctx, evt)
	})
}

func (e *Engine) handleToDevice(ctx context.Context, evt *ToDeviceEvent) {
	switch evt.Type {
	case event.ToDeviceEncrypted:
		e.handleEncryptedToDevice(ctx, evt)
	case event.ToDeviceRoomKeyRequest:
		e.handleKeyRequest(evt)
	case event.ToDeviceRoomKey, event.ToDeviceForwardedRoomKey:
		// Key material must arrive olm-encrypted; a plaintext copy proves
		// nothing about the sender.
		e.log.Warn().
			Str("type", evt.Type.Type).
			Str("sender", evt.Sender.String()).
			Msg("ignoring unencrypted room key event")
	default:
		e.log.Debug().Str("type", evt.Type.Type).Msg("unhandled to-device event")
	}
}

func (e *Engine) handleEncryptedToDevice(ctx context.Context, evt *ToDeviceEvent) {
	var content EncryptedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		e.log.Warn().Err(err).Msg("malformed encrypted to-device event")
		return
	}
	if content.Algorithm != id.AlgorithmOlmV1 {
		e.log.Warn().Str("algorithm", string(content.Algorithm)).Msg("to-device event with non-olm algorithm")
		return
	}
	payload, err := e.toDeviceDecryptor.decryptPayload(ctx, evt.Sender, &content)
	if err != nil {
		e.log.Warn().Err(err).Str("sender", evt.Sender.String()).Msg("failed to decrypt to-device event")
		return
	}
	claimedKey := payload.Keys[id.KeyAlgorithmEd25519]

	switch payload.Type {
	case event.ToDeviceRoomKey:
		var roomKey RoomKeyContent
		if err := json.Unmarshal(payload.Content, &roomKey); err != nil {
			e.log.Warn().Err(err).Msg("malformed room key content")
			return
		}
		if dec, ok := e.algorithmDecryptor(roomKey.Algorithm); ok {
			if recv, ok := dec.(roomKeyReceiver); ok {
				if err := recv.OnRoomKey(ctx, content.SenderKey, claimedKey, &roomKey); err != nil {
					e.log.Warn().Err(err).Msg("failed to ingest room key")
				}
				return
			}
		}
		e.log.Warn().Str("algorithm", string(roomKey.Algorithm)).Msg("room key for unsupported algorithm")
	case event.ToDeviceForwardedRoomKey:
		var forwarded ForwardedRoomKeyContent
		if err := json.Unmarshal(payload.Content, &forwarded); err != nil {
			e.log.Warn().Err(err).Msg("malformed forwarded room key content")
			return
		}
		if dec, ok := e.algorithmDecryptor(forwarded.Algorithm); ok {
			if recv, ok := dec.(roomKeyReceiver); ok {
				if err := recv.OnForwardedRoomKey(ctx, content.SenderKey, &forwarded); err != nil {
					e.log.Warn().Err(err).Msg("failed to ingest forwarded room key")
				}
				return
			}
		}
		e.log.Warn().Str("algorithm", string(forwarded.Algorithm)).Msg("forwarded room key for unsupported algorithm")
	default:
		e.log.Debug().Str("type", payload.Type.Type).Msg("unhandled encrypted to-device payload")
	}
}

func (e *Engine) handleKeyRequest(evt *ToDeviceEvent) {
	var content KeyRequestContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		e.log.Warn().Err(err).Msg("malformed key request")
		return
	}
	switch content.Action {
	case KeyRequestActionRequest:
		if content.Body == nil {
			return
		}
		e.incoming.onRequest(&IncomingKeyRequest{
			UserID:    evt.Sender,
			DeviceID:  content.RequestingDeviceID,
			RequestID: content.RequestID,
			Body:      *content.Body,
		})
	case KeyRequestActionCancel:
		e.incoming.onCancellation(&IncomingKeyRequestCancellation{
			UserID:    evt.Sender,
			DeviceID:  content.RequestingDeviceID,
			RequestID: content.RequestID,
		})
	}
}

// ProcessReceivedKeyRequests adjudicates the key requests buffered since
// the last call. Call it once per sync cycle, after all to-device events of
// the cycle were handled.
func (e *Engine) ProcessReceivedKeyRequests(ctx context.Context) error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	return e.decryptQ.Do(ctx, func(ctx context.Context) {
		e.incoming.process(ctx)
	})
}

// OnSurfacedKeyRequest registers a callback for key requests that need a
// user decision. Returns an unsubscribe func.
func (e *Engine) OnSurfacedKeyRequest(fn func(*IncomingKeyRequest)) func() {
	return e.surfacedRequests.Subscribe(fn)
}

// ResolveKeyRequest settles a surfaced request: share the key or drop the
// request for good.
func (e *Engine) ResolveKeyRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string, share bool) error {
	return e.decryptQ.Do(ctx, func(ctx context.Context) {
		if err := e.incoming.resolvePending(ctx, userID, deviceID, requestID, share); err != nil {
			e.log.Warn().Err(err).Str("request_id", requestID).Msg("failed to resolve pending key request")
		}
	})
}

// shareKeys hands the re-share to the algorithm that owns the session.
func (e *Engine) shareKeys(ctx context.Context, req *IncomingKeyRequest, dev *DeviceIdentity) error {
	dec, ok := e.algorithmDecryptor(req.Body.Algorithm)
	if !ok {
		return fmt.Errorf("crypto: no decryptor for %s", req.Body.Algorithm)
	}
	sharer, ok := dec.(keySharer)
	if !ok {
		return fmt.Errorf("crypto: algorithm %s cannot re-share keys", req.Body.Algorithm)
	}
	return sharer.ShareKeys(ctx, req, dev)
}

// HandleDeviceListChanges applies the device-list change signal from sync
// and immediately re-downloads stale users.
func (e *Engine) HandleDeviceListChanges(ctx context.Context, changed, left []id.UserID) error {
	e.deviceList.HandleChangeSignal(ctx, changed, left)
	return e.deviceList.RefreshOutdatedDeviceLists(ctx)
}

// SetSyncToken anchors the next directory query.
func (e *Engine) SetSyncToken(token string) {
	e.deviceList.SetSyncToken(token)
}

// DeviceList exposes the directory for callers that need device metadata.
func (e *Engine) DeviceList() *DeviceList { return e.deviceList }

// SetDeviceTrust changes a device's verification state.
func (e *Engine) SetDeviceTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, trust TrustState) error {
	return e.deviceList.SetDeviceTrust(ctx, userID, deviceID, trust)
}

// SetGlobalBlacklistUnverified toggles the account-wide refusal to encrypt
// to unverified devices.
func (e *Engine) SetGlobalBlacklistUnverified(ctx context.Context, value bool) error {
	return e.store.SetGlobalBlacklistUnverified(ctx, value)
}

// SetRoomBlacklistUnverified toggles the per-room refusal to encrypt to
// unverified devices.
func (e *Engine) SetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID, value bool) error {
	return e.store.SetRoomBlacklistUnverified(ctx, roomID, value)
}

// RequestRoomKey manually queues a key request, e.g. from a retry button on
// an undecryptable event.
func (e *Engine) RequestRoomKey(ctx context.Context, body RoomKeyRequestBody, recipients []RequestRecipient) error {
	return e.keyRequests.RequestKeys(ctx, body, recipients)
}

// ExportRoomKeys exports every inbound group session in the portable
// format consumed by ImportRoomKeys and the key export file.
func (e *Engine) ExportRoomKeys(ctx context.Context) ([]*ExportedSession, error) {
	return serialqueue.DoValue(ctx, e.decryptQ, func(ctx context.Context) ([]*ExportedSession, error) {
		return e.olm.ExportAllInboundGroupSessions(ctx)
	})
}

// ImportRoomKeys ingests previously exported sessions, returning how many
// were new.
func (e *Engine) ImportRoomKeys(ctx context.Context, sessions []*ExportedSession) (int, error) {
	return serialqueue.DoValue(ctx, e.decryptQ, func(ctx context.Context) (int, error) {
		return e.olm.ImportInboundGroupSessions(ctx, sessions)
	})
}
