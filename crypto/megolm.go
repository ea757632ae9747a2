package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	defaultRotationPeriod   = 7 * 24 * time.Hour
	defaultRotationMessages = 100
)

// megolmEncryptor owns one room's outbound group session: it rotates the
// session, distributes its key to participant devices over olm, and
// encrypts room payloads.
type megolmEncryptor struct {
	env    *AlgorithmEnv
	roomID id.RoomID

	rotationPeriod   time.Duration
	rotationMessages uint

	mu           sync.Mutex
	sessionID    id.SessionID
	creationTime time.Time
	// sharedWith marks the devices that already hold the current session's
	// key; reset on every rotation.
	sharedWith map[id.UserID]map[id.DeviceID]bool
}

func newMegolmEncryptor(env *AlgorithmEnv, roomID id.RoomID, cfg *EncryptionConfig) Encryptor {
	e := &megolmEncryptor{
		env:              env,
		roomID:           roomID,
		rotationPeriod:   defaultRotationPeriod,
		rotationMessages: defaultRotationMessages,
		sharedWith:       make(map[id.UserID]map[id.DeviceID]bool),
	}
	if cfg != nil {
		if cfg.RotationPeriodMillis > 0 {
			e.rotationPeriod = time.Duration(cfg.RotationPeriodMillis) * time.Millisecond
		}
		if cfg.RotationPeriodMessages > 0 {
			e.rotationMessages = uint(cfg.RotationPeriodMessages)
		}
	}
	return e
}

func (e *megolmEncryptor) Encrypt(ctx context.Context, evtType event.Type, content json.RawMessage, users []id.UserID) (*EncryptedContent, error) {
	devices, err := e.env.DeviceList.DownloadKeys(ctx, users, false)
	if err != nil {
		return nil, err
	}

	targets, err := e.checkRecipients(ctx, devices)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOutboundSessionLocked(ctx); err != nil {
		return nil, err
	}
	if err := e.shareSessionLocked(ctx, targets); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"room_id": e.roomID,
		"type":    evtType.Type,
		"content": content,
	})
	if err != nil {
		return nil, err
	}
	ciphertext, err := e.env.Olm.EncryptGroupMessage(ctx, e.roomID, e.sessionID, payload)
	if err != nil {
		return nil, err
	}
	rawCiphertext, err := json.Marshal(ciphertext)
	if err != nil {
		return nil, err
	}
	return &EncryptedContent{
		Algorithm:  id.AlgorithmMegolmV1,
		SenderKey:  e.env.Olm.IdentityKey,
		DeviceID:   e.env.OwnDeviceID,
		SessionID:  e.sessionID,
		Ciphertext: rawCiphertext,
	}, nil
}

// checkRecipients filters blocked devices and our own, and aborts with
// UnknownDevicesError when the unverified-device policy forbids sending.
func (e *megolmEncryptor) checkRecipients(ctx context.Context, devices map[id.UserID]map[id.DeviceID]*DeviceIdentity) ([]*DeviceIdentity, error) {
	blacklistUnverified, err := e.env.Store.GetGlobalBlacklistUnverified(ctx)
	if err != nil {
		return nil, err
	}
	if !blacklistUnverified {
		blacklistUnverified, err = e.env.Store.GetRoomBlacklistUnverified(ctx, e.roomID)
		if err != nil {
			return nil, err
		}
	}

	var targets []*DeviceIdentity
	unknown := make(map[id.UserID][]id.DeviceID)
	for userID, userDevices := range devices {
		for deviceID, dev := range userDevices {
			if userID == e.env.OwnUserID && deviceID == e.env.OwnDeviceID {
				continue
			}
			if dev.Trust == TrustBlocked {
				continue
			}
			if blacklistUnverified && dev.Trust != TrustVerified {
				unknown[userID] = append(unknown[userID], deviceID)
				continue
			}
			targets = append(targets, dev)
		}
	}
	if len(unknown) > 0 {
		return nil, &UnknownDevicesError{Devices: unknown}
	}
	return targets, nil
}

func (e *megolmEncryptor) ensureOutboundSessionLocked(ctx context.Context) error {
	if e.sessionID == "" {
		restored, err := e.env.Olm.RestoreOutboundGroupSession(ctx, e.roomID)
		if err != nil {
			return err
		}
		if restored != "" {
			e.sessionID = restored
			e.creationTime = time.Now()
		}
	}
	if e.sessionID != "" && !e.needsRotationLocked() {
		return nil
	}
	sessionID, err := e.env.Olm.CreateOutboundGroupSession(ctx, e.roomID)
	if err != nil {
		return err
	}
	// Keep an inbound copy of our own session so we can decrypt our own
	// history and answer key requests for it.
	sessionKey, err := e.env.Olm.OutboundGroupSessionKey(sessionID)
	if err != nil {
		return err
	}
	keysClaimed := map[string]string{"ed25519": string(e.env.Olm.SigningKey)}
	if _, err := e.env.Olm.AddInboundGroupSession(
		ctx, e.roomID, e.env.Olm.IdentityKey, sessionID, sessionKey, nil, keysClaimed, false,
	); err != nil {
		return err
	}
	e.env.Log.Debug().
		Str("room_id", e.roomID.String()).
		Str("session_id", string(sessionID)).
		Msg("created outbound group session")
	e.sessionID = sessionID
	e.creationTime = time.Now()
	e.sharedWith = make(map[id.UserID]map[id.DeviceID]bool)
	return nil
}

func (e *megolmEncryptor) needsRotationLocked() bool {
	index, err := e.env.Olm.OutboundGroupMessageIndex(e.sessionID)
	if err != nil {
		return true
	}
	return index >= e.rotationMessages || time.Since(e.creationTime) >= e.rotationPeriod
}

// shareSessionLocked delivers the current session key, over olm, to every
// target device that does not have it yet.
func (e *megolmEncryptor) shareSessionLocked(ctx context.Context, targets []*DeviceIdentity) error {
	var toShare []*DeviceIdentity
	for _, dev := range targets {
		if !e.sharedWith[dev.UserID][dev.DeviceID] {
			toShare = append(toShare, dev)
		}
	}
	if len(toShare) == 0 {
		return nil
	}

	failed, err := e.env.ensureOlmSessions(ctx, toShare)
	if err != nil {
		return err
	}

	sessionKey, err := e.env.Olm.OutboundGroupSessionKey(e.sessionID)
	if err != nil {
		return err
	}
	chainIndex, err := e.env.Olm.OutboundGroupMessageIndex(e.sessionID)
	if err != nil {
		return err
	}
	roomKey := &RoomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     e.roomID,
		SessionID:  e.sessionID,
		SessionKey: sessionKey,
		ChainIndex: chainIndex,
	}

	messages := make(map[id.UserID]map[id.DeviceID]any)
	var shared []*DeviceIdentity
	for _, dev := range toShare {
		if containsDevice(failed[dev.UserID], dev.DeviceID) {
			continue
		}
		envelope, err := e.env.encryptOlmEnvelope(ctx, dev, event.ToDeviceRoomKey, roomKey)
		if err != nil {
			if errors.Is(err, ErrNoOlmSession) {
				continue
			}
			return err
		}
		if messages[dev.UserID] == nil {
			messages[dev.UserID] = make(map[id.DeviceID]any)
		}
		messages[dev.UserID][dev.DeviceID] = envelope
		shared = append(shared, dev)
	}
	if len(messages) == 0 {
		return nil
	}
	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	if err := e.env.Transport.SendToDevice(ctx, event.ToDeviceEncrypted, messages, txnID); err != nil {
		return fmt.Errorf("share room key: %w", err)
	}
	for _, dev := range shared {
		if e.sharedWith[dev.UserID] == nil {
			e.sharedWith[dev.UserID] = make(map[id.DeviceID]bool)
		}
		e.sharedWith[dev.UserID][dev.DeviceID] = true
	}
	return nil
}

func containsDevice(devices []id.DeviceID, deviceID id.DeviceID) bool {
	for _, d := range devices {
		if d == deviceID {
			return true
		}
	}
	return false
}

// Discard invalidates the live session; the next Encrypt rotates.
func (e *megolmEncryptor) Discard(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessionID == "" {
		return e.env.Store.DeleteOutboundGroupSession(ctx, e.roomID)
	}
	sessionID := e.sessionID
	e.sessionID = ""
	e.sharedWith = make(map[id.UserID]map[id.DeviceID]bool)
	return e.env.Olm.DiscardOutboundGroupSession(ctx, e.roomID, sessionID)
}

// megolmDecryptor handles megolm room events and room key intake for all
// rooms.
type megolmDecryptor struct {
	env *AlgorithmEnv
}

func newMegolmDecryptor(env *AlgorithmEnv) Decryptor {
	return &megolmDecryptor{env: env}
}

// megolmPlaintext is the cleartext carried inside a megolm ciphertext.
type megolmPlaintext struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  id.RoomID       `json:"room_id"`
}

func (d *megolmDecryptor) Decrypt(ctx context.Context, evt *EncryptedEvent, timelineID string) (*DecryptionResult, error) {
	c := &evt.Content
	ciphertext, err := c.MegolmCiphertext()
	if err != nil {
		return nil, err
	}
	if c.SenderKey == "" || c.SessionID == "" || ciphertext == "" {
		return nil, ErrMissingFields
	}

	res, err := d.env.Olm.DecryptGroupMessage(ctx, ciphertext, evt.RoomID, timelineID, c.SessionID, c.SenderKey)
	if err != nil {
		if errors.Is(err, ErrUnknownSessionID) {
			d.requestMissingKey(ctx, evt)
		}
		return nil, err
	}

	var plain megolmPlaintext
	if err := json.Unmarshal(res.Plaintext, &plain); err != nil {
		return nil, ErrBadEncryptedMessage
	}

	// Membership is deliberately not re-checked here: authenticity rests on
	// the signature chain and the ratchet, not on who is in the room now.
	return &DecryptionResult{
		ClearType:         event.Type{Type: plain.Type, Class: event.MessageEventType},
		ClearContent:      plain.Content,
		SenderKey:         c.SenderKey,
		ClaimedEd25519Key: id.Ed25519(res.KeysClaimed["ed25519"]),
		ForwardingChain:   res.ForwardingChain,
	}, nil
}

// requestMissingKey queues a key request to our other devices and the
// sending device.
func (d *megolmDecryptor) requestMissingKey(ctx context.Context, evt *EncryptedEvent) {
	body := RoomKeyRequestBody{
		Algorithm: id.AlgorithmMegolmV1,
		RoomID:    evt.RoomID,
		SenderKey: evt.Content.SenderKey,
		SessionID: evt.Content.SessionID,
	}
	recipients := []RequestRecipient{{UserID: d.env.OwnUserID, DeviceID: "*"}}
	if evt.Sender != "" && evt.Sender != d.env.OwnUserID {
		recipients = append(recipients, RequestRecipient{UserID: evt.Sender, DeviceID: evt.Content.DeviceID})
	}
	if err := d.env.KeyRequests.RequestKeys(ctx, body, recipients); err != nil {
		d.env.Log.Warn().Err(err).
			Str("session_id", string(body.SessionID)).
			Msg("failed to queue key request")
	}
}

func (d *megolmDecryptor) OnRoomKey(ctx context.Context, senderKey id.Curve25519, claimedEd25519 id.Ed25519, content *RoomKeyContent) error {
	if content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" {
		return ErrMissingFields
	}
	added, err := d.env.Olm.AddInboundGroupSession(
		ctx, content.RoomID, senderKey, content.SessionID, content.SessionKey,
		nil, map[string]string{"ed25519": string(claimedEd25519)}, false,
	)
	if err != nil {
		return err
	}
	if added {
		// We have the key now; withdraw any outstanding request for it.
		body := RoomKeyRequestBody{
			Algorithm: content.Algorithm,
			RoomID:    content.RoomID,
			SenderKey: senderKey,
			SessionID: content.SessionID,
		}
		if err := d.env.KeyRequests.CancelRequest(ctx, body, false); err != nil {
			d.env.Log.Warn().Err(err).Msg("failed to cancel satisfied key request")
		}
	}
	return nil
}

func (d *megolmDecryptor) OnForwardedRoomKey(ctx context.Context, senderKey id.Curve25519, content *ForwardedRoomKeyContent) error {
	if content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" || content.SenderKey == "" {
		return ErrMissingFields
	}
	// The device that forwarded the key joins the provenance chain.
	chain := append(append([]string{}, content.ForwardingCurve25519KeyChain...), string(senderKey))
	keysClaimed := map[string]string{"ed25519": string(content.SenderClaimedEd25519Key)}
	added, err := d.env.Olm.AddInboundGroupSession(
		ctx, content.RoomID, content.SenderKey, content.SessionID, content.SessionKey,
		chain, keysClaimed, true,
	)
	if err != nil {
		return err
	}
	if added {
		body := RoomKeyRequestBody{
			Algorithm: content.Algorithm,
			RoomID:    content.RoomID,
			SenderKey: content.SenderKey,
			SessionID: content.SessionID,
		}
		if err := d.env.KeyRequests.CancelRequest(ctx, body, false); err != nil {
			d.env.Log.Warn().Err(err).Msg("failed to cancel satisfied key request")
		}
	}
	return nil
}

// ShareKeys re-shares a session with another of the user's devices via
// m.forwarded_room_key.
func (d *megolmDecryptor) ShareKeys(ctx context.Context, req *IncomingKeyRequest, dev *DeviceIdentity) error {
	exported, err := d.env.Olm.ExportInboundGroupSession(ctx, req.Body.SenderKey, req.Body.SessionID)
	if err != nil {
		return err
	}
	if _, err := d.env.ensureOlmSessions(ctx, []*DeviceIdentity{dev}); err != nil {
		return err
	}
	forwarded := &ForwardedRoomKeyContent{
		Algorithm:                    exported.Algorithm,
		RoomID:                       exported.RoomID,
		SessionID:                    exported.SessionID,
		SessionKey:                   exported.SessionKey,
		SenderKey:                    exported.SenderKey,
		SenderClaimedEd25519Key:      id.Ed25519(exported.SenderClaimedKeys["ed25519"]),
		ForwardingCurve25519KeyChain: exported.ForwardingCurve25519KeyChain,
	}
	envelope, err := d.env.encryptOlmEnvelope(ctx, dev, event.ToDeviceForwardedRoomKey, forwarded)
	if err != nil {
		return err
	}
	messages := map[id.UserID]map[id.DeviceID]any{
		dev.UserID: {dev.DeviceID: envelope},
	}
	txnID := fmt.Sprintf("%d", time.Now().UnixNano())
	if err := d.env.Transport.SendToDevice(ctx, event.ToDeviceEncrypted, messages, txnID); err != nil {
		return fmt.Errorf("forward room key: %w", err)
	}
	d.env.Log.Info().
		Str("user_id", dev.UserID.String()).
		Str("device_id", dev.DeviceID.String()).
		Str("session_id", string(req.Body.SessionID)).
		Msg("shared room key with device")
	return nil
}
