package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ensureOlmSessions makes sure a pairwise olm session exists with every
// given device, claiming one-time keys in a single batch for the devices
// that need one. Devices whose claimed key is missing or badly signed are
// returned in the failed set and simply not encrypted to.
func (env *AlgorithmEnv) ensureOlmSessions(ctx context.Context, devices []*DeviceIdentity) (failed map[id.UserID][]id.DeviceID, err error) {
	failed = make(map[id.UserID][]id.DeviceID)

	var missing []*DeviceIdentity
	for _, dev := range devices {
		ids, err := env.Olm.SessionIDsForDevice(ctx, dev.IdentityKey)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			missing = append(missing, dev)
		}
	}
	if len(missing) == 0 {
		return failed, nil
	}

	claim := make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm)
	for _, dev := range missing {
		if claim[dev.UserID] == nil {
			claim[dev.UserID] = make(map[id.DeviceID]id.KeyAlgorithm)
		}
		claim[dev.UserID][dev.DeviceID] = id.KeyAlgorithmSignedCurve25519
	}
	resp, err := env.Transport.ClaimKeys(ctx, claim)
	if err != nil {
		return nil, fmt.Errorf("claim one-time keys: %w", err)
	}

	for _, dev := range missing {
		otk, ok := pickClaimedKey(resp, dev)
		if !ok {
			env.Log.Warn().
				Str("user_id", dev.UserID.String()).
				Str("device_id", dev.DeviceID.String()).
				Msg("no one-time key claimed for device")
			failed[dev.UserID] = append(failed[dev.UserID], dev.DeviceID)
			continue
		}
		verified, err := signatures.VerifySignatureJSON(otk, dev.UserID, dev.DeviceID.String(), dev.SigningKey)
		if err != nil || !verified {
			env.Log.Warn().Err(err).
				Str("user_id", dev.UserID.String()).
				Str("device_id", dev.DeviceID.String()).
				Msg("claimed one-time key has invalid signature")
			failed[dev.UserID] = append(failed[dev.UserID], dev.DeviceID)
			continue
		}
		if _, err := env.Olm.CreateOutboundSession(ctx, dev.IdentityKey, otk.Key); err != nil {
			env.Log.Warn().Err(err).
				Str("device_id", dev.DeviceID.String()).
				Msg("failed to create outbound olm session")
			failed[dev.UserID] = append(failed[dev.UserID], dev.DeviceID)
		}
	}
	return failed, nil
}

func pickClaimedKey(resp *ClaimKeysResponse, dev *DeviceIdentity) (*SignedOneTimeKey, bool) {
	for keyID, otk := range resp.OneTimeKeys[dev.UserID][dev.DeviceID] {
		alg, _ := keyID.Parse()
		if alg == id.KeyAlgorithmSignedCurve25519 {
			return &otk, true
		}
	}
	return nil, false
}

// encryptOlmEnvelope wraps a to-device payload in an olm-encrypted
// m.room.encrypted body for one device, using the canonical (lowest id)
// session. The inner payload pins sender and recipient identities so a
// relayed ciphertext cannot be passed off as someone else's.
func (env *AlgorithmEnv) encryptOlmEnvelope(ctx context.Context, dev *DeviceIdentity, evtType event.Type, content any) (*EncryptedContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&olmPayload{
		Type:      evtType,
		Content:   raw,
		Sender:    env.OwnUserID,
		Recipient: dev.UserID,
		RecipientKeys: map[id.KeyAlgorithm]string{
			id.KeyAlgorithmEd25519: string(dev.SigningKey),
		},
		Keys: map[id.KeyAlgorithm]id.Ed25519{
			id.KeyAlgorithmEd25519: env.Olm.SigningKey,
		},
	})
	if err != nil {
		return nil, err
	}

	sessionIDs, err := env.Olm.SessionIDsForDevice(ctx, dev.IdentityKey)
	if err != nil {
		return nil, err
	}
	if len(sessionIDs) == 0 {
		return nil, ErrNoOlmSession
	}
	msg, err := env.Olm.EncryptMessage(ctx, dev.IdentityKey, sessionIDs[0], payload)
	if err != nil {
		return nil, err
	}

	ciphertext, err := json.Marshal(map[id.Curve25519]OlmCiphertext{dev.IdentityKey: *msg})
	if err != nil {
		return nil, err
	}
	return &EncryptedContent{
		Algorithm:  id.AlgorithmOlmV1,
		SenderKey:  env.Olm.IdentityKey,
		DeviceID:   env.OwnDeviceID,
		Ciphertext: ciphertext,
	}, nil
}
