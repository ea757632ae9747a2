package crypto

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DeviceKeysPayload is the signed device-key object uploaded to and
// downloaded from the key directory.
type DeviceKeysPayload struct {
	UserID     id.UserID                       `json:"user_id"`
	DeviceID   id.DeviceID                     `json:"device_id"`
	Algorithms []id.Algorithm                  `json:"algorithms"`
	Keys       map[id.DeviceKeyID]string       `json:"keys"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
}

// SignedOneTimeKey is one claimed signed_curve25519 key.
type SignedOneTimeKey struct {
	Key        id.Curve25519                   `json:"key"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
}

// UploadKeysRequest carries device keys and/or freshly generated one-time
// keys to the server.
type UploadKeysRequest struct {
	DeviceKeys  *DeviceKeysPayload           `json:"device_keys,omitempty"`
	OneTimeKeys map[id.KeyID]json.RawMessage `json:"one_time_keys,omitempty"`
}

type UploadKeysResponse struct {
	OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
}

type QueryKeysResponse struct {
	DeviceKeys map[id.UserID]map[id.DeviceID]*DeviceKeysPayload `json:"device_keys"`
	// Failures maps unreachable server names to opaque error bodies.
	Failures map[string]json.RawMessage `json:"failures,omitempty"`
}

type ClaimKeysResponse struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]SignedOneTimeKey `json:"one_time_keys"`
	Failures    map[string]json.RawMessage                                  `json:"failures,omitempty"`
}

// Transport is the REST collaborator. Implementations own retries and
// timeouts; the engine treats every error as final for the one call.
type Transport interface {
	UploadKeys(ctx context.Context, req *UploadKeysRequest) (*UploadKeysResponse, error)
	QueryKeys(ctx context.Context, userIDs []id.UserID, syncToken string) (*QueryKeysResponse, error)
	ClaimKeys(ctx context.Context, oneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*ClaimKeysResponse, error)
	SendToDevice(ctx context.Context, eventType event.Type, messages map[id.UserID]map[id.DeviceID]any, txnID string) error
}
