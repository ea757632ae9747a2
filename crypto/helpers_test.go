package crypto

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestVault(t *testing.T) *OlmDevice {
	t.Helper()
	d, err := NewOlmDevice(context.Background(), NewMemoryStore(), []byte("test-pickle-key-0123456789abcdef"), testLogger())
	require.NoError(t, err)
	return d
}

// deviceKeysFor builds the self-signed directory payload for a vault, the
// way a real device publishes itself.
func deviceKeysFor(t *testing.T, vault *OlmDevice, userID id.UserID, deviceID id.DeviceID) *DeviceKeysPayload {
	t.Helper()
	payload := &DeviceKeysPayload{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.DeviceKeyID]string{
			id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID): string(vault.IdentityKey),
			id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID):    string(vault.SigningKey),
		},
	}
	sig, err := vault.SignJSON(payload)
	require.NoError(t, err)
	payload.Signatures = map[id.UserID]map[string]string{
		userID: {string(id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID)): sig},
	}
	return payload
}

type sentToDevice struct {
	Type     event.Type
	Messages map[id.UserID]map[id.DeviceID]any
	TxnID    string
}

// fakeTransport records calls and delegates to optional function fields.
type fakeTransport struct {
	mu      sync.Mutex
	uploads []*UploadKeysRequest
	sends   []sentToDevice

	uploadFunc func(req *UploadKeysRequest) (*UploadKeysResponse, error)
	queryFunc  func(userIDs []id.UserID, syncToken string) (*QueryKeysResponse, error)
	claimFunc  func(oneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*ClaimKeysResponse, error)
	sendFunc   func(eventType event.Type, messages map[id.UserID]map[id.DeviceID]any, txnID string) error
}

var _ Transport = (*fakeTransport)(nil)

func (f *fakeTransport) UploadKeys(_ context.Context, req *UploadKeysRequest) (*UploadKeysResponse, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	f.mu.Unlock()
	if f.uploadFunc != nil {
		return f.uploadFunc(req)
	}
	return &UploadKeysResponse{OneTimeKeyCounts: map[id.KeyAlgorithm]int{
		id.KeyAlgorithmSignedCurve25519: len(req.OneTimeKeys),
	}}, nil
}

func (f *fakeTransport) QueryKeys(_ context.Context, userIDs []id.UserID, syncToken string) (*QueryKeysResponse, error) {
	if f.queryFunc != nil {
		return f.queryFunc(userIDs, syncToken)
	}
	return &QueryKeysResponse{}, nil
}

func (f *fakeTransport) ClaimKeys(_ context.Context, oneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*ClaimKeysResponse, error) {
	if f.claimFunc != nil {
		return f.claimFunc(oneTimeKeys)
	}
	return &ClaimKeysResponse{}, nil
}

func (f *fakeTransport) SendToDevice(_ context.Context, eventType event.Type, messages map[id.UserID]map[id.DeviceID]any, txnID string) error {
	f.mu.Lock()
	f.sends = append(f.sends, sentToDevice{Type: eventType, Messages: messages, TxnID: txnID})
	f.mu.Unlock()
	if f.sendFunc != nil {
		return f.sendFunc(eventType, messages, txnID)
	}
	return nil
}

func (f *fakeTransport) sentMessages() []sentToDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentToDevice, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeTransport) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// homeserver is an in-memory key directory and to-device router for
// multi-engine tests.
type homeserver struct {
	mu         sync.Mutex
	deviceKeys map[id.UserID]map[id.DeviceID]*DeviceKeysPayload
	oneTime    map[id.UserID]map[id.DeviceID][]claimableKey
	// inbox is keyed per (user, device); "*" addressed messages land under
	// the wildcard device.
	inbox map[id.UserID]map[id.DeviceID][]*ToDeviceEvent
}

type claimableKey struct {
	keyID id.KeyID
	key   SignedOneTimeKey
}

func newHomeserver() *homeserver {
	return &homeserver{
		deviceKeys: make(map[id.UserID]map[id.DeviceID]*DeviceKeysPayload),
		oneTime:    make(map[id.UserID]map[id.DeviceID][]claimableKey),
		inbox:      make(map[id.UserID]map[id.DeviceID][]*ToDeviceEvent),
	}
}

// take drains the to-device inbox of one device.
func (h *homeserver) take(userID id.UserID, deviceID id.DeviceID) []*ToDeviceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inbox[userID] == nil {
		return nil
	}
	events := h.inbox[userID][deviceID]
	h.inbox[userID][deviceID] = nil
	return events
}

func (h *homeserver) transportFor(userID id.UserID, deviceID id.DeviceID) Transport {
	return &hsTransport{hs: h, userID: userID, deviceID: deviceID}
}

type hsTransport struct {
	hs       *homeserver
	userID   id.UserID
	deviceID id.DeviceID
}

func (t *hsTransport) UploadKeys(_ context.Context, req *UploadKeysRequest) (*UploadKeysResponse, error) {
	t.hs.mu.Lock()
	defer t.hs.mu.Unlock()
	if req.DeviceKeys != nil {
		if t.hs.deviceKeys[t.userID] == nil {
			t.hs.deviceKeys[t.userID] = make(map[id.DeviceID]*DeviceKeysPayload)
		}
		t.hs.deviceKeys[t.userID][t.deviceID] = req.DeviceKeys
	}
	for keyID, raw := range req.OneTimeKeys {
		var signed SignedOneTimeKey
		if err := json.Unmarshal(raw, &signed); err != nil {
			return nil, err
		}
		if t.hs.oneTime[t.userID] == nil {
			t.hs.oneTime[t.userID] = make(map[id.DeviceID][]claimableKey)
		}
		t.hs.oneTime[t.userID][t.deviceID] = append(t.hs.oneTime[t.userID][t.deviceID], claimableKey{keyID: keyID, key: signed})
	}
	return &UploadKeysResponse{OneTimeKeyCounts: map[id.KeyAlgorithm]int{
		id.KeyAlgorithmSignedCurve25519: len(t.hs.oneTime[t.userID][t.deviceID]),
	}}, nil
}

func (t *hsTransport) QueryKeys(_ context.Context, userIDs []id.UserID, _ string) (*QueryKeysResponse, error) {
	t.hs.mu.Lock()
	defer t.hs.mu.Unlock()
	resp := &QueryKeysResponse{DeviceKeys: make(map[id.UserID]map[id.DeviceID]*DeviceKeysPayload)}
	for _, userID := range userIDs {
		devices := make(map[id.DeviceID]*DeviceKeysPayload, len(t.hs.deviceKeys[userID]))
		for deviceID, payload := range t.hs.deviceKeys[userID] {
			devices[deviceID] = payload
		}
		resp.DeviceKeys[userID] = devices
	}
	return resp, nil
}

func (t *hsTransport) ClaimKeys(_ context.Context, oneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm) (*ClaimKeysResponse, error) {
	t.hs.mu.Lock()
	defer t.hs.mu.Unlock()
	resp := &ClaimKeysResponse{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]SignedOneTimeKey)}
	for userID, devices := range oneTimeKeys {
		for deviceID := range devices {
			pool := t.hs.oneTime[userID][deviceID]
			if len(pool) == 0 {
				continue
			}
			claimed := pool[0]
			t.hs.oneTime[userID][deviceID] = pool[1:]
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[id.DeviceID]map[id.KeyID]SignedOneTimeKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[id.KeyID]SignedOneTimeKey{claimed.keyID: claimed.key}
		}
	}
	return resp, nil
}

func (t *hsTransport) SendToDevice(_ context.Context, eventType event.Type, messages map[id.UserID]map[id.DeviceID]any, _ string) error {
	t.hs.mu.Lock()
	defer t.hs.mu.Unlock()
	for userID, devices := range messages {
		for deviceID, content := range devices {
			raw, err := json.Marshal(content)
			if err != nil {
				return err
			}
			if t.hs.inbox[userID] == nil {
				t.hs.inbox[userID] = make(map[id.DeviceID][]*ToDeviceEvent)
			}
			t.hs.inbox[userID][deviceID] = append(t.hs.inbox[userID][deviceID], &ToDeviceEvent{
				Type:    eventType,
				Sender:  t.userID,
				Content: raw,
			})
		}
	}
	return nil
}
