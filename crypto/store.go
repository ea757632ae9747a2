package crypto

import (
	"context"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/id"
)

// Store is the persistence boundary of the engine. Implementations must be
// safe for concurrent use; the engine's queues already serialize mutation of
// any single logical record, so no cross-call transactionality is required.
//
// Pickled material (account, sessions) is opaque to the store; it is
// encrypted by the vault's pickle key before it gets here.
type Store interface {
	// Account
	GetAccountPickle(ctx context.Context) ([]byte, error)
	PutAccountPickle(ctx context.Context, pickle []byte) error

	// Pairwise olm sessions, keyed by the peer's curve25519 identity key.
	GetOlmSessionIDs(ctx context.Context, senderKey id.Curve25519) ([]id.SessionID, error)
	GetOlmSessionPickle(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) ([]byte, error)
	PutOlmSessionPickle(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, pickle []byte) error

	// Inbound megolm sessions, keyed by (senderKey, sessionID).
	GetInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSessionRecord, error)
	PutInboundGroupSession(ctx context.Context, rec *InboundGroupSessionRecord) error
	ListInboundGroupSessions(ctx context.Context) ([]*InboundGroupSessionRecord, error)

	// The live outbound megolm session of a room.
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (id.SessionID, []byte, error)
	PutOutboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, pickle []byte) error
	DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	// Device directory
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error)
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	PutDevice(ctx context.Context, device *DeviceIdentity) error
	GetDeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error)

	GetTrackingStatuses(ctx context.Context) (map[id.UserID]TrackingStatus, error)
	PutTrackingStatus(ctx context.Context, userID id.UserID, status TrackingStatus) error

	// Outgoing key request queue
	ListOutgoingKeyRequests(ctx context.Context) ([]*OutgoingKeyRequest, error)
	PutOutgoingKeyRequest(ctx context.Context, req *OutgoingKeyRequest) error
	DeleteOutgoingKeyRequest(ctx context.Context, requestID string) error

	// Incoming key requests pending user consent
	ListPendingIncomingKeyRequests(ctx context.Context) ([]*IncomingKeyRequest, error)
	PutPendingIncomingKeyRequest(ctx context.Context, req *IncomingKeyRequest) error
	DeletePendingIncomingKeyRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) error

	// Per-room encryption config and unverified-device policy flags
	GetRoomEncryption(ctx context.Context, roomID id.RoomID) (*EncryptionConfig, error)
	PutRoomEncryption(ctx context.Context, roomID id.RoomID, cfg *EncryptionConfig) error
	GetGlobalBlacklistUnverified(ctx context.Context) (bool, error)
	SetGlobalBlacklistUnverified(ctx context.Context, value bool) error
	GetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID) (bool, error)
	SetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID, value bool) error
}

func olmSessionKey(senderKey id.Curve25519, sessionID id.SessionID) string {
	return string(senderKey) + "|" + string(sessionID)
}

func pendingRequestKey(userID id.UserID, deviceID id.DeviceID, requestID string) string {
	return fmt.Sprintf("%s|%s|%s", userID, deviceID, requestID)
}

// MemoryStore is a non-persistent Store used in tests and as a reference
// implementation of the interface's semantics.
type MemoryStore struct {
	mu sync.RWMutex

	accountPickle []byte

	olmSessions   map[string][]byte
	olmSessionIDs map[id.Curve25519][]id.SessionID

	inboundSessions map[string]*InboundGroupSessionRecord

	outboundRooms map[id.RoomID]outboundRecord

	devices          map[id.UserID]map[id.DeviceID]*DeviceIdentity
	trackingStatuses map[id.UserID]TrackingStatus

	outgoingRequests map[string]*OutgoingKeyRequest
	pendingIncoming  map[string]*IncomingKeyRequest

	roomEncryption  map[id.RoomID]*EncryptionConfig
	roomBlacklist   map[id.RoomID]bool
	globalBlacklist bool
}

type outboundRecord struct {
	sessionID id.SessionID
	pickle    []byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		olmSessions:      make(map[string][]byte),
		olmSessionIDs:    make(map[id.Curve25519][]id.SessionID),
		inboundSessions:  make(map[string]*InboundGroupSessionRecord),
		outboundRooms:    make(map[id.RoomID]outboundRecord),
		devices:          make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		trackingStatuses: make(map[id.UserID]TrackingStatus),
		outgoingRequests: make(map[string]*OutgoingKeyRequest),
		pendingIncoming:  make(map[string]*IncomingKeyRequest),
		roomEncryption:   make(map[id.RoomID]*EncryptionConfig),
		roomBlacklist:    make(map[id.RoomID]bool),
	}
}

func (s *MemoryStore) GetAccountPickle(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountPickle, nil
}

func (s *MemoryStore) PutAccountPickle(ctx context.Context, pickle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountPickle = pickle
	return nil
}

func (s *MemoryStore) GetOlmSessionIDs(ctx context.Context, senderKey id.Curve25519) ([]id.SessionID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.olmSessionIDs[senderKey]
	out := make([]id.SessionID, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *MemoryStore) GetOlmSessionPickle(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.olmSessions[olmSessionKey(senderKey, sessionID)], nil
}

func (s *MemoryStore) PutOlmSessionPickle(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, pickle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := olmSessionKey(senderKey, sessionID)
	if _, exists := s.olmSessions[key]; !exists {
		s.olmSessionIDs[senderKey] = append(s.olmSessionIDs[senderKey], sessionID)
	}
	s.olmSessions[key] = pickle
	return nil
}

func (s *MemoryStore) GetInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*InboundGroupSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inboundSessions[olmSessionKey(senderKey, sessionID)], nil
}

func (s *MemoryStore) PutInboundGroupSession(ctx context.Context, rec *InboundGroupSessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundSessions[olmSessionKey(rec.SenderKey, rec.SessionID)] = rec
	return nil
}

func (s *MemoryStore) ListInboundGroupSessions(ctx context.Context) ([]*InboundGroupSessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InboundGroupSessionRecord, 0, len(s.inboundSessions))
	for _, rec := range s.inboundSessions {
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (id.SessionID, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.outboundRooms[roomID]
	if !ok {
		return "", nil, nil
	}
	return rec.sessionID, rec.pickle, nil
}

func (s *MemoryStore) PutOutboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, pickle []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundRooms[roomID] = outboundRecord{sessionID: sessionID, pickle: pickle}
	return nil
}

func (s *MemoryStore) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outboundRooms, roomID)
	return nil
}

func (s *MemoryStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices, ok := s.devices[userID]
	if !ok {
		return nil, nil
	}
	out := make(map[id.DeviceID]*DeviceIdentity, len(devices))
	for devID, dev := range devices {
		cp := *dev
		out[devID] = &cp
	}
	return out, nil
}

func (s *MemoryStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make(map[id.DeviceID]*DeviceIdentity, len(devices))
	for devID, dev := range devices {
		cp := *dev
		stored[devID] = &cp
	}
	s.devices[userID] = stored
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[userID][deviceID]
	if !ok {
		return nil, nil
	}
	cp := *dev
	return &cp, nil
}

func (s *MemoryStore) PutDevice(ctx context.Context, device *DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	devices, ok := s.devices[device.UserID]
	if !ok {
		devices = make(map[id.DeviceID]*DeviceIdentity)
		s.devices[device.UserID] = devices
	}
	cp := *device
	devices[device.DeviceID] = &cp
	return nil
}

func (s *MemoryStore) GetDeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dev := range s.devices[userID] {
		if dev.IdentityKey == identityKey {
			cp := *dev
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetTrackingStatuses(ctx context.Context) (map[id.UserID]TrackingStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[id.UserID]TrackingStatus, len(s.trackingStatuses))
	for userID, status := range s.trackingStatuses {
		out[userID] = status
	}
	return out, nil
}

func (s *MemoryStore) PutTrackingStatus(ctx context.Context, userID id.UserID, status TrackingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == TrackingNotTracked {
		delete(s.trackingStatuses, userID)
	} else {
		s.trackingStatuses[userID] = status
	}
	return nil
}

func (s *MemoryStore) ListOutgoingKeyRequests(ctx context.Context) ([]*OutgoingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*OutgoingKeyRequest, 0, len(s.outgoingRequests))
	for _, req := range s.outgoingRequests {
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutOutgoingKeyRequest(ctx context.Context, req *OutgoingKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.outgoingRequests[req.RequestID] = &cp
	return nil
}

func (s *MemoryStore) DeleteOutgoingKeyRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outgoingRequests, requestID)
	return nil
}

func (s *MemoryStore) ListPendingIncomingKeyRequests(ctx context.Context) ([]*IncomingKeyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*IncomingKeyRequest, 0, len(s.pendingIncoming))
	for _, req := range s.pendingIncoming {
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) PutPendingIncomingKeyRequest(ctx context.Context, req *IncomingKeyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.pendingIncoming[pendingRequestKey(req.UserID, req.DeviceID, req.RequestID)] = &cp
	return nil
}

func (s *MemoryStore) DeletePendingIncomingKeyRequest(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingIncoming, pendingRequestKey(userID, deviceID, requestID))
	return nil
}

func (s *MemoryStore) GetRoomEncryption(ctx context.Context, roomID id.RoomID) (*EncryptionConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.roomEncryption[roomID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) PutRoomEncryption(ctx context.Context, roomID id.RoomID, cfg *EncryptionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.roomEncryption[roomID] = &cp
	return nil
}

func (s *MemoryStore) GetGlobalBlacklistUnverified(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalBlacklist, nil
}

func (s *MemoryStore) SetGlobalBlacklistUnverified(ctx context.Context, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalBlacklist = value
	return nil
}

func (s *MemoryStore) GetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomBlacklist[roomID], nil
}

func (s *MemoryStore) SetRoomBlacklistUnverified(ctx context.Context, roomID id.RoomID, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomBlacklist[roomID] = value
	return nil
}
