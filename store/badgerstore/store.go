// Package badgerstore persists the crypto engine's state in an embedded
// badger database. Values are JSON; pickled session material arrives
// already encrypted by the vault's pickle key.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/veilchat/veil/crypto"
)

// Key prefixes. Composite keys join their parts with 0x00, which cannot
// appear inside matrix identifiers.
const (
	prefixAccount         = "acc"
	prefixOlmSession      = "olm"
	prefixInboundSession  = "igs"
	prefixOutboundSession = "ogs"
	prefixDevice          = "dev"
	prefixTracking        = "trk"
	prefixOutgoingReq     = "okr"
	prefixPendingReq      = "ikr"
	prefixRoomEncryption  = "enc"
	prefixRoomBlacklist   = "rbl"
	keyGlobalBlacklist    = "gbl"
)

// Store implements crypto.Store on badger.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

var _ crypto.Store = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open crypto store: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "badgerstore").Logger()}, nil
}

// NewWithDB wraps an already-open database, e.g. one shared with other
// application state.
func NewWithDB(db *badger.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "badgerstore").Logger()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func makeKey(parts ...string) []byte {
	size := 0
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0)
		}
		key = append(key, p...)
	}
	return key
}

func (s *Store) get(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return value, err
}

func (s *Store) set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (s *Store) getJSON(key []byte, out any) (bool, error) {
	raw, err := s.get(key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) setJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.set(key, raw)
}

// scanPrefix calls fn for every value under prefix.
func (s *Store) scanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Account

func (s *Store) GetAccountPickle(context.Context) ([]byte, error) {
	return s.get(makeKey(prefixAccount))
}

func (s *Store) PutAccountPickle(_ context.Context, pickle []byte) error {
	return s.set(makeKey(prefixAccount), pickle)
}

// Pairwise olm sessions

func (s *Store) GetOlmSessionIDs(_ context.Context, senderKey id.Curve25519) ([]id.SessionID, error) {
	prefix := makeKey(prefixOlmSession, string(senderKey))
	prefix = append(prefix, 0)
	var ids []id.SessionID
	err := s.scanPrefix(prefix, func(key, _ []byte) error {
		ids = append(ids, id.SessionID(key[len(prefix):]))
		return nil
	})
	return ids, err
}

func (s *Store) GetOlmSessionPickle(_ context.Context, senderKey id.Curve25519, sessionID id.SessionID) ([]byte, error) {
	return s.get(makeKey(prefixOlmSession, string(senderKey), string(sessionID)))
}

func (s *Store) PutOlmSessionPickle(_ context.Context, senderKey id.Curve25519, sessionID id.SessionID, pickle []byte) error {
	return s.set(makeKey(prefixOlmSession, string(senderKey), string(sessionID)), pickle)
}

// Inbound megolm sessions

func (s *Store) GetInboundGroupSession(_ context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*crypto.InboundGroupSessionRecord, error) {
	var rec crypto.InboundGroupSessionRecord
	ok, err := s.getJSON(makeKey(prefixInboundSession, string(senderKey), string(sessionID)), &rec)
	if !ok {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) PutInboundGroupSession(_ context.Context, rec *crypto.InboundGroupSessionRecord) error {
	return s.setJSON(makeKey(prefixInboundSession, string(rec.SenderKey), string(rec.SessionID)), rec)
}

func (s *Store) ListInboundGroupSessions(context.Context) ([]*crypto.InboundGroupSessionRecord, error) {
	var recs []*crypto.InboundGroupSessionRecord
	err := s.scanPrefix(makeKey(prefixInboundSession), func(_, value []byte) error {
		var rec crypto.InboundGroupSessionRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		recs = append(recs, &rec)
		return nil
	})
	return recs, err
}

// Outbound megolm sessions

type outboundRecord struct {
	SessionID id.SessionID `json:"session_id"`
	Pickle    []byte       `json:"pickle"`
}

func (s *Store) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (id.SessionID, []byte, error) {
	var rec outboundRecord
	ok, err := s.getJSON(makeKey(prefixOutboundSession, string(roomID)), &rec)
	if !ok {
		return "", nil, err
	}
	return rec.SessionID, rec.Pickle, nil
}

func (s *Store) PutOutboundGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID, pickle []byte) error {
	return s.setJSON(makeKey(prefixOutboundSession, string(roomID)), &outboundRecord{SessionID: sessionID, Pickle: pickle})
}

func (s *Store) DeleteOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	return s.delete(makeKey(prefixOutboundSession, string(roomID)))
}

// Device directory

func (s *Store) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*crypto.DeviceIdentity, error) {
	prefix := makeKey(prefixDevice, string(userID))
	prefix = append(prefix, 0)
	devices := make(map[id.DeviceID]*crypto.DeviceIdentity)
	err := s.scanPrefix(prefix, func(_, value []byte) error {
		var dev crypto.DeviceIdentity
		if err := json.Unmarshal(value, &dev); err != nil {
			return err
		}
		devices[dev.DeviceID] = &dev
		return nil
	})
	return devices, err
}

// PutDevices replaces a user's whole device set in one transaction, so a
// departed device cannot survive the write.
func (s *Store) PutDevices(_ context.Context, userID id.UserID, devices map[id.DeviceID]*crypto.DeviceIdentity) error {
	prefix := makeKey(prefixDevice, string(userID))
	prefix = append(prefix, 0)
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, keep := devices[id.DeviceID(key[len(prefix):])]; !keep {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for deviceID, dev := range devices {
			raw, err := json.Marshal(dev)
			if err != nil {
				return err
			}
			if err := txn.Set(makeKey(prefixDevice, string(userID), string(deviceID)), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*crypto.DeviceIdentity, error) {
	var dev crypto.DeviceIdentity
	ok, err := s.getJSON(makeKey(prefixDevice, string(userID), string(deviceID)), &dev)
	if !ok {
		return nil, err
	}
	return &dev, nil
}

func (s *Store) PutDevice(_ context.Context, device *crypto.DeviceIdentity) error {
	return s.setJSON(makeKey(prefixDevice, string(device.UserID), string(device.DeviceID)), device)
}

func (s *Store) GetDeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*crypto.DeviceIdentity, error) {
	devices, err := s.GetDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.IdentityKey == identityKey {
			return dev, nil
		}
	}
	return nil, nil
}

// Tracking statuses

func (s *Store) GetTrackingStatuses(context.Context) (map[id.UserID]crypto.TrackingStatus, error) {
	prefix := makeKey(prefixTracking)
	prefix = append(prefix, 0)
	statuses := make(map[id.UserID]crypto.TrackingStatus)
	err := s.scanPrefix(prefix, func(key, value []byte) error {
		var status crypto.TrackingStatus
		if err := json.Unmarshal(value, &status); err != nil {
			return err
		}
		statuses[id.UserID(key[len(prefix):])] = status
		return nil
	})
	return statuses, err
}

func (s *Store) PutTrackingStatus(_ context.Context, userID id.UserID, status crypto.TrackingStatus) error {
	key := makeKey(prefixTracking, string(userID))
	if status == crypto.TrackingNotTracked {
		return s.delete(key)
	}
	return s.setJSON(key, status)
}

// Outgoing key requests

func (s *Store) ListOutgoingKeyRequests(context.Context) ([]*crypto.OutgoingKeyRequest, error) {
	var reqs []*crypto.OutgoingKeyRequest
	err := s.scanPrefix(makeKey(prefixOutgoingReq), func(_, value []byte) error {
		var req crypto.OutgoingKeyRequest
		if err := json.Unmarshal(value, &req); err != nil {
			return err
		}
		reqs = append(reqs, &req)
		return nil
	})
	return reqs, err
}

func (s *Store) PutOutgoingKeyRequest(_ context.Context, req *crypto.OutgoingKeyRequest) error {
	return s.setJSON(makeKey(prefixOutgoingReq, req.RequestID), req)
}

func (s *Store) DeleteOutgoingKeyRequest(_ context.Context, requestID string) error {
	return s.delete(makeKey(prefixOutgoingReq, requestID))
}

// Pending incoming key requests

func (s *Store) ListPendingIncomingKeyRequests(context.Context) ([]*crypto.IncomingKeyRequest, error) {
	var reqs []*crypto.IncomingKeyRequest
	err := s.scanPrefix(makeKey(prefixPendingReq), func(_, value []byte) error {
		var req crypto.IncomingKeyRequest
		if err := json.Unmarshal(value, &req); err != nil {
			return err
		}
		reqs = append(reqs, &req)
		return nil
	})
	return reqs, err
}

func (s *Store) PutPendingIncomingKeyRequest(_ context.Context, req *crypto.IncomingKeyRequest) error {
	return s.setJSON(makeKey(prefixPendingReq, string(req.UserID), string(req.DeviceID), req.RequestID), req)
}

func (s *Store) DeletePendingIncomingKeyRequest(_ context.Context, userID id.UserID, deviceID id.DeviceID, requestID string) error {
	return s.delete(makeKey(prefixPendingReq, string(userID), string(deviceID), requestID))
}

// Room encryption config and policy flags

func (s *Store) GetRoomEncryption(_ context.Context, roomID id.RoomID) (*crypto.EncryptionConfig, error) {
	var cfg crypto.EncryptionConfig
	ok, err := s.getJSON(makeKey(prefixRoomEncryption, string(roomID)), &cfg)
	if !ok {
		return nil, err
	}
	return &cfg, nil
}

func (s *Store) PutRoomEncryption(_ context.Context, roomID id.RoomID, cfg *crypto.EncryptionConfig) error {
	return s.setJSON(makeKey(prefixRoomEncryption, string(roomID)), cfg)
}

func (s *Store) GetGlobalBlacklistUnverified(context.Context) (bool, error) {
	var value bool
	_, err := s.getJSON(makeKey(keyGlobalBlacklist), &value)
	return value, err
}

func (s *Store) SetGlobalBlacklistUnverified(_ context.Context, value bool) error {
	return s.setJSON(makeKey(keyGlobalBlacklist), value)
}

func (s *Store) GetRoomBlacklistUnverified(_ context.Context, roomID id.RoomID) (bool, error) {
	var value bool
	_, err := s.getJSON(makeKey(prefixRoomBlacklist, string(roomID)), &value)
	return value, err
}

func (s *Store) SetRoomBlacklistUnverified(_ context.Context, roomID id.RoomID, value bool) error {
	return s.setJSON(makeKey(prefixRoomBlacklist, string(roomID)), value)
}
