package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/crypto/goolm"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// The olm package only dispatches; a concrete ratchet backend has to
// register itself before any account can be created. goolm is the pure-Go
// implementation, so no cgo is needed.
func init() {
	goolm.Register()
}

const inboundSessionCacheSize = 256

// OlmDevice is the primitive vault: it owns the local olm account, every
// pairwise and group ratchet session, and the per-timeline replay tables.
// No plaintext key material leaves it except through the export codec.
//
// It is not internally serialized; the engine's encrypting and decrypting
// queues are responsible for never mutating the same session concurrently.
type OlmDevice struct {
	log       zerolog.Logger
	store     Store
	pickleKey []byte

	account   olm.Account
	accountMu sync.Mutex

	// IdentityKey and SigningKey are the local device's long-term keys.
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519

	outboundMu sync.Mutex
	outbound   map[id.SessionID]olm.OutboundGroupSession

	inboundCache *lru.Cache[string, olm.InboundGroupSession]

	replayMu sync.Mutex
	// timeline id -> "senderKey|sessionID|index" triples already consumed.
	replay map[string]map[string]struct{}
}

// GroupDecryptResult is the outcome of a group decrypt, including the key
// provenance callers need to authenticate the sender.
type GroupDecryptResult struct {
	Plaintext       []byte
	MessageIndex    uint
	KeysClaimed     map[string]string
	ForwardingChain []string
}

// NewOlmDevice restores the olm account from the store, or creates and
// persists a fresh one on first run.
func NewOlmDevice(ctx context.Context, store Store, pickleKey []byte, log zerolog.Logger) (*OlmDevice, error) {
	cache, err := lru.New[string, olm.InboundGroupSession](inboundSessionCacheSize)
	if err != nil {
		return nil, err
	}
	d := &OlmDevice{
		log:          log.With().Str("component", "olm_device").Logger(),
		store:        store,
		pickleKey:    pickleKey,
		outbound:     make(map[id.SessionID]olm.OutboundGroupSession),
		inboundCache: cache,
		replay:       make(map[string]map[string]struct{}),
	}

	pickle, err := store.GetAccountPickle(ctx)
	if err != nil {
		return nil, fmt.Errorf("load account pickle: %w", err)
	}
	if len(pickle) > 0 {
		d.account, err = olm.AccountFromPickled(pickle, pickleKey)
		if err != nil {
			return nil, olmErr("unpickle account", err)
		}
	} else {
		d.account, err = olm.NewAccount()
		if err != nil {
			return nil, olmErr("create account", err)
		}
		if err := d.saveAccount(ctx); err != nil {
			return nil, err
		}
		d.log.Info().Msg("created new olm account")
	}

	signingKey, identityKey, err := d.account.IdentityKeys()
	if err != nil {
		return nil, olmErr("identity keys", err)
	}
	d.SigningKey = signingKey
	d.IdentityKey = identityKey
	return d, nil
}

func (d *OlmDevice) saveAccount(ctx context.Context) error {
	pickle, err := d.account.Pickle(d.pickleKey)
	if err != nil {
		return olmErr("pickle account", err)
	}
	if err := d.store.PutAccountPickle(ctx, pickle); err != nil {
		return fmt.Errorf("store account pickle: %w", err)
	}
	return nil
}

// SignJSON signs the canonical JSON form of payload with the device's
// ed25519 key.
func (d *OlmDevice) SignJSON(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	canonical, err := canonicaljson.CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	d.accountMu.Lock()
	defer d.accountMu.Unlock()
	sig, err := d.account.Sign(canonical)
	if err != nil {
		return "", olmErr("sign", err)
	}
	return string(sig), nil
}

// One-time key lifecycle.

func (d *OlmDevice) GenerateOneTimeKeys(ctx context.Context, n uint) error {
	d.accountMu.Lock()
	defer d.accountMu.Unlock()
	if err := d.account.GenOneTimeKeys(n); err != nil {
		return olmErr("generate one-time keys", err)
	}
	return d.saveAccount(ctx)
}

func (d *OlmDevice) OneTimeKeys() (map[string]id.Curve25519, error) {
	d.accountMu.Lock()
	defer d.accountMu.Unlock()
	keys, err := d.account.OneTimeKeys()
	if err != nil {
		return nil, olmErr("one-time keys", err)
	}
	return keys, nil
}

func (d *OlmDevice) MarkKeysAsPublished(ctx context.Context) error {
	d.accountMu.Lock()
	defer d.accountMu.Unlock()
	d.account.MarkKeysAsPublished()
	return d.saveAccount(ctx)
}

func (d *OlmDevice) MaxOneTimeKeys() uint {
	d.accountMu.Lock()
	defer d.accountMu.Unlock()
	return d.account.MaxNumberOfOneTimeKeys()
}

// Pairwise (olm) sessions.

// CreateOutboundSession bootstraps a new olm session to a peer device from
// one of its claimed one-time keys.
func (d *OlmDevice) CreateOutboundSession(ctx context.Context, theirIdentityKey, theirOneTimeKey id.Curve25519) (id.SessionID, error) {
	d.accountMu.Lock()
	sess, err := d.account.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	d.accountMu.Unlock()
	if err != nil {
		return "", olmErr("create outbound session", err)
	}
	if err := d.saveOlmSession(ctx, theirIdentityKey, sess); err != nil {
		return "", err
	}
	return sess.ID(), nil
}

// CreateInboundSession consumes an olm pre-key message, creating the
// session and returning the decrypted payload in one step.
func (d *OlmDevice) CreateInboundSession(ctx context.Context, theirIdentityKey id.Curve25519, ciphertext string) ([]byte, id.SessionID, error) {
	d.accountMu.Lock()
	sess, err := d.account.NewInboundSessionFrom(&theirIdentityKey, ciphertext)
	if err != nil {
		d.accountMu.Unlock()
		return nil, "", olmErr("create inbound session", err)
	}
	// The one-time key that bootstrapped this session is used up.
	if err := d.account.RemoveOneTimeKeys(sess); err != nil {
		d.accountMu.Unlock()
		return nil, "", olmErr("remove one-time keys", err)
	}
	d.accountMu.Unlock()
	if err := d.saveAccount(ctx); err != nil {
		return nil, "", err
	}

	plaintext, err := sess.Decrypt(ciphertext, id.OlmMsgTypePreKey)
	if err != nil {
		return nil, "", olmErr("decrypt pre-key message", err)
	}
	if err := d.saveOlmSession(ctx, theirIdentityKey, sess); err != nil {
		return nil, "", err
	}
	return plaintext, sess.ID(), nil
}

// SessionIDsForDevice returns all known session ids for a peer, sorted so
// the first entry is the canonical session for new outbound traffic. The
// lexicographic tie-break means both sides converge on the same session
// without coordination.
func (d *OlmDevice) SessionIDsForDevice(ctx context.Context, theirIdentityKey id.Curve25519) ([]id.SessionID, error) {
	ids, err := d.store.GetOlmSessionIDs(ctx, theirIdentityKey)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *OlmDevice) loadOlmSession(ctx context.Context, theirIdentityKey id.Curve25519, sessionID id.SessionID) (olm.Session, error) {
	pickle, err := d.store.GetOlmSessionPickle(ctx, theirIdentityKey, sessionID)
	if err != nil {
		return nil, err
	}
	if len(pickle) == 0 {
		return nil, ErrNoOlmSession
	}
	sess, err := olm.SessionFromPickled(pickle, d.pickleKey)
	if err != nil {
		return nil, olmErr("unpickle session", err)
	}
	return sess, nil
}

func (d *OlmDevice) saveOlmSession(ctx context.Context, theirIdentityKey id.Curve25519, sess olm.Session) error {
	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return olmErr("pickle session", err)
	}
	if err := d.store.PutOlmSessionPickle(ctx, theirIdentityKey, sess.ID(), pickle); err != nil {
		return fmt.Errorf("store olm session: %w", err)
	}
	return nil
}

// EncryptMessage encrypts payload for the given session; the ratchet
// advances, so the session is re-persisted.
func (d *OlmDevice) EncryptMessage(ctx context.Context, theirIdentityKey id.Curve25519, sessionID id.SessionID, payload []byte) (*OlmCiphertext, error) {
	sess, err := d.loadOlmSession(ctx, theirIdentityKey, sessionID)
	if err != nil {
		return nil, err
	}
	msgType, body, err := sess.Encrypt(payload)
	if err != nil {
		return nil, olmErr("encrypt", err)
	}
	if err := d.saveOlmSession(ctx, theirIdentityKey, sess); err != nil {
		return nil, err
	}
	return &OlmCiphertext{Type: msgType, Body: string(body)}, nil
}

// DecryptMessage decrypts an olm message with an existing session.
func (d *OlmDevice) DecryptMessage(ctx context.Context, theirIdentityKey id.Curve25519, sessionID id.SessionID, msgType id.OlmMsgType, ciphertext string) ([]byte, error) {
	sess, err := d.loadOlmSession(ctx, theirIdentityKey, sessionID)
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, olmErr("decrypt", err)
	}
	if err := d.saveOlmSession(ctx, theirIdentityKey, sess); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// Group (megolm) sessions.

// CreateOutboundGroupSession makes a fresh outbound session for a room and
// persists it as the room's live session.
func (d *OlmDevice) CreateOutboundGroupSession(ctx context.Context, roomID id.RoomID) (id.SessionID, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return "", olmErr("create outbound group session", err)
	}
	d.outboundMu.Lock()
	d.outbound[sess.ID()] = sess
	d.outboundMu.Unlock()
	if err := d.saveOutboundGroupSession(ctx, roomID, sess); err != nil {
		return "", err
	}
	return sess.ID(), nil
}

// RestoreOutboundGroupSession loads a room's persisted outbound session
// into memory. Returns "" if the room has none.
func (d *OlmDevice) RestoreOutboundGroupSession(ctx context.Context, roomID id.RoomID) (id.SessionID, error) {
	sessionID, pickle, err := d.store.GetOutboundGroupSession(ctx, roomID)
	if err != nil || sessionID == "" {
		return "", err
	}
	d.outboundMu.Lock()
	defer d.outboundMu.Unlock()
	if _, ok := d.outbound[sessionID]; ok {
		return sessionID, nil
	}
	sess, err := olm.OutboundGroupSessionFromPickled(pickle, d.pickleKey)
	if err != nil {
		return "", olmErr("unpickle outbound group session", err)
	}
	d.outbound[sessionID] = sess
	return sessionID, nil
}

func (d *OlmDevice) saveOutboundGroupSession(ctx context.Context, roomID id.RoomID, sess olm.OutboundGroupSession) error {
	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return olmErr("pickle outbound group session", err)
	}
	return d.store.PutOutboundGroupSession(ctx, roomID, sess.ID(), pickle)
}

func (d *OlmDevice) outboundGroupSession(sessionID id.SessionID) (olm.OutboundGroupSession, error) {
	d.outboundMu.Lock()
	defer d.outboundMu.Unlock()
	sess, ok := d.outbound[sessionID]
	if !ok {
		return nil, ErrUnknownSessionID
	}
	return sess, nil
}

// OutboundGroupSessionKey exports the current ratchet state of an outbound
// session for sharing with other devices.
func (d *OlmDevice) OutboundGroupSessionKey(sessionID id.SessionID) (string, error) {
	sess, err := d.outboundGroupSession(sessionID)
	if err != nil {
		return "", err
	}
	return sess.Key(), nil
}

// OutboundGroupMessageIndex reports how many messages the session has
// already encrypted.
func (d *OlmDevice) OutboundGroupMessageIndex(sessionID id.SessionID) (uint, error) {
	sess, err := d.outboundGroupSession(sessionID)
	if err != nil {
		return 0, err
	}
	return sess.MessageIndex(), nil
}

// EncryptGroupMessage encrypts payload with the room's outbound session and
// persists the advanced ratchet.
func (d *OlmDevice) EncryptGroupMessage(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, payload []byte) (string, error) {
	sess, err := d.outboundGroupSession(sessionID)
	if err != nil {
		return "", err
	}
	ciphertext, err := sess.Encrypt(payload)
	if err != nil {
		return "", olmErr("group encrypt", err)
	}
	if err := d.saveOutboundGroupSession(ctx, roomID, sess); err != nil {
		return "", err
	}
	return string(ciphertext), nil
}

// DiscardOutboundGroupSession drops a room's live session so the next
// encrypt provisions a fresh one.
func (d *OlmDevice) DiscardOutboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) error {
	d.outboundMu.Lock()
	delete(d.outbound, sessionID)
	d.outboundMu.Unlock()
	return d.store.DeleteOutboundGroupSession(ctx, roomID)
}

// AddInboundGroupSession stores a newly received inbound session. Returns
// false without touching anything if a session with the same id from the
// same sender already exists: the first writer wins, so a later attacker
// cannot replace a good session with one they control.
func (d *OlmDevice) AddInboundGroupSession(
	ctx context.Context,
	roomID id.RoomID,
	senderKey id.Curve25519,
	sessionID id.SessionID,
	sessionKey string,
	forwardingChain []string,
	keysClaimed map[string]string,
	exportFormat bool,
) (bool, error) {
	existing, err := d.store.GetInboundGroupSession(ctx, senderKey, sessionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		d.log.Debug().
			Str("session_id", string(sessionID)).
			Msg("inbound group session already known, ignoring")
		return false, nil
	}

	var sess olm.InboundGroupSession
	if exportFormat {
		sess, err = olm.InboundGroupSessionImport([]byte(sessionKey))
	} else {
		sess, err = olm.NewInboundGroupSession([]byte(sessionKey))
	}
	if err != nil {
		return false, olmErr("create inbound group session", err)
	}
	if sess.ID() != sessionID {
		return false, fmt.Errorf("%w: session key is for %s, not %s", ErrBadEncryptedMessage, sess.ID(), sessionID)
	}

	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return false, olmErr("pickle inbound group session", err)
	}
	rec := &InboundGroupSessionRecord{
		SessionID:       sessionID,
		SenderKey:       senderKey,
		RoomID:          roomID,
		Pickle:          pickle,
		KeysClaimed:     keysClaimed,
		ForwardingChain: forwardingChain,
	}
	if err := d.store.PutInboundGroupSession(ctx, rec); err != nil {
		return false, fmt.Errorf("store inbound group session: %w", err)
	}
	d.inboundCache.Add(olmSessionKey(senderKey, sessionID), sess)
	return true, nil
}

// HasInboundGroupSession reports whether key material for the session is
// present.
func (d *OlmDevice) HasInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) bool {
	rec, err := d.store.GetInboundGroupSession(ctx, senderKey, sessionID)
	return err == nil && rec != nil
}

func (d *OlmDevice) liveInboundSession(rec *InboundGroupSessionRecord) (olm.InboundGroupSession, error) {
	cacheKey := olmSessionKey(rec.SenderKey, rec.SessionID)
	if sess, ok := d.inboundCache.Get(cacheKey); ok {
		return sess, nil
	}
	sess, err := olm.InboundGroupSessionFromPickled(rec.Pickle, d.pickleKey)
	if err != nil {
		return nil, olmErr("unpickle inbound group session", err)
	}
	d.inboundCache.Add(cacheKey, sess)
	return sess, nil
}

// DecryptGroupMessage decrypts a megolm ciphertext. It enforces the room-id
// binding of the stored session and the per-timeline replay guard before
// the consumed index is recorded.
func (d *OlmDevice) DecryptGroupMessage(
	ctx context.Context,
	ciphertext string,
	roomID id.RoomID,
	timelineID string,
	sessionID id.SessionID,
	senderKey id.Curve25519,
) (*GroupDecryptResult, error) {
	rec, err := d.store.GetInboundGroupSession(ctx, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownSessionID
	}
	if rec.RoomID != roomID {
		return nil, &MismatchedRoomError{Expected: rec.RoomID, Actual: roomID}
	}

	sess, err := d.liveInboundSession(rec)
	if err != nil {
		return nil, err
	}
	plaintext, index, err := sess.Decrypt([]byte(ciphertext))
	if err != nil {
		return nil, olmErr("group decrypt", err)
	}

	if timelineID != "" {
		indexKey := fmt.Sprintf("%s|%s|%d", senderKey, sessionID, index)
		d.replayMu.Lock()
		seen := d.replay[timelineID]
		if seen == nil {
			seen = make(map[string]struct{})
			d.replay[timelineID] = seen
		}
		if _, dup := seen[indexKey]; dup {
			d.replayMu.Unlock()
			return nil, &DuplicateIndexError{Index: index}
		}
		seen[indexKey] = struct{}{}
		d.replayMu.Unlock()
	}

	pickle, err := sess.Pickle(d.pickleKey)
	if err != nil {
		return nil, olmErr("pickle inbound group session", err)
	}
	rec.Pickle = pickle
	if err := d.store.PutInboundGroupSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("store inbound group session: %w", err)
	}

	return &GroupDecryptResult{
		Plaintext:       plaintext,
		MessageIndex:    index,
		KeysClaimed:     rec.KeysClaimed,
		ForwardingChain: rec.ForwardingChain,
	}, nil
}

// ResetReplayTimeline forgets the consumed indices of one timeline, e.g.
// when its pagination window is discarded.
func (d *OlmDevice) ResetReplayTimeline(timelineID string) {
	d.replayMu.Lock()
	delete(d.replay, timelineID)
	d.replayMu.Unlock()
}

// ExportInboundGroupSession exports one session in the portable format used
// by the key export file and m.forwarded_room_key.
func (d *OlmDevice) ExportInboundGroupSession(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID) (*ExportedSession, error) {
	rec, err := d.store.GetInboundGroupSession(ctx, senderKey, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownSessionID
	}
	sess, err := d.liveInboundSession(rec)
	if err != nil {
		return nil, err
	}
	exported, err := sess.Export(sess.FirstKnownIndex())
	if err != nil {
		return nil, olmErr("export inbound group session", err)
	}
	return &ExportedSession{
		Algorithm:                    id.AlgorithmMegolmV1,
		RoomID:                       rec.RoomID,
		SenderKey:                    rec.SenderKey,
		SessionID:                    rec.SessionID,
		SessionKey:                   string(exported),
		SenderClaimedKeys:            rec.KeysClaimed,
		ForwardingCurve25519KeyChain: rec.ForwardingChain,
	}, nil
}

// ExportAllInboundGroupSessions exports every stored session; used by the
// key export codec.
func (d *OlmDevice) ExportAllInboundGroupSessions(ctx context.Context) ([]*ExportedSession, error) {
	recs, err := d.store.ListInboundGroupSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ExportedSession, 0, len(recs))
	for _, rec := range recs {
		exported, err := d.ExportInboundGroupSession(ctx, rec.SenderKey, rec.SessionID)
		if err != nil {
			d.log.Warn().Err(err).
				Str("session_id", string(rec.SessionID)).
				Msg("skipping unexportable session")
			continue
		}
		out = append(out, exported)
	}
	return out, nil
}

// ImportInboundGroupSessions adds sessions from an export payload,
// returning how many were new.
func (d *OlmDevice) ImportInboundGroupSessions(ctx context.Context, sessions []*ExportedSession) (int, error) {
	imported := 0
	for _, exp := range sessions {
		added, err := d.AddInboundGroupSession(
			ctx, exp.RoomID, exp.SenderKey, exp.SessionID, exp.SessionKey,
			exp.ForwardingCurve25519KeyChain, exp.SenderClaimedKeys, true,
		)
		if err != nil {
			d.log.Warn().Err(err).
				Str("session_id", string(exp.SessionID)).
				Msg("failed to import session")
			continue
		}
		if added {
			imported++
		}
	}
	return imported, nil
}
