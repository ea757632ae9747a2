package crypto

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/crypto/signatures"
	"maunium.net/go/mautrix/id"
)

// DeviceList tracks, per remote user, how fresh our cached copy of their
// device list is, and downloads device keys from the directory when stale.
type DeviceList struct {
	log       zerolog.Logger
	store     Store
	transport Transport
	ownUserID id.UserID

	statuses *xsync.Map[id.UserID, TrackingStatus]
	// inflight coalesces concurrent downloads per user: the first caller to
	// claim a user fetches it, everyone else waits for done and adopts err.
	inflight *xsync.Map[id.UserID, *inflightDownload]

	refreshing atomic.Bool
	syncToken  atomic.Pointer[string]
}

// inflightDownload is one in-flight directory query for a single user. err
// must only be read after done is closed.
type inflightDownload struct {
	done chan struct{}
	err  error
}

// NewDeviceList restores tracking statuses from the store. Users that were
// mid-download when we went away are demoted to PendingDownload so the
// download is retried.
func NewDeviceList(ctx context.Context, store Store, transport Transport, ownUserID id.UserID, log zerolog.Logger) (*DeviceList, error) {
	d := &DeviceList{
		log:       log.With().Str("component", "device_list").Logger(),
		store:     store,
		transport: transport,
		ownUserID: ownUserID,
		statuses:  xsync.NewMap[id.UserID, TrackingStatus](),
		inflight:  xsync.NewMap[id.UserID, *inflightDownload](),
	}
	statuses, err := store.GetTrackingStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tracking statuses: %w", err)
	}
	for userID, status := range statuses {
		if status == TrackingDownloadInProgress {
			status = TrackingPendingDownload
			_ = store.PutTrackingStatus(ctx, userID, status)
		}
		d.statuses.Store(userID, status)
	}
	return d, nil
}

// SetSyncToken records the sync token the next directory query should be
// anchored to.
func (d *DeviceList) SetSyncToken(token string) {
	d.syncToken.Store(&token)
}

func (d *DeviceList) currentSyncToken() string {
	if p := d.syncToken.Load(); p != nil {
		return *p
	}
	return ""
}

// TrackingStatus returns the current status for a user.
func (d *DeviceList) TrackingStatus(userID id.UserID) TrackingStatus {
	status, _ := d.statuses.Load(userID)
	return status
}

func (d *DeviceList) setStatus(ctx context.Context, userID id.UserID, status TrackingStatus) {
	if status == TrackingNotTracked {
		d.statuses.Delete(userID)
	} else {
		d.statuses.Store(userID, status)
	}
	if err := d.store.PutTrackingStatus(ctx, userID, status); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to persist tracking status")
	}
}

// StartTracking idempotently marks users for download. Already-tracked
// users are untouched.
func (d *DeviceList) StartTracking(ctx context.Context, userIDs ...id.UserID) {
	for _, userID := range userIDs {
		if status, ok := d.statuses.Load(userID); !ok || status == TrackingNotTracked {
			d.setStatus(ctx, userID, TrackingPendingDownload)
		}
	}
}

// HandleChangeSignal reacts to the coalesced device-list change signal from
// sync: changed users (if tracked) need a re-download, left users stop
// being tracked, and users parked on an unreachable server become
// retryable again.
func (d *DeviceList) HandleChangeSignal(ctx context.Context, changed, left []id.UserID) {
	d.statuses.Range(func(userID id.UserID, status TrackingStatus) bool {
		if status == TrackingUnreachableServer {
			d.setStatus(ctx, userID, TrackingPendingDownload)
		}
		return true
	})
	for _, userID := range changed {
		if _, tracked := d.statuses.Load(userID); tracked {
			d.setStatus(ctx, userID, TrackingPendingDownload)
		}
	}
	for _, userID := range left {
		d.setStatus(ctx, userID, TrackingNotTracked)
	}
}

// InvalidateAllDeviceLists marks every tracked user stale; used on the
// initial sync after a restart where changes may have been missed.
func (d *DeviceList) InvalidateAllDeviceLists(ctx context.Context) {
	d.statuses.Range(func(userID id.UserID, _ TrackingStatus) bool {
		d.setStatus(ctx, userID, TrackingPendingDownload)
		return true
	})
}

// DownloadKeys returns the device identities of the given users, serving
// fresh users from the store and batching one directory query for the
// rest. Overlapping concurrent calls share one in-flight download per user.
func (d *DeviceList) DownloadKeys(ctx context.Context, userIDs []id.UserID, force bool) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	var owned []id.UserID
	var waitFor []*inflightDownload

	for _, userID := range userIDs {
		status, _ := d.statuses.Load(userID)
		if !force && (status == TrackingUpToDate || status == TrackingUnreachableServer) {
			continue
		}
		fl := &inflightDownload{done: make(chan struct{})}
		if existing, loaded := d.inflight.LoadOrStore(userID, fl); loaded {
			waitFor = append(waitFor, existing)
		} else {
			owned = append(owned, userID)
		}
	}

	var downloadErr error
	if len(owned) > 0 {
		downloadErr = d.doDownload(ctx, owned)
		for _, userID := range owned {
			if fl, ok := d.inflight.LoadAndDelete(userID); ok {
				fl.err = downloadErr
				close(fl.done)
			}
		}
	}
	for _, fl := range waitFor {
		select {
		case <-fl.done:
			if downloadErr == nil {
				downloadErr = fl.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if downloadErr != nil {
		return nil, downloadErr
	}

	result := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(userIDs))
	for _, userID := range userIDs {
		devices, err := d.store.GetDevices(ctx, userID)
		if err != nil {
			return nil, err
		}
		result[userID] = devices
	}
	return result, nil
}

func (d *DeviceList) doDownload(ctx context.Context, userIDs []id.UserID) error {
	for _, userID := range userIDs {
		d.setStatus(ctx, userID, TrackingDownloadInProgress)
	}

	resp, err := d.transport.QueryKeys(ctx, userIDs, d.currentSyncToken())
	if err != nil {
		// Retryable: the whole query failed, so nobody moves to
		// UnreachableServer.
		for _, userID := range userIDs {
			d.setStatus(ctx, userID, TrackingPendingDownload)
		}
		return fmt.Errorf("query keys: %w", err)
	}

	unreachable := make(map[string]bool, len(resp.Failures))
	for server := range resp.Failures {
		unreachable[server] = true
	}

	for _, userID := range userIDs {
		if unreachable[userServer(userID)] {
			d.log.Warn().Str("user_id", userID.String()).Msg("directory server unreachable")
			d.setStatus(ctx, userID, TrackingUnreachableServer)
			continue
		}
		if err := d.storeDownloadedDevices(ctx, userID, resp.DeviceKeys[userID]); err != nil {
			return err
		}
		d.setStatus(ctx, userID, TrackingUpToDate)
	}
	return nil
}

func (d *DeviceList) storeDownloadedDevices(ctx context.Context, userID id.UserID, payloads map[id.DeviceID]*DeviceKeysPayload) error {
	existing, err := d.store.GetDevices(ctx, userID)
	if err != nil {
		return err
	}

	devices := make(map[id.DeviceID]*DeviceIdentity, len(payloads))
	for deviceID, payload := range payloads {
		prev := existing[deviceID]
		dev, ok := d.validateDeviceKeys(payload, userID, deviceID, prev)
		if !ok {
			// A single bad record never poisons the rest of the query.
			if prev != nil {
				devices[deviceID] = prev
			}
			continue
		}
		devices[deviceID] = dev
	}
	return d.store.PutDevices(ctx, userID, devices)
}

// validateDeviceKeys enforces the acceptance rules for a downloaded device
// record: ids must match the query, the ed25519 self-signature must verify,
// and a previously pinned signing key may never change.
func (d *DeviceList) validateDeviceKeys(payload *DeviceKeysPayload, userID id.UserID, deviceID id.DeviceID, prev *DeviceIdentity) (*DeviceIdentity, bool) {
	if payload == nil || payload.UserID != userID || payload.DeviceID != deviceID {
		d.log.Warn().
			Str("user_id", userID.String()).
			Str("device_id", deviceID.String()).
			Msg("device keys mismatch query key, rejecting")
		return nil, false
	}

	signingKey := id.Ed25519(payload.Keys[id.NewDeviceKeyID(id.KeyAlgorithmEd25519, deviceID)])
	identityKey := id.Curve25519(payload.Keys[id.NewDeviceKeyID(id.KeyAlgorithmCurve25519, deviceID)])
	if signingKey == "" || identityKey == "" {
		return nil, false
	}

	ok, err := signatures.VerifySignatureJSON(payload, userID, deviceID.String(), signingKey)
	if err != nil || !ok {
		d.log.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("device_id", deviceID.String()).
			Msg("invalid self-signature on device keys, rejecting")
		return nil, false
	}

	trust := TrustUnverified
	if prev != nil {
		if prev.SigningKey != signingKey {
			// First-seen-key pinning: a server-side identity key rotation is
			// indistinguishable from impersonation, so the old key stays.
			d.log.Error().
				Str("user_id", userID.String()).
				Str("device_id", deviceID.String()).
				Msg("device signing key changed, keeping pinned key")
			return nil, false
		}
		trust = prev.Trust
	}

	return &DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Algorithms:  payload.Algorithms,
		Signatures:  payload.Signatures,
		Trust:       trust,
	}, true
}

// RefreshOutdatedDeviceLists batches one download for every user in
// PendingDownload. No-op while a refresh is already running.
func (d *DeviceList) RefreshOutdatedDeviceLists(ctx context.Context) error {
	if !d.refreshing.CompareAndSwap(false, true) {
		return nil
	}
	defer d.refreshing.Store(false)

	var outdated []id.UserID
	d.statuses.Range(func(userID id.UserID, status TrackingStatus) bool {
		if status == TrackingPendingDownload {
			outdated = append(outdated, userID)
		}
		return true
	})
	if len(outdated) == 0 {
		return nil
	}
	_, err := d.DownloadKeys(ctx, outdated, false)
	return err
}

// UserDevices returns the stored devices of one user without touching the
// network.
func (d *DeviceList) UserDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	return d.store.GetDevices(ctx, userID)
}

// DeviceByIdentityKey finds a user's device by its curve25519 key; used to
// authenticate olm senders.
func (d *DeviceList) DeviceByIdentityKey(ctx context.Context, userID id.UserID, identityKey id.Curve25519) (*DeviceIdentity, error) {
	return d.store.GetDeviceByIdentityKey(ctx, userID, identityKey)
}

// SetDeviceTrust is the only path by which a device's verification state
// changes. The transition is logged for auditability.
func (d *DeviceList) SetDeviceTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, trust TrustState) error {
	dev, err := d.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("crypto: unknown device %s/%s", userID, deviceID)
	}
	d.log.Info().
		Str("user_id", userID.String()).
		Str("device_id", deviceID.String()).
		Str("from", dev.Trust.String()).
		Str("to", trust.String()).
		Msg("device trust changed")
	dev.Trust = trust
	return d.store.PutDevice(ctx, dev)
}

func userServer(userID id.UserID) string {
	if i := strings.IndexByte(string(userID), ':'); i >= 0 {
		return string(userID)[i+1:]
	}
	return ""
}
