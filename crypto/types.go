package crypto

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// TrustState is the verification state of a remote device. It only leaves
// Unknown/Unverified through an explicit SetDeviceTrust call, never because
// a message from the device happened to decrypt.
type TrustState int

const (
	TrustUnknown TrustState = iota
	TrustUnverified
	TrustVerified
	TrustBlocked
)

func (t TrustState) String() string {
	switch t {
	case TrustUnknown:
		return "unknown"
	case TrustUnverified:
		return "unverified"
	case TrustVerified:
		return "verified"
	case TrustBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("TrustState(%d)", int(t))
	}
}

// DeviceIdentity is the directory's record of one remote device.
type DeviceIdentity struct {
	UserID      id.UserID     `json:"user_id"`
	DeviceID    id.DeviceID   `json:"device_id"`
	IdentityKey id.Curve25519 `json:"identity_key"`
	SigningKey  id.Ed25519    `json:"signing_key"`

	Algorithms []id.Algorithm                  `json:"algorithms,omitempty"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
	Trust      TrustState                      `json:"trust"`
}

// TrackingStatus describes how fresh the cached device list for a user is.
type TrackingStatus int

const (
	TrackingNotTracked TrackingStatus = iota
	TrackingPendingDownload
	TrackingDownloadInProgress
	TrackingUpToDate
	TrackingUnreachableServer
)

func (s TrackingStatus) String() string {
	switch s {
	case TrackingNotTracked:
		return "not_tracked"
	case TrackingPendingDownload:
		return "pending_download"
	case TrackingDownloadInProgress:
		return "download_in_progress"
	case TrackingUpToDate:
		return "up_to_date"
	case TrackingUnreachableServer:
		return "unreachable_server"
	default:
		return fmt.Sprintf("TrackingStatus(%d)", int(s))
	}
}

// KeyRequestState is the lifecycle state of an outgoing room key request.
type KeyRequestState int

const (
	KeyRequestUnsent KeyRequestState = iota
	KeyRequestSent
	KeyRequestCancellationPending
	KeyRequestCancellationPendingAndWillResend
	KeyRequestFailed
)

func (s KeyRequestState) String() string {
	switch s {
	case KeyRequestUnsent:
		return "unsent"
	case KeyRequestSent:
		return "sent"
	case KeyRequestCancellationPending:
		return "cancellation_pending"
	case KeyRequestCancellationPendingAndWillResend:
		return "cancellation_pending_and_will_resend"
	case KeyRequestFailed:
		return "failed"
	default:
		return fmt.Sprintf("KeyRequestState(%d)", int(s))
	}
}

// RequestRecipient is one (user, device) pair a key request is sent to.
type RequestRecipient struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

// OutgoingKeyRequest is a durable queue entry; it survives restarts so a
// request sent before a crash can still be cancelled or matched later.
type OutgoingKeyRequest struct {
	RequestID   string             `json:"request_id"`
	CancelTxnID string             `json:"cancellation_txn_id,omitempty"`
	Recipients  []RequestRecipient `json:"recipients"`
	Body        RoomKeyRequestBody `json:"body"`
	State       KeyRequestState    `json:"state"`
}

// IncomingKeyRequest is a key-share request received from another device,
// buffered for the duration of one sync cycle.
type IncomingKeyRequest struct {
	UserID    id.UserID          `json:"user_id"`
	DeviceID  id.DeviceID        `json:"device_id"`
	RequestID string             `json:"request_id"`
	Body      RoomKeyRequestBody `json:"body"`
}

// IncomingKeyRequestCancellation withdraws a previously received request.
type IncomingKeyRequestCancellation struct {
	UserID    id.UserID   `json:"user_id"`
	DeviceID  id.DeviceID `json:"device_id"`
	RequestID string      `json:"request_id"`
}

// InboundGroupSessionRecord is the persisted form of an inbound megolm
// session plus its provenance. First writer wins: the store must refuse to
// overwrite an existing record for the same (senderKey, sessionID).
type InboundGroupSessionRecord struct {
	SessionID       id.SessionID      `json:"session_id"`
	SenderKey       id.Curve25519     `json:"sender_key"`
	RoomID          id.RoomID         `json:"room_id"`
	Pickle          []byte            `json:"pickle"`
	KeysClaimed     map[string]string `json:"keys_claimed,omitempty"`
	// ForwardingChain lists the curve25519 keys of the devices the session
	// key passed through before reaching us; empty means direct.
	ForwardingChain []string          `json:"forwarding_curve25519_key_chain,omitempty"`
}

// ExportedSession is one entry of the megolm key export payload.
type ExportedSession struct {
	Algorithm                    id.Algorithm      `json:"algorithm"`
	RoomID                       id.RoomID         `json:"room_id"`
	SenderKey                    id.Curve25519     `json:"sender_key"`
	SessionID                    id.SessionID      `json:"session_id"`
	SessionKey                   string            `json:"session_key"`
	SenderClaimedKeys            map[string]string `json:"sender_claimed_keys,omitempty"`
	ForwardingCurve25519KeyChain []string          `json:"forwarding_curve25519_key_chain,omitempty"`
}
