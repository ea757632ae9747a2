package crypto

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"
)

var (
	ErrEncryptionNotEnabled = errors.New("crypto: encryption is not enabled in this room")
	ErrUnknownSessionID     = errors.New("crypto: unknown inbound group session id")
	ErrBadEncryptedMessage  = errors.New("crypto: bad encrypted message")
	ErrMissingFields        = errors.New("crypto: missing fields in encrypted payload")
	ErrNotStarted           = errors.New("crypto: engine not started")
	ErrNoOlmSession         = errors.New("crypto: no olm session established with device")
	ErrEngineClosed         = errors.New("crypto: engine closed")
)

// UnableToEncryptError reports why a room's payload could not be encrypted,
// typically because the room's algorithm has no live encryptor.
type UnableToEncryptError struct {
	RoomID id.RoomID
	Reason string
}

func (e *UnableToEncryptError) Error() string {
	return fmt.Sprintf("crypto: unable to encrypt in %s: %s", e.RoomID, e.Reason)
}

// UnableToDecryptError wraps a per-event decryption failure; the surrounding
// sync batch keeps being processed.
type UnableToDecryptError struct {
	EventID   id.EventID
	Algorithm id.Algorithm
	Cause     error
}

func (e *UnableToDecryptError) Error() string {
	return fmt.Sprintf("crypto: unable to decrypt event %s (%s): %v", e.EventID, e.Algorithm, e.Cause)
}

func (e *UnableToDecryptError) Unwrap() error { return e.Cause }

// MismatchedRoomError is returned when an inbound group session is asked to
// decrypt a message for a room it does not belong to.
type MismatchedRoomError struct {
	Expected id.RoomID
	Actual   id.RoomID
}

func (e *MismatchedRoomError) Error() string {
	return fmt.Sprintf("crypto: inbound session belongs to room %s, not %s", e.Expected, e.Actual)
}

// DuplicateIndexError marks a replayed (senderKey, sessionID, messageIndex)
// triple within one timeline.
type DuplicateIndexError struct {
	Index uint
}

func (e *DuplicateIndexError) Error() string {
	return fmt.Sprintf("crypto: duplicated megolm message index %d", e.Index)
}

// OlmError wraps a failure reported by the olm primitive library.
type OlmError struct {
	Op    string
	Cause error
}

func (e *OlmError) Error() string {
	return fmt.Sprintf("crypto: olm %s: %v", e.Op, e.Cause)
}

func (e *OlmError) Unwrap() error { return e.Cause }

func olmErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OlmError{Op: op, Cause: err}
}

// UnknownDevicesError aborts encryption when unverified or never-seen
// devices would receive the room key. It is the one error the engine
// surfaces as blocking and user-actionable instead of retrying.
type UnknownDevicesError struct {
	Devices map[id.UserID][]id.DeviceID
}

func (e *UnknownDevicesError) Error() string {
	n := 0
	for _, devs := range e.Devices {
		n += len(devs)
	}
	return fmt.Sprintf("crypto: room contains %d unknown or unverified devices", n)
}
