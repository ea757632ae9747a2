package crypto

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Spacing between drain steps, bounding the to-device request rate.
const keyRequestSendDelay = 500 * time.Millisecond

// KeyRequestManager is the durable queue of outgoing room key requests. The
// queue survives restarts; the drain loop sends one item at a time with a
// fixed delay between sends and never runs twice concurrently.
type KeyRequestManager struct {
	log         zerolog.Logger
	store       Store
	transport   Transport
	ownUserID   id.UserID
	ownDeviceID id.DeviceID
	sendDelay   time.Duration

	mu       sync.Mutex
	queue    *btree.Map[string, *OutgoingKeyRequest]
	draining bool
	stopped  bool
	timer    *time.Timer

	txnCounter atomic.Uint64
}

// NewKeyRequestManager restores persisted requests into the in-memory
// queue. Call Start to begin draining.
func NewKeyRequestManager(ctx context.Context, store Store, transport Transport, ownUserID id.UserID, ownDeviceID id.DeviceID, log zerolog.Logger) (*KeyRequestManager, error) {
	m := &KeyRequestManager{
		log:         log.With().Str("component", "key_requests").Logger(),
		store:       store,
		transport:   transport,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		sendDelay:   keyRequestSendDelay,
		queue:       btree.NewMap[string, *OutgoingKeyRequest](8),
	}
	reqs, err := store.ListOutgoingKeyRequests(ctx)
	if err != nil {
		return nil, fmt.Errorf("load outgoing key requests: %w", err)
	}
	for _, req := range reqs {
		m.queue.Set(req.RequestID, req)
	}
	return m, nil
}

// Start schedules a drain for any work restored from the store.
func (m *KeyRequestManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleDrainLocked(0)
}

// Stop prevents further drains. In-queue requests stay persisted.
func (m *KeyRequestManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *KeyRequestManager) newTxnID() string {
	return fmt.Sprintf("%d.%d", time.Now().UnixMilli(), m.txnCounter.Add(1))
}

func (m *KeyRequestManager) findByBodyLocked(body RoomKeyRequestBody) *OutgoingKeyRequest {
	var found *OutgoingKeyRequest
	m.queue.Scan(func(_ string, req *OutgoingKeyRequest) bool {
		if req.Body == body {
			found = req
			return false
		}
		return true
	})
	return found
}

// RequestKeys enqueues a key request unless an equal one is already pending
// or sent. A request whose cancellation is in flight is flipped to
// cancel-then-resend instead of duplicated.
func (m *KeyRequestManager) RequestKeys(ctx context.Context, body RoomKeyRequestBody, recipients []RequestRecipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.findByBodyLocked(body); existing != nil {
		switch existing.State {
		case KeyRequestCancellationPending:
			existing.State = KeyRequestCancellationPendingAndWillResend
			if err := m.store.PutOutgoingKeyRequest(ctx, existing); err != nil {
				return err
			}
		}
		m.scheduleDrainLocked(0)
		return nil
	}

	req := &OutgoingKeyRequest{
		RequestID:  m.newTxnID(),
		Recipients: recipients,
		Body:       body,
		State:      KeyRequestUnsent,
	}
	if err := m.store.PutOutgoingKeyRequest(ctx, req); err != nil {
		return err
	}
	m.queue.Set(req.RequestID, req)
	m.log.Debug().
		Str("request_id", req.RequestID).
		Str("session_id", string(body.SessionID)).
		Msg("queued outgoing key request")
	m.scheduleDrainLocked(0)
	return nil
}

// CancelRequest withdraws the request matching body. An unsent or failed
// request is simply deleted; a sent one gets a cancellation message, after
// which a fresh request is issued when resend is true.
func (m *KeyRequestManager) CancelRequest(ctx context.Context, body RoomKeyRequestBody, resend bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req := m.findByBodyLocked(body)
	if req == nil {
		return nil
	}
	switch req.State {
	case KeyRequestUnsent, KeyRequestFailed:
		m.queue.Delete(req.RequestID)
		return m.store.DeleteOutgoingKeyRequest(ctx, req.RequestID)
	case KeyRequestSent:
		req.CancelTxnID = m.newTxnID()
		if resend {
			req.State = KeyRequestCancellationPendingAndWillResend
		} else {
			req.State = KeyRequestCancellationPending
		}
		if err := m.store.PutOutgoingKeyRequest(ctx, req); err != nil {
			return err
		}
		m.scheduleDrainLocked(0)
	case KeyRequestCancellationPending:
		if resend {
			req.State = KeyRequestCancellationPendingAndWillResend
			return m.store.PutOutgoingKeyRequest(ctx, req)
		}
	}
	return nil
}

// OutstandingRequests returns a snapshot of the queue, mainly for tests and
// diagnostics.
func (m *KeyRequestManager) OutstandingRequests() []*OutgoingKeyRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*OutgoingKeyRequest, 0, m.queue.Len())
	m.queue.Scan(func(_ string, req *OutgoingKeyRequest) bool {
		cp := *req
		out = append(out, &cp)
		return true
	})
	return out
}

func (m *KeyRequestManager) scheduleDrainLocked(delay time.Duration) {
	if m.stopped || m.draining || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(delay, m.drainOnce)
}

// drainOnce processes exactly one actionable queue item, then reschedules
// itself with the send delay while work remains.
func (m *KeyRequestManager) drainOnce() {
	m.mu.Lock()
	m.timer = nil
	if m.stopped || m.draining {
		m.mu.Unlock()
		return
	}
	var next *OutgoingKeyRequest
	m.queue.Scan(func(_ string, req *OutgoingKeyRequest) bool {
		switch req.State {
		case KeyRequestUnsent, KeyRequestCancellationPending, KeyRequestCancellationPendingAndWillResend:
			next = req
			return false
		}
		return true
	})
	if next == nil {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	ctx := context.Background()
	if next.State == KeyRequestUnsent {
		m.sendRequest(ctx, next)
	} else {
		m.sendCancellation(ctx, next)
	}

	m.mu.Lock()
	m.draining = false
	m.scheduleDrainLocked(m.sendDelay)
	m.mu.Unlock()
}

func (m *KeyRequestManager) sendToRecipients(ctx context.Context, recipients []RequestRecipient, content *KeyRequestContent, txnID string) error {
	messages := make(map[id.UserID]map[id.DeviceID]any)
	for _, r := range recipients {
		if messages[r.UserID] == nil {
			messages[r.UserID] = make(map[id.DeviceID]any)
		}
		messages[r.UserID][r.DeviceID] = content
	}
	return m.transport.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, messages, txnID)
}

func (m *KeyRequestManager) sendRequest(ctx context.Context, req *OutgoingKeyRequest) {
	body := req.Body
	content := &KeyRequestContent{
		Action:             KeyRequestActionRequest,
		Body:               &body,
		RequestingDeviceID: m.ownDeviceID,
		RequestID:          req.RequestID,
	}
	err := m.sendToRecipients(ctx, req.Recipients, content, req.RequestID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue.Get(req.RequestID); !ok {
		// Deleted while the send was in flight.
		return
	}
	if err != nil {
		m.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to send key request")
		req.State = KeyRequestFailed
	} else {
		req.State = KeyRequestSent
	}
	if perr := m.store.PutOutgoingKeyRequest(ctx, req); perr != nil {
		m.log.Error().Err(perr).Str("request_id", req.RequestID).Msg("failed to persist key request state")
	}
}

func (m *KeyRequestManager) sendCancellation(ctx context.Context, req *OutgoingKeyRequest) {
	content := &KeyRequestContent{
		Action:             KeyRequestActionCancel,
		RequestingDeviceID: m.ownDeviceID,
		RequestID:          req.RequestID,
	}
	err := m.sendToRecipients(ctx, req.Recipients, content, req.CancelTxnID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to send key request cancellation")
		return
	}
	resend := req.State == KeyRequestCancellationPendingAndWillResend
	m.queue.Delete(req.RequestID)
	if derr := m.store.DeleteOutgoingKeyRequest(ctx, req.RequestID); derr != nil {
		m.log.Error().Err(derr).Str("request_id", req.RequestID).Msg("failed to delete cancelled key request")
	}
	if resend {
		fresh := &OutgoingKeyRequest{
			RequestID:  m.newTxnID(),
			Recipients: req.Recipients,
			Body:       req.Body,
			State:      KeyRequestUnsent,
		}
		if perr := m.store.PutOutgoingKeyRequest(ctx, fresh); perr != nil {
			m.log.Error().Err(perr).Msg("failed to persist resent key request")
			return
		}
		m.queue.Set(fresh.RequestID, fresh)
	}
}
