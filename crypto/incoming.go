package crypto

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// ConsentDecision is the answer of the consent callback for a key-share
// request from an unverified device.
type ConsentDecision int

const (
	// ConsentDefer leaves the request pending for a later decision.
	ConsentDefer ConsentDecision = iota
	ConsentShare
	ConsentIgnore
)

// ConsentCallback is asked, outside any engine lock, what to do with a key
// request that cannot be auto-adjudicated.
type ConsentCallback func(req *IncomingKeyRequest) ConsentDecision

// incomingRequestProcessor buffers key-share requests received during one
// sync cycle and adjudicates them at the end of the cycle.
type incomingRequestProcessor struct {
	log        zerolog.Logger
	store      Store
	deviceList *DeviceList
	ownUserID  id.UserID

	// hasKey checks the vault for the requested session; share performs the
	// actual re-share via the algorithm's decryptor.
	hasKey       func(ctx context.Context, body RoomKeyRequestBody) bool
	hasDecryptor func(alg id.Algorithm) bool
	share        func(ctx context.Context, req *IncomingKeyRequest, dev *DeviceIdentity) error

	consent  ConsentCallback
	surfaced func(req *IncomingKeyRequest)

	mu       sync.Mutex
	requests []*IncomingKeyRequest
	cancels  []*IncomingKeyRequestCancellation
}

func (p *incomingRequestProcessor) onRequest(req *IncomingKeyRequest) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
}

func (p *incomingRequestProcessor) onCancellation(c *IncomingKeyRequestCancellation) {
	p.mu.Lock()
	p.cancels = append(p.cancels, c)
	p.mu.Unlock()
}

// process adjudicates everything buffered since the last call.
func (p *incomingRequestProcessor) process(ctx context.Context) {
	p.mu.Lock()
	requests := p.requests
	cancels := p.cancels
	p.requests = nil
	p.cancels = nil
	p.mu.Unlock()

	// Cancellations first: a request withdrawn within the same batch is
	// never surfaced at all.
	for _, c := range cancels {
		requests = dropMatchingRequest(requests, c)
		// Cancellations are advisory; an unmatched one is discarded with no
		// side effects.
		if err := p.store.DeletePendingIncomingKeyRequest(ctx, c.UserID, c.DeviceID, c.RequestID); err != nil {
			p.log.Warn().Err(err).Str("request_id", c.RequestID).Msg("failed to delete cancelled pending request")
		}
	}

	for _, req := range requests {
		p.adjudicate(ctx, req)
	}
}

func dropMatchingRequest(requests []*IncomingKeyRequest, c *IncomingKeyRequestCancellation) []*IncomingKeyRequest {
	out := requests[:0]
	for _, req := range requests {
		if req.UserID == c.UserID && req.DeviceID == c.DeviceID && req.RequestID == c.RequestID {
			continue
		}
		out = append(out, req)
	}
	return out
}

func (p *incomingRequestProcessor) adjudicate(ctx context.Context, req *IncomingKeyRequest) {
	log := p.log.With().
		Str("user_id", req.UserID.String()).
		Str("device_id", req.DeviceID.String()).
		Str("request_id", req.RequestID).
		Logger()

	// Key sharing is between a user's own devices only.
	if req.UserID != p.ownUserID {
		log.Debug().Msg("ignoring key request from another user")
		return
	}
	if !p.hasDecryptor(req.Body.Algorithm) {
		log.Debug().Str("algorithm", string(req.Body.Algorithm)).Msg("no decryptor for requested algorithm")
		return
	}
	if !p.hasKey(ctx, req.Body) {
		log.Debug().Str("session_id", string(req.Body.SessionID)).Msg("requested session not in vault")
		return
	}

	dev, err := p.store.GetDevice(ctx, req.UserID, req.DeviceID)
	if err != nil || dev == nil {
		log.Debug().Err(err).Msg("requesting device unknown, dropping request")
		return
	}

	switch dev.Trust {
	case TrustBlocked:
		log.Info().Msg("dropping key request from blocked device")
		return
	case TrustVerified:
		if err := p.share(ctx, req, dev); err != nil {
			log.Warn().Err(err).Msg("failed to share keys with verified device")
		}
		return
	}

	if p.consent != nil {
		switch p.consent(req) {
		case ConsentShare:
			if err := p.share(ctx, req, dev); err != nil {
				log.Warn().Err(err).Msg("failed to share keys after consent")
			}
			return
		case ConsentIgnore:
			log.Debug().Msg("key request ignored by consent callback")
			return
		}
	}

	// No immediate decision: keep the request pending and surface it.
	if err := p.store.PutPendingIncomingKeyRequest(ctx, req); err != nil {
		log.Warn().Err(err).Msg("failed to persist pending key request")
	}
	if p.surfaced != nil {
		p.surfaced(req)
	}
}

// resurfacePending re-adjudicates the requests that were still pending when
// the previous engine went away. Trust decisions made since (verification,
// blocking) are applied; everything still undecided is persisted and
// surfaced again.
func (p *incomingRequestProcessor) resurfacePending(ctx context.Context) {
	pending, err := p.store.ListPendingIncomingKeyRequests(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to load pending key requests")
		return
	}
	for _, req := range pending {
		if err := p.store.DeletePendingIncomingKeyRequest(ctx, req.UserID, req.DeviceID, req.RequestID); err != nil {
			p.log.Warn().Err(err).Str("request_id", req.RequestID).Msg("failed to clear pending request before re-adjudication")
		}
		p.adjudicate(ctx, req)
	}
}

// resolvePending settles a previously surfaced request by request id.
func (p *incomingRequestProcessor) resolvePending(ctx context.Context, userID id.UserID, deviceID id.DeviceID, requestID string, shareIt bool) error {
	pending, err := p.store.ListPendingIncomingKeyRequests(ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if req.UserID != userID || req.DeviceID != deviceID || req.RequestID != requestID {
			continue
		}
		if shareIt {
			dev, err := p.store.GetDevice(ctx, userID, deviceID)
			if err != nil {
				return err
			}
			if dev != nil && dev.Trust != TrustBlocked {
				if err := p.share(ctx, req, dev); err != nil {
					return err
				}
			}
		}
		return p.store.DeletePendingIncomingKeyRequest(ctx, userID, deviceID, requestID)
	}
	return nil
}
