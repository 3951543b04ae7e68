// Package negotiation tracks offer/answer/candidate exchange with every remote
// peer of one call session. A Registry is owned by a single session goroutine
// and is not safe for concurrent use.
package negotiation

import (
	"bytes"
	"context"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
)

// MediaEngine is the external media transport. Descriptions and candidates
// are opaque to the registry.
type MediaEngine interface {
	SetRemoteDescription(ctx context.Context, peerID uuid.UUID, desc webrtc.SessionDescription) error
	CreateOffer(ctx context.Context, peerID uuid.UUID) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context, peerID uuid.UUID) (webrtc.SessionDescription, error)
	AddCandidate(ctx context.Context, peerID uuid.UUID, candidate webrtc.ICECandidateInit) error
	ClosePeer(peerID uuid.UUID) error
	Close() error
}

// CandidateFunc receives local candidates gathered by the media engine
type CandidateFunc func(peerID uuid.UUID, candidate webrtc.ICECandidateInit)

// EngineFactory acquires local media for a session. An error means the
// device or transport could not be acquired.
type EngineFactory interface {
	NewEngine(ctx context.Context, sessionID uuid.UUID, media domain.CallMedia, onCandidate CandidateFunc) (MediaEngine, error)
}

// Sender hands an outbound event to the transport. Implementations must not block.
type Sender interface {
	Send(ctx context.Context, event *domain.Event) error
}

type peer struct {
	state     domain.SignalingState
	initiator bool
	remoteSet bool
	buffer    []webrtc.ICECandidateInit
}

// Registry holds the negotiation state with each remote peer of a session
type Registry struct {
	sessionID uuid.UUID
	self      uuid.UUID
	engine    MediaEngine
	sender    Sender
	peers     map[uuid.UUID]*peer
}

// NewRegistry creates a registry for one session
func NewRegistry(sessionID, self uuid.UUID, engine MediaEngine, sender Sender) *Registry {
	return &Registry{
		sessionID: sessionID,
		self:      self,
		engine:    engine,
		sender:    sender,
		peers:     make(map[uuid.UUID]*peer),
	}
}

// Begin creates the negotiation with peerID if absent. The initiating side
// produces an offer and sends it; the other side waits for one.
func (r *Registry) Begin(ctx context.Context, peerID uuid.UUID, asInitiator bool) error {
	p := r.ensure(peerID)
	p.initiator = asInitiator

	if !asInitiator {
		return nil
	}
	if p.state != domain.SignalingIdle {
		logger.Debug("Negotiation already in progress",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.String("state", string(p.state)))
		return nil
	}
	return r.offer(ctx, peerID, p)
}

// ApplyRemoteOffer accepts an offer in Idle or Stable, flushes buffered
// candidates and answers. completed is true once the peer reaches Stable.
func (r *Registry) ApplyRemoteOffer(ctx context.Context, peerID uuid.UUID, offer *webrtc.SessionDescription) (bool, error) {
	if offer == nil || offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return false, r.malformed(peerID, "offer")
	}

	p := r.ensure(peerID)
	if p.state != domain.SignalingIdle && p.state != domain.SignalingStable {
		logger.Debug("Dropping offer in unexpected signaling state",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.String("state", string(p.state)))
		return false, nil
	}

	if err := r.engine.SetRemoteDescription(ctx, peerID, *offer); err != nil {
		logger.Warn("Failed to apply remote offer",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
		return false, errors.MalformedPayloadError("offer rejected by media engine", err)
	}
	p.remoteSet = true
	p.state = domain.SignalingOfferReceived
	r.flush(ctx, peerID, p)

	answer, err := r.engine.CreateAnswer(ctx, peerID)
	if err != nil {
		return false, errors.WrapWithStatus(errors.ErrCodeInternal, "failed to create answer", http.StatusInternalServerError, err)
	}

	event := r.event(domain.EventNegotiationAnswer, peerID)
	event.Answer = &answer
	if err := r.sender.Send(ctx, event); err != nil {
		logger.Warn("Failed to send answer",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
	}

	p.state = domain.SignalingStable
	return true, nil
}

// ApplyRemoteAnswer completes an offer this side sent. Answers arriving in
// any other state are stale and dropped.
func (r *Registry) ApplyRemoteAnswer(ctx context.Context, peerID uuid.UUID, answer *webrtc.SessionDescription) (bool, error) {
	if answer == nil || answer.Type != webrtc.SDPTypeAnswer || answer.SDP == "" {
		return false, r.malformed(peerID, "answer")
	}

	p, ok := r.peers[peerID]
	if !ok || p.state != domain.SignalingOfferSent {
		logger.Debug("Dropping stale answer",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()))
		return false, nil
	}

	if err := r.engine.SetRemoteDescription(ctx, peerID, *answer); err != nil {
		logger.Warn("Failed to apply remote answer",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
		return false, errors.MalformedPayloadError("answer rejected by media engine", err)
	}
	p.remoteSet = true
	r.flush(ctx, peerID, p)
	p.state = domain.SignalingStable
	return true, nil
}

// ApplyRemoteCandidate applies a candidate once a remote description is set
// and queues it in arrival order until then.
func (r *Registry) ApplyRemoteCandidate(ctx context.Context, peerID uuid.UUID, candidate *webrtc.ICECandidateInit) error {
	if candidate == nil || candidate.Candidate == "" {
		return r.malformed(peerID, "candidate")
	}

	p := r.ensure(peerID)
	if !p.remoteSet {
		p.buffer = append(p.buffer, *candidate)
		return nil
	}

	if err := r.engine.AddCandidate(ctx, peerID, *candidate); err != nil {
		logger.Warn("Failed to add remote candidate",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
	}
	return nil
}

// EmitLocalCandidate forwards a locally gathered candidate to peerID. Torn
// down peers are ignored.
func (r *Registry) EmitLocalCandidate(ctx context.Context, peerID uuid.UUID, candidate webrtc.ICECandidateInit) error {
	if _, ok := r.peers[peerID]; !ok {
		return nil
	}
	event := r.event(domain.EventNegotiationCandidate, peerID)
	event.Candidate = &candidate
	return r.sender.Send(ctx, event)
}

// Renegotiate sends a fresh offer to a peer that is currently Stable
func (r *Registry) Renegotiate(ctx context.Context, peerID uuid.UUID) error {
	p, ok := r.peers[peerID]
	if !ok {
		return errors.UnknownPeerError(peerID.String())
	}
	if p.state != domain.SignalingStable {
		return errors.InvalidTransitionError(string(p.state), string(domain.EventRenegotiate))
	}
	p.initiator = true
	return r.offer(ctx, peerID, p)
}

// Teardown releases everything held for peerID, buffered candidates included.
// Calling it for an unknown peer is a no-op.
func (r *Registry) Teardown(peerID uuid.UUID) {
	if _, ok := r.peers[peerID]; !ok {
		return
	}
	delete(r.peers, peerID)
	if err := r.engine.ClosePeer(peerID); err != nil {
		logger.Debug("Failed to close peer connection",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
	}
}

// TeardownAll releases every peer
func (r *Registry) TeardownAll() {
	for _, id := range r.Peers() {
		r.Teardown(id)
	}
}

// Close tears down all peers and releases the media engine
func (r *Registry) Close() error {
	r.TeardownAll()
	return r.engine.Close()
}

// Has reports whether a negotiation with peerID exists
func (r *Registry) Has(peerID uuid.UUID) bool {
	_, ok := r.peers[peerID]
	return ok
}

// Snapshot returns the negotiation state with peerID
func (r *Registry) Snapshot(peerID uuid.UUID) (domain.PeerNegotiation, bool) {
	p, ok := r.peers[peerID]
	if !ok {
		return domain.PeerNegotiation{}, false
	}
	return domain.PeerNegotiation{
		PeerID:               peerID,
		State:                p.state,
		Initiator:            p.initiator,
		RemoteDescriptionSet: p.remoteSet,
		BufferedCandidates:   len(p.buffer),
	}, true
}

// Snapshots returns the state of every peer ordered by peer id
func (r *Registry) Snapshots() []domain.PeerNegotiation {
	ids := r.Peers()
	out := make([]domain.PeerNegotiation, 0, len(ids))
	for _, id := range ids {
		s, _ := r.Snapshot(id)
		out = append(out, s)
	}
	return out
}

// Peers returns the ids of all peers ordered bytewise
func (r *Registry) Peers() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

func (r *Registry) ensure(peerID uuid.UUID) *peer {
	p, ok := r.peers[peerID]
	if !ok {
		p = &peer{state: domain.SignalingIdle}
		r.peers[peerID] = p
	}
	return p
}

func (r *Registry) offer(ctx context.Context, peerID uuid.UUID, p *peer) error {
	offer, err := r.engine.CreateOffer(ctx, peerID)
	if err != nil {
		return errors.WrapWithStatus(errors.ErrCodeInternal, "failed to create offer", http.StatusInternalServerError, err)
	}
	p.state = domain.SignalingOfferSent

	event := r.event(domain.EventNegotiationOffer, peerID)
	event.Offer = &offer
	if err := r.sender.Send(ctx, event); err != nil {
		logger.Warn("Failed to send offer",
			zap.String("session_id", r.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
	}
	return nil
}

// flush applies buffered candidates in arrival order. The buffer is emptied
// before applying so it can never be replayed.
func (r *Registry) flush(ctx context.Context, peerID uuid.UUID, p *peer) {
	buffered := p.buffer
	p.buffer = nil
	for _, c := range buffered {
		if err := r.engine.AddCandidate(ctx, peerID, c); err != nil {
			logger.Warn("Failed to add buffered candidate",
				zap.String("session_id", r.sessionID.String()),
				zap.String("peer_id", peerID.String()),
				zap.Error(err))
		}
	}
}

func (r *Registry) malformed(peerID uuid.UUID, what string) error {
	logger.Warn("Malformed negotiation payload",
		zap.String("session_id", r.sessionID.String()),
		zap.String("peer_id", peerID.String()),
		zap.String("payload", what))
	return errors.MalformedPayloadError("malformed "+what, nil)
}

func (r *Registry) event(t domain.EventType, peerID uuid.UUID) *domain.Event {
	return domain.NewEvent(t, r.sessionID, r.self, peerID)
}
