package negotiation

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	apperrors "callsignal-backend/pkg/errors"
)

type engineCall struct {
	op     string
	peerID uuid.UUID
	value  string
}

type fakeEngine struct {
	calls     []engineCall
	remoteErr error
	closed    bool
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, peerID uuid.UUID, desc webrtc.SessionDescription) error {
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.calls = append(e.calls, engineCall{op: "remote", peerID: peerID, value: desc.Type.String()})
	return nil
}

func (e *fakeEngine) CreateOffer(_ context.Context, peerID uuid.UUID) (webrtc.SessionDescription, error) {
	e.calls = append(e.calls, engineCall{op: "offer", peerID: peerID})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, peerID uuid.UUID) (webrtc.SessionDescription, error) {
	e.calls = append(e.calls, engineCall{op: "answer", peerID: peerID})
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (e *fakeEngine) AddCandidate(_ context.Context, peerID uuid.UUID, c webrtc.ICECandidateInit) error {
	e.calls = append(e.calls, engineCall{op: "candidate", peerID: peerID, value: c.Candidate})
	return nil
}

func (e *fakeEngine) ClosePeer(peerID uuid.UUID) error {
	e.calls = append(e.calls, engineCall{op: "close", peerID: peerID})
	return nil
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

func (e *fakeEngine) ops(op string) []engineCall {
	var out []engineCall
	for _, c := range e.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type recordingSender struct {
	events []*domain.Event
}

func (s *recordingSender) Send(_ context.Context, event *domain.Event) error {
	s.events = append(s.events, event)
	return nil
}

func newTestRegistry() (*Registry, *fakeEngine, *recordingSender) {
	engine := &fakeEngine{}
	sender := &recordingSender{}
	return NewRegistry(uuid.New(), uuid.New(), engine, sender), engine, sender
}

func candidate(s string) *webrtc.ICECandidateInit {
	return &webrtc.ICECandidateInit{Candidate: s}
}

func offer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}
}

func answer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}
}

func TestBegin_InitiatorSendsOffer(t *testing.T) {
	r, engine, sender := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.Begin(context.Background(), peerID, true))

	snap, ok := r.Snapshot(peerID)
	require.True(t, ok)
	assert.Equal(t, domain.SignalingOfferSent, snap.State)
	assert.True(t, snap.Initiator)
	assert.Len(t, engine.ops("offer"), 1)

	require.Len(t, sender.events, 1)
	assert.Equal(t, domain.EventNegotiationOffer, sender.events[0].Type)
	assert.Equal(t, peerID, sender.events[0].To)
	require.NotNil(t, sender.events[0].Offer)
	assert.Equal(t, webrtc.SDPTypeOffer, sender.events[0].Offer.Type)
}

func TestBegin_ResponderWaits(t *testing.T) {
	r, engine, sender := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.Begin(context.Background(), peerID, false))

	snap, ok := r.Snapshot(peerID)
	require.True(t, ok)
	assert.Equal(t, domain.SignalingIdle, snap.State)
	assert.Empty(t, engine.calls)
	assert.Empty(t, sender.events)
}

func TestBegin_TwiceSendsOneOffer(t *testing.T) {
	r, engine, _ := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.Begin(context.Background(), peerID, true))
	require.NoError(t, r.Begin(context.Background(), peerID, true))
	assert.Len(t, engine.ops("offer"), 1)
}

func TestCandidatesBufferedUntilOffer(t *testing.T) {
	ctx := context.Background()
	r, engine, sender := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("c1")))
	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("c2")))
	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("c3")))

	snap, _ := r.Snapshot(peerID)
	assert.Equal(t, 3, snap.BufferedCandidates)
	assert.False(t, snap.RemoteDescriptionSet)
	assert.Empty(t, engine.ops("candidate"), "no candidate applied before a remote description")

	completed, err := r.ApplyRemoteOffer(ctx, peerID, offer())
	require.NoError(t, err)
	assert.True(t, completed)

	// remote description, then c1..c3 in order, then the answer
	ops := make([]string, 0, len(engine.calls))
	for _, c := range engine.calls {
		ops = append(ops, c.op+":"+c.value)
	}
	assert.Equal(t, []string{"remote:offer", "candidate:c1", "candidate:c2", "candidate:c3", "answer:"}, ops)

	snap, _ = r.Snapshot(peerID)
	assert.Equal(t, domain.SignalingStable, snap.State)
	assert.Equal(t, 0, snap.BufferedCandidates)

	require.Len(t, sender.events, 1)
	assert.Equal(t, domain.EventNegotiationAnswer, sender.events[0].Type)
	require.NotNil(t, sender.events[0].Answer)
}

func TestCandidateAfterRemoteDescriptionAppliedImmediately(t *testing.T) {
	ctx := context.Background()
	r, engine, _ := newTestRegistry()
	peerID := uuid.New()

	_, err := r.ApplyRemoteOffer(ctx, peerID, offer())
	require.NoError(t, err)

	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("late")))
	cands := engine.ops("candidate")
	require.Len(t, cands, 1)
	assert.Equal(t, "late", cands[0].value)

	snap, _ := r.Snapshot(peerID)
	assert.Equal(t, 0, snap.BufferedCandidates)
}

func TestInitiatorFlowFlushesOnAnswer(t *testing.T) {
	ctx := context.Background()
	r, engine, _ := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.Begin(ctx, peerID, true))
	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("a")))
	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("b")))

	completed, err := r.ApplyRemoteAnswer(ctx, peerID, answer())
	require.NoError(t, err)
	assert.True(t, completed)

	cands := engine.ops("candidate")
	require.Len(t, cands, 2)
	assert.Equal(t, "a", cands[0].value)
	assert.Equal(t, "b", cands[1].value)

	snap, _ := r.Snapshot(peerID)
	assert.Equal(t, domain.SignalingStable, snap.State)

	// a duplicate answer is stale and must not replay the buffer
	completed, err = r.ApplyRemoteAnswer(ctx, peerID, answer())
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Len(t, engine.ops("candidate"), 2)
}

func TestAnswerWithoutOfferDropped(t *testing.T) {
	ctx := context.Background()
	r, engine, _ := newTestRegistry()
	peerID := uuid.New()

	completed, err := r.ApplyRemoteAnswer(ctx, peerID, answer())
	require.NoError(t, err)
	assert.False(t, completed)
	assert.False(t, r.Has(peerID))
	assert.Empty(t, engine.calls)
}

func TestOfferWhileOfferSentDropped(t *testing.T) {
	ctx := context.Background()
	r, engine, _ := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.Begin(ctx, peerID, true))
	completed, err := r.ApplyRemoteOffer(ctx, peerID, offer())
	require.NoError(t, err)
	assert.False(t, completed)
	assert.Empty(t, engine.ops("remote"))

	snap, _ := r.Snapshot(peerID)
	assert.Equal(t, domain.SignalingOfferSent, snap.State)
}

func TestMalformedPayloadsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()
	r, engine, sender := newTestRegistry()
	peerID := uuid.New()

	_, err := r.ApplyRemoteOffer(ctx, peerID, &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "x"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedPayload))

	_, err = r.ApplyRemoteOffer(ctx, peerID, &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedPayload))

	_, err = r.ApplyRemoteOffer(ctx, peerID, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedPayload))

	err = r.ApplyRemoteCandidate(ctx, peerID, &webrtc.ICECandidateInit{})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedPayload))

	assert.False(t, r.Has(peerID))
	assert.Empty(t, engine.calls)
	assert.Empty(t, sender.events)
}

func TestRejectedRemoteDescriptionKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	r, engine, _ := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("c1")))
	engine.remoteErr = errors.New("bad sdp")

	_, err := r.ApplyRemoteOffer(ctx, peerID, offer())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMalformedPayload))

	snap, _ := r.Snapshot(peerID)
	assert.Equal(t, domain.SignalingIdle, snap.State)
	assert.False(t, snap.RemoteDescriptionSet)
	assert.Equal(t, 1, snap.BufferedCandidates)
}

func TestRenegotiate(t *testing.T) {
	ctx := context.Background()
	r, engine, sender := newTestRegistry()
	peerID := uuid.New()

	err := r.Renegotiate(ctx, peerID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnknownPeer))

	require.NoError(t, r.Begin(ctx, peerID, true))
	err = r.Renegotiate(ctx, peerID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTransition))

	_, err = r.ApplyRemoteAnswer(ctx, peerID, answer())
	require.NoError(t, err)

	require.NoError(t, r.Renegotiate(ctx, peerID))
	assert.Len(t, engine.ops("offer"), 2)
	assert.Len(t, sender.events, 2)

	snap, _ := r.Snapshot(peerID)
	assert.Equal(t, domain.SignalingOfferSent, snap.State)
}

func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	r, engine, sender := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.ApplyRemoteCandidate(ctx, peerID, candidate("c1")))
	r.Teardown(peerID)
	r.Teardown(peerID)

	assert.False(t, r.Has(peerID))
	assert.Len(t, engine.ops("close"), 1)

	// local candidates for a torn-down peer go nowhere
	require.NoError(t, r.EmitLocalCandidate(ctx, peerID, webrtc.ICECandidateInit{Candidate: "local"}))
	assert.Empty(t, sender.events)
}

func TestEmitLocalCandidate(t *testing.T) {
	ctx := context.Background()
	r, _, sender := newTestRegistry()
	peerID := uuid.New()

	require.NoError(t, r.Begin(ctx, peerID, false))
	require.NoError(t, r.EmitLocalCandidate(ctx, peerID, webrtc.ICECandidateInit{Candidate: "local"}))

	require.Len(t, sender.events, 1)
	assert.Equal(t, domain.EventNegotiationCandidate, sender.events[0].Type)
	require.NotNil(t, sender.events[0].Candidate)
	assert.Equal(t, "local", sender.events[0].Candidate.Candidate)
}

func TestCloseReleasesEverything(t *testing.T) {
	ctx := context.Background()
	r, engine, _ := newTestRegistry()

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Begin(ctx, uuid.New(), false))
	}
	assert.Len(t, r.Peers(), 3)
	assert.Len(t, r.Snapshots(), 3)

	require.NoError(t, r.Close())
	assert.Empty(t, r.Peers())
	assert.Len(t, engine.ops("close"), 3)
	assert.True(t, engine.closed)
}
