package media

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
)

func newEngine(t *testing.T, media domain.CallMedia) *Engine {
	t.Helper()
	factory, err := NewFactory(nil)
	require.NoError(t, err)

	engine, err := factory.NewEngine(context.Background(), uuid.New(), media, nil)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine.(*Engine)
}

func TestEngine_OfferAnswer(t *testing.T) {
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	aliceEngine := newEngine(t, domain.CallMediaVideo)
	bobEngine := newEngine(t, domain.CallMediaVideo)

	offer, err := aliceEngine.CreateOffer(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, offer.SDP, "m=video")

	require.NoError(t, bobEngine.SetRemoteDescription(ctx, alice, offer))
	answer, err := bobEngine.CreateAnswer(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, aliceEngine.SetRemoteDescription(ctx, bob, answer))
	assert.Equal(t, 1, aliceEngine.Peers())
}

func TestEngine_AudioOnly(t *testing.T) {
	engine := newEngine(t, domain.CallMediaAudio)

	offer, err := engine.CreateOffer(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.NotContains(t, offer.SDP, "m=video")
}

func TestEngine_ClosePeer(t *testing.T) {
	engine := newEngine(t, domain.CallMediaAudio)
	peer := uuid.New()

	_, err := engine.CreateOffer(context.Background(), peer)
	require.NoError(t, err)
	require.NoError(t, engine.ClosePeer(peer))
	assert.Equal(t, 0, engine.Peers())

	assert.NoError(t, engine.ClosePeer(uuid.New()))
	assert.Error(t, engine.AddCandidate(context.Background(), peer, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
}

func TestEngine_ClosedRejectsWork(t *testing.T) {
	engine := newEngine(t, domain.CallMediaAudio)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	_, err := engine.CreateOffer(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestFactory_UnsupportedMedia(t *testing.T) {
	factory, err := NewFactory([]string{"stun:stun.example.com:3478"})
	require.NoError(t, err)

	_, err = factory.NewEngine(context.Background(), uuid.New(), domain.CallMedia("hologram"), nil)
	assert.Error(t, err)
}
