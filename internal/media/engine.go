// Package media is the agent's media transport: one Pion peer connection per
// remote participant of a session.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/negotiation"
	"callsignal-backend/pkg/logger"
)

// Factory builds engines sharing one Pion API
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

// NewFactory registers the default codecs and interceptors
func NewFactory(stunServers []string) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	f := &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		),
	}
	if len(stunServers) > 0 {
		f.iceServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	return f, nil
}

// NewEngine acquires media for one session
func (f *Factory) NewEngine(_ context.Context, sessionID uuid.UUID, media domain.CallMedia, onCandidate negotiation.CandidateFunc) (negotiation.MediaEngine, error) {
	if media != domain.CallMediaAudio && media != domain.CallMediaVideo {
		return nil, fmt.Errorf("unsupported media %q", media)
	}
	return &Engine{
		factory:     f,
		sessionID:   sessionID,
		media:       media,
		onCandidate: onCandidate,
		peers:       make(map[uuid.UUID]*webrtc.PeerConnection),
	}, nil
}

// Engine holds the peer connections of one session
type Engine struct {
	factory     *Factory
	sessionID   uuid.UUID
	media       domain.CallMedia
	onCandidate negotiation.CandidateFunc

	mu     sync.Mutex
	peers  map[uuid.UUID]*webrtc.PeerConnection
	closed bool
}

// peer returns the connection to peerID, creating it on first use
func (e *Engine) peer(peerID uuid.UUID) (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("media engine closed")
	}
	if pc, ok := e.peers[peerID]; ok {
		return pc, nil
	}

	pc, err := e.factory.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.factory.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	kinds := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if e.media == domain.CallMediaVideo {
		kinds = append(kinds, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range kinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || e.onCandidate == nil {
			return
		}
		e.onCandidate(peerID, c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed",
			zap.String("session_id", e.sessionID.String()),
			zap.String("peer_id", peerID.String()),
			zap.String("state", state.String()))
	})

	e.peers[peerID] = pc
	return pc, nil
}

func (e *Engine) SetRemoteDescription(_ context.Context, peerID uuid.UUID, desc webrtc.SessionDescription) error {
	pc, err := e.peer(peerID)
	if err != nil {
		return err
	}
	return pc.SetRemoteDescription(desc)
}

func (e *Engine) CreateOffer(_ context.Context, peerID uuid.UUID) (webrtc.SessionDescription, error) {
	pc, err := e.peer(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer, nil
}

func (e *Engine) CreateAnswer(_ context.Context, peerID uuid.UUID) (webrtc.SessionDescription, error) {
	pc, err := e.peer(peerID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer, nil
}

func (e *Engine) AddCandidate(_ context.Context, peerID uuid.UUID, candidate webrtc.ICECandidateInit) error {
	e.mu.Lock()
	pc, ok := e.peers[peerID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no peer connection for %s", peerID)
	}
	return pc.AddICECandidate(candidate)
}

// ClosePeer tears down the connection to one participant
func (e *Engine) ClosePeer(peerID uuid.UUID) error {
	e.mu.Lock()
	pc, ok := e.peers[peerID]
	delete(e.peers, peerID)
	e.mu.Unlock()

	if !ok {
		return nil
	}
	return pc.Close()
}

// Close releases every connection. Later calls are no-ops.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peers := e.peers
	e.peers = make(map[uuid.UUID]*webrtc.PeerConnection)
	e.mu.Unlock()

	var firstErr error
	for _, pc := range peers {
		if err := pc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Peers is the number of open peer connections
func (e *Engine) Peers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}
