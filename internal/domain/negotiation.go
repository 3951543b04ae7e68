package domain

import "github.com/google/uuid"

// SignalingState is the offer/answer state of one peer pair
type SignalingState string

const (
	SignalingIdle          SignalingState = "idle"
	SignalingOfferSent     SignalingState = "offer_sent"
	SignalingOfferReceived SignalingState = "offer_received"
	SignalingStable        SignalingState = "stable"
)

// PeerNegotiation is a snapshot of the negotiation with one remote peer
type PeerNegotiation struct {
	PeerID               uuid.UUID      `json:"peer_id"`
	State                SignalingState `json:"signaling_state"`
	Initiator            bool           `json:"initiator"`
	RemoteDescriptionSet bool           `json:"remote_description_set"`
	BufferedCandidates   int            `json:"buffered_candidates"`
}
