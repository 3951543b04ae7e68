package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// EventType names a signaling event carried over the transport
type EventType string

// Local commands issued by the user of this endpoint
const (
	EventCallStart         EventType = "call.start"
	EventCallAccept        EventType = "call.accept"
	EventCallReject        EventType = "call.reject"
	EventCallCancel        EventType = "call.cancel"
	EventCallEnd           EventType = "call.end"
	EventCallRejoin        EventType = "call.rejoin"
	EventGroupInvite       EventType = "group.invite"
	EventGroupInviteAccept EventType = "group.invite.accept"
	EventGroupLeave        EventType = "group.leave"
	EventVoiceUpdate       EventType = "voice.update"
	EventRenegotiate       EventType = "negotiation.renegotiate"
)

// Notifications exchanged between endpoints
const (
	EventCallRinging        EventType = "call.ringing"
	EventCallAccepted       EventType = "call.accepted"
	EventCallRejected       EventType = "call.rejected"
	EventCallCancelled      EventType = "call.cancelled"
	EventCallEnded          EventType = "call.ended"
	EventCallLeft           EventType = "call.left"
	EventCallRejoined       EventType = "call.rejoined"
	EventGroupMemberJoined  EventType = "group.member.joined"
	EventGroupMemberDropped EventType = "group.member.dropped"
	EventGroupMemberLeft    EventType = "group.member.left"
	EventVoiceState         EventType = "voice.state"
)

// Negotiation primitives
const (
	EventNegotiationOffer     EventType = "negotiation.offer"
	EventNegotiationAnswer    EventType = "negotiation.answer"
	EventNegotiationCandidate EventType = "negotiation.candidate"
)

// EventError is sent by the relay back to a sender whose frame it refused
const EventError EventType = "error"

// IsNegotiation reports whether the event carries an offer, answer or candidate
func (t EventType) IsNegotiation() bool {
	return t == EventNegotiationOffer || t == EventNegotiationAnswer || t == EventNegotiationCandidate
}

// IsTerminal reports whether the event announces the end of a session
func (t EventType) IsTerminal() bool {
	switch t {
	case EventCallRejected, EventCallCancelled, EventCallEnded:
		return true
	}
	return false
}

// Event is the envelope exchanged over the signaling transport. Offers,
// answers and candidates are opaque to everything but the media engine.
type Event struct {
	Type          EventType                  `json:"type"`
	SessionID     uuid.UUID                  `json:"session_id"`
	From          uuid.UUID                  `json:"from"`
	To            uuid.UUID                  `json:"to,omitempty"`
	TargetUserID  uuid.UUID                  `json:"target_user_id,omitempty"`
	TargetUserIDs []uuid.UUID                `json:"target_user_ids,omitempty"`
	Kind          CallKind                   `json:"kind,omitempty"`
	Media         CallMedia                  `json:"media,omitempty"`
	Members       []uuid.UUID                `json:"members,omitempty"`
	Offer         *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer        *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Reason        EndReason                  `json:"reason,omitempty"`
	Voice         *VoiceActivity             `json:"voice,omitempty"`
	StartedAt     *time.Time                 `json:"started_at,omitempty"`
	EndedAt       *time.Time                 `json:"ended_at,omitempty"`
	Error         string                     `json:"error,omitempty"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// NewEvent builds an outbound envelope from one user to another
func NewEvent(eventType EventType, sessionID, from, to uuid.UUID) *Event {
	return &Event{
		Type:      eventType,
		SessionID: sessionID,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
}
