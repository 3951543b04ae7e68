package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind distinguishes 2-party calls from multi-party calls
type CallKind string

const (
	CallKindDirect CallKind = "direct"
	CallKindGroup  CallKind = "group"
)

// CallMedia is the media the caller asked for
type CallMedia string

const (
	CallMediaAudio CallMedia = "audio"
	CallMediaVideo CallMedia = "video"
)

// CallState is the lifecycle state of a call session
type CallState string

const (
	CallStateRinging      CallState = "ringing"
	CallStateConnecting   CallState = "connecting"
	CallStateActive       CallState = "active"
	CallStatePartnerGrace CallState = "partner_grace"
	CallStateSelfGrace    CallState = "self_grace"
	CallStateEnded        CallState = "ended"
)

// InGrace reports whether the session is waiting for a participant to rejoin
func (s CallState) InGrace() bool {
	return s == CallStatePartnerGrace || s == CallStateSelfGrace
}

// MembershipState tracks one participant inside a session
type MembershipState string

const (
	MembershipActive       MembershipState = "active"
	MembershipPending      MembershipState = "pending"
	MembershipDisconnected MembershipState = "disconnected"
)

// CallOutcome is how a terminated session is reported. A session that never
// connected is cancelled, never ended.
type CallOutcome string

const (
	CallOutcomeCancelled CallOutcome = "cancelled"
	CallOutcomeEnded     CallOutcome = "ended"
)

// EndReason says what drove the session into Ended
type EndReason string

const (
	EndReasonRejected      EndReason = "rejected"
	EndReasonCancelled     EndReason = "cancelled"
	EndReasonHangup        EndReason = "hangup"
	EndReasonRemoteHangup  EndReason = "remote_hangup"
	EndReasonTimeout       EndReason = "timeout"
	EndReasonPartnerLeft   EndReason = "partner_left"
	EndReasonInviteExpired EndReason = "invite_expired"
	EndReasonLeft          EndReason = "left"
)

// VoiceActivity is advisory presence inside a call. Last writer wins.
type VoiceActivity struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
	Speaking bool `json:"speaking"`
}

// Participant is a member of a call session
type Participant struct {
	UserID    uuid.UUID       `json:"user_id"`
	State     MembershipState `json:"state"`
	InvitedBy uuid.UUID       `json:"invited_by,omitempty"`
	InvitedAt *time.Time      `json:"invited_at,omitempty"`
	JoinedAt  *time.Time      `json:"joined_at,omitempty"`
	Voice     VoiceActivity   `json:"voice"`
}

// CallSession is a point-in-time view of one call as seen by the local side
type CallSession struct {
	ID           uuid.UUID     `json:"id"`
	Kind         CallKind      `json:"kind"`
	Media        CallMedia     `json:"media"`
	State        CallState     `json:"state"`
	CallerID     uuid.UUID     `json:"caller_id"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	Outcome      CallOutcome   `json:"outcome,omitempty"`
	EndReason    EndReason     `json:"end_reason,omitempty"`
	Participants []Participant `json:"participants"`
}

// Duration is the connected time of an ended session, zero if it never connected
func (s *CallSession) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// Participant returns the member with the given id
func (s *CallSession) Participant(userID uuid.UUID) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}
