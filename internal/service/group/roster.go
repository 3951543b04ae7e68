// Package group tracks who belongs to a call session and expires invitations
// nobody answered.
package group

import (
	"time"

	"github.com/google/uuid"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/errors"
)

// Roster is the membership list of one session. It is owned by the session
// goroutine and is not safe for concurrent use.
type Roster struct {
	maxMembers int
	inviteTTL  time.Duration
	members    map[uuid.UUID]*domain.Participant
	order      []uuid.UUID
}

// NewRoster creates an empty roster. maxMembers bounds Active plus Pending.
func NewRoster(maxMembers int, inviteTTL time.Duration) *Roster {
	return &Roster{
		maxMembers: maxMembers,
		inviteTTL:  inviteTTL,
		members:    make(map[uuid.UUID]*domain.Participant),
	}
}

// Join records userID as an Active member without an invitation, as for the
// host of a call or a member learned from a join notification.
func (r *Roster) Join(userID uuid.UUID, now time.Time) {
	p, ok := r.members[userID]
	if !ok {
		p = r.add(userID)
	}
	p.State = domain.MembershipActive
	if p.JoinedAt == nil {
		joined := now
		p.JoinedAt = &joined
	}
}

// Invite adds userID as Pending. Members who are already Active or Pending
// cannot be invited again; Disconnected members can.
func (r *Roster) Invite(userID, invitedBy uuid.UUID, now time.Time) error {
	if p, ok := r.members[userID]; ok && p.State != domain.MembershipDisconnected {
		return errors.InvalidTransitionError(string(p.State), string(domain.EventGroupInvite))
	}

	active, pending := r.Counts()
	if active+pending+1 > r.maxMembers {
		return errors.CapacityExceededError(r.maxMembers)
	}

	p, ok := r.members[userID]
	if !ok {
		p = r.add(userID)
	}
	invited := now
	p.State = domain.MembershipPending
	p.InvitedBy = invitedBy
	p.InvitedAt = &invited
	return nil
}

// MarkActive moves a member to Active. It reports whether anything changed;
// marking an Active member again is a no-op.
func (r *Roster) MarkActive(userID uuid.UUID, now time.Time) bool {
	if p, ok := r.members[userID]; ok && p.State == domain.MembershipActive {
		return false
	}
	r.Join(userID, now)
	return true
}

// MarkDisconnected flags an Active member as gone but still within its grace window
func (r *Roster) MarkDisconnected(userID uuid.UUID) bool {
	p, ok := r.members[userID]
	if !ok || p.State != domain.MembershipActive {
		return false
	}
	p.State = domain.MembershipDisconnected
	return true
}

// Remove deletes a member and reports whether it was present
func (r *Roster) Remove(userID uuid.UUID) bool {
	if _, ok := r.members[userID]; !ok {
		return false
	}
	delete(r.members, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Sweep removes every Pending member whose invitation is at least the
// invite TTL old at now, and returns them in invitation order.
func (r *Roster) Sweep(now time.Time) []uuid.UUID {
	var expired []uuid.UUID
	for _, id := range r.order {
		p := r.members[id]
		if p.State != domain.MembershipPending || p.InvitedAt == nil {
			continue
		}
		if now.Sub(*p.InvitedAt) >= r.inviteTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.Remove(id)
	}
	return expired
}

// SetVoice records the advisory voice flags of a member
func (r *Roster) SetVoice(userID uuid.UUID, voice domain.VoiceActivity) bool {
	p, ok := r.members[userID]
	if !ok {
		return false
	}
	p.Voice = voice
	return true
}

// Get returns a copy of one member
func (r *Roster) Get(userID uuid.UUID) (domain.Participant, bool) {
	p, ok := r.members[userID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Members returns copies of all members in the order they were added
func (r *Roster) Members() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.members[id])
	}
	return out
}

// IDs returns member ids in the given states, or all members if none are given
func (r *Roster) IDs(states ...domain.MembershipState) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.order))
	for _, id := range r.order {
		if len(states) == 0 || hasState(states, r.members[id].State) {
			out = append(out, id)
		}
	}
	return out
}

// Counts returns the number of Active and Pending members
func (r *Roster) Counts() (active, pending int) {
	for _, p := range r.members {
		switch p.State {
		case domain.MembershipActive:
			active++
		case domain.MembershipPending:
			pending++
		}
	}
	return active, pending
}

// Len is the number of members in any state
func (r *Roster) Len() int {
	return len(r.members)
}

func (r *Roster) add(userID uuid.UUID) *domain.Participant {
	p := &domain.Participant{UserID: userID}
	r.members[userID] = p
	r.order = append(r.order, userID)
	return p
}

func hasState(states []domain.MembershipState, s domain.MembershipState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}
