package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/group"
	"callsignal-backend/internal/service/negotiation"
	"callsignal-backend/internal/service/scheduler"
	"callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
)

type command struct {
	ctx     context.Context
	event   *domain.Event
	local   bool
	engine  negotiation.MediaEngine
	restore bool
	reply   chan reply
}

type reply struct {
	res *Result
	err error
}

type timerKind int

const (
	timerGrace timerKind = iota
	timerMemberGrace
	timerInvite
	timerRetire
)

// timerFired is posted by the scheduler. gen must match the session's
// record of that timer, otherwise it was cancelled or replaced.
type timerFired struct {
	kind   timerKind
	member uuid.UUID
	gen    uint64
}

type localCandidate struct {
	peerID    uuid.UUID
	candidate webrtc.ICECandidateInit
}

type sweepTick struct{}

type timerRef struct {
	gen uint64
	tok scheduler.Token
}

// session is the actor for one call. Every field below inbox is touched only
// by run; the published view is what other goroutines read.
type session struct {
	o         *Orchestrator
	id        uuid.UUID
	kind      domain.CallKind
	media     domain.CallMedia
	callerID  uuid.UUID
	createdAt time.Time

	inbox chan any
	done  chan struct{}

	state     domain.CallState
	partner   uuid.UUID
	startedAt *time.Time
	endedAt   *time.Time
	outcome   domain.CallOutcome
	reason    domain.EndReason

	roster   *group.Roster
	engine   negotiation.MediaEngine
	registry *negotiation.Registry

	gen          uint64
	grace        timerRef
	retire       timerRef
	memberTimers map[uuid.UUID]timerRef
	inviteTimers map[uuid.UUID]timerRef

	viewMu sync.RWMutex
	view   domain.CallSession
	negs   []domain.PeerNegotiation
}

func (s *session) self() uuid.UUID {
	return s.o.cfg.UserID
}

func (s *session) isGroup() bool {
	return s.kind == domain.CallKindGroup
}

func (s *session) run() {
	defer s.o.wg.Done()
	defer s.drain()
	defer close(s.done)

	for {
		select {
		case <-s.o.ctx.Done():
			s.shutdown()
			return
		case msg := <-s.inbox:
			if s.dispatch(msg) {
				s.o.remove(s)
				return
			}
		}
	}
}

func (s *session) submit(ctx context.Context, cmd *command) (*Result, error) {
	cmd.reply = make(chan reply, 1)

	select {
	case s.inbox <- cmd:
	case <-s.done:
		s.discard(cmd)
		return nil, errors.UnknownSessionError(s.id.String())
	case <-ctx.Done():
		s.discard(cmd)
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r.res, r.err
	case <-s.done:
		select {
		case r := <-cmd.reply:
			return r.res, r.err
		default:
		}
		return nil, errors.UnknownSessionError(s.id.String())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) post(msg any) {
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *session) tryPost(msg any) {
	select {
	case s.inbox <- msg:
	default:
	}
}

func (s *session) postCandidate(peerID uuid.UUID, c webrtc.ICECandidateInit) {
	s.post(localCandidate{peerID: peerID, candidate: c})
}

// dispatch handles one inbox message and reports whether the session retired
func (s *session) dispatch(msg any) bool {
	switch m := msg.(type) {
	case *command:
		err := s.handleCommand(m)
		if m.engine != nil {
			_ = m.engine.Close()
			m.engine = nil
		}
		s.publish()
		if err != nil {
			m.reply <- reply{err: err}
			return false
		}
		view, negs := s.current()
		m.reply <- reply{res: &Result{Session: view, Negotiations: negs}}

	case timerFired:
		if m.kind == timerRetire {
			return m.gen == s.retire.gen
		}
		s.onTimer(m)
		s.publish()

	case localCandidate:
		if s.registry != nil {
			if err := s.registry.EmitLocalCandidate(s.o.ctx, m.peerID, m.candidate); err != nil {
				logger.Debug("Failed to emit local candidate",
					zap.String("session_id", s.id.String()),
					zap.Error(err))
			}
		}

	case sweepTick:
		s.sweep()
		s.publish()
	}
	return false
}

func (s *session) handleCommand(cmd *command) error {
	ev := cmd.event
	if s.state == domain.CallStateEnded {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	if cmd.local {
		return s.handleLocal(cmd)
	}
	return s.handleRemote(cmd)
}

func (s *session) handleLocal(cmd *command) error {
	ev := cmd.event
	if s.state == "" {
		switch {
		case cmd.restore:
			return s.restoreLocal(cmd)
		case ev.Type == domain.EventCallStart:
			return s.startLocal(cmd)
		}
		return errors.UnknownSessionError(s.id.String())
	}

	switch ev.Type {
	case domain.EventCallAccept, domain.EventGroupInviteAccept:
		return s.accept(cmd)
	case domain.EventCallReject:
		return s.reject(ev)
	case domain.EventCallCancel:
		return s.cancel(ev)
	case domain.EventCallEnd, domain.EventGroupLeave:
		return s.hangup(ev)
	case domain.EventCallRejoin:
		return s.rejoin(ev)
	case domain.EventGroupInvite:
		return s.invite(ev)
	case domain.EventVoiceUpdate:
		return s.updateVoice(ev)
	case domain.EventRenegotiate:
		return s.renegotiate(ev)
	}
	return errors.InvalidTransitionError(string(s.state), string(ev.Type))
}

func (s *session) startLocal(cmd *command) error {
	ev := cmd.event
	now := s.o.now()
	s.attach(cmd)
	s.state = domain.CallStateRinging
	s.roster.Join(s.self(), now)

	targets := targetsOf(ev)
	for _, t := range targets {
		if err := s.roster.Invite(t, s.self(), now); err != nil {
			return err
		}
		if s.isGroup() {
			s.inviteTimers[t] = s.schedule(timerInvite, t, s.o.cfg.InviteTTL)
		}
	}
	if !s.isGroup() {
		s.partner = targets[0]
	}
	for _, t := range targets {
		s.sendRinging(t)
	}

	logger.Info("Call started",
		zap.String("session_id", s.id.String()),
		zap.String("kind", string(s.kind)),
		zap.Int("targets", len(targets)))
	return nil
}

func (s *session) restoreLocal(cmd *command) error {
	ev := cmd.event
	now := s.o.now()
	s.attach(cmd)
	s.state = domain.CallStateActive

	started := now
	if ev.StartedAt != nil {
		started = *ev.StartedAt
	}
	s.startedAt = &started

	targets := targetsOf(ev)
	s.roster.Join(s.self(), now)
	for _, t := range targets {
		s.roster.Join(t, now)
	}
	if !s.isGroup() {
		s.partner = targets[0]
	}
	for _, t := range targets {
		s.send(s.event(domain.EventCallRejoined, t))
		s.negotiateWith(t)
	}

	logger.Info("Call session restored",
		zap.String("session_id", s.id.String()),
		zap.Int("peers", len(targets)))
	return nil
}

func (s *session) accept(cmd *command) error {
	ev := cmd.event
	if s.state != domain.CallStateRinging || s.callerID == s.self() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	if ev.Type == domain.EventGroupInviteAccept && !s.isGroup() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	s.attach(cmd)
	s.roster.MarkActive(s.self(), s.o.now())
	s.state = domain.CallStateConnecting

	if !s.isGroup() {
		accepted := s.event(domain.EventCallAccepted, s.partner)
		accepted.Media = s.media
		s.send(accepted)
		// the caller makes the first offer
		if err := s.registry.Begin(s.o.ctx, s.partner, false); err != nil {
			return err
		}
		return nil
	}

	members := s.others(domain.MembershipActive)
	for _, m := range members {
		s.send(s.event(domain.EventGroupMemberJoined, m))
	}
	for _, m := range members {
		s.negotiateWith(m)
	}
	return nil
}

func (s *session) reject(ev *domain.Event) error {
	if s.state != domain.CallStateRinging || s.callerID == s.self() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	to := s.partner
	if s.isGroup() {
		to = s.inviterOf(s.self())
	}
	s.end(domain.CallOutcomeCancelled, domain.EndReasonRejected)
	s.sendTerminal(domain.EventCallRejected, to)
	return nil
}

func (s *session) cancel(ev *domain.Event) error {
	if s.state != domain.CallStateRinging || s.callerID != s.self() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	targets := []uuid.UUID{s.partner}
	if s.isGroup() {
		targets = s.others(domain.MembershipPending)
	}
	s.end(domain.CallOutcomeCancelled, domain.EndReasonCancelled)
	for _, t := range targets {
		s.sendTerminal(domain.EventCallCancelled, t)
	}
	return nil
}

func (s *session) hangup(ev *domain.Event) error {
	if s.isGroup() {
		return s.leaveGroup(ev)
	}
	if ev.Type == domain.EventGroupLeave {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	switch s.state {
	case domain.CallStateRinging:
		if s.callerID == s.self() {
			return s.cancel(ev)
		}
		return s.reject(ev)

	case domain.CallStateConnecting:
		s.end(s.outcomeSoFar(), domain.EndReasonHangup)
		s.sendTerminal(domain.EventCallEnded, s.partner)

	case domain.CallStateActive:
		s.state = domain.CallStateSelfGrace
		s.registry.TeardownAll()
		s.grace = s.schedule(timerGrace, uuid.Nil, s.o.cfg.GracePeriod)
		s.send(s.event(domain.EventCallLeft, s.partner))
		logger.Info("Left call, waiting for rejoin",
			zap.String("session_id", s.id.String()),
			zap.Duration("grace", s.o.cfg.GracePeriod))

	case domain.CallStatePartnerGrace, domain.CallStateSelfGrace:
		s.end(s.outcomeSoFar(), domain.EndReasonHangup)
		s.sendTerminal(domain.EventCallEnded, s.partner)
	}
	return nil
}

func (s *session) leaveGroup(ev *domain.Event) error {
	me, _ := s.roster.Get(s.self())
	if s.state == domain.CallStateRinging {
		if me.State == domain.MembershipPending {
			return s.reject(ev)
		}
		if s.callerID == s.self() && len(s.others(domain.MembershipActive, domain.MembershipDisconnected)) == 0 {
			return s.cancel(ev)
		}
	}

	members := s.others(domain.MembershipActive, domain.MembershipDisconnected)
	var invited []uuid.UUID
	for _, p := range s.roster.Members() {
		if p.State == domain.MembershipPending && p.InvitedBy == s.self() {
			invited = append(invited, p.UserID)
		}
	}

	s.end(s.outcomeSoFar(), domain.EndReasonLeft)
	for _, m := range members {
		s.send(s.event(domain.EventGroupMemberLeft, m))
	}
	for _, p := range invited {
		s.sendTerminal(domain.EventCallCancelled, p)
	}
	return nil
}

func (s *session) rejoin(ev *domain.Event) error {
	if s.isGroup() || s.state != domain.CallStateSelfGrace {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	s.cancelTimer(&s.grace)
	s.state = domain.CallStateActive
	s.send(s.event(domain.EventCallRejoined, s.partner))
	s.negotiateWith(s.partner)

	logger.Info("Rejoined call", zap.String("session_id", s.id.String()))
	return nil
}

func (s *session) invite(ev *domain.Event) error {
	if !s.isGroup() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	if me, _ := s.roster.Get(s.self()); me.State != domain.MembershipActive {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	targets := targetsOf(ev)
	if len(targets) == 0 {
		return errors.MissingFieldError("target_user_id")
	}
	for _, t := range targets {
		if t == s.self() {
			return errors.ValidationError("cannot invite yourself")
		}
		if p, ok := s.roster.Get(t); ok && p.State != domain.MembershipDisconnected {
			return errors.InvalidTransitionError(string(p.State), string(ev.Type))
		}
	}
	active, pending := s.roster.Counts()
	if active+pending+len(targets) > s.o.cfg.MaxGroupMembers {
		return errors.CapacityExceededError(s.o.cfg.MaxGroupMembers)
	}

	now := s.o.now()
	for _, t := range targets {
		if err := s.roster.Invite(t, s.self(), now); err != nil {
			return err
		}
		s.inviteTimers[t] = s.schedule(timerInvite, t, s.o.cfg.InviteTTL)
		s.sendRinging(t)
	}
	return nil
}

func (s *session) updateVoice(ev *domain.Event) error {
	if ev.Voice == nil {
		return errors.MissingFieldError("voice")
	}
	s.roster.SetVoice(s.self(), *ev.Voice)

	for _, m := range s.others(domain.MembershipActive) {
		state := s.event(domain.EventVoiceState, m)
		voice := *ev.Voice
		state.Voice = &voice
		s.send(state)
	}
	return nil
}

func (s *session) renegotiate(ev *domain.Event) error {
	if s.state != domain.CallStateActive || s.registry == nil {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}

	if ev.TargetUserID != uuid.Nil {
		return s.registry.Renegotiate(s.o.ctx, ev.TargetUserID)
	}
	for _, peerID := range s.registry.Peers() {
		snap, _ := s.registry.Snapshot(peerID)
		if snap.State != domain.SignalingStable {
			continue
		}
		if err := s.registry.Renegotiate(s.o.ctx, peerID); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) handleRemote(cmd *command) error {
	ev := cmd.event
	from := ev.From

	if s.state == "" {
		if ev.Type == domain.EventCallRinging {
			return s.ring(ev)
		}
		return errors.UnknownSessionError(s.id.String())
	}
	if !s.isGroup() && from != s.partner {
		return errors.UnknownPeerError(from.String())
	}

	switch ev.Type {
	case domain.EventCallRinging:
		logger.Debug("Duplicate ring ignored", zap.String("session_id", s.id.String()))
		return nil
	case domain.EventCallAccepted:
		return s.onAccepted(ev)
	case domain.EventCallRejected:
		return s.onRejected(ev)
	case domain.EventCallCancelled:
		return s.onCancelled(ev)
	case domain.EventCallEnded:
		if s.isGroup() {
			s.memberLeft(from)
			return nil
		}
		s.end(s.outcomeSoFar(), domain.EndReasonRemoteHangup)
		return nil
	case domain.EventCallLeft:
		return s.onLeft(ev)
	case domain.EventCallRejoined:
		return s.onRejoined(ev)
	case domain.EventGroupMemberJoined:
		return s.onMemberJoined(ev)
	case domain.EventGroupMemberDropped:
		if !s.isGroup() {
			break
		}
		if member := ev.TargetUserID; member != s.self() {
			s.cancelMemberTimers(member)
			s.roster.Remove(member)
		}
		return nil
	case domain.EventGroupMemberLeft:
		if !s.isGroup() {
			break
		}
		s.memberLeft(from)
		return nil
	case domain.EventVoiceState:
		if ev.Voice == nil {
			return errors.MalformedPayloadError("voice state without flags", nil)
		}
		s.roster.SetVoice(from, *ev.Voice)
		return nil
	case domain.EventNegotiationOffer, domain.EventNegotiationAnswer, domain.EventNegotiationCandidate:
		return s.onNegotiation(ev)
	}
	return errors.InvalidTransitionError(string(s.state), string(ev.Type))
}

func (s *session) ring(ev *domain.Event) error {
	now := s.o.now()
	s.state = domain.CallStateRinging
	s.roster.Join(ev.From, now)
	if s.isGroup() {
		for _, m := range ev.Members {
			if m != s.self() && m != ev.From {
				s.roster.Join(m, now)
			}
		}
	} else {
		s.partner = ev.From
	}
	if err := s.roster.Invite(s.self(), ev.From, now); err != nil {
		logger.Warn("Failed to record own invitation",
			zap.String("session_id", s.id.String()),
			zap.Error(err))
	}

	logger.Info("Incoming call",
		zap.String("session_id", s.id.String()),
		zap.String("caller_id", ev.From.String()),
		zap.String("kind", string(s.kind)))
	return nil
}

func (s *session) onAccepted(ev *domain.Event) error {
	if s.isGroup() || s.state != domain.CallStateRinging || s.callerID != s.self() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	s.state = domain.CallStateConnecting
	s.roster.MarkActive(s.partner, s.o.now())
	return s.registry.Begin(s.o.ctx, s.partner, true)
}

func (s *session) onRejected(ev *domain.Event) error {
	if s.isGroup() {
		if p, ok := s.roster.Get(ev.From); ok && p.State == domain.MembershipPending {
			s.cancelMemberTimers(ev.From)
			s.roster.Remove(ev.From)
		}
		return nil
	}
	if s.state != domain.CallStateRinging || s.callerID != s.self() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	s.end(domain.CallOutcomeCancelled, domain.EndReasonRejected)
	return nil
}

func (s *session) onCancelled(ev *domain.Event) error {
	reason := ev.Reason
	if reason == "" {
		reason = domain.EndReasonCancelled
	}
	if s.isGroup() {
		if me, _ := s.roster.Get(s.self()); me.State != domain.MembershipPending {
			return nil
		}
	}
	s.end(s.outcomeSoFar(), reason)
	return nil
}

func (s *session) onLeft(ev *domain.Event) error {
	if s.isGroup() {
		s.memberDisconnected(ev.From)
		return nil
	}

	switch s.state {
	case domain.CallStateActive:
		s.state = domain.CallStatePartnerGrace
		s.roster.MarkDisconnected(s.partner)
		s.registry.Teardown(s.partner)
		s.grace = s.schedule(timerGrace, uuid.Nil, s.o.cfg.GracePeriod)
		logger.Info("Partner left, waiting for rejoin",
			zap.String("session_id", s.id.String()),
			zap.Duration("grace", s.o.cfg.GracePeriod))
	case domain.CallStateRinging, domain.CallStateConnecting:
		s.end(domain.CallOutcomeCancelled, domain.EndReasonPartnerLeft)
	case domain.CallStateSelfGrace:
		s.end(s.outcomeSoFar(), domain.EndReasonPartnerLeft)
	case domain.CallStatePartnerGrace:
		logger.Debug("Duplicate left ignored", zap.String("session_id", s.id.String()))
	}
	return nil
}

func (s *session) onRejoined(ev *domain.Event) error {
	from := ev.From
	if s.isGroup() {
		s.cancelMemberTimers(from)
		s.roster.MarkActive(from, s.o.now())
		if s.canNegotiate() {
			s.registry.Teardown(from)
			s.negotiateWith(from)
		}
		return nil
	}

	switch s.state {
	case domain.CallStatePartnerGrace:
		s.cancelTimer(&s.grace)
		s.state = domain.CallStateActive
	case domain.CallStateActive:
		// partner restarted without a left signal reaching us
		s.registry.Teardown(from)
	default:
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	s.roster.MarkActive(from, s.o.now())
	s.negotiateWith(from)

	logger.Info("Partner rejoined", zap.String("session_id", s.id.String()))
	return nil
}

func (s *session) onMemberJoined(ev *domain.Event) error {
	if !s.isGroup() {
		return errors.InvalidTransitionError(string(s.state), string(ev.Type))
	}
	member := ev.TargetUserID
	if member == uuid.Nil {
		member = ev.From
	}
	if member == s.self() {
		return nil
	}

	p, known := s.roster.Get(member)
	invitedHere := known && p.State == domain.MembershipPending && p.InvitedBy == s.self()

	s.cancelMemberTimers(member)
	s.roster.MarkActive(member, s.o.now())

	// members that joined through us learn about each other through us
	if invitedHere && ev.From == member {
		for _, m := range s.others(domain.MembershipActive) {
			if m == member {
				continue
			}
			joined := s.event(domain.EventGroupMemberJoined, m)
			joined.TargetUserID = member
			s.send(joined)

			intro := s.event(domain.EventGroupMemberJoined, member)
			intro.TargetUserID = m
			s.send(intro)
		}
	}

	if s.state == domain.CallStateRinging && s.callerID == s.self() {
		s.state = domain.CallStateConnecting
	}
	if s.canNegotiate() && !s.registry.Has(member) {
		s.negotiateWith(member)
	}
	return nil
}

func (s *session) onNegotiation(ev *domain.Event) error {
	if !s.canNegotiate() {
		logger.Debug("Dropping negotiation outside a connected call",
			zap.String("session_id", s.id.String()),
			zap.String("state", string(s.state)),
			zap.String("type", string(ev.Type)))
		return nil
	}
	if s.isGroup() {
		s.roster.MarkActive(ev.From, s.o.now())
	}

	switch ev.Type {
	case domain.EventNegotiationOffer:
		completed, err := s.registry.ApplyRemoteOffer(s.o.ctx, ev.From, ev.Offer)
		if err != nil {
			return err
		}
		if completed {
			s.negotiated(false)
		}
	case domain.EventNegotiationAnswer:
		completed, err := s.registry.ApplyRemoteAnswer(s.o.ctx, ev.From, ev.Answer)
		if err != nil {
			return err
		}
		if completed {
			s.negotiated(true)
		}
	case domain.EventNegotiationCandidate:
		return s.registry.ApplyRemoteCandidate(s.o.ctx, ev.From, ev.Candidate)
	}
	return nil
}

func (s *session) negotiated(initiator bool) {
	s.o.metrics.RecordNegotiationCompleted(initiator)
	if s.state == domain.CallStateConnecting {
		s.state = domain.CallStateActive
	}
	if s.startedAt == nil {
		now := s.o.now()
		s.startedAt = &now
		logger.Info("Call connected", zap.String("session_id", s.id.String()))
	}
}

func (s *session) onTimer(m timerFired) {
	switch m.kind {
	case timerGrace:
		if m.gen != s.grace.gen || !s.state.InGrace() {
			return
		}
		s.grace = timerRef{}
		s.end(s.outcomeSoFar(), domain.EndReasonTimeout)
		s.sendTerminal(domain.EventCallEnded, s.partner)

	case timerMemberGrace:
		ref, ok := s.memberTimers[m.member]
		if !ok || ref.gen != m.gen {
			return
		}
		delete(s.memberTimers, m.member)
		if p, ok := s.roster.Get(m.member); ok && p.State == domain.MembershipDisconnected {
			s.roster.Remove(m.member)
			if s.registry != nil {
				s.registry.Teardown(m.member)
			}
			logger.Info("Group member did not rejoin",
				zap.String("session_id", s.id.String()),
				zap.String("user_id", m.member.String()))
		}

	case timerInvite:
		ref, ok := s.inviteTimers[m.member]
		if !ok || ref.gen != m.gen {
			return
		}
		delete(s.inviteTimers, m.member)
		s.sweep()
	}
}

// sweep drops invitations that outlived the invite TTL. Only the inviter
// tells the rest of the group.
func (s *session) sweep() {
	if s.state == domain.CallStateEnded {
		return
	}
	if me, _ := s.roster.Get(s.self()); me.State == domain.MembershipPending {
		return
	}

	inviters := make(map[uuid.UUID]uuid.UUID)
	for _, p := range s.roster.Members() {
		if p.State == domain.MembershipPending {
			inviters[p.UserID] = p.InvitedBy
		}
	}

	for _, x := range s.roster.Sweep(s.o.now()) {
		s.cancelMemberTimers(x)
		s.o.metrics.RecordInviteDropped()
		logger.Info("Group invitation expired",
			zap.String("session_id", s.id.String()),
			zap.String("user_id", x.String()))

		if inviters[x] != s.self() {
			continue
		}
		expired := s.event(domain.EventCallCancelled, x)
		expired.Reason = domain.EndReasonInviteExpired
		s.send(expired)

		for _, m := range s.others(domain.MembershipActive) {
			dropped := s.event(domain.EventGroupMemberDropped, m)
			dropped.TargetUserID = x
			s.send(dropped)
		}
	}
}

func (s *session) memberLeft(member uuid.UUID) {
	s.cancelMemberTimers(member)
	if s.roster.Remove(member) {
		logger.Info("Group member left",
			zap.String("session_id", s.id.String()),
			zap.String("user_id", member.String()))
	}
	if s.registry != nil {
		s.registry.Teardown(member)
	}
}

func (s *session) memberDisconnected(member uuid.UUID) {
	if !s.roster.MarkDisconnected(member) {
		return
	}
	if s.registry != nil {
		s.registry.Teardown(member)
	}
	s.memberTimers[member] = s.schedule(timerMemberGrace, member, s.o.cfg.GracePeriod)
}

// end moves the session to Ended. It runs at most once per session.
func (s *session) end(outcome domain.CallOutcome, reason domain.EndReason) {
	if s.state == domain.CallStateEnded {
		return
	}
	now := s.o.now()
	s.state = domain.CallStateEnded
	s.endedAt = &now
	s.outcome = outcome
	s.reason = reason

	s.o.sched.CancelOwner(s.id)
	s.grace = timerRef{}
	s.memberTimers = make(map[uuid.UUID]timerRef)
	s.inviteTimers = make(map[uuid.UUID]timerRef)
	s.release()
	s.retire = s.schedule(timerRetire, uuid.Nil, s.o.cfg.EndedRetention)

	var duration time.Duration
	if s.startedAt != nil {
		duration = now.Sub(*s.startedAt)
	}
	s.o.ended()
	s.o.metrics.RecordCallEnded(string(s.kind), string(outcome), string(reason), duration)

	logger.Info("Call ended",
		zap.String("session_id", s.id.String()),
		zap.String("outcome", string(outcome)),
		zap.String("reason", string(reason)),
		zap.Duration("duration", duration))
}

func (s *session) shutdown() {
	s.o.sched.CancelOwner(s.id)
	s.release()
}

func (s *session) release() {
	switch {
	case s.registry != nil:
		if err := s.registry.Close(); err != nil {
			logger.Debug("Failed to close media engine",
				zap.String("session_id", s.id.String()),
				zap.Error(err))
		}
	case s.engine != nil:
		_ = s.engine.Close()
	}
	s.registry = nil
	s.engine = nil
}

// drain fails commands still queued after the session stopped
func (s *session) drain() {
	for {
		select {
		case msg := <-s.inbox:
			if cmd, ok := msg.(*command); ok {
				s.discard(cmd)
				cmd.reply <- reply{err: errors.UnknownSessionError(s.id.String())}
			}
		default:
			return
		}
	}
}

func (s *session) discard(cmd *command) {
	if cmd.engine != nil {
		_ = cmd.engine.Close()
		cmd.engine = nil
	}
}

func (s *session) attach(cmd *command) {
	if cmd.engine == nil {
		return
	}
	s.engine = cmd.engine
	s.registry = negotiation.NewRegistry(s.id, s.self(), s.engine, s.o.sender)
	cmd.engine = nil
}

func (s *session) canNegotiate() bool {
	return s.registry != nil && (s.state == domain.CallStateConnecting || s.state == domain.CallStateActive)
}

func (s *session) negotiateWith(peerID uuid.UUID) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Begin(s.o.ctx, peerID, ShouldInitiate(s.self(), peerID)); err != nil {
		logger.Warn("Failed to begin negotiation",
			zap.String("session_id", s.id.String()),
			zap.String("peer_id", peerID.String()),
			zap.Error(err))
	}
}

func (s *session) outcomeSoFar() domain.CallOutcome {
	if s.startedAt == nil {
		return domain.CallOutcomeCancelled
	}
	return domain.CallOutcomeEnded
}

func (s *session) inviterOf(userID uuid.UUID) uuid.UUID {
	if p, ok := s.roster.Get(userID); ok && p.InvitedBy != uuid.Nil {
		return p.InvitedBy
	}
	return s.callerID
}

// others returns members other than the local user in the given states
func (s *session) others(states ...domain.MembershipState) []uuid.UUID {
	ids := s.roster.IDs(states...)
	out := ids[:0]
	for _, id := range ids {
		if id != s.self() {
			out = append(out, id)
		}
	}
	return out
}

func (s *session) schedule(kind timerKind, member uuid.UUID, d time.Duration) timerRef {
	s.gen++
	gen := s.gen
	tok := s.o.sched.After(s.id, d, func() {
		s.post(timerFired{kind: kind, member: member, gen: gen})
	})
	return timerRef{gen: gen, tok: tok}
}

func (s *session) cancelTimer(ref *timerRef) {
	if ref.tok != 0 {
		s.o.sched.Cancel(ref.tok)
	}
	*ref = timerRef{}
}

func (s *session) cancelMemberTimers(member uuid.UUID) {
	if ref, ok := s.inviteTimers[member]; ok {
		s.o.sched.Cancel(ref.tok)
		delete(s.inviteTimers, member)
	}
	if ref, ok := s.memberTimers[member]; ok {
		s.o.sched.Cancel(ref.tok)
		delete(s.memberTimers, member)
	}
}

func (s *session) event(t domain.EventType, to uuid.UUID) *domain.Event {
	ev := domain.NewEvent(t, s.id, s.self(), to)
	ev.Kind = s.kind
	ev.Timestamp = s.o.now().UTC()
	return ev
}

func (s *session) sendRinging(to uuid.UUID) {
	ev := s.event(domain.EventCallRinging, to)
	ev.Media = s.media
	if s.isGroup() {
		ev.Members = s.roster.IDs(domain.MembershipActive)
	}
	s.send(ev)
}

func (s *session) sendTerminal(t domain.EventType, to uuid.UUID) {
	if to == uuid.Nil {
		return
	}
	ev := s.event(t, to)
	ev.Reason = s.reason
	ev.StartedAt = s.startedAt
	ev.EndedAt = s.endedAt
	s.send(ev)
}

func (s *session) send(ev *domain.Event) {
	if err := s.o.sender.Send(s.o.ctx, ev); err != nil {
		logger.Warn("Failed to send event",
			zap.String("session_id", s.id.String()),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (s *session) publish() {
	view := domain.CallSession{
		ID:           s.id,
		Kind:         s.kind,
		Media:        s.media,
		State:        s.state,
		CallerID:     s.callerID,
		CreatedAt:    s.createdAt,
		StartedAt:    copyTime(s.startedAt),
		EndedAt:      copyTime(s.endedAt),
		Outcome:      s.outcome,
		EndReason:    s.reason,
		Participants: s.roster.Members(),
	}
	var negs []domain.PeerNegotiation
	if s.registry != nil {
		negs = s.registry.Snapshots()
	}

	s.viewMu.Lock()
	s.view = view
	s.negs = negs
	s.viewMu.Unlock()
}

func (s *session) current() (domain.CallSession, []domain.PeerNegotiation) {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view, s.negs
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
