// Package call implements the call session orchestrator: the per-call state
// machine for direct and group calls on one endpoint.
package call

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/group"
	"callsignal-backend/internal/service/negotiation"
	"callsignal-backend/internal/service/scheduler"
	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/errors"
	"callsignal-backend/pkg/logger"
	"callsignal-backend/pkg/metrics"
)

// Config holds orchestrator timings and limits
type Config struct {
	UserID          uuid.UUID
	GracePeriod     time.Duration
	InviteTTL       time.Duration
	SweepInterval   time.Duration
	EndedRetention  time.Duration
	MaxGroupMembers int
	QueueSize       int
}

// DefaultConfig returns the production timings for userID
func DefaultConfig(userID uuid.UUID) Config {
	return Config{
		UserID:          userID,
		GracePeriod:     constants.ReconnectGracePeriod,
		InviteTTL:       constants.GroupInviteTTL,
		SweepInterval:   constants.GroupSweepInterval,
		EndedRetention:  constants.EndedSessionRetention,
		MaxGroupMembers: constants.MaxGroupMembers,
		QueueSize:       constants.SessionQueueSize,
	}
}

// Result is the outcome of handling one event
type Result struct {
	Session      domain.CallSession       `json:"session"`
	Negotiations []domain.PeerNegotiation `json:"negotiations,omitempty"`
}

// Orchestrator owns every call session of the local user. Each session runs
// on its own goroutine; the sessions table lock only guards create, lookup
// and delete.
type Orchestrator struct {
	cfg     Config
	engines negotiation.EngineFactory
	sender  negotiation.Sender
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	live     int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for cfg.UserID. m may be nil.
func NewOrchestrator(cfg Config, engines negotiation.EngineFactory, sender negotiation.Sender, sched *scheduler.Scheduler, m *metrics.Metrics) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = constants.SessionQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		engines:  engines,
		sender:   sender,
		sched:    sched,
		metrics:  m,
		sessions: make(map[uuid.UUID]*session),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.SweepInterval > 0 {
		o.wg.Add(1)
		go o.sweepLoop()
	}
	return o
}

// UserID is the local user this orchestrator acts for
func (o *Orchestrator) UserID() uuid.UUID {
	return o.cfg.UserID
}

// Handle processes one event. Events from the local user are commands;
// anything else is a notification from a remote participant. The call
// blocks until the owning session has processed the event.
func (o *Orchestrator) Handle(ctx context.Context, event *domain.Event) (*Result, error) {
	res, err := o.handle(ctx, event)
	if err != nil && event != nil {
		o.metrics.RecordEventRejected(string(event.Type), string(errors.GetAppError(err).Code))
	}
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, event *domain.Event) (*Result, error) {
	if event == nil || event.Type == "" {
		return nil, errors.ValidationError("event type is required")
	}
	local := event.From == uuid.Nil || event.From == o.cfg.UserID
	if local {
		event.From = o.cfg.UserID
	}

	if local && event.Type == domain.EventCallStart {
		return o.start(ctx, event)
	}
	if event.SessionID == uuid.Nil {
		return nil, errors.MissingFieldError("session_id")
	}

	s, ok := o.lookup(event.SessionID)
	if !ok {
		switch {
		case !local && event.Type == domain.EventCallRinging:
			return o.ring(ctx, event)
		case local && event.Type == domain.EventCallRejoin:
			return o.restore(ctx, event)
		}
		return nil, errors.UnknownSessionError(event.SessionID.String())
	}

	cmd := &command{ctx: ctx, event: event, local: local}
	if local && (event.Type == domain.EventCallAccept || event.Type == domain.EventGroupInviteAccept) {
		engine, err := o.acquire(ctx, s)
		if err != nil {
			return nil, err
		}
		cmd.engine = engine
	}
	return s.submit(ctx, cmd)
}

// Invite adds userID to a group session as a pending member
func (o *Orchestrator) Invite(ctx context.Context, sessionID, userID uuid.UUID) (*Result, error) {
	event := domain.NewEvent(domain.EventGroupInvite, sessionID, o.cfg.UserID, uuid.Nil)
	event.TargetUserID = userID
	return o.Handle(ctx, event)
}

// Get returns the current view of a session, ended ones included until retired
func (o *Orchestrator) Get(sessionID uuid.UUID) (domain.CallSession, error) {
	s, ok := o.lookup(sessionID)
	if !ok {
		return domain.CallSession{}, errors.UnknownSessionError(sessionID.String())
	}
	view, _ := s.current()
	return view, nil
}

// Negotiations returns the per-peer negotiation state of a session
func (o *Orchestrator) Negotiations(sessionID uuid.UUID) ([]domain.PeerNegotiation, error) {
	s, ok := o.lookup(sessionID)
	if !ok {
		return nil, errors.UnknownSessionError(sessionID.String())
	}
	_, negs := s.current()
	return negs, nil
}

// List returns every known session, newest first
func (o *Orchestrator) List() []domain.CallSession {
	o.mu.RLock()
	out := make([]domain.CallSession, 0, len(o.sessions))
	for _, s := range o.sessions {
		view, _ := s.current()
		out = append(out, view)
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveSessions is the number of sessions that have not ended
func (o *Orchestrator) ActiveSessions() int {
	return int(atomic.LoadInt64(&o.live))
}

// Close stops every session goroutine and releases their media
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) start(ctx context.Context, event *domain.Event) (*Result, error) {
	kind := event.Kind
	if kind == "" {
		kind = domain.CallKindDirect
	}
	media := event.Media
	if media == "" {
		media = domain.CallMediaAudio
	}

	targets := targetsOf(event)
	switch kind {
	case domain.CallKindDirect:
		if len(targets) != 1 {
			return nil, errors.ValidationError("a direct call needs exactly one target")
		}
	case domain.CallKindGroup:
		if len(targets) == 0 {
			return nil, errors.ValidationError("a group call needs at least one target")
		}
		if len(targets)+1 > o.cfg.MaxGroupMembers {
			return nil, errors.CapacityExceededError(o.cfg.MaxGroupMembers)
		}
	default:
		return nil, errors.ValidationError("unknown call kind")
	}
	for _, t := range targets {
		if t == o.cfg.UserID {
			return nil, errors.ValidationError("cannot call yourself")
		}
	}

	id := event.SessionID
	if id == uuid.Nil {
		id = uuid.New()
		event.SessionID = id
	}
	if _, ok := o.lookup(id); ok {
		return nil, errors.InvalidTransitionError("existing", string(event.Type))
	}

	s := o.newSession(id, kind, media, o.cfg.UserID)
	engine, err := o.acquire(ctx, s)
	if err != nil {
		return nil, err
	}
	if !o.register(s) {
		_ = engine.Close()
		return nil, errors.InvalidTransitionError("existing", string(event.Type))
	}
	return s.submit(ctx, &command{ctx: ctx, event: event, local: true, engine: engine})
}

func (o *Orchestrator) ring(ctx context.Context, event *domain.Event) (*Result, error) {
	kind := event.Kind
	if kind == "" {
		kind = domain.CallKindDirect
	}
	media := event.Media
	if media == "" {
		media = domain.CallMediaAudio
	}

	s := o.newSession(event.SessionID, kind, media, event.From)
	if !o.register(s) {
		existing, ok := o.lookup(event.SessionID)
		if !ok {
			return nil, errors.UnknownSessionError(event.SessionID.String())
		}
		s = existing
	}
	return s.submit(ctx, &command{ctx: ctx, event: event})
}

// restore recreates a session after a local restart so the user can rejoin
// a call still held open by the partner's grace window.
func (o *Orchestrator) restore(ctx context.Context, event *domain.Event) (*Result, error) {
	targets := targetsOf(event)
	if len(targets) == 0 {
		return nil, errors.UnknownSessionError(event.SessionID.String())
	}
	kind := event.Kind
	if kind == "" {
		kind = domain.CallKindDirect
		if len(targets) > 1 {
			kind = domain.CallKindGroup
		}
	}
	media := event.Media
	if media == "" {
		media = domain.CallMediaAudio
	}

	s := o.newSession(event.SessionID, kind, media, uuid.Nil)
	engine, err := o.acquire(ctx, s)
	if err != nil {
		return nil, err
	}
	if !o.register(s) {
		_ = engine.Close()
		return nil, errors.InvalidTransitionError("existing", string(event.Type))
	}
	return s.submit(ctx, &command{ctx: ctx, event: event, local: true, engine: engine, restore: true})
}

func (o *Orchestrator) acquire(ctx context.Context, s *session) (negotiation.MediaEngine, error) {
	engine, err := o.engines.NewEngine(ctx, s.id, s.media, s.postCandidate)
	if err != nil {
		logger.Warn("Failed to acquire media",
			zap.String("session_id", s.id.String()),
			zap.Error(err))
		return nil, errors.MediaAcquisitionError(err)
	}
	return engine, nil
}

func (o *Orchestrator) newSession(id uuid.UUID, kind domain.CallKind, media domain.CallMedia, callerID uuid.UUID) *session {
	limit := o.cfg.MaxGroupMembers
	if kind == domain.CallKindDirect {
		limit = 2
	}
	return &session{
		o:            o,
		id:           id,
		kind:         kind,
		media:        media,
		callerID:     callerID,
		createdAt:    o.now(),
		roster:       group.NewRoster(limit, o.cfg.InviteTTL),
		memberTimers: make(map[uuid.UUID]timerRef),
		inviteTimers: make(map[uuid.UUID]timerRef),
		inbox:        make(chan any, o.cfg.QueueSize),
		done:         make(chan struct{}),
	}
}

func (o *Orchestrator) register(s *session) bool {
	o.mu.Lock()
	if _, exists := o.sessions[s.id]; exists {
		o.mu.Unlock()
		return false
	}
	o.sessions[s.id] = s
	o.mu.Unlock()

	s.publish()
	o.metrics.SetActiveSessions(int(atomic.AddInt64(&o.live, 1)))
	o.wg.Add(1)
	go s.run()
	return true
}

func (o *Orchestrator) lookup(id uuid.UUID) (*session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return s, ok
}

func (o *Orchestrator) remove(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.sessions[s.id]; ok && cur == s {
		delete(o.sessions, s.id)
	}
}

func (o *Orchestrator) ended() {
	o.metrics.SetActiveSessions(int(atomic.AddInt64(&o.live, -1)))
}

func (o *Orchestrator) now() time.Time {
	return o.sched.Now()
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()

	ticker := o.sched.Clock().Ticker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.mu.RLock()
			for _, s := range o.sessions {
				if s.kind == domain.CallKindGroup {
					s.tryPost(sweepTick{})
				}
			}
			o.mu.RUnlock()
		}
	}
}

func targetsOf(event *domain.Event) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if id != uuid.Nil && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(event.TargetUserID)
	for _, id := range event.TargetUserIDs {
		add(id)
	}
	return out
}
