package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"callsignal-backend/internal/domain"
	"callsignal-backend/internal/service/negotiation"
	"callsignal-backend/internal/service/scheduler"
)

type fakeEngine struct {
	mu          sync.Mutex
	ops         []string
	closed      bool
	onCandidate negotiation.CandidateFunc
}

func (e *fakeEngine) record(op string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ops = append(e.ops, op)
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, _ uuid.UUID, desc webrtc.SessionDescription) error {
	e.record("remote:" + desc.Type.String())
	return nil
}

func (e *fakeEngine) CreateOffer(_ context.Context, _ uuid.UUID) (webrtc.SessionDescription, error) {
	e.record("offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, _ uuid.UUID) (webrtc.SessionDescription, error) {
	e.record("answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (e *fakeEngine) AddCandidate(_ context.Context, _ uuid.UUID, c webrtc.ICECandidateInit) error {
	e.record("candidate:" + c.Candidate)
	return nil
}

func (e *fakeEngine) ClosePeer(_ uuid.UUID) error {
	e.record("close-peer")
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEngine) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	fail    error
	engines []*fakeEngine
}

func (f *fakeFactory) NewEngine(_ context.Context, _ uuid.UUID, _ domain.CallMedia, onCandidate negotiation.CandidateFunc) (negotiation.MediaEngine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	e := &fakeEngine{onCandidate: onCandidate}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

// network is an in-memory transport between orchestrators. Events are queued
// on Send and delivered only when the test pumps them, so ordering is under
// the test's control.
type network struct {
	clock *clock.Mock

	mu    sync.Mutex
	queue []*domain.Event
	sent  []*domain.Event
	nodes map[uuid.UUID]*Orchestrator
}

type endpoint struct {
	id      uuid.UUID
	orch    *Orchestrator
	engines *fakeFactory
}

func newNetwork() *network {
	return &network{
		clock: clock.NewMock(),
		nodes: make(map[uuid.UUID]*Orchestrator),
	}
}

func (n *network) join(t *testing.T, id uuid.UUID) *endpoint {
	t.Helper()
	factory := &fakeFactory{}
	cfg := Config{
		UserID:          id,
		GracePeriod:     180 * time.Second,
		InviteTTL:       30 * time.Second,
		EndedRetention:  time.Minute,
		MaxGroupMembers: 10,
	}
	o := NewOrchestrator(cfg, factory, n, scheduler.New(n.clock), nil)
	t.Cleanup(o.Close)

	n.mu.Lock()
	n.nodes[id] = o
	n.mu.Unlock()
	return &endpoint{id: id, orch: o, engines: factory}
}

func (n *network) Send(_ context.Context, ev *domain.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, ev)
	n.sent = append(n.sent, ev)
	return nil
}

// deliverNext hands the oldest queued event to its destination and reports
// whether there was one
func (n *network) deliverNext() bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	ev := n.queue[0]
	n.queue = n.queue[1:]
	node := n.nodes[ev.To]
	n.mu.Unlock()

	if node != nil {
		_, _ = node.Handle(context.Background(), ev)
	}
	return true
}

func (n *network) flush() {
	for i := 0; i < 1000 && n.deliverNext(); i++ {
	}
}

func (n *network) discard(types ...domain.EventType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.queue[:0]
	for _, ev := range n.queue {
		drop := false
		for _, t := range types {
			if ev.Type == t {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, ev)
		}
	}
	n.queue = kept
}

// count returns how many events of type t went from one user to another.
// uuid.Nil matches anyone.
func (n *network) count(t domain.EventType, from, to uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.sent {
		if ev.Type != t {
			continue
		}
		if from != uuid.Nil && ev.From != from {
			continue
		}
		if to != uuid.Nil && ev.To != to {
			continue
		}
		c++
	}
	return c
}

func (e *endpoint) state(id uuid.UUID) domain.CallState {
	s, err := e.orch.Get(id)
	if err != nil {
		return ""
	}
	return s.State
}

func (e *endpoint) session(t *testing.T, id uuid.UUID) domain.CallSession {
	t.Helper()
	s, err := e.orch.Get(id)
	if err != nil {
		t.Fatalf("session %s: %v", id, err)
	}
	return s
}

func (e *endpoint) do(t *testing.T, ev *domain.Event) (*Result, error) {
	t.Helper()
	return e.orch.Handle(context.Background(), ev)
}
