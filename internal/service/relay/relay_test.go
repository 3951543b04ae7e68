package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsignal-backend/internal/domain"
	"callsignal-backend/pkg/push"
)

type fakeLocal struct {
	mu        sync.Mutex
	online    map[uuid.UUID]bool
	delivered map[uuid.UUID][][]byte
}

func newFakeLocal(online ...uuid.UUID) *fakeLocal {
	l := &fakeLocal{online: make(map[uuid.UUID]bool), delivered: make(map[uuid.UUID][][]byte)}
	for _, id := range online {
		l.online[id] = true
	}
	return l
}

func (l *fakeLocal) Deliver(userID uuid.UUID, payload []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.online[userID] {
		return false
	}
	l.delivered[userID] = append(l.delivered[userID], payload)
	return true
}

func (l *fakeLocal) frames(userID uuid.UUID) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered[userID]
}

type fakePresence struct {
	instances map[uuid.UUID]string
	err       error
}

func (p *fakePresence) GetUserInstance(_ context.Context, userID uuid.UUID) (string, error) {
	return p.instances[userID], p.err
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (p *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[channel] = append(p.published[channel], payload)
	return nil
}

// MockNotifier is a mock implementation of RingNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyIncomingCall(ctx context.Context, call *push.IncomingCall, calleeID uuid.UUID) error {
	args := m.Called(ctx, call, calleeID)
	return args.Error(0)
}

// MockRecorder is a mock implementation of Recorder
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, ev *domain.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func frame(t *testing.T, typ domain.EventType, from, to uuid.UUID) []byte {
	t.Helper()
	ev := domain.NewEvent(typ, uuid.New(), from, to)
	ev.Media = domain.CallMediaAudio
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

func TestRelay_LocalDeliveryIsUnmodified(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	local := newFakeLocal(bob)
	r := NewRelay("i-1", local, Dependencies{})

	payload := []byte(`{"type":"negotiation.offer","weird_field":[1,2,3]}`)
	route := r.Relay(context.Background(), alice, bob, payload)

	assert.Equal(t, RouteLocal, route)
	require.Len(t, local.frames(bob), 1)
	assert.Equal(t, payload, local.frames(bob)[0])
}

func TestRelay_RemoteInstance(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	pub := &fakePublisher{}
	r := NewRelay("i-1", newFakeLocal(), Dependencies{
		Presence:  &fakePresence{instances: map[uuid.UUID]string{bob: "i-2"}},
		Publisher: pub,
	})

	payload := frame(t, domain.EventNegotiationAnswer, alice, bob)
	route := r.Relay(context.Background(), alice, bob, payload)
	assert.Equal(t, RouteRemote, route)

	msgs := pub.published[InstanceChannel("i-2")]
	require.Len(t, msgs, 1)

	other := newFakeLocal(bob)
	remote := NewRelay("i-2", other, Dependencies{})
	got, err := remote.HandleRemote(context.Background(), msgs[0])
	require.NoError(t, err)
	assert.Equal(t, RouteLocal, got)
	require.Len(t, other.frames(bob), 1)
	assert.JSONEq(t, string(payload), string(other.frames(bob)[0]))
}

func TestRelay_DropsWhenOffline(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	pub := &fakePublisher{}
	r := NewRelay("i-1", newFakeLocal(), Dependencies{
		Presence:  &fakePresence{instances: map[uuid.UUID]string{}},
		Publisher: pub,
	})

	route := r.Relay(context.Background(), alice, bob, frame(t, domain.EventNegotiationCandidate, alice, bob))
	assert.Equal(t, RouteDropped, route)
	assert.Empty(t, pub.published)
}

func TestRelay_StalePresencePointingAtSelf(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	pub := &fakePublisher{}
	r := NewRelay("i-1", newFakeLocal(), Dependencies{
		Presence:  &fakePresence{instances: map[uuid.UUID]string{bob: "i-1"}},
		Publisher: pub,
	})

	assert.Equal(t, RouteDropped, r.Relay(context.Background(), alice, bob, []byte(`{}`)))
	assert.Empty(t, pub.published)
}

func TestRelay_PresenceError(t *testing.T) {
	r := NewRelay("i-1", newFakeLocal(), Dependencies{
		Presence:  &fakePresence{err: fmt.Errorf("redis is in degraded mode")},
		Publisher: &fakePublisher{},
	})
	assert.Equal(t, RouteDropped, r.Relay(context.Background(), uuid.New(), uuid.New(), []byte(`{}`)))
}

func TestRelay_PushesDroppedRing(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	notifier := new(MockNotifier)
	r := NewRelay("i-1", newFakeLocal(), Dependencies{Notifier: notifier})

	notifier.On("NotifyIncomingCall", mock.Anything, mock.MatchedBy(func(c *push.IncomingCall) bool {
		return c.CallerID == alice && c.Media == "audio"
	}), bob).Return(nil)

	route := r.Relay(context.Background(), alice, bob, frame(t, domain.EventCallRinging, alice, bob))
	assert.Equal(t, RouteDropped, route)
	notifier.AssertExpectations(t)
}

func TestRelay_NoPushWhenRingDelivered(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	notifier := new(MockNotifier)
	r := NewRelay("i-1", newFakeLocal(bob), Dependencies{Notifier: notifier})

	r.Relay(context.Background(), alice, bob, frame(t, domain.EventCallRinging, alice, bob))
	notifier.AssertNotCalled(t, "NotifyIncomingCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelay_RecordsTerminalEvents(t *testing.T) {
	alice, bob := uuid.New(), uuid.New()
	recorder := new(MockRecorder)
	r := NewRelay("i-1", newFakeLocal(bob), Dependencies{Recorder: recorder})

	recorder.On("Record", mock.Anything, mock.MatchedBy(func(ev *domain.Event) bool {
		return ev.Type == domain.EventCallEnded && ev.From == alice
	})).Return(nil).Once()

	started := time.Now().UTC()
	ev := domain.NewEvent(domain.EventCallEnded, uuid.New(), alice, bob)
	ev.StartedAt = &started
	data, err := json.Marshal(ev)
	require.NoError(t, err)

	r.Relay(context.Background(), alice, bob, data)
	r.Relay(context.Background(), alice, bob, frame(t, domain.EventVoiceState, alice, bob))
	recorder.AssertExpectations(t)
}

func TestHandleRemote_InvalidEnvelope(t *testing.T) {
	r := NewRelay("i-1", newFakeLocal(), Dependencies{})
	_, err := r.HandleRemote(context.Background(), []byte("not json"))
	assert.Error(t, err)
}

func TestHandleRemote_UserGone(t *testing.T) {
	r := NewRelay("i-1", newFakeLocal(), Dependencies{})
	data, err := json.Marshal(Envelope{To: uuid.New(), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	route, err := r.HandleRemote(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, RouteDropped, route)
}
