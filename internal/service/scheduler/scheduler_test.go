package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

const waitFor = time.Second

func TestAfter_FiresOnce(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	owner := uuid.New()

	var fired int32
	s.After(owner, 180*time.Second, func() { atomic.AddInt32(&fired, 1) })
	assert.Equal(t, 1, s.Pending(owner))

	mock.Add(179 * time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))

	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, 0, s.Pending(owner))

	mock.Add(time.Hour)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
}

func TestCancel_PreventsCallback(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	owner := uuid.New()

	var fired int32
	tok := s.After(owner, 30*time.Second, func() { atomic.AddInt32(&fired, 1) })

	assert.True(t, s.Cancel(tok))
	assert.False(t, s.Cancel(tok), "second cancel is a no-op")

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestCancel_AfterFireIsNoop(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)

	var fired int32
	tok := s.After(uuid.New(), time.Second, func() { atomic.AddInt32(&fired, 1) })
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, waitFor, time.Millisecond)

	assert.False(t, s.Cancel(tok))
	assert.False(t, s.Cancel(Token(9999)))
}

func TestCancelOwner(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	a, b := uuid.New(), uuid.New()

	var firedA, firedB int32
	s.After(a, 10*time.Second, func() { atomic.AddInt32(&firedA, 1) })
	s.After(a, 20*time.Second, func() { atomic.AddInt32(&firedA, 1) })
	s.After(b, 10*time.Second, func() { atomic.AddInt32(&firedB, 1) })

	assert.Equal(t, 2, s.CancelOwner(a))
	assert.Equal(t, 0, s.Pending(a))
	assert.Equal(t, 1, s.Pending(b))

	mock.Add(30 * time.Second)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&firedB) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&firedA))
}

func TestTokensAreUnique(t *testing.T) {
	s := New(clock.NewMock())
	owner := uuid.New()

	seen := make(map[Token]bool)
	for i := 0; i < 100; i++ {
		tok := s.After(owner, time.Minute, func() {})
		assert.NotZero(t, tok)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
