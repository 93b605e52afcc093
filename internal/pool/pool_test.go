package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     int
	closed atomic.Bool
}

type fakeBackend struct {
	mu       sync.Mutex
	opened   []*fakeSession
	failNext bool
}

func (b *fakeBackend) open(ctx context.Context) (*fakeSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return nil, errors.New("connection refused")
	}
	s := &fakeSession{id: len(b.opened) + 1}
	b.opened = append(b.opened, s)
	return s, nil
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.opened)
}

func newTestPool(b *fakeBackend, max int, age time.Duration) *Pool[*fakeSession] {
	return New(b.open, Options[*fakeSession]{
		Name:        "test",
		MaxSessions: max,
		MaxAge:      age,
		Close: func(s *fakeSession) error {
			s.closed.Store(true)
			return nil
		},
	})
}

func TestPoolReusesSessions(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 3, 0)
	ctx := context.Background()

	var first, second int
	require.NoError(t, p.With(ctx, func(s *fakeSession) error { first = s.id; return nil }))
	require.NoError(t, p.With(ctx, func(s *fakeSession) error { second = s.id; return nil }))

	assert.Equal(t, first, second)
	assert.Equal(t, 1, b.count())

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Created)
	assert.Equal(t, uint64(1), st.Reused)
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.InUse)
}

func TestPoolCeiling(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 2, 0)
	ctx := context.Background()

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(ctx, func(*fakeSession) error {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	assert.Eventually(t, func() bool { return inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), peak.Load())
	assert.LessOrEqual(t, b.count(), 2)
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	p := newTestPool(&fakeBackend{}, 1, 0)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolDiscardsBrokenSession(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 1, 0)
	ctx := context.Background()

	var broken *fakeSession
	err := p.With(ctx, func(s *fakeSession) error {
		broken = s
		return fmt.Errorf("read frame: %w", ErrBroken)
	})
	require.ErrorIs(t, err, ErrBroken)
	assert.True(t, broken.closed.Load())

	require.NoError(t, p.With(ctx, func(s *fakeSession) error {
		assert.NotEqual(t, broken.id, s.id)
		return nil
	}))
	assert.Equal(t, uint64(1), p.Stats().Discarded)
}

func TestPoolKeepsSessionOnOrdinaryError(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 1, 0)

	err := p.With(context.Background(), func(*fakeSession) error { return errors.New("no such dance") })
	require.Error(t, err)
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, uint64(0), p.Stats().Discarded)
}

func TestPoolDiscardsOnCancellation(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	var used *fakeSession
	err := p.With(ctx, func(s *fakeSession) error {
		used = s
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, used.closed.Load())
	assert.Equal(t, 0, p.Stats().Idle)

	// the slot was released
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestPoolDiscardsOnPanic(t *testing.T) {
	p := newTestPool(&fakeBackend{}, 1, 0)

	assert.Panics(t, func() {
		_ = p.With(context.Background(), func(*fakeSession) error { panic("boom") })
	})
	assert.Equal(t, 0, p.Stats().InUse)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestPoolMaxAge(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 1, 5*time.Minute)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	var first *fakeSession
	require.NoError(t, p.With(context.Background(), func(s *fakeSession) error { first = s; return nil }))

	now = now.Add(6 * time.Minute)
	require.NoError(t, p.With(context.Background(), func(s *fakeSession) error {
		assert.NotSame(t, first, s)
		return nil
	}))
	assert.True(t, first.closed.Load())
	assert.Equal(t, uint64(1), p.Stats().Expired)
}

func TestPoolFactoryError(t *testing.T) {
	b := &fakeBackend{failNext: true}
	p := newTestPool(b, 1, 0)

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	// the failed open did not leak the slot
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()
}

func TestPoolClose(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPool(b, 2, 0)

	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	busy, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle.Release()

	require.NoError(t, p.Close())
	assert.True(t, idle.Session().closed.Load())
	assert.False(t, busy.Session().closed.Load())

	busy.Release()
	assert.True(t, busy.Session().closed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, p.Close())
}

func TestLeaseDoubleReleaseIsNoop(t *testing.T) {
	p := newTestPool(&fakeBackend{}, 1, 0)
	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	lease.Release()
	lease.Discard()
	assert.Equal(t, 0, p.Stats().InUse)
	assert.Equal(t, 1, p.Stats().Idle)
}
