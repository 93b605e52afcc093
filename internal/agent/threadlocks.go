package agent

import (
	"context"
	"sync"
)

// threadLocks serialises turns per thread. Entries are reference counted
// and dropped once no turn holds or waits for them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// Lock waits for the thread to be free. It returns ctx.Err() if the context
// ends first.
func (t *threadLocks) Lock(ctx context.Context, id string) (unlock func(), err error) {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &threadLock{ch: make(chan struct{}, 1)}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		t.release(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			t.release(id, l)
		})
	}, nil
}

func (t *threadLocks) release(id string, l *threadLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

func (t *threadLocks) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
