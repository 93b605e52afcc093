// Package pool keeps a bounded set of reusable backend sessions.
//
// Callers borrow a session with Acquire (or the scoped With helper) and must
// give it back with Release or Discard. At most MaxSessions sessions exist at
// once; further callers wait, honouring their context. Sessions older than
// MaxAge are closed instead of reused, and a session that failed mid-use is
// discarded rather than handed to the next caller.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ibbo/rowan/internal/logging"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
	// ErrBroken marks a session that must not be reused. Wrap it in the error
	// returned from a With callback to have the session discarded.
	ErrBroken = errors.New("pool: session broken")
)

// Factory opens a new session.
type Factory[S any] func(ctx context.Context) (S, error)

// Options configures a Pool.
type Options[S any] struct {
	Name        string
	MaxSessions int
	MaxAge      time.Duration // zero means no age limit
	// Close releases a session's resources. Optional.
	Close func(S) error
	// DiscardOnError discards the session whenever the With callback fails,
	// not only on ErrBroken.
	DiscardOnError bool
	Log            *logging.Logger
}

// Stats is a point-in-time view of pool usage.
type Stats struct {
	InUse     int
	Idle      int
	Created   uint64
	Reused    uint64
	Discarded uint64
	Expired   uint64
}

type entry[S any] struct {
	session S
	created time.Time
}

// Pool is a bounded, concurrency-safe session pool.
type Pool[S any] struct {
	factory Factory[S]
	opts    Options[S]
	sem     *semaphore.Weighted
	log     *logging.Logger
	now     func() time.Time

	mu     sync.Mutex
	idle   []*entry[S]
	closed bool
	stats  Stats
}

// New creates a pool. MaxSessions below 1 is treated as 1.
func New[S any](factory Factory[S], opts Options[S]) *Pool[S] {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.Name == "" {
		opts.Name = "pool"
	}
	log := opts.Log
	if log == nil {
		log = logging.New(nil, "silent")
	}
	return &Pool[S]{
		factory: factory,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.MaxSessions)),
		log:     log.Sub("pool." + opts.Name),
		now:     time.Now,
	}
}

// Lease is a borrowed session. Exactly one of Release or Discard must be
// called; later calls are no-ops.
type Lease[S any] struct {
	p    *Pool[S]
	e    *entry[S]
	once sync.Once
}

// Session returns the borrowed session.
func (l *Lease[S]) Session() S { return l.e.session }

// Release returns the session to the pool for reuse.
func (l *Lease[S]) Release() {
	l.once.Do(func() { l.p.put(l.e, false) })
}

// Discard closes the session instead of returning it.
func (l *Lease[S]) Discard() {
	l.once.Do(func() { l.p.put(l.e, true) })
}

// Acquire borrows a session, waiting for a free slot if the pool is at its
// ceiling. It reuses the most recently returned live session, or opens a new
// one.
func (p *Pool[S]) Acquire(ctx context.Context) (*Lease[S], error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	var stale []*entry[S]
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	var e *entry[S]
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(last) {
			stale = append(stale, last)
			p.stats.Expired++
			continue
		}
		e = last
		break
	}
	if e != nil {
		p.stats.Reused++
		p.stats.InUse++
	}
	p.mu.Unlock()

	for _, s := range stale {
		p.closeSession(s, "expired")
	}
	if e != nil {
		return &Lease[S]{p: p, e: e}, nil
	}

	s, err := p.factory(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("%s: open session: %w", p.opts.Name, err)
	}
	e = &entry[S]{session: s, created: p.now()}

	p.mu.Lock()
	p.stats.Created++
	p.stats.InUse++
	p.mu.Unlock()
	p.log.Debug().Msg("session opened")

	return &Lease[S]{p: p, e: e}, nil
}

// With borrows a session for the duration of fn. The session is released on
// every exit path. It is discarded instead when fn reports ErrBroken (or any
// error with DiscardOnError), when ctx ended while fn ran, or when fn panics.
func (p *Pool[S]) With(ctx context.Context, fn func(S) error) (err error) {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	discard := true
	defer func() {
		if discard {
			lease.Discard()
		} else {
			lease.Release()
		}
	}()

	err = fn(lease.Session())
	switch {
	case errors.Is(err, ErrBroken):
	case err != nil && p.opts.DiscardOnError:
	case ctx.Err() != nil:
	default:
		discard = false
	}
	return err
}

// Close closes idle sessions and refuses new acquisitions. Sessions still on
// loan are closed when they come back.
func (p *Pool[S]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, e := range idle {
		if err := p.closeRaw(e); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Debug().Int("closed", len(idle)).Msg("pool closed")
	return errors.Join(errs...)
}

// Stats returns current usage counters.
func (p *Pool[S]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = len(p.idle)
	return s
}

// Name returns the pool's configured name.
func (p *Pool[S]) Name() string { return p.opts.Name }

func (p *Pool[S]) put(e *entry[S], discard bool) {
	p.mu.Lock()
	p.stats.InUse--
	reason := ""
	switch {
	case discard:
		reason = "discarded"
		p.stats.Discarded++
	case p.closed:
		reason = "pool closed"
	case p.expired(e):
		reason = "expired"
		p.stats.Expired++
	default:
		p.idle = append(p.idle, e)
	}
	p.mu.Unlock()

	if reason != "" {
		p.closeSession(e, reason)
	}
	p.sem.Release(1)
}

func (p *Pool[S]) expired(e *entry[S]) bool {
	return p.opts.MaxAge > 0 && p.now().Sub(e.created) >= p.opts.MaxAge
}

func (p *Pool[S]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[S]) closeSession(e *entry[S], reason string) {
	if err := p.closeRaw(e); err != nil {
		p.log.Warn().Err(err).Str("reason", reason).Msg("closing session failed")
		return
	}
	p.log.Debug().Str("reason", reason).Msg("session closed")
}

func (p *Pool[S]) closeRaw(e *entry[S]) error {
	if p.opts.Close == nil {
		return nil
	}
	return p.opts.Close(e.session)
}
