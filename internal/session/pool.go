// Package session manages the pool of live browser sessions: fail-fast
// admission control, single-winner creation per id and idle eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

// Reason explains why a session left the pool.
type Reason string

const (
	ReasonIdle     Reason = "idle"
	ReasonReleased Reason = "released"
	ReasonCleanup  Reason = "cleanup"
)

// Observer receives pool lifecycle events. Implementations must not block.
type Observer interface {
	SessionCreated(info Info)
	SessionEvicted(info Info, reason Reason)
	CapacityRejected(id string)
}

type Options struct {
	Capacity    int
	IdleTimeout time.Duration
	// Clock defaults to the real clock.
	Clock     clockwork.Clock
	Logger    zerolog.Logger
	Observers []Observer
}

// Pool maps session ids to live sessions.
type Pool struct {
	launcher  browser.Launcher
	capacity  int
	idle      time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger
	observers []Observer

	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	// Slots held by launches in flight and by handles still closing.
	pending int
	closing int
}

func NewPool(launcher browser.Launcher, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Pool{
		launcher:  launcher,
		capacity:  opts.Capacity,
		idle:      opts.IdleTimeout,
		clock:     opts.Clock,
		logger:    opts.Logger.With().Str("component", "session_pool").Logger(),
		observers: opts.Observers,
		sessions:  make(map[string]*Session),
	}
}

func (p *Pool) Capacity() int { return p.capacity }

// Len counts sessions currently in the map.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// List returns session snapshots ordered by creation time.
func (p *Pool) List() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.infoLocked())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Acquire returns the session for id, creating it when absent. Concurrent
// calls for the same new id share a single launch.
func (p *Pool) Acquire(ctx context.Context, id, service string) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: empty id")
	}
	if s, ok := p.refresh(id); ok {
		return s, nil
	}

	v, err, _ := p.group.Do(id, func() (any, error) {
		return p.create(ctx, id, service)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Lookup returns an existing session and refreshes its idle timer.
func (p *Pool) Lookup(id string) (*Session, error) {
	if s, ok := p.refresh(id); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// Release evicts id after an unrecoverable failure. Close errors are logged.
func (p *Pool) Release(id string) {
	if err := p.evict(id, ReasonReleased); err != nil {
		p.logger.Warn().Err(err).Str("session_id", id).Msg("release: browser close failed")
	}
}

// Cleanup evicts every session. All handles are closed even when some fail;
// the failures are returned together and the pool is always left empty.
func (p *Pool) Cleanup() error {
	p.mu.Lock()
	victims := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		p.removeLocked(s)
		victims = append(victims, s)
	}
	p.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs error
	)
	for _, s := range victims {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := p.finish(s, ReasonCleanup); err != nil {
				emu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close session %s: %w", s.id, err))
				emu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if errs != nil {
		p.logger.Warn().Err(errs).Int("failed", len(multierr.Errors(errs))).Msg("cleanup finished with errors")
	} else {
		p.logger.Info().Int("closed", len(victims)).Msg("cleanup finished")
	}
	return errs
}

func (p *Pool) refresh(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	p.touchLocked(s)
	return s, true
}

func (p *Pool) create(ctx context.Context, id, service string) (*Session, error) {
	p.mu.Lock()
	if s, ok := p.sessions[id]; ok {
		p.touchLocked(s)
		p.mu.Unlock()
		return s, nil
	}
	if len(p.sessions)+p.pending+p.closing >= p.capacity {
		p.mu.Unlock()
		p.logger.Warn().Str("session_id", id).Int("capacity", p.capacity).Msg("capacity exceeded")
		for _, o := range p.observers {
			o.CapacityRejected(id)
		}
		return nil, fmt.Errorf("%w (capacity %d)", ErrCapacityExceeded, p.capacity)
	}
	p.pending++
	p.mu.Unlock()

	handle, err := p.launcher.Launch(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("launch browser for session %s: %w", id, err)
	}
	now := p.clock.Now()
	s := &Session{
		id:           id,
		service:      service,
		handle:       handle,
		pool:         p,
		createdAt:    now,
		lastActivity: now,
	}
	p.sessions[id] = s
	p.scheduleLocked(s)
	info := s.infoLocked()
	open := len(p.sessions)
	p.mu.Unlock()

	p.logger.Info().Str("session_id", id).Str("service", service).Int("open", open).Msg("session created")
	for _, o := range p.observers {
		o.SessionCreated(info)
	}
	return s, nil
}

func (p *Pool) touch(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.sessions[s.id]; !ok || cur != s {
		return fmt.Errorf("%w: %s", ErrStaleSession, s.id)
	}
	p.touchLocked(s)
	return nil
}

func (p *Pool) touchLocked(s *Session) {
	s.lastActivity = p.clock.Now()
	p.scheduleLocked(s)
}

// scheduleLocked replaces the session's idle timer. A timer from an older
// generation that fires late finds a mismatched generation and does nothing.
func (p *Pool) scheduleLocked(s *Session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = p.clock.AfterFunc(p.idle, func() { p.expire(s, gen) })
}

func (p *Pool) expire(s *Session, gen uint64) {
	p.mu.Lock()
	cur, ok := p.sessions[s.id]
	if !ok || cur != s || s.timerGen != gen {
		p.mu.Unlock()
		return
	}
	p.removeLocked(s)
	p.mu.Unlock()

	if err := p.finish(s, ReasonIdle); err != nil {
		p.logger.Warn().Err(err).Str("session_id", s.id).Msg("idle eviction: browser close failed")
	}
}

func (p *Pool) evict(id string, reason Reason) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(s)
	p.mu.Unlock()
	return p.finish(s, reason)
}

func (p *Pool) evictSession(s *Session, reason Reason) error {
	p.mu.Lock()
	if cur, ok := p.sessions[s.id]; !ok || cur != s {
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(s)
	p.mu.Unlock()
	return p.finish(s, reason)
}

// removeLocked takes s out of the map. Its slot stays reserved in closing
// until finish has closed the handle.
func (p *Pool) removeLocked(s *Session) {
	delete(p.sessions, s.id)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
	s.closed.Store(true)
	p.closing++
}

func (p *Pool) finish(s *Session, reason Reason) error {
	err := s.handle.Close()

	p.mu.Lock()
	p.closing--
	info := s.infoLocked()
	p.mu.Unlock()

	event := p.logger.Info()
	if err != nil {
		event = p.logger.Warn().Err(err)
	}
	event.Str("session_id", s.id).Str("service", s.service).Str("reason", string(reason)).Msg("session evicted")

	for _, o := range p.observers {
		o.SessionEvicted(info, reason)
	}
	return err
}
