package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

// Info is the caller-visible snapshot of a session. Credentials are never kept.
type Info struct {
	ID           string    `json:"id"`
	Service      string    `json:"service"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Session owns one browser handle for the lifetime of an authenticated context.
type Session struct {
	id        string
	service   string
	handle    browser.Handle
	pool      *Pool
	createdAt time.Time

	// Guarded by pool.mu.
	lastActivity time.Time
	timer        clockwork.Timer
	timerGen     uint64

	closed atomic.Bool
}

func (s *Session) ID() string      { return s.id }
func (s *Session) Service() string { return s.service }

func (s *Session) LastActivity() time.Time {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Info() Info {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	return Info{
		ID:           s.id,
		Service:      s.service,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Closed reports whether the session has been evicted.
func (s *Session) Closed() bool { return s.closed.Load() }

// WithPage opens a fresh page, runs fn on it and always closes the page.
// Errors from a session evicted while fn ran are wrapped with ErrStaleSession.
func (s *Session) WithPage(ctx context.Context, fn func(browser.Page) error) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %s", ErrStaleSession, s.id)
	}

	page, err := s.handle.NewPage(ctx)
	if err != nil {
		if s.closed.Load() {
			return fmt.Errorf("%w: %s: %w", ErrStaleSession, s.id, err)
		}
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil && !s.closed.Load() {
			s.pool.logger.Debug().Err(cerr).Str("session_id", s.id).Msg("page close failed")
		}
	}()

	if err := fn(page); err != nil {
		if s.closed.Load() {
			return fmt.Errorf("%w: %s: %w", ErrStaleSession, s.id, err)
		}
		return err
	}
	return nil
}

// Touch records activity and pushes the idle deadline out by the pool's timeout.
func (s *Session) Touch() error {
	return s.pool.touch(s)
}

// Close evicts the session. Repeated calls are no-ops.
func (s *Session) Close() error {
	return s.pool.evictSession(s, ReasonReleased)
}
