// Package recorder keeps diagnostic screenshots taken at portal milestones
// and failure points.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

const (
	DefaultDir      = "screenshots"
	DefaultMaxFiles = 200
)

var stampReplacer = strings.NewReplacer(":", "-", ".", "-")

// Recorder saves named screenshots as <name>-<timestamp>.png and keeps only
// the newest maxFiles of them.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
	clock    clockwork.Clock
	logger   zerolog.Logger
}

type Option func(*Recorder)

// WithClock replaces the clock used for file names.
func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

// New creates a recorder writing into dir. It ensures the directory exists.
func New(dir string, maxFiles int, logger zerolog.Logger, opts ...Option) (*Recorder, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &Recorder{
		dir:      dir,
		maxFiles: maxFiles,
		clock:    clockwork.NewRealClock(),
		logger:   logger.With().Str("component", "recorder").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Capture takes a screenshot of page. Failures are logged and otherwise
// ignored so diagnostics never break the operation being diagnosed.
func (r *Recorder) Capture(ctx context.Context, page browser.Page, name string) {
	if _, err := r.Save(ctx, page, name); err != nil {
		r.logger.Warn().Err(err).Str("name", name).Msg("screenshot failed")
	}
}

// Save takes a screenshot and returns the path it was written to.
func (r *Recorder) Save(ctx context.Context, page browser.Page, name string) (string, error) {
	shot, err := page.Screenshot(ctx)
	if err != nil {
		return "", fmt.Errorf("capture: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rotate(); err != nil {
		r.logger.Warn().Err(err).Msg("screenshot rotation failed")
	}

	path := r.path(name)
	if err := os.WriteFile(path, shot, 0o644); err != nil {
		return "", err
	}
	r.logger.Info().Str("path", path).Msg("screenshot saved")
	return path, nil
}

func (r *Recorder) path(name string) string {
	stamp := stampReplacer.Replace(r.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z"))
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s.png", name, stamp))
}

// rotate keeps the newest maxFiles-1 screenshots to make room for one more.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type shot struct {
		name string
		mod  time.Time
	}
	var shots []shot
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".png" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		shots = append(shots, shot{e.Name(), info.ModTime()})
	}
	if len(shots) < r.maxFiles {
		return nil
	}

	// Newest first.
	sort.Slice(shots, func(i, j int) bool {
		if !shots[i].mod.Equal(shots[j].mod) {
			return shots[i].mod.After(shots[j].mod)
		}
		return shots[i].name > shots[j].name
	})
	for _, s := range shots[r.maxFiles-1:] {
		if err := os.Remove(filepath.Join(r.dir, s.name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Files lists saved screenshots, oldest name first.
func (r *Recorder) Files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, "*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
