// Package storage owns the on-disk working directories: screenshots, logs and
// the temp area where downloaded documents wait to be streamed.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lucasbenitezc/servidor-scraping/internal/config"
)

// Layout resolves paths inside the configured directories.
type Layout struct {
	TempDir        string
	ScreenshotsDir string
	LogsDir        string
	clock          clockwork.Clock
}

func NewLayout(cfg config.StorageConfig, clock clockwork.Clock) Layout {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return Layout{
		TempDir:        orDefault(cfg.TempDir, "temp"),
		ScreenshotsDir: orDefault(cfg.ScreenshotsDir, "screenshots"),
		LogsDir:        orDefault(cfg.LogsDir, "logs"),
		clock:          clock,
	}
}

// EnsureDirs creates every working directory.
func (l Layout) EnsureDirs() error {
	for _, dir := range []string{l.TempDir, l.ScreenshotsDir, l.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// DocumentPath returns a fresh temp path for a downloaded document:
// <temp>/<service>-<id>-<unix ms>.pdf. The id is reduced to its base name.
func (l Layout) DocumentPath(service, notificationID string) string {
	name := fmt.Sprintf("%s-%s-%d.pdf", service, filepath.Base(filepath.Clean("/"+notificationID)), l.clock.Now().UnixMilli())
	return filepath.Join(l.TempDir, name)
}

// NewDocument returns a DocumentPath after making sure the temp directory exists.
func (l Layout) NewDocument(service, notificationID string) (string, error) {
	if err := os.MkdirAll(l.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", l.TempDir, err)
	}
	return l.DocumentPath(service, notificationID), nil
}

// RemoveOlderThan deletes regular files in dir last modified more than maxAge
// ago. It keeps going after individual failures and returns them together.
func RemoveOlderThan(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var (
		removed int
		errs    error
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if !os.IsNotExist(err) {
				errs = multierr.Append(errs, err)
			}
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// Janitor periodically removes stale temp files.
type Janitor struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
}

func NewJanitor(l Layout, cfg config.StorageConfig, logger zerolog.Logger) *Janitor {
	return &Janitor{
		dir:      l.TempDir,
		maxAge:   cfg.GetTempMaxAge(),
		interval: cfg.GetJanitorInterval(),
		clock:    l.clock,
		logger:   logger.With().Str("component", "janitor").Logger(),
	}
}

// Sweep runs one pass and returns how many files were removed.
func (j *Janitor) Sweep() int {
	n, err := RemoveOlderThan(j.dir, j.maxAge, j.clock.Now())
	if err != nil {
		j.logger.Warn().Err(err).Str("dir", j.dir).Msg("temp cleanup incomplete")
	}
	if n > 0 {
		j.logger.Info().Int("removed", n).Str("dir", j.dir).Msg("stale temp files removed")
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			j.Sweep()
		}
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
