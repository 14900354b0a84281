// Package browser abstracts the headless browser engines the scraper drives.
//
// A Launcher starts one isolated browser per session (a Handle). Pages are
// short lived: callers open one per operation and must close it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/config"
)

// ErrNoDownload is returned when a click did not produce a file.
var ErrNoDownload = errors.New("browser: no download started")

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
	// Close releases engine-wide resources (driver processes).
	Close() error
}

// Handle is one running browser instance owned by a single session.
type Handle interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is the narrow set of interactions portal adapters need.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL() string
	WaitVisible(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	ClickAndWaitNavigation(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	// Download clicks selector and stores the resulting file at destPath.
	Download(ctx context.Context, selector, destPath string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Options is the engine-neutral launch and page setup.
type Options struct {
	Bin                  string
	Headless             bool
	Flags                []string
	UserAgent            string
	ViewportWidth        int
	ViewportHeight       int
	NavigationTimeout    time.Duration
	ElementTimeout       time.Duration
	BlockedResourceTypes []string
}

func OptionsFromConfig(cfg config.BrowserConfig) Options {
	return Options{
		Bin:                  cfg.Bin,
		Headless:             cfg.IsHeadless(),
		Flags:                cfg.Launch,
		UserAgent:            cfg.UserAgent,
		ViewportWidth:        cfg.GetViewportWidth(),
		ViewportHeight:       cfg.GetViewportHeight(),
		NavigationTimeout:    cfg.NavigationTimeout(),
		ElementTimeout:       cfg.ElementTimeout(),
		BlockedResourceTypes: cfg.BlockedResourceTypes,
	}
}

// NewLauncher picks the engine named in cfg.Engine.
func NewLauncher(cfg config.BrowserConfig, logger zerolog.Logger) (Launcher, error) {
	opts := OptionsFromConfig(cfg)
	switch strings.ToLower(cfg.Engine) {
	case "", "rod":
		return NewRodLauncher(opts, logger), nil
	case "playwright":
		return NewPlaywrightLauncher(opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q", cfg.Engine)
	}
}

// parseFlag splits "--name=value" into its parts.
func parseFlag(raw string) (name, value string, hasValue bool) {
	flagStr := strings.TrimLeft(strings.TrimSpace(raw), "-")
	return strings.Cut(flagStr, "=")
}

func blockedSet(types []string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}
