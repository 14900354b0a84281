package browser

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/config"
)

func TestParseFlag(t *testing.T) {
	tests := []struct {
		raw      string
		name     string
		value    string
		hasValue bool
	}{
		{"--no-sandbox", "no-sandbox", "", false},
		{"--window-size=1280,800", "window-size", "1280,800", true},
		{"  -disable-gpu ", "disable-gpu", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			name, value, hasValue := parseFlag(tt.raw)
			if name != tt.name || value != tt.value || hasValue != tt.hasValue {
				t.Errorf("parseFlag(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.raw, name, value, hasValue, tt.name, tt.value, tt.hasValue)
			}
		})
	}
}

func TestBlockedSet(t *testing.T) {
	set := blockedSet([]string{"Image", " font ", "", "media"})
	if len(set) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(set), set)
	}
	for _, want := range []string{"image", "font", "media"} {
		if _, ok := set[want]; !ok {
			t.Errorf("expected %q to be blocked", want)
		}
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Browser
	opts := OptionsFromConfig(cfg)

	if !opts.Headless {
		t.Error("expected headless by default")
	}
	if opts.NavigationTimeout != 60*time.Second {
		t.Errorf("expected 60s navigation timeout, got %v", opts.NavigationTimeout)
	}
	if opts.ElementTimeout != 30*time.Second {
		t.Errorf("expected 30s element timeout, got %v", opts.ElementTimeout)
	}
	if opts.ViewportWidth != 1280 || opts.ViewportHeight != 800 {
		t.Errorf("expected 1280x800, got %dx%d", opts.ViewportWidth, opts.ViewportHeight)
	}
	if len(opts.Flags) != len(cfg.Launch) {
		t.Errorf("expected %d flags, got %d", len(cfg.Launch), len(opts.Flags))
	}
}

func TestNewLauncherSelectsEngine(t *testing.T) {
	logger := zerolog.Nop()

	tests := []struct {
		engine  string
		wantErr bool
		check   func(Launcher) bool
	}{
		{"", false, func(l Launcher) bool { _, ok := l.(*RodLauncher); return ok }},
		{"rod", false, func(l Launcher) bool { _, ok := l.(*RodLauncher); return ok }},
		{"Playwright", false, func(l Launcher) bool { _, ok := l.(*PlaywrightLauncher); return ok }},
		{"selenium", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			l, err := NewLauncher(config.BrowserConfig{Engine: tt.engine}, logger)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown engine")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(l) {
				t.Errorf("unexpected launcher type %T", l)
			}
			if err := l.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		})
	}
}

func TestPlaywrightTimeoutHonoursDeadline(t *testing.T) {
	got := timeout(t.Context(), 5*time.Second)
	if *got != 5000 {
		t.Errorf("expected 5000ms without deadline, got %v", *got)
	}
}
