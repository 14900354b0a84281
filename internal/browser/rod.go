package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// RodLauncher starts a dedicated Chrome process per handle through rod.
type RodLauncher struct {
	opts   Options
	logger zerolog.Logger
}

func NewRodLauncher(opts Options, logger zerolog.Logger) *RodLauncher {
	return &RodLauncher{opts: opts, logger: logger.With().Str("engine", "rod").Logger()}
}

func (l *RodLauncher) newLauncher() *launcher.Launcher {
	launch := launcher.New().Headless(l.opts.Headless)
	if l.opts.Bin != "" {
		launch = launch.Bin(l.opts.Bin)
	}
	for _, rawFlag := range l.opts.Flags {
		name, val, hasVal := parseFlag(rawFlag)
		if name == "" {
			continue
		}
		if hasVal {
			launch = launch.Set(flags.Flag(name), val)
		} else {
			launch = launch.Set(flags.Flag(name))
		}
	}
	return launch
}

// Launch starts Chrome and connects to it over CDP.
func (l *RodLauncher) Launch(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	launch := l.newLauncher()
	controlURL, err := launch.Launch()
	if err != nil {
		// Fallback: let rod pick the port and defaults.
		launch = launcher.New().Headless(l.opts.Headless)
		if l.opts.Bin != "" {
			launch = launch.Bin(l.opts.Bin)
		}
		alt, altErr := launch.Launch()
		if altErr != nil {
			return nil, fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
		}
		controlURL = alt
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		launch.Kill()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	l.logger.Debug().Str("control_url", controlURL).Msg("browser launched")
	return &rodHandle{opts: l.opts, browser: b, launcher: launch}, nil
}

// Close is a no-op: every handle owns its own process.
func (l *RodLauncher) Close() error { return nil }

type rodHandle struct {
	opts     Options
	browser  *rod.Browser
	launcher *launcher.Launcher
	once     sync.Once
	err      error
}

func (h *rodHandle) NewPage(ctx context.Context) (Page, error) {
	page, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	// Detach the page from the caller's context; each call re-binds one.
	page = page.Context(context.Background())

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             h.opts.ViewportWidth,
		Height:            h.opts.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	if h.opts.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: h.opts.UserAgent}); err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	p := &rodPage{page: page, browser: h.browser, opts: h.opts}
	if len(h.opts.BlockedResourceTypes) > 0 {
		router := page.HijackRequests()
		for t := range blockedSet(h.opts.BlockedResourceTypes) {
			resourceType := proto.NetworkResourceType(strings.ToUpper(t[:1]) + t[1:])
			if err := router.Add("*", resourceType, func(hj *rod.Hijack) {
				hj.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			}); err != nil {
				_ = page.Close()
				return nil, fmt.Errorf("block %s requests: %w", t, err)
			}
		}
		go router.Run()
		p.router = router
	}
	return p, nil
}

func (h *rodHandle) Close() error {
	h.once.Do(func() {
		h.err = h.browser.Close()
		h.launcher.Kill()
		h.launcher.Cleanup()
	})
	return h.err
}

type rodPage struct {
	page    *rod.Page
	browser *rod.Browser
	router  *rod.HijackRouter
	opts    Options
}

func (p *rodPage) elementPage(ctx context.Context) *rod.Page {
	return p.page.Context(ctx).Timeout(p.opts.ElementTimeout)
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	pg := p.page.Context(ctx).Timeout(p.opts.NavigationTimeout)
	if err := pg.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := pg.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) WaitVisible(ctx context.Context, selector string) error {
	el, err := p.elementPage(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Exists(ctx context.Context, selector string) (bool, error) {
	has, _, err := p.page.Context(ctx).Has(selector)
	if err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return has, nil
}

func (p *rodPage) Fill(ctx context.Context, selector, value string) error {
	el, err := p.elementPage(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	_ = el.SelectAllText()
	if err := el.Input(value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	el, err := p.elementPage(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("find %s: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *rodPage) ClickAndWaitNavigation(ctx context.Context, selector string) error {
	pg := p.page.Context(ctx).Timeout(p.opts.NavigationTimeout)
	wait := pg.WaitNavigation(proto.PageLifecycleEventNameLoad)
	if err := p.Click(ctx, selector); err != nil {
		return err
	}
	wait()
	return ctx.Err()
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (p *rodPage) Download(ctx context.Context, selector, destPath string) error {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	wait := p.browser.Context(ctx).WaitDownload(dir)
	if err := p.Click(ctx, selector); err != nil {
		return err
	}
	info := wait()
	if info == nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrNoDownload, err)
		}
		return ErrNoDownload
	}

	if err := os.Rename(filepath.Join(dir, info.GUID), destPath); err != nil {
		return fmt.Errorf("move download: %w", err)
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	img, err := p.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

func (p *rodPage) Close() error {
	if p.router != nil {
		_ = p.router.Stop()
	}
	return p.page.Close()
}
