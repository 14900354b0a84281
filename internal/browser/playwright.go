package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
)

// PlaywrightLauncher drives Chromium through the Playwright driver. The driver
// is started lazily on first launch and shared by every handle.
type PlaywrightLauncher struct {
	opts   Options
	logger zerolog.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

func NewPlaywrightLauncher(opts Options, logger zerolog.Logger) *PlaywrightLauncher {
	return &PlaywrightLauncher{opts: opts, logger: logger.With().Str("engine", "playwright").Logger()}
}

func (l *PlaywrightLauncher) driver() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

func (l *PlaywrightLauncher) Launch(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := l.driver()
	if err != nil {
		return nil, err
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(l.opts.Headless),
		Args:     l.opts.Flags,
	}
	if l.opts.Bin != "" {
		launchOpts.ExecutablePath = playwright.String(l.opts.Bin)
	}
	b, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  l.opts.ViewportWidth,
			Height: l.opts.ViewportHeight,
		},
		AcceptDownloads: playwright.Bool(true),
	}
	if l.opts.UserAgent != "" {
		contextOpts.UserAgent = playwright.String(l.opts.UserAgent)
	}
	bctx, err := b.NewContext(contextOpts)
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("create context: %w", err)
	}

	l.logger.Debug().Msg("browser launched")
	return &pwHandle{opts: l.opts, browser: b, context: bctx}, nil
}

// Close stops the shared driver process.
func (l *PlaywrightLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	return err
}

type pwHandle struct {
	opts    Options
	browser playwright.Browser
	context playwright.BrowserContext
	once    sync.Once
	err     error
}

func (h *pwHandle) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := h.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultNavigationTimeout(ms(h.opts.NavigationTimeout))
	page.SetDefaultTimeout(ms(h.opts.ElementTimeout))

	if blocked := blockedSet(h.opts.BlockedResourceTypes); len(blocked) > 0 {
		err := page.Route("**/*", func(route playwright.Route) {
			if _, skip := blocked[route.Request().ResourceType()]; skip {
				_ = route.Abort("blockedbyclient")
				return
			}
			_ = route.Continue()
		})
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("install request filter: %w", err)
		}
	}
	return &pwPage{page: page, opts: h.opts}, nil
}

func (h *pwHandle) Close() error {
	h.once.Do(func() {
		_ = h.context.Close()
		h.err = h.browser.Close()
	})
	return h.err
}

type pwPage struct {
	page playwright.Page
	opts Options
}

// ms converts d to Playwright's millisecond timeouts.
func ms(d time.Duration) float64 {
	return float64(d.Milliseconds())
}

// timeout shortens fallback to the context deadline when one is set.
func timeout(ctx context.Context, fallback time.Duration) *float64 {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < fallback {
			if left < time.Millisecond {
				left = time.Millisecond
			}
			return playwright.Float(ms(left))
		}
	}
	return playwright.Float(ms(fallback))
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   timeout(ctx, p.opts.NavigationTimeout),
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (p *pwPage) URL() string { return p.page.URL() }

func (p *pwPage) WaitVisible(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeout(ctx, p.opts.ElementTimeout),
	})
	if err != nil {
		return fmt.Errorf("wait visible %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	n, err := p.page.Locator(selector).Count()
	if err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return n > 0, nil
}

func (p *pwPage) Fill(ctx context.Context, selector, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().Fill(value, playwright.LocatorFillOptions{
		Timeout: timeout(ctx, p.opts.ElementTimeout),
	})
	if err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: timeout(ctx, p.opts.ElementTimeout),
	})
	if err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) ClickAndWaitNavigation(ctx context.Context, selector string) error {
	if err := p.Click(ctx, selector); err != nil {
		return err
	}
	err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: timeout(ctx, p.opts.NavigationTimeout),
	})
	if err != nil {
		return fmt.Errorf("wait navigation after %s: %w", selector, err)
	}
	return nil
}

func (p *pwPage) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	if err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

func (p *pwPage) Download(ctx context.Context, selector, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	dl, err := p.page.ExpectDownload(func() error {
		return p.Click(ctx, selector)
	}, playwright.PageExpectDownloadOptions{Timeout: timeout(ctx, p.opts.NavigationTimeout)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoDownload, err)
	}
	if err := dl.SaveAs(destPath); err != nil {
		return fmt.Errorf("save download: %w", err)
	}
	return nil
}

func (p *pwPage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := p.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return img, nil
}

func (p *pwPage) Close() error {
	return p.page.Close()
}
