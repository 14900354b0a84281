package portal

import (
	"context"
	"fmt"
	"os"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

// pagination locates a paginator and the control leading to page n.
type pagination struct {
	container string
	next      func(n int) string
}

// flow carries what every adapter step needs.
type flow struct {
	service  string
	settings Settings
	snaps    Snapshotter
	logger   zerolog.Logger
}

func newFlow(service string, s Settings) flow {
	return flow{
		service:  service,
		settings: s,
		snaps:    s.snapshots(),
		logger:   s.Logger.With().Str("component", "portal").Str("service", service).Logger(),
	}
}

func (f flow) fail(step string, err error) error {
	return &StepError{Service: f.service, Step: step, Err: err}
}

func (f flow) snapshot(ctx context.Context, page browser.Page, name string) {
	f.snaps.Capture(ctx, page, name)
}

func (f flow) document(ctx context.Context, page browser.Page) (*goquery.Document, error) {
	raw, err := page.HTML(ctx)
	if err != nil {
		return nil, err
	}
	return parseDocument(raw)
}

// clickLink follows a link found by title attribute, falling back to its text.
func (f flow) clickLink(ctx context.Context, page browser.Page, bySelector, tag, label string) error {
	doc, err := f.document(ctx, page)
	if err != nil {
		return err
	}
	target, ok := firstMatch(doc, bySelector)
	if !ok {
		target, ok = findClickable(doc, tag, label)
	}
	if !ok {
		return fmt.Errorf("link %q not found", label)
	}
	return page.ClickAndWaitNavigation(ctx, target)
}

// rejection returns the portal's error banner text or, when no logged-in
// marker is present, a generic rejection.
func (f flow) rejection(doc *goquery.Document, errorSelector, loggedInSelector string) error {
	if msg := text(doc.Find(errorSelector).First()); msg != "" {
		return fmt.Errorf("%w: %s", ErrLoginRejected, msg)
	}
	if doc.Find(loggedInSelector).Length() == 0 {
		return fmt.Errorf("%w: could not verify session", ErrLoginRejected)
	}
	return nil
}

// collect parses the current listing and walks the remaining result pages,
// spacing page fetches by the configured pagination delay.
func (f flow) collect(ctx context.Context, page browser.Page, l layout, pag pagination) ([]Notification, error) {
	doc, err := f.document(ctx, page)
	if err != nil {
		return nil, err
	}
	out := l.parse(doc, f.service)

	total := 1
	if pag.container != "" {
		total = totalPages(doc, pag.container)
	}
	if total <= 1 {
		return out, nil
	}

	limit := rate.Inf
	if f.settings.PaginationDelay > 0 {
		limit = rate.Every(f.settings.PaginationDelay)
	}
	limiter := rate.NewLimiter(limit, 1)
	limiter.Allow()

	for n := 2; n <= total; n++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if err := page.ClickAndWaitNavigation(ctx, pag.next(n)); err != nil {
			return nil, fmt.Errorf("open page %d of %d: %w", n, total, err)
		}
		if err := page.WaitVisible(ctx, l.table); err != nil {
			return nil, fmt.Errorf("wait page %d of %d: %w", n, total, err)
		}
		doc, err := f.document(ctx, page)
		if err != nil {
			return nil, err
		}
		out = append(out, l.parse(doc, f.service)...)
		f.logger.Debug().Int("page", n).Int("total", total).Int("collected", len(out)).Msg("result page parsed")
	}
	return out, nil
}

// download clicks the row's download control and waits for the file.
// A partial file is removed on failure.
func (f flow) download(ctx context.Context, page browser.Page, l layout, id, destPath string) error {
	doc, err := f.document(ctx, page)
	if err != nil {
		return err
	}
	target, ok := l.downloadTarget(doc, id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, id)
	}

	dctx := ctx
	if f.settings.DownloadWait > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, f.settings.DownloadWait)
		defer cancel()
	}
	if err := page.Download(dctx, target, destPath); err != nil {
		if rmErr := os.Remove(destPath); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logger.Warn().Err(rmErr).Str("path", destPath).Msg("partial download not removed")
		}
		return err
	}
	return nil
}
