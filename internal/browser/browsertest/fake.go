// Package browsertest provides scriptable in-memory browser fakes.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
)

// Launcher is a fake browser.Launcher. Every handle it creates shares Script.
type Launcher struct {
	// Script configures pages opened by any handle.
	Script *Script
	// LaunchErr makes every Launch fail.
	LaunchErr error
	// CloseErr is returned by every handle's Close.
	CloseErr error
	// Gate, when non-nil, blocks Launch until it is closed or receives.
	Gate chan struct{}

	launches atomic.Int64
	mu       sync.Mutex
	handles  []*Handle
}

func NewLauncher() *Launcher {
	return &Launcher{Script: NewScript()}
}

func (l *Launcher) Launch(ctx context.Context) (browser.Handle, error) {
	l.launches.Add(1)
	if l.Gate != nil {
		select {
		case <-l.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	h := &Handle{launcher: l}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

func (l *Launcher) Close() error { return nil }

// Launches counts Launch calls, including failed ones.
func (l *Launcher) Launches() int { return int(l.launches.Load()) }

// Handles returns every handle created so far.
func (l *Launcher) Handles() []*Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Handle(nil), l.handles...)
}

// OpenHandles counts handles that were not closed.
func (l *Launcher) OpenHandles() int {
	n := 0
	for _, h := range l.Handles() {
		if !h.Closed() {
			n++
		}
	}
	return n
}

// Handle is a fake browser.Handle.
type Handle struct {
	// CloseErr overrides Launcher.CloseErr for this handle.
	CloseErr error

	launcher *Launcher
	closed   atomic.Bool
	closes   atomic.Int64

	mu    sync.Mutex
	pages []*Page
}

func (h *Handle) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.closed.Load() {
		return nil, errors.New("browsertest: handle closed")
	}
	p := &Page{script: h.launcher.Script, handle: h}
	h.mu.Lock()
	h.pages = append(h.pages, p)
	h.mu.Unlock()
	return p, nil
}

func (h *Handle) Close() error {
	h.closes.Add(1)
	h.closed.Store(true)
	if h.CloseErr != nil {
		return h.CloseErr
	}
	return h.launcher.CloseErr
}

func (h *Handle) Closed() bool    { return h.closed.Load() }
func (h *Handle) CloseCalls() int { return int(h.closes.Load()) }

// Pages returns the pages opened on this handle.
func (h *Handle) Pages() []*Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Page(nil), h.pages...)
}

// Script describes what fake pages render and how they react.
type Script struct {
	mu sync.Mutex
	// HTML served per URL. Unknown URLs render an empty document.
	pages map[string]string
	// Selectors present on a given URL ("" matches every URL).
	present map[string]map[string]bool
	// Clicking selector moves the page to the mapped URL.
	links map[string]string
	// Errors keyed by "op" or "op:selector".
	errs       map[string]error
	download   []byte
	screenshot []byte
}

func NewScript() *Script {
	return &Script{
		pages:      make(map[string]string),
		present:    make(map[string]map[string]bool),
		links:      make(map[string]string),
		errs:       make(map[string]error),
		download:   []byte("%PDF-1.4 fake"),
		screenshot: []byte("\x89PNG fake"),
	}
}

// SetHTML sets the document served at url.
func (s *Script) SetHTML(url, html string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = html
	return s
}

// Present marks selectors as existing on url ("" for any URL).
func (s *Script) Present(url string, selectors ...string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.present[url] == nil {
		s.present[url] = make(map[string]bool)
	}
	for _, sel := range selectors {
		s.present[url][sel] = true
	}
	return s
}

// Link makes a click on selector navigate to url.
func (s *Script) Link(selector, url string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[selector] = url
	return s
}

// Fail makes the operation fail. key is "op" or "op:selector".
func (s *Script) Fail(key string, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key] = err
	return s
}

// Download sets the bytes written by Page.Download.
func (s *Script) Download(content []byte) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.download = content
	return s
}

func (s *Script) errFor(op, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[op+":"+selector]; ok {
		return err
	}
	return s.errs[op]
}

func (s *Script) has(url, selector string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[url][selector] || s.present[""][selector]
}

// Page is a fake browser.Page that records every call.
type Page struct {
	script *Script
	handle *Handle

	mu     sync.Mutex
	url    string
	calls  []string
	filled map[string]string
	closed bool
}

func (p *Page) record(op, arg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op+":"+arg)
}

func (p *Page) check(ctx context.Context, op, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.handle.Closed() {
		return errors.New("browsertest: browser closed")
	}
	p.record(op, selector)
	return p.script.errFor(op, selector)
}

// Calls returns "op:arg" entries in call order.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Filled returns the last value typed into selector.
func (p *Page) Filled(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled[selector]
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.check(ctx, "navigate", url); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) WaitVisible(ctx context.Context, selector string) error {
	if err := p.check(ctx, "wait", selector); err != nil {
		return err
	}
	if !p.script.has(p.URL(), selector) {
		return fmt.Errorf("browsertest: %s not visible on %s", selector, p.URL())
	}
	return nil
}

func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	if err := p.check(ctx, "exists", selector); err != nil {
		return false, err
	}
	return p.script.has(p.URL(), selector), nil
}

func (p *Page) Fill(ctx context.Context, selector, value string) error {
	if err := p.check(ctx, "fill", selector); err != nil {
		return err
	}
	p.mu.Lock()
	if p.filled == nil {
		p.filled = make(map[string]string)
	}
	p.filled[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *Page) follow(selector string) {
	p.script.mu.Lock()
	target, ok := p.script.links[selector]
	p.script.mu.Unlock()
	if ok {
		p.mu.Lock()
		p.url = target
		p.mu.Unlock()
	}
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.check(ctx, "click", selector); err != nil {
		return err
	}
	p.follow(selector)
	return nil
}

func (p *Page) ClickAndWaitNavigation(ctx context.Context, selector string) error {
	return p.Click(ctx, selector)
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	if err := p.check(ctx, "html", ""); err != nil {
		return "", err
	}
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	return p.script.pages[p.URL()], nil
}

func (p *Page) Download(ctx context.Context, selector, destPath string) error {
	if err := p.check(ctx, "download", selector); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	p.script.mu.Lock()
	content := p.script.download
	p.script.mu.Unlock()
	return os.WriteFile(destPath, content, 0o644)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.check(ctx, "screenshot", ""); err != nil {
		return nil, err
	}
	p.script.mu.Lock()
	defer p.script.mu.Unlock()
	return append([]byte(nil), p.script.screenshot...), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var (
	_ browser.Launcher = (*Launcher)(nil)
	_ browser.Handle   = (*Handle)(nil)
	_ browser.Page     = (*Page)(nil)
)
