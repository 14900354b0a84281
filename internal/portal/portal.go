// Package portal holds the per-portal adapters (PJN, AFIP, TAD) that log in,
// list notifications and download documents through a browser page.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
	"github.com/lucasbenitezc/servidor-scraping/internal/config"
)

var (
	ErrUnsupportedService   = errors.New("unsupported service")
	ErrLoginRejected        = errors.New("login rejected")
	ErrNotificationNotFound = errors.New("notification not found")
)

// StepError reports which adapter step failed.
type StepError struct {
	Service string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Notification is one row of a portal's notification listing.
type Notification struct {
	ID            string `json:"id"`
	Date          string `json:"date"`
	Subject       string `json:"subject"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status"`
	CaseNumber    string `json:"caseNumber,omitempty"`
	HasAttachment bool   `json:"hasAttachment"`
	Read          bool   `json:"read"`
	Service       string `json:"service"`
}

// Adapter drives one portal on a page owned by the caller.
type Adapter interface {
	Service() string
	// Login returns an error wrapping ErrLoginRejected when the portal refuses the credentials.
	Login(ctx context.Context, page browser.Page, username, password string) error
	ListNotifications(ctx context.Context, page browser.Page) ([]Notification, error)
	DownloadDocument(ctx context.Context, page browser.Page, notificationID, destPath string) error
}

// Snapshotter stores a named picture of the page. It never fails the caller.
type Snapshotter interface {
	Capture(ctx context.Context, page browser.Page, name string)
}

type nopSnapshotter struct{}

func (nopSnapshotter) Capture(context.Context, browser.Page, string) {}

// Settings are shared by every adapter.
type Settings struct {
	PJNBaseURL      string
	AFIPBaseURL     string
	PaginationDelay time.Duration
	DownloadWait    time.Duration
	Snapshots       Snapshotter
	Logger          zerolog.Logger
}

func SettingsFromConfig(cfg config.PortalsConfig) Settings {
	return Settings{
		PJNBaseURL:      strings.TrimRight(cfg.PJNBaseURL, "/"),
		AFIPBaseURL:     strings.TrimRight(cfg.AFIPBaseURL, "/"),
		PaginationDelay: cfg.GetPaginationDelay(),
		DownloadWait:    cfg.GetDownloadWait(),
	}
}

func (s Settings) snapshots() Snapshotter {
	if s.Snapshots == nil {
		return nopSnapshotter{}
	}
	return s.Snapshots
}

// Registry resolves service tags to adapters. Tags are case-insensitive.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[Normalize(a.Service())] = a
	}
	return r
}

// DefaultRegistry wires the PJN, AFIP and TAD adapters.
func DefaultRegistry(s Settings) *Registry {
	afip := NewAFIP(s)
	return NewRegistry(NewPJN(s), afip, NewTAD(s, afip))
}

func (r *Registry) Lookup(service string) (Adapter, error) {
	a, ok := r.adapters[Normalize(service)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedService, service)
	}
	return a, nil
}

// Services lists the registered tags in sorted order.
func (r *Registry) Services() []string {
	out := make([]string, 0, len(r.adapters))
	for tag := range r.adapters {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func Normalize(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}
