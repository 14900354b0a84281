// Package scraper is the façade callers use: it pairs session pool
// operations with portal adapters and shapes every outcome into a result.
package scraper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
	"github.com/lucasbenitezc/servidor-scraping/internal/portal"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
)

const tracerName = "github.com/lucasbenitezc/servidor-scraping/internal/scraper"

// Operation names used in logs, spans, metrics and the journal.
const (
	OpLogin         = "login"
	OpNotifications = "getNotifications"
	OpDownload      = "downloadDocument"
)

// Documents hands out destination paths for downloads.
type Documents interface {
	NewDocument(service, notificationID string) (string, error)
}

// OperationEvent describes one finished operation.
type OperationEvent struct {
	Operation string
	Service   string
	SessionID string
	Code      Code
	Duration  time.Duration
}

// Observer is told about every finished operation. Implementations must not block.
type Observer interface {
	OperationFinished(OperationEvent)
}

type LoginRequest struct {
	Service  string
	Username string
	Password string
}

type NotificationsRequest struct {
	Service   string
	SessionID string
}

type DownloadRequest struct {
	Service        string
	SessionID      string
	NotificationID string
}

type Options struct {
	Pool      *session.Pool
	Registry  *portal.Registry
	Documents Documents
	// Diagnostics receives a snapshot of the page when an adapter fails.
	Diagnostics portal.Snapshotter
	Observers   []Observer
	Clock       clockwork.Clock
	Logger      zerolog.Logger
	// NewID generates session ids; defaults to random UUIDs.
	NewID func() string
}

// Orchestrator runs login, listing and download requests against the pool.
type Orchestrator struct {
	pool        *session.Pool
	registry    *portal.Registry
	documents   Documents
	diagnostics portal.Snapshotter
	observers   []Observer
	clock       clockwork.Clock
	logger      zerolog.Logger
	tracer      trace.Tracer
	newID       func() string
}

func New(opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Orchestrator{
		pool:        opts.Pool,
		registry:    opts.Registry,
		documents:   opts.Documents,
		diagnostics: opts.Diagnostics,
		observers:   opts.Observers,
		clock:       opts.Clock,
		logger:      opts.Logger.With().Str("component", "orchestrator").Logger(),
		tracer:      otel.Tracer(tracerName),
		newID:       opts.NewID,
	}
}

// Pool exposes the underlying session pool for listing.
func (o *Orchestrator) Pool() *session.Pool { return o.pool }

// Services lists the supported service tags.
func (o *Orchestrator) Services() []string { return o.registry.Services() }

// Login authenticates against a portal inside a brand-new session. A failed
// login evicts that session so the pool is left as it was.
func (o *Orchestrator) Login(ctx context.Context, req LoginRequest) LoginResult {
	ctx, span := o.start(ctx, OpLogin, req.Service)
	run := o.begin(OpLogin, req.Service, "")

	if missing := missingFields(map[string]string{"service": req.Service, "username": req.Username, "password": req.Password}); missing != nil {
		return LoginResult{Outcome: o.end(span, run, invalid(missing), "Error de autenticación")}
	}
	adapter, err := o.registry.Lookup(req.Service)
	if err != nil {
		return LoginResult{Outcome: o.end(span, run, err, "Error de autenticación")}
	}
	run.service = adapter.Service()

	id := o.newID()
	run.sessionID = id
	span.SetAttributes(attribute.String("session.id", id))

	sess, err := o.pool.Acquire(ctx, id, adapter.Service())
	if err != nil {
		return LoginResult{Outcome: o.end(span, run, err, "Error de autenticación")}
	}

	err = sess.WithPage(ctx, func(page browser.Page) error {
		if err := adapter.Login(ctx, page, req.Username, req.Password); err != nil {
			o.diagnose(ctx, page, adapter.Service()+"-login-error")
			return err
		}
		return nil
	})
	if err == nil {
		err = sess.Touch()
	}
	if err != nil {
		if cerr := sess.Close(); cerr != nil {
			run.logger.Warn().Err(cerr).Msg("closing failed login session")
		}
		return LoginResult{Outcome: o.end(span, run, err, "Error de autenticación")}
	}

	return LoginResult{Outcome: o.end(span, run, nil, ""), SessionID: id}
}

// GetNotifications lists the notifications visible to an existing session.
// Failures leave the session in the pool.
func (o *Orchestrator) GetNotifications(ctx context.Context, req NotificationsRequest) NotificationsResult {
	ctx, span := o.start(ctx, OpNotifications, req.Service)
	run := o.begin(OpNotifications, req.Service, req.SessionID)
	const prefix = "Error al obtener notificaciones"

	adapter, sess, err := o.resolve(req.Service, req.SessionID, nil)
	if err != nil {
		return NotificationsResult{Outcome: o.end(span, run, err, prefix), Timestamp: o.clock.Now()}
	}
	run.service = adapter.Service()

	var out []portal.Notification
	err = sess.WithPage(ctx, func(page browser.Page) error {
		list, err := adapter.ListNotifications(ctx, page)
		if err != nil {
			o.diagnose(ctx, page, adapter.Service()+"-notifications-error")
			return err
		}
		out = list
		return nil
	})
	if err == nil {
		err = sess.Touch()
	}
	if err != nil {
		return NotificationsResult{Outcome: o.end(span, run, err, prefix), Timestamp: o.clock.Now()}
	}

	if out == nil {
		out = []portal.Notification{}
	}
	span.SetAttributes(attribute.Int("notifications.count", len(out)))
	return NotificationsResult{
		Outcome:       o.end(span, run, nil, ""),
		Notifications: out,
		Timestamp:     o.clock.Now(),
	}
}

// DownloadDocument saves one notification's document into the temp area.
// The caller streams and then deletes the returned path.
func (o *Orchestrator) DownloadDocument(ctx context.Context, req DownloadRequest) DownloadResult {
	ctx, span := o.start(ctx, OpDownload, req.Service)
	run := o.begin(OpDownload, req.Service, req.SessionID)
	const prefix = "Error al descargar documento"

	adapter, sess, err := o.resolve(req.Service, req.SessionID, map[string]string{"notificationId": req.NotificationID})
	if err != nil {
		return DownloadResult{Outcome: o.end(span, run, err, prefix)}
	}
	run.service = adapter.Service()
	span.SetAttributes(attribute.String("notification.id", req.NotificationID))

	path, err := o.documents.NewDocument(adapter.Service(), req.NotificationID)
	if err != nil {
		return DownloadResult{Outcome: o.end(span, run, err, prefix)}
	}

	err = sess.WithPage(ctx, func(page browser.Page) error {
		if err := adapter.DownloadDocument(ctx, page, req.NotificationID, path); err != nil {
			o.diagnose(ctx, page, adapter.Service()+"-download-error")
			return err
		}
		return nil
	})
	if err == nil {
		err = sess.Touch()
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			run.logger.Warn().Err(rmErr).Str("path", path).Msg("temp document not removed")
		}
		return DownloadResult{Outcome: o.end(span, run, err, prefix)}
	}

	res := DownloadResult{Outcome: o.end(span, run, nil, ""), Path: path, FileName: filepath.Base(path)}
	res.Message = "Documento descargado exitosamente"
	return res
}

// Cleanup closes every session. Close failures are logged and returned.
func (o *Orchestrator) Cleanup() error {
	err := o.pool.Cleanup()
	if err != nil {
		o.logger.Warn().Err(err).Msg("cleanup left errors")
	}
	return err
}

// CloseSession evicts id on request. Unknown ids report ErrSessionNotFound.
func (o *Orchestrator) CloseSession(id string) error {
	sess, err := o.pool.Lookup(id)
	if err != nil {
		return err
	}
	o.pool.Release(id)
	o.logger.Info().Str("session_id", id).Str("service", sess.Service()).Msg("session closed on request")
	return nil
}

// resolve validates a list/download request and finds its session.
func (o *Orchestrator) resolve(service, sessionID string, extra map[string]string) (portal.Adapter, *session.Session, error) {
	fields := map[string]string{"service": service, "sessionId": sessionID}
	for k, v := range extra {
		fields[k] = v
	}
	if missing := missingFields(fields); missing != nil {
		return nil, nil, invalid(missing)
	}
	adapter, err := o.registry.Lookup(service)
	if err != nil {
		return nil, nil, err
	}
	sess, err := o.pool.Lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Service() != adapter.Service() {
		return nil, nil, fmt.Errorf("%w: session %s belongs to %s", ErrInvalidRequest, sessionID, sess.Service())
	}
	return adapter, sess, nil
}

func (o *Orchestrator) diagnose(ctx context.Context, page browser.Page, name string) {
	if o.diagnostics == nil {
		return
	}
	// The operation context may already be done; the snapshot gets its own.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	o.diagnostics.Capture(dctx, page, name)
}

type opRun struct {
	op        string
	service   string
	sessionID string
	started   time.Time
	logger    zerolog.Logger
}

func (o *Orchestrator) begin(op, service, sessionID string) *opRun {
	return &opRun{
		op:        op,
		service:   portal.Normalize(service),
		sessionID: sessionID,
		started:   o.clock.Now(),
		logger:    o.logger.With().Str("operation", op).Logger(),
	}
}

func (o *Orchestrator) start(ctx context.Context, op, service string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "scraper."+op, trace.WithAttributes(
		attribute.String("portal.service", portal.Normalize(service)),
	))
}

// end shapes the outcome, closes the span, logs and notifies observers.
func (o *Orchestrator) end(span trace.Span, r *opRun, err error, prefix string) Outcome {
	defer span.End()

	out := ok()
	if err != nil {
		out = failure(err, prefix)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(out.Code))
	}
	span.SetAttributes(attribute.String("scraper.code", string(out.Code)))

	elapsed := o.clock.Since(r.started)
	event := r.logger.Info()
	if err != nil {
		event = r.logger.Warn().Err(err)
	}
	event.Str("service", r.service).
		Str("session_id", r.sessionID).
		Str("code", string(out.Code)).
		Dur("duration", elapsed).
		Msg("operation finished")

	ev := OperationEvent{
		Operation: r.op,
		Service:   r.service,
		SessionID: r.sessionID,
		Code:      out.Code,
		Duration:  elapsed,
	}
	for _, obs := range o.observers {
		obs.OperationFinished(ev)
	}
	return out
}

func missingFields(fields map[string]string) []string {
	var missing []string
	for _, name := range []string{"service", "username", "password", "sessionId", "notificationId"} {
		v, ok := fields[name]
		if ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func invalid(missing []string) error {
	return fmt.Errorf("%w: Faltan parámetros requeridos: %s", ErrInvalidRequest, strings.Join(missing, ", "))
}
