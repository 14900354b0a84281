package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasbenitezc/servidor-scraping/internal/browser"
	"github.com/lucasbenitezc/servidor-scraping/internal/browser/browsertest"
	"github.com/lucasbenitezc/servidor-scraping/internal/config"
	"github.com/lucasbenitezc/servidor-scraping/internal/journal"
	"github.com/lucasbenitezc/servidor-scraping/internal/portal"
	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
	"github.com/lucasbenitezc/servidor-scraping/internal/storage"
)

type fakeAdapter struct {
	service  string
	loginErr error
}

func (a *fakeAdapter) Service() string { return a.service }

func (a *fakeAdapter) Login(context.Context, browser.Page, string, string) error { return a.loginErr }

func (a *fakeAdapter) ListNotifications(context.Context, browser.Page) ([]portal.Notification, error) {
	return []portal.Notification{{ID: "A-1", Subject: "Intimación", Service: a.service}}, nil
}

func (a *fakeAdapter) DownloadDocument(_ context.Context, _ browser.Page, id, dest string) error {
	return os.WriteFile(dest, []byte("%PDF "+id), 0o644)
}

func setupTestServer(t *testing.T, journalEnabled bool) (*Server, *session.Pool, *fakeAdapter) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	j, err := journal.New(config.JournalConfig{Enable: journalEnabled, FactBufferLimit: 100}, clock, zerolog.Nop())
	require.NoError(t, err)

	observers := []session.Observer{}
	opObservers := []scraper.Observer{}
	if journalEnabled {
		observers = append(observers, j)
		opObservers = append(opObservers, j)
	}
	pool := session.NewPool(browsertest.NewLauncher(), session.Options{
		Capacity:    2,
		IdleTimeout: time.Minute,
		Clock:       clock,
		Logger:      zerolog.Nop(),
		Observers:   observers,
	})
	t.Cleanup(func() { _ = pool.Cleanup() })

	afip := &fakeAdapter{service: "afip"}
	seq := 0
	orch := scraper.New(scraper.Options{
		Pool:      pool,
		Registry:  portal.NewRegistry(afip),
		Documents: storage.NewLayout(config.StorageConfig{TempDir: filepath.Join(t.TempDir(), "temp")}, clock),
		Observers: opObservers,
		Clock:     clock,
		Logger:    zerolog.Nop(),
		NewID: func() string {
			seq++
			return fmt.Sprintf("s%d", seq)
		},
	})

	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	return NewServer(cfg, orch, j, zerolog.Nop()), pool, afip
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	out, err := s.ExecuteTool(context.Background(), "portal-login", map[string]interface{}{
		"service": "afip", "username": "20123456789", "password": "secret",
	})
	require.NoError(t, err)
	res := out.(scraper.LoginResult)
	require.True(t, res.Success, res.Message)
	return res.SessionID
}

func TestNewServerRegistersTools(t *testing.T) {
	s, _, _ := setupTestServer(t, true)
	names := s.ToolNames()
	sort.Strings(names)
	assert.Equal(t, []string{
		"close-session",
		"evaluate-journal",
		"list-sessions",
		"portal-download",
		"portal-login",
		"portal-notifications",
		"session-events",
	}, names)

	for _, name := range names {
		schema := s.tools[name].InputSchema()
		assert.Equal(t, "object", schema["type"], name)
		assert.NotEmpty(t, s.tools[name].Description(), name)
	}
}

func TestJournalToolsNeedJournal(t *testing.T) {
	s, _, _ := setupTestServer(t, false)
	assert.NotContains(t, s.ToolNames(), "session-events")
	assert.NotContains(t, s.ToolNames(), "evaluate-journal")
}

func TestExecuteUnknownTool(t *testing.T) {
	s, _, _ := setupTestServer(t, true)
	_, err := s.ExecuteTool(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestPortalFlow(t *testing.T) {
	s, pool, _ := setupTestServer(t, true)
	ctx := context.Background()

	id := login(t, s)
	assert.Equal(t, 1, pool.Len())

	out, err := s.ExecuteTool(ctx, "portal-notifications", map[string]interface{}{"service": "AFIP", "session_id": id})
	require.NoError(t, err)
	list := out.(scraper.NotificationsResult)
	require.True(t, list.Success)
	require.Len(t, list.Notifications, 1)
	assert.Equal(t, "A-1", list.Notifications[0].ID)

	out, err = s.ExecuteTool(ctx, "portal-download", map[string]interface{}{
		"service": "afip", "session_id": id, "notification_id": "A-1",
	})
	require.NoError(t, err)
	dl := out.(downloadPayload)
	require.True(t, dl.Success)
	assert.FileExists(t, dl.Path)
	assert.Equal(t, int64(len("%PDF A-1")), dl.Size)
	assert.Empty(t, dl.Content)

	out, err = s.ExecuteTool(ctx, "portal-download", map[string]interface{}{
		"service": "afip", "session_id": id, "notification_id": "A-1", "include_content": true,
	})
	require.NoError(t, err)
	dl = out.(downloadPayload)
	raw, err := base64.StdEncoding.DecodeString(dl.Content)
	require.NoError(t, err)
	assert.Equal(t, "%PDF A-1", string(raw))
	assert.Empty(t, dl.Path)
}

func TestCloseSessionTool(t *testing.T) {
	s, pool, _ := setupTestServer(t, true)
	id := login(t, s)

	_, err := s.ExecuteTool(context.Background(), "close-session", map[string]interface{}{"session_id": id})
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Len())

	_, err = s.ExecuteTool(context.Background(), "close-session", map[string]interface{}{"session_id": id})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestWrapToolFlagsFailedOutcome(t *testing.T) {
	s, _, afip := setupTestServer(t, true)
	afip.loginErr = &portal.StepError{Service: "afip", Step: "verify login", Err: portal.ErrLoginRejected}

	var req mcp.CallToolRequest
	req.Params.Name = "portal-login"
	req.Params.Arguments = map[string]interface{}{"service": "afip", "username": "u", "password": "p"}

	res, err := s.wrapTool(s.tools["portal-login"])(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)

	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &payload))
	assert.Equal(t, "ADAPTER_FAILURE", payload["code"])
	assert.Equal(t, "Credenciales incorrectas o problema de conexión", payload["message"])
}

func TestWrapToolReportsExecuteError(t *testing.T) {
	s, _, _ := setupTestServer(t, true)

	var req mcp.CallToolRequest
	req.Params.Arguments = map[string]interface{}{}
	res, err := s.wrapTool(s.tools["close-session"])(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content[0].(mcp.TextContent).Text, "session_id is required")
}

func TestSessionEventsTool(t *testing.T) {
	s, _, _ := setupTestServer(t, true)
	id := login(t, s)
	login(t, s)

	out, err := s.ExecuteTool(context.Background(), "session-events", map[string]interface{}{"session_id": id})
	require.NoError(t, err)
	events := out.(map[string]interface{})["events"].([]journal.Fact)
	require.Len(t, events, 2)
	for _, f := range events {
		assert.Equal(t, id, f.Args[0])
	}

	out, err = s.ExecuteTool(context.Background(), "session-events", map[string]interface{}{"predicate": journal.SessionCreated, "limit": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]interface{})["count"])
}

func TestEvaluateJournalTool(t *testing.T) {
	s, _, afip := setupTestServer(t, true)
	afip.loginErr = portal.ErrLoginRejected
	_, err := s.ExecuteTool(context.Background(), "portal-login", map[string]interface{}{"service": "afip", "username": "u", "password": "p"})
	require.NoError(t, err)

	out, err := s.ExecuteTool(context.Background(), "evaluate-journal", map[string]interface{}{"predicate": journal.FailedOperation})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(map[string]interface{})["count"])

	_, err = s.ExecuteTool(context.Background(), "evaluate-journal", map[string]interface{}{"predicate": "nope"})
	require.Error(t, err)
}

func TestResources(t *testing.T) {
	s, _, _ := setupTestServer(t, true)
	id := login(t, s)

	var about mcp.ReadResourceRequest
	about.Params.URI = "scraper://about"
	contents, err := s.handleAboutResource(context.Background(), about)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &payload))
	assert.Equal(t, "test-server", payload["name"])
	assert.Equal(t, []interface{}{"afip"}, payload["services"])

	var events mcp.ReadResourceRequest
	events.Params.URI = "scraper://session/" + id + "/events"
	events.Params.Arguments = map[string]any{"sessionId": []string{id}, "limit": "10"}
	contents, err = s.handleSessionEventsResource(context.Background(), events)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(contents[0].(mcp.TextResourceContents).Text), &payload))
	assert.Equal(t, float64(2), payload["count"])
	assert.Equal(t, float64(10), payload["limit"])

	events.Params.Arguments = map[string]any{}
	_, err = s.handleSessionEventsResource(context.Background(), events)
	require.Error(t, err)
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("x", map[string]interface{}{"bad": make(chan int)})
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &out))
	assert.Equal(t, false, out["success"])
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{"s": "  afip ", "n": float64(3), "str": "7", "b": true}
	assert.Equal(t, "afip", getStringArg(args, "s"))
	assert.Equal(t, "", getStringArg(args, "missing"))
	assert.Equal(t, 3, getIntArg(args, "n", 0))
	assert.Equal(t, 7, getIntArg(args, "str", 0))
	assert.Equal(t, 9, getIntArg(args, "missing", 9))
	assert.True(t, getBoolArg(args, "b", false))
	assert.Equal(t, 50, clampLimit(0, 50, 500))
	assert.Equal(t, 500, clampLimit(900, 50, 500))
	assert.True(t, getTimeArg(args, "missing").IsZero())
}
