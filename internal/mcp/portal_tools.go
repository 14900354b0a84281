package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
)

// maxInlineDocument bounds documents returned inline as base64.
const maxInlineDocument = 10 << 20

func serviceProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Portal tag: pjn, afip or tad (case-insensitive)",
	}
}

type LoginTool struct {
	orch *scraper.Orchestrator
}

func (t *LoginTool) Name() string { return "portal-login" }
func (t *LoginTool) Description() string {
	return `Authenticate against a government portal in a fresh browser session.

WHEN TO USE:
- Before listing notifications or downloading documents
- After a previous session expired (SESSION_NOT_FOUND)

A failed login never leaves a session behind. The pool is bounded; when it
is full the call fails fast with CAPACITY_EXCEEDED instead of queueing.

Returns: {success, code, message, sessionId}. Pass sessionId to the other portal tools.`
}
func (t *LoginTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"service": serviceProperty(),
			"username": map[string]interface{}{
				"type":        "string",
				"description": "Portal user (CUIT/CUIL for AFIP and TAD)",
			},
			"password": map[string]interface{}{
				"type":        "string",
				"description": "Portal password",
			},
		},
		"required": []string{"service", "username", "password"},
	}
}
func (t *LoginTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.orch.Login(ctx, scraper.LoginRequest{
		Service:  getStringArg(args, "service"),
		Username: getStringArg(args, "username"),
		Password: getStringArg(args, "password"),
	}), nil
}

type NotificationsTool struct {
	orch *scraper.Orchestrator
}

func (t *NotificationsTool) Name() string { return "portal-notifications" }
func (t *NotificationsTool) Description() string {
	return `List the notifications visible to an authenticated portal session.

PREREQUISITE: portal-login with the same service.

AFIP listings are paginated; pages are walked with a fixed delay so this
call can take several seconds. A failure keeps the session usable.

Returns: {success, code, message, notifications[], timestamp}.`
}
func (t *NotificationsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"service": serviceProperty(),
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id returned by portal-login",
			},
		},
		"required": []string{"service", "session_id"},
	}
}
func (t *NotificationsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.orch.GetNotifications(ctx, scraper.NotificationsRequest{
		Service:   getStringArg(args, "service"),
		SessionID: getStringArg(args, "session_id"),
	}), nil
}

type DownloadTool struct {
	orch *scraper.Orchestrator
}

type downloadPayload struct {
	scraper.DownloadResult
	Path    string `json:"path,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Content string `json:"content,omitempty"`
}

func (t *DownloadTool) Name() string { return "portal-download" }
func (t *DownloadTool) Description() string {
	return `Download the document attached to one notification.

PREREQUISITE: portal-login, and a notification id from portal-notifications.

By default the file stays in the temp directory (swept by the janitor) and
its path is returned. With include_content=true the document is returned
base64-encoded and the temp file is removed.

Returns: {success, code, message, fileName, path, size, content?}.`
}
func (t *DownloadTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"service": serviceProperty(),
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id returned by portal-login",
			},
			"notification_id": map[string]interface{}{
				"type":        "string",
				"description": "Notification id from portal-notifications",
			},
			"include_content": map[string]interface{}{
				"type":        "boolean",
				"description": "Return the document inline as base64 (default: false)",
			},
		},
		"required": []string{"service", "session_id", "notification_id"},
	}
}
func (t *DownloadTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res := t.orch.DownloadDocument(ctx, scraper.DownloadRequest{
		Service:        getStringArg(args, "service"),
		SessionID:      getStringArg(args, "session_id"),
		NotificationID: getStringArg(args, "notification_id"),
	})
	out := downloadPayload{DownloadResult: res}
	if !res.Success {
		return out, nil
	}

	info, err := os.Stat(res.Path)
	if err != nil {
		return nil, fmt.Errorf("stat document: %w", err)
	}
	out.Path, out.Size = res.Path, info.Size()

	if !getBoolArg(args, "include_content", false) {
		return out, nil
	}
	if info.Size() > maxInlineDocument {
		return nil, fmt.Errorf("document %s is %d bytes, over the %d byte inline limit", res.FileName, info.Size(), maxInlineDocument)
	}
	raw, err := os.ReadFile(res.Path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	out.Content = base64.StdEncoding.EncodeToString(raw)
	out.Path = ""
	_ = os.Remove(res.Path)
	return out, nil
}
