package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"scraper://about",
			"Scraper About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, supported portals and pool capacity."),
		),
		s.handleAboutResource,
	)

	if s.journal == nil || !s.journal.Enabled() {
		return
	}
	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"scraper://session/{sessionId}/events{?predicate,limit}",
			"Session Events",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Lifecycle facts recorded for one session (optionally filtered by predicate)."),
		),
		s.handleSessionEventsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	pool := s.orch.Pool()
	payload := map[string]interface{}{
		"name":     s.cfg.Server.Name,
		"version":  s.cfg.Server.Version,
		"services": s.orch.Services(),
		"sessions": map[string]int{
			"open":     pool.Len(),
			"capacity": pool.Capacity(),
		},
		"notes": []string{
			"Call portal-login first; the returned sessionId scopes every other portal tool.",
			"Sessions expire after the idle timeout and are never re-authenticated automatically.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleSessionEventsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit := clampLimit(getIntArg(map[string]interface{}{"limit": argString(request.Params.Arguments["limit"])}, "limit", 0), 25, 500)

	facts := s.journal.Events(predicate, sessionID, time.Time{}, time.Time{}, limit)
	return jsonContents(request.Params.URI, map[string]interface{}{
		"session_id": sessionID,
		"predicate":  predicate,
		"limit":      limit,
		"count":      len(facts),
		"events":     facts,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
