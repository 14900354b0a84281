// Package mcp exposes the portal operations and the session journal as MCP
// tools and resources, served over stdio or SSE.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/config"
	"github.com/lucasbenitezc/servidor-scraping/internal/journal"
	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
)

// Server wires the MCP runtime to the orchestrator and the journal.
type Server struct {
	cfg       config.Config
	orch      *scraper.Orchestrator
	journal   *journal.Journal
	logger    zerolog.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools. j may be nil.
func NewServer(cfg config.Config, orch *scraper.Orchestrator, j *journal.Journal, logger zerolog.Logger) *Server {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		cfg:       cfg,
		orch:      orch,
		journal:   j,
		logger:    logger.With().Str("component", "mcp").Logger(),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	s.registerAllTools()
	s.registerAllResources()
	return s
}

// Start serves over stdio until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// Mount adds the SSE endpoints (/sse, /message) to router. baseURL is the
// externally reachable origin advertised to clients.
func (s *Server) Mount(router gin.IRouter, baseURL string) {
	sse := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL(baseURL))
	router.GET("/sse", gin.WrapH(sse.SSEHandler()))
	router.POST("/message", gin.WrapH(sse.MessageHandler()))
	s.logger.Info().Str("base_url", baseURL).Msg("mcp sse endpoints mounted")
}

// ExecuteTool runs a tool directly, bypassing the protocol layer.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	// Portal operations
	s.registerTool(&LoginTool{orch: s.orch})
	s.registerTool(&NotificationsTool{orch: s.orch})
	s.registerTool(&DownloadTool{orch: s.orch})

	// Pool introspection
	s.registerTool(&ListSessionsTool{orch: s.orch})
	s.registerTool(&CloseSessionTool{orch: s.orch})

	// Journal
	if s.journal != nil && s.journal.Enabled() {
		s.registerTool(&SessionEventsTool{journal: s.journal})
		s.registerTool(&EvaluateJournalTool{journal: s.journal})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Warn().Err(err).Str("tool", tool.Name()).Msg("tool failed")
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: isFailedOutcome(result),
		}, nil
	}
}

// isFailedOutcome flags orchestrator results that carry success=false.
func isFailedOutcome(result interface{}) bool {
	switch r := result.(type) {
	case scraper.LoginResult:
		return !r.Success
	case scraper.NotificationsResult:
		return !r.Success
	case downloadPayload:
		return !r.Success
	}
	return false
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
