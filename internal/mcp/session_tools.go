package mcp

import (
	"context"
	"fmt"

	"github.com/lucasbenitezc/servidor-scraping/internal/journal"
	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
)

type ListSessionsTool struct {
	orch *scraper.Orchestrator
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List the browser sessions currently held by the pool.

Returns: {sessions: [{id, service, createdAt, lastActivity}], open, capacity}.`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	pool := t.orch.Pool()
	list := pool.List()
	return map[string]interface{}{
		"sessions": list,
		"open":     len(list),
		"capacity": pool.Capacity(),
	}, nil
}

type CloseSessionTool struct {
	orch *scraper.Orchestrator
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Evict a session and close its browser, freeing a pool slot.

Sessions also expire on their own after the idle timeout.`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Session id to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "session_id")
	if id == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	if err := t.orch.CloseSession(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session_id": id}, nil
}

type SessionEventsTool struct {
	journal *journal.Journal
}

func (t *SessionEventsTool) Name() string { return "session-events" }
func (t *SessionEventsTool) Description() string {
	return `Read lifecycle facts from the session journal.

Base predicates: session_created, session_evicted, capacity_rejected, operation.
Filter by session id, predicate and a unix-millisecond window.

Returns: {count, events: [{predicate, args, timestamp}]}, oldest first.`
}
func (t *SessionEventsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string", "description": "Only facts about this session"},
			"predicate":  map[string]interface{}{"type": "string", "description": "Only this predicate"},
			"since_ms":   map[string]interface{}{"type": "integer", "description": "Exclusive lower bound (unix ms)"},
			"until_ms":   map[string]interface{}{"type": "integer", "description": "Exclusive upper bound (unix ms)"},
			"limit":      map[string]interface{}{"type": "integer", "description": "Most recent N facts (default 50, max 500)"},
		},
	}
}
func (t *SessionEventsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	facts := t.journal.Events(
		getStringArg(args, "predicate"),
		getStringArg(args, "session_id"),
		getTimeArg(args, "since_ms"),
		getTimeArg(args, "until_ms"),
		clampLimit(getIntArg(args, "limit", 0), 50, 500),
	)
	return map[string]interface{}{"count": len(facts), "events": facts}, nil
}

type EvaluateJournalTool struct {
	journal *journal.Journal
}

func (t *EvaluateJournalTool) Name() string { return "evaluate-journal" }
func (t *EvaluateJournalTool) Description() string {
	return `Evaluate a journal predicate, including derived ones.

Derived predicates:
- idle_evicted(ID, Service): sessions that expired from inactivity
- failed_operation(ID, Name, Code): operations that did not end in OK

Returns: {predicate, count, facts}.`
}
func (t *EvaluateJournalTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. failed_operation",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateJournalTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	facts, err := t.journal.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}
