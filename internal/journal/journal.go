// Package journal records session lifecycle and operation facts in a Mangle
// deductive store so they can be queried by predicate, by time window, or
// through the rules in the built-in schema.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/lucasbenitezc/servidor-scraping/internal/config"
	"github.com/lucasbenitezc/servidor-scraping/internal/scraper"
	"github.com/lucasbenitezc/servidor-scraping/internal/session"
)

// Predicates written by the journal.
const (
	SessionCreated   = "session_created"
	SessionEvicted   = "session_evicted"
	CapacityRejected = "capacity_rejected"
	Operation        = "operation"
)

// Derived predicates.
const (
	IdleEvicted     = "idle_evicted"
	FailedOperation = "failed_operation"
)

const schema = `
Decl session_created(ID, Service, At).
Decl session_evicted(ID, Service, Reason, At).
Decl capacity_rejected(ID, At).
Decl operation(ID, Service, Name, Code, At).

Decl idle_evicted(ID, Service).
Decl failed_operation(ID, Name, Code).

idle_evicted(ID, Service) :- session_evicted(ID, Service, "idle", _).

failed_operation(ID, Name, Code) :-
    operation(ID, _, Name, Code, _),
    Code != "OK".
`

// ErrDisabled is returned by queries against a disabled journal.
var ErrDisabled = errors.New("journal disabled")

// Fact is one journal entry.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// Journal buffers facts for temporal queries and mirrors them into a Mangle
// store for rule evaluation. It implements session.Observer.
type Journal struct {
	cfg    config.JournalConfig
	clock  clockwork.Clock
	logger zerolog.Logger

	mu          sync.RWMutex
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// Bounded buffer; oldest facts are dropped first.
	facts []Fact
	index map[string][]int
}

// New builds a journal with the built-in lifecycle schema.
func New(cfg config.JournalConfig, clock clockwork.Clock, logger zerolog.Logger) (*Journal, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	j := &Journal{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With().Str("component", "journal").Logger(),
		store:  factstore.NewSimpleInMemoryStore(),
		index:  make(map[string][]int),
	}
	if !cfg.Enable {
		return j, nil
	}

	unit, err := parse.Unit(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return nil, fmt.Errorf("analyze schema: %w", err)
	}
	j.programInfo = info
	return j, nil
}

// Enabled reports whether facts are being recorded.
func (j *Journal) Enabled() bool { return j.cfg.Enable }

// AddFacts appends facts to the buffer and the Mangle store, then
// re-evaluates the derived predicates.
func (j *Journal) AddFacts(ctx context.Context, facts []Fact) error {
	if !j.cfg.Enable || len(facts) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	base := len(j.facts)
	j.facts = append(j.facts, facts...)
	if limit := j.cfg.FactBufferLimit; limit > 0 && len(j.facts) > limit {
		j.facts = j.facts[len(j.facts)-limit:]
		j.rebuildIndex()
	} else {
		for i, f := range facts {
			j.index[f.Predicate] = append(j.index[f.Predicate], base+i)
		}
	}

	for _, f := range facts {
		j.store.Add(toAtom(f))
	}
	if err := engine.EvalProgram(j.programInfo, j.store); err != nil {
		return fmt.Errorf("eval program after fact insertion: %w", err)
	}
	return nil
}

func (j *Journal) record(predicate string, args ...interface{}) {
	f := Fact{Predicate: predicate, Args: args, Timestamp: j.clock.Now()}
	if err := j.AddFacts(context.Background(), []Fact{f}); err != nil {
		j.logger.Warn().Err(err).Str("predicate", predicate).Msg("fact not recorded")
	}
}

func (j *Journal) SessionCreated(info session.Info) {
	j.record(SessionCreated, info.ID, info.Service, info.CreatedAt.UnixMilli())
}

func (j *Journal) SessionEvicted(info session.Info, reason session.Reason) {
	j.record(SessionEvicted, info.ID, info.Service, string(reason), j.clock.Now().UnixMilli())
}

func (j *Journal) CapacityRejected(id string) {
	j.record(CapacityRejected, id, j.clock.Now().UnixMilli())
}

// RecordOperation notes the outcome code of an orchestrator operation.
func (j *Journal) RecordOperation(sessionID, service, name, code string) {
	j.record(Operation, sessionID, service, name, code, j.clock.Now().UnixMilli())
}

// OperationFinished records orchestrator outcomes.
func (j *Journal) OperationFinished(e scraper.OperationEvent) {
	j.RecordOperation(e.SessionID, e.Service, e.Operation, string(e.Code))
}

// QueryTemporal returns facts of predicate recorded strictly inside the
// window. A zero bound is open.
func (j *Journal) QueryTemporal(predicate string, after, before time.Time) []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range j.index[predicate] {
		f := j.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

func (j *Journal) FactsByPredicate(predicate string) []Fact {
	return j.QueryTemporal(predicate, time.Time{}, time.Time{})
}

// Events gathers base lifecycle facts inside the window, oldest first. An
// empty predicate means every base predicate; an empty session id matches
// all sessions. limit > 0 keeps only the most recent facts.
func (j *Journal) Events(predicate, sessionID string, since, until time.Time, limit int) []Fact {
	predicates := []string{predicate}
	if predicate == "" {
		predicates = []string{SessionCreated, SessionEvicted, CapacityRejected, Operation}
	}
	out := make([]Fact, 0)
	for _, p := range predicates {
		for _, f := range j.QueryTemporal(p, since, until) {
			if sessionID != "" && (len(f.Args) == 0 || f.Args[0] != sessionID) {
				continue
			}
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Timestamp.Before(out[b].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Facts returns a copy of the buffer, oldest first.
func (j *Journal) Facts() []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Fact, len(j.facts))
	copy(out, j.facts)
	return out
}

// Evaluate returns every fact the store holds for predicate, base or derived.
// Derived facts carry the evaluation time.
func (j *Journal) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !j.cfg.Enable {
		return nil, ErrDisabled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	arity := -1
	for sym := range j.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}
	if arity < 0 {
		return nil, fmt.Errorf("unknown predicate %q", predicate)
	}

	args := make([]ast.BaseTerm, arity)
	for i := range args {
		args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
	}
	query := ast.Atom{Predicate: ast.PredicateSym{Symbol: predicate, Arity: arity}, Args: args}

	now := j.clock.Now()
	out := make([]Fact, 0)
	err := j.store.GetFacts(query, func(atom ast.Atom) error {
		out = append(out, fromAtom(atom, now))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return out, nil
}

// Predicates lists the predicates known to the schema.
func (j *Journal) Predicates() []string {
	return []string{SessionCreated, SessionEvicted, CapacityRejected, Operation, IdleEvicted, FailedOperation}
}

func (j *Journal) rebuildIndex() {
	j.index = make(map[string][]int)
	for i, f := range j.facts {
		j.index[f.Predicate] = append(j.index[f.Predicate], i)
	}
}

func toAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func fromAtom(atom ast.Atom, at time.Time) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = fromConstant(arg)
	}
	return Fact{Predicate: atom.Predicate.Symbol, Args: args, Timestamp: at}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func fromConstant(t ast.BaseTerm) interface{} {
	c, ok := t.(ast.Constant)
	if !ok {
		return fmt.Sprintf("%v", t)
	}
	switch c.Type {
	case ast.StringType:
		s, _ := c.StringValue()
		return s
	case ast.NumberType:
		if n, err := c.NumberValue(); err == nil {
			return n
		}
	case ast.Float64Type:
		if f, err := c.Float64Value(); err == nil {
			return f
		}
	}
	return c.String()
}

var (
	_ session.Observer = (*Journal)(nil)
	_ scraper.Observer = (*Journal)(nil)
)
