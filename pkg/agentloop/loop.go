// Package agentloop runs the bounded reasoning orchestrator. The loop
// can only call the declared read-only tool set through the network
// gate; it proposes, it never acts. Pass and tool-call budgets are hard
// ceilings enforced here, independent of what the planner requests.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"gatekernel/pkg/domain"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePlanning     Phase = "planning"
	PhaseSearching    Phase = "searching"
	PhaseFetching     Phase = "fetching"
	PhaseEvaluating   Phase = "evaluating"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
	PhaseAborted      Phase = "aborted"
)

// StepKind is the closed set of moves the planner may request per pass.
type StepKind string

const (
	StepSearch     StepKind = "search"
	StepFetch      StepKind = "fetch"
	StepSynthesize StepKind = "synthesize"
)

// Step is the planner's move for one pass: a search query, a page
// fetch, or the final artifact. Exactly one payload field is set,
// matching Kind.
type Step struct {
	Kind     StepKind
	Query    string
	URL      string
	Artifact *Artifact
}

// Artifact is the single synthesized output of a completed run.
type Artifact struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	SourceRefs []string `json:"source_refs"`
}

// Planner is the reasoning collaborator. It only sees the accumulated
// call log and returns the next step; it cannot reach the network
// itself.
type Planner interface {
	PlanNextStep(ctx context.Context, pass int, calls []ToolCallRecord) (Step, error)
}

// ToolRequest goes through the network gate, the loop's only path to
// the outside. The gate enforces the connector allowlist.
type ToolRequest struct {
	Kind        StepKind `json:"kind"`
	ConnectorID string   `json:"connector_id"`
	Query       string   `json:"query,omitempty"`
	URL         string   `json:"url,omitempty"`
}

type ToolResponse struct {
	ConnectorID string `json:"connector_id"`
	Body        string `json:"body"`
}

type NetworkGate interface {
	Execute(ctx context.Context, req ToolRequest) (ToolResponse, error)
}

// ToolCallRecord is the per-run log row: success flag, duration, and
// output truncated to outputLimit bytes.
type ToolCallRecord struct {
	Seq         int           `json:"seq"`
	Pass        int           `json:"pass"`
	Kind        StepKind      `json:"kind"`
	ConnectorID string        `json:"connector_id"`
	OK          bool          `json:"ok"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"output"`
	Error       string        `json:"error,omitempty"`
}

const outputLimit = 2048

// ErrRunAborted reports cooperative cancellation between tool calls.
var ErrRunAborted = errors.New("run aborted")

type Budgets struct {
	MaxPasses    int
	MaxToolCalls int
}

type RunResult struct {
	RunID     string           `json:"run_id"`
	Phase     Phase            `json:"phase"`
	Passes    int              `json:"passes"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
	Artifact  *Artifact        `json:"artifact,omitempty"`
}

// Runner executes one bounded run. Tool calls are sequential within a
// pass, so the budget is exactly countable and re-entrant planner
// requests cannot exceed the ceiling through a race.
type Runner struct {
	planner Planner
	gate    NetworkGate
	budgets Budgets

	mu      sync.Mutex
	runID   string
	phase   Phase
	aborted bool
	calls   []ToolCallRecord
	passes  int
}

func NewRunner(planner Planner, gate NetworkGate, budgets Budgets) (*Runner, error) {
	if planner == nil || gate == nil {
		return nil, errors.New("planner and gate are required")
	}
	if budgets.MaxPasses <= 0 || budgets.MaxToolCalls <= 0 {
		return nil, fmt.Errorf("budgets must be positive, got passes=%d tool_calls=%d",
			budgets.MaxPasses, budgets.MaxToolCalls)
	}
	return &Runner{
		planner: planner,
		gate:    gate,
		budgets: budgets,
		runID:   "run_" + uuid.NewString(),
		phase:   PhaseIdle,
	}, nil
}

func (r *Runner) RunID() string { return r.runID }

func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Abort requests cooperative cancellation. The flag is checked between
// tool calls and before each pass; a call already dispatched completes
// or times out on its own.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *Runner) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

func (r *Runner) snapshot() RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]ToolCallRecord, len(r.calls))
	copy(calls, r.calls)
	return RunResult{RunID: r.runID, Phase: r.phase, Passes: r.passes, ToolCalls: calls}
}

// Snapshot exposes run progress to the service layer.
func (r *Runner) Snapshot() RunResult { return r.snapshot() }

// Run drives the loop to a terminal phase and, on normal completion,
// returns exactly one synthesized artifact.
func (r *Runner) Run(ctx context.Context) (RunResult, error) {
	for pass := 1; ; pass++ {
		if r.isAborted() || ctx.Err() != nil {
			r.setPhase(PhaseAborted)
			return r.snapshot(), ErrRunAborted
		}
		if pass > r.budgets.MaxPasses {
			r.setPhase(PhaseFailed)
			res := r.snapshot()
			return res, &domain.ToolBudgetExceededError{Budget: "passes", Limit: r.budgets.MaxPasses}
		}
		r.mu.Lock()
		r.passes = pass
		r.mu.Unlock()

		r.setPhase(PhasePlanning)
		step, err := r.planner.PlanNextStep(ctx, pass, r.snapshot().ToolCalls)
		if err != nil {
			r.setPhase(PhaseFailed)
			return r.snapshot(), fmt.Errorf("plan pass %d: %w", pass, err)
		}

		switch step.Kind {
		case StepSynthesize:
			if step.Artifact == nil {
				r.setPhase(PhaseFailed)
				return r.snapshot(), errors.New("planner synthesized a nil artifact")
			}
			r.setPhase(PhaseSynthesizing)
			r.setPhase(PhaseComplete)
			res := r.snapshot()
			res.Artifact = step.Artifact
			return res, nil
		case StepSearch, StepFetch:
			if err := r.toolCall(ctx, pass, step); err != nil {
				if errors.Is(err, ErrRunAborted) {
					r.setPhase(PhaseAborted)
				} else {
					r.setPhase(PhaseFailed)
				}
				return r.snapshot(), err
			}
			r.setPhase(PhaseEvaluating)
		default:
			r.setPhase(PhaseFailed)
			return r.snapshot(), fmt.Errorf("planner returned unknown step kind %q", step.Kind)
		}
	}
}

func (r *Runner) toolCall(ctx context.Context, pass int, step Step) error {
	if r.isAborted() {
		return ErrRunAborted
	}
	r.mu.Lock()
	if len(r.calls) >= r.budgets.MaxToolCalls {
		r.mu.Unlock()
		return &domain.ToolBudgetExceededError{Budget: "tool_calls", Limit: r.budgets.MaxToolCalls}
	}
	seq := len(r.calls) + 1
	r.mu.Unlock()

	req := ToolRequest{Kind: step.Kind, Query: step.Query, URL: step.URL}
	switch step.Kind {
	case StepSearch:
		r.setPhase(PhaseSearching)
		req.ConnectorID = "connector.search"
	case StepFetch:
		r.setPhase(PhaseFetching)
		req.ConnectorID = "connector.fetch"
	}

	start := time.Now()
	resp, err := r.gate.Execute(ctx, req)
	rec := ToolCallRecord{
		Seq:         seq,
		Pass:        pass,
		Kind:        step.Kind,
		ConnectorID: req.ConnectorID,
		OK:          err == nil,
		Duration:    time.Since(start),
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Output = truncate(resp.Body)
		if resp.ConnectorID != "" {
			rec.ConnectorID = resp.ConnectorID
		}
	}

	r.mu.Lock()
	r.calls = append(r.calls, rec)
	r.mu.Unlock()

	// A failed tool call is logged, not fatal; the planner sees the
	// failure in the log and decides what to do with its next pass.
	return nil
}

// truncate cuts s to at most outputLimit bytes without splitting a
// multi-byte rune, so the per-run log stays valid UTF-8.
func truncate(s string) string {
	if len(s) <= outputLimit {
		return s
	}
	cut := outputLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
