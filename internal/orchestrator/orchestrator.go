// Package orchestrator drives a request through the full loop: plan,
// route, execute, learn, respond. It owns the glue the individual
// engines deliberately do not — synthesizing missing capabilities and
// re-planning, feeding completed workflows to the pattern tracker and
// the skill graph, promoting eligible patterns, opening reflections on
// failures, and keeping the conversational record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"skillforge/internal/composite"
	"skillforge/internal/executor"
	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/planner"
	"skillforge/internal/reflection"
	"skillforge/internal/registry"
	"skillforge/internal/skillgraph"
	"skillforge/internal/store"
	"skillforge/internal/synthesis"
	"skillforge/internal/tracker"
)

// State names one phase of request handling.
type State string

const (
	StatePlanning     State = "planning"
	StateRouting      State = "routing"
	StateReusing      State = "reusing"
	StateComposing    State = "composing"
	StateSynthesizing State = "synthesizing"
	StateExecuting    State = "executing"
	StateResponding   State = "responding"
)

// A request gets exactly one synthesize-and-replan attempt; a second
// miss means the service genuinely cannot build what was asked.
const synthesisBudget = 1

// Response is the outcome of one handled request.
type Response struct {
	SessionID   string
	Reply       string
	Route       string
	States      []State
	Steps       []planner.StepResult
	Synthesized []string
}

// Orchestrator wires the engines into one request loop.
type Orchestrator struct {
	store    *store.Store
	registry *registry.Registry
	planner  *planner.Planner
	executor *executor.Executor
	synth    *synthesis.Engine
	tracker  *tracker.Tracker
	graph    *skillgraph.Graph
	promoter *composite.Synthesizer
	reflect  *reflection.Engine
	llm      llm.Service
}

// Config collects the engines an orchestrator needs. Promoter and
// Reflect are optional.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Planner  *planner.Planner
	Executor *executor.Executor
	Synth    *synthesis.Engine
	Tracker  *tracker.Tracker
	Graph    *skillgraph.Graph
	Promoter *composite.Synthesizer
	Reflect  *reflection.Engine
	LLM      llm.Service
}

// New wires an orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    cfg.Store,
		registry: cfg.Registry,
		planner:  cfg.Planner,
		executor: cfg.Executor,
		synth:    cfg.Synth,
		tracker:  cfg.Tracker,
		graph:    cfg.Graph,
		promoter: cfg.Promoter,
		reflect:  cfg.Reflect,
		llm:      cfg.LLM,
	}
}

// Handle runs one request end to end and returns the reply. Failed
// executions open a reflection before the error surfaces.
func (o *Orchestrator) Handle(ctx context.Context, sessionID, requestText string) (*Response, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	resp := &Response{SessionID: sessionID}

	if err := o.store.AppendSessionMessage(sessionID, "user", requestText); err != nil {
		log.Warn("session message append failed: %v", err)
	}
	if files, rows, err := o.registry.CleanupOrphans(); err != nil {
		log.Warn("orphan cleanup failed: %v", err)
	} else if files+rows > 0 {
		log.Info("cleaned up %d orphaned files and %d orphaned rows", files, rows)
	}

	results, plan, err := o.planAndExecute(ctx, sessionID, requestText, resp)
	if err != nil {
		o.reflectOnFailure(ctx, sessionID)
		resp.States = append(resp.States, StateResponding)
		resp.Reply = explainFailure(requestText, err)
		log.Warn("request failed: %v", err)
		if aerr := o.store.AppendSessionMessage(sessionID, "assistant", resp.Reply); aerr != nil {
			log.Warn("session message append failed: %v", aerr)
		}
		return resp, err
	}
	resp.Route = plan.Route
	resp.Steps = results

	o.learn(ctx, results)

	resp.States = append(resp.States, StateResponding)
	resp.Reply = o.reply(ctx, sessionID, requestText, results)
	if err := o.store.AppendSessionMessage(sessionID, "assistant", resp.Reply); err != nil {
		log.Warn("session message append failed: %v", err)
	}
	return resp, nil
}

// planAndExecute loops plan → execute, spending the synthesis budget
// on steps nothing registered can serve.
func (o *Orchestrator) planAndExecute(ctx context.Context, sessionID, requestText string, resp *Response) ([]planner.StepResult, *planner.Plan, error) {
	log := logging.Get(logging.CategoryOrchestrator)
	budget := synthesisBudget

	for {
		resp.States = append(resp.States, StatePlanning)
		plan, err := o.planner.Plan(ctx, requestText)
		if err != nil {
			return nil, nil, fmt.Errorf("planning: %w", err)
		}
		resp.States = append(resp.States, StateRouting, routeState(plan.Route))
		log.Info("routed %q as %s (%d steps)", requestText, plan.Route, len(plan.Steps))

		resp.States = append(resp.States, StateExecuting)
		results, err := o.planner.ExecuteWorkflow(ctx, sessionID, requestText, plan, o.executor)
		if err == nil {
			return results, plan, nil
		}

		// Two recoverable outcomes spend the synthesis budget: no
		// registered capability serves a step, or the one that matched
		// cannot bind the request's arguments. A tool-level bug is
		// neither; it surfaces.
		var needs *planner.ErrNeedsSynthesis
		var argErr *executor.ArgumentError
		var text string
		switch {
		case errors.As(err, &needs):
			text = needs.Step.Text
		case errors.As(err, &argErr):
			text = stepText(plan, argErr.Capability)
			log.Info("%s mismatched the request, synthesizing a replacement", argErr.Capability)
		default:
			return results, plan, err
		}
		if budget == 0 {
			return results, plan, fmt.Errorf("synthesis already attempted this request: %w", err)
		}
		budget--

		resp.States = append(resp.States, StateSynthesizing)
		if text == "" {
			text = requestText
		}
		cap, err := o.synth.Synthesize(ctx, text)
		if err != nil {
			return results, plan, fmt.Errorf("synthesis for %q: %w", text, err)
		}
		resp.Synthesized = append(resp.Synthesized, cap.Name)
		log.Info("synthesized %s, replanning", cap.Name)
	}
}

// learn feeds a completed workflow to the tracker, the skill graph,
// and the composite promoter. All of it is best-effort; a learning
// hiccup never fails a served request.
func (o *Orchestrator) learn(ctx context.Context, results []planner.StepResult) {
	log := logging.Get(logging.CategoryOrchestrator)

	workflowID := uuid.NewString()
	o.tracker.Begin(workflowID)
	for i, r := range results {
		if err := o.tracker.Record(workflowID, tracker.Step{
			Capability: r.Result.Capability,
			Success:    true,
			LatencyMs:  r.Result.LatencyMs,
		}); err != nil {
			log.Warn("pattern tracking failed: %v", err)
		}
		if err := o.graph.Observe(r.Result.Capability, true, r.Result.LatencyMs); err != nil {
			log.Warn("graph observation failed: %v", err)
		}
		if i > 0 {
			if err := o.graph.ObserveTransition(results[i-1].Result.Capability, r.Result.Capability, true, 1.0); err != nil {
				log.Warn("graph transition failed: %v", err)
			}
		}
	}
	if _, err := o.tracker.End(workflowID); err != nil {
		log.Warn("pattern mining failed: %v", err)
	}

	if o.promoter != nil {
		if _, err := o.promoter.ScanAndPromote(ctx); err != nil {
			log.Warn("composite promotion scan failed: %v", err)
		}
	}
}

// reflectOnFailure opens a reflection for the most recent failed
// execution of the session, when there is one.
func (o *Orchestrator) reflectOnFailure(ctx context.Context, sessionID string) {
	if o.reflect == nil {
		return
	}
	rows, err := o.store.SessionExecutions(sessionID)
	if err != nil {
		return
	}
	for i := len(rows) - 1; i >= 0; i-- {
		if !rows[i].Success {
			if _, err := o.reflect.AnalyzeFailure(ctx, rows[i].ID); err != nil {
				logging.Get(logging.CategoryOrchestrator).Warn("reflection on %s failed: %v", rows[i].ID, err)
			}
			return
		}
	}
}

// reply renders the final step's value conversationally, falling back
// to a plain statement when the service cannot. Recent session turns
// prefix the phrasing prompt so follow-up requests read in context.
func (o *Orchestrator) reply(ctx context.Context, sessionID, requestText string, results []planner.StepResult) string {
	if len(results) == 0 {
		return "Nothing to do."
	}
	last := results[len(results)-1].Result
	value := last.Value
	if value == nil {
		value = last.Output
	}
	prompt := requestText
	if history := o.conversationContext(sessionID); history != "" {
		prompt = history + "\n" + requestText
	}
	reply, err := o.llm.SynthesizeReply(ctx, prompt, value)
	if err != nil || reply == "" {
		return fmt.Sprintf("Result: %v", value)
	}
	return reply
}

// conversationContext formats the session's recent turns, excluding
// the in-flight user message, for prompt prefixing.
func (o *Orchestrator) conversationContext(sessionID string) string {
	msgs, err := o.store.RecentSessionMessages(sessionID, 5)
	if err != nil || len(msgs) < 2 {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs[:len(msgs)-1] {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// explainFailure turns an internal failure into the reply a caller
// sees. The raw error chain goes to the log, never into the reply.
func explainFailure(requestText string, err error) string {
	var execErr *executor.ExecutionError
	var argErr *executor.ArgumentError
	var verr *synthesis.ErrVerificationFailed
	var needs *planner.ErrNeedsSynthesis
	switch {
	case errors.As(err, &execErr):
		return fmt.Sprintf("Something went wrong while running %s. The failure has been recorded so it can be repaired.", execErr.Capability)
	case errors.As(err, &argErr):
		return fmt.Sprintf("I couldn't work out the values %s needs from your request. Try stating them explicitly.", argErr.Capability)
	case errors.As(err, &verr):
		return fmt.Sprintf("I tried to build a new capability for %q, but it did not pass verification.", requestText)
	case errors.As(err, &needs):
		return fmt.Sprintf("I don't have a capability that can handle %q, and I wasn't able to build one.", requestText)
	}
	return fmt.Sprintf("I couldn't complete %q.", requestText)
}

// stepText returns the plan step text that routed to a capability.
func stepText(plan *planner.Plan, capability string) string {
	for _, s := range plan.Steps {
		if s.Capability == capability {
			return s.Text
		}
	}
	return ""
}

func routeState(route string) State {
	switch route {
	case planner.RouteReuse:
		return StateReusing
	case planner.RouteComposite, planner.RoutePattern:
		return StateComposing
	case planner.RouteDecomposition:
		return StateReusing
	}
	return StateReusing
}
