// Package executor turns a natural-language request and a registered
// capability into a recorded invocation: arguments are extracted, the
// capability runs in the sandbox, and every attempt lands in the
// execution log whether it succeeded or not. Argument problems and
// execution problems are distinct error types because they demand
// different reactions: a wrong argument will be wrong again on retry.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/store"
)

// Attempts per request: the first run plus retries for transient
// execution failures.
const maxRetries = 2

// ArgumentError reports that arguments could not be resolved or were
// rejected by the capability. Never retried.
type ArgumentError struct {
	Capability string
	Param      string
	Reason     string
}

func (e *ArgumentError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: argument %q %s", e.Capability, e.Param, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Capability, e.Reason)
}

// ExecutionError reports a failure inside the capability itself.
type ExecutionError struct {
	Capability string
	Kind       string // timeout, runtime_error
	Cause      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Capability, e.Kind, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Request is one capability invocation to perform.
type Request struct {
	SessionID   string
	Capability  string
	RequestText string
	ContextHint string // output of the previous workflow step, if any
	OrderIndex  int
}

// Result is a completed invocation.
type Result struct {
	ExecutionID string
	Capability  string
	Inputs      map[string]interface{}
	Output      string // JSON-encoded
	Value       interface{}
	LatencyMs   int64
	Attempts    int
	Cached      bool
}

// ResultCache serves prior outputs keyed by capability version and
// arguments. Satisfied by the skillgraph result cache.
type ResultCache interface {
	Lookup(ctx context.Context, cap *store.Capability, args map[string]interface{}) (string, bool, error)
	Store(ctx context.Context, cap *store.Capability, args map[string]interface{}, output string) error
}

// Executor resolves arguments, runs capabilities, and records history.
type Executor struct {
	registry *registry.Registry
	sandbox  *sandbox.Sandbox
	llm      llm.Service
	store    *store.Store
	cache    ResultCache // may be nil
}

// New wires an executor.
func New(reg *registry.Registry, sb *sandbox.Sandbox, svc llm.Service, st *store.Store) *Executor {
	return &Executor{registry: reg, sandbox: sb, llm: svc, store: st}
}

// SetCache enables result caching. Cache problems fall through to a
// normal invocation.
func (e *Executor) SetCache(c ResultCache) {
	e.cache = c
}

// Execute runs one invocation with the retry budget. Argument errors
// are terminal immediately; execution errors get retried.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	log := logging.Get(logging.CategoryExecutor)

	cap, err := e.registry.Get(req.Capability)
	if err != nil {
		return nil, err
	}
	if cap == nil {
		return nil, fmt.Errorf("capability %s is not registered", req.Capability)
	}
	impl, _, err := e.registry.Source(cap.Name)
	if err != nil {
		return nil, err
	}

	spec := specFromCapability(cap)
	args, err := e.resolveArguments(ctx, req, spec)
	if err != nil {
		e.record(req, cap, "", "", false, err, 0)
		return nil, err
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if output, ok, cacheErr := e.cache.Lookup(ctx, cap, args); cacheErr == nil && ok {
			log.Debug("%s served from cache", cap.Name)
			res := &Result{
				Capability: cap.Name,
				Inputs:     args,
				Output:     output,
				Attempts:   0,
				Cached:     true,
			}
			_ = json.Unmarshal([]byte(output), &res.Value)
			return res, nil
		} else if cacheErr != nil {
			log.Warn("cache lookup for %s failed: %v", cap.Name, cacheErr)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		start := time.Now()
		output, runErr := e.sandbox.Invoke(ctx, impl, string(argsJSON))
		latency := time.Since(start).Milliseconds()

		if runErr == nil {
			res := &Result{
				ExecutionID: e.record(req, cap, string(argsJSON), output, true, nil, latency),
				Capability:  cap.Name,
				Inputs:      args,
				Output:      output,
				LatencyMs:   latency,
				Attempts:    attempt,
			}
			_ = json.Unmarshal([]byte(output), &res.Value)
			if e.cache != nil {
				if cacheErr := e.cache.Store(ctx, cap, args, output); cacheErr != nil {
					log.Warn("cache store for %s failed: %v", cap.Name, cacheErr)
				}
			}
			log.Debug("%s succeeded in %dms (attempt %d)", cap.Name, latency, attempt)
			return res, nil
		}

		lastErr = classify(cap.Name, runErr)
		e.record(req, cap, string(argsJSON), "", false, lastErr, latency)

		var argErr *ArgumentError
		if errors.As(lastErr, &argErr) {
			log.Warn("%s rejected arguments, not retrying: %v", cap.Name, lastErr)
			return nil, lastErr
		}
		if attempt <= maxRetries {
			log.Warn("%s attempt %d failed, retrying: %v", cap.Name, attempt, lastErr)
		}
	}
	return nil, lastErr
}

// resolveArguments extracts arguments and fails fast on anything the
// service marked unresolved.
func (e *Executor) resolveArguments(ctx context.Context, req Request, spec *llm.Spec) (map[string]interface{}, error) {
	args, err := e.llm.ExtractArguments(ctx, req.RequestText, spec, req.ContextHint)
	if err != nil {
		return nil, fmt.Errorf("argument extraction for %s: %w", spec.Name, err)
	}
	for name, value := range args {
		if s, ok := value.(string); ok && s == llm.Unresolved {
			return nil, &ArgumentError{Capability: spec.Name, Param: name, Reason: "could not be determined from the request"}
		}
	}
	return args, nil
}

// classify sorts a sandbox failure into the retry taxonomy.
func classify(capability string, err error) error {
	if errors.Is(err, sandbox.ErrTimeout) {
		return &ExecutionError{Capability: capability, Kind: "timeout", Cause: err}
	}
	msg := err.Error()
	for _, marker := range []string{"invalid arguments", "cannot unmarshal", "missing argument"} {
		if strings.Contains(msg, marker) {
			return &ArgumentError{Capability: capability, Reason: msg}
		}
	}
	return &ExecutionError{Capability: capability, Kind: "runtime_error", Cause: err}
}

// record appends an execution row. Returns the execution ID; logging
// failures are reported but never mask the invocation result.
func (e *Executor) record(req Request, cap *store.Capability, inputs, output string, success bool, execErr error, latency int64) string {
	id := uuid.NewString()
	row := store.Execution{
		ID:          id,
		SessionID:   req.SessionID,
		Capability:  cap.Name,
		OrderIndex:  req.OrderIndex,
		Inputs:      inputs,
		Output:      output,
		Success:     success,
		LatencyMs:   latency,
		RequestText: req.RequestText,
		CreatedAt:   time.Now(),
	}
	if execErr != nil {
		row.ErrorText = execErr.Error()
		row.ErrorKind = errorKind(execErr)
	}
	if err := e.store.InsertExecution(row); err != nil {
		logging.Get(logging.CategoryExecutor).Error("failed to record execution of %s: %v", cap.Name, err)
	}
	return id
}

func errorKind(err error) string {
	var argErr *ArgumentError
	if errors.As(err, &argErr) {
		return "argument_error"
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return "error"
}

// specFromCapability reconstructs the argument-extraction view of a
// registered capability from its stored row.
func specFromCapability(cap *store.Capability) *llm.Spec {
	var spec llm.Spec
	if cap.SpecJSON != "" && json.Unmarshal([]byte(cap.SpecJSON), &spec) == nil && spec.Name != "" {
		return &spec
	}
	return &llm.Spec{Name: cap.Name, Description: cap.Description}
}
