package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"skillforge/internal/logging"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	defaultTimeout     = 60 * time.Second

	// Minimum spacing between requests. The free tier throttles hard;
	// pacing up front is cheaper than eating 429s.
	requestSpacing = 600 * time.Millisecond

	maxRetries = 3
)

// GeminiService talks to the Gemini API for all code-generation
// operations. Requests are paced and 429s retried with backoff.
type GeminiService struct {
	client  *genai.Client
	model   string
	timeout time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiService creates a Gemini-backed service client.
func NewGeminiService(apiKey, model string, timeout time.Duration) (*GeminiService, error) {
	if model == "" {
		model = defaultGeminiModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiService{client: client, model: model, timeout: timeout}, nil
}

// complete sends a single-turn prompt and returns the response text.
func (g *GeminiService) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.mu.Lock()
	if wait := requestSpacing - time.Since(g.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	g.lastRequest = time.Now()
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.1),
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			logging.Get(logging.CategoryLLM).Warn("retrying after error (attempt %d/%d, backoff %v): %v",
				attempt+1, maxRetries, backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(userPrompt), cfg)
		if err != nil {
			lastErr = err
			if strings.Contains(err.Error(), "429") || strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
				continue
			}
			return "", fmt.Errorf("generation failed: %w", err)
		}
		text := resp.Text()
		if text == "" {
			lastErr = fmt.Errorf("empty response from model")
			continue
		}
		return text, nil
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", maxRetries, lastErr)
}

// completeJSON runs a prompt whose reply must be a JSON object and
// unmarshals it into out.
func (g *GeminiService) completeJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error {
	resp, err := g.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	raw, err := ExtractJSONObject(resp)
	if err != nil {
		return fmt.Errorf("malformed service response: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("failed to parse service response: %w", err)
	}
	return nil
}

const specSystemPrompt = `You design small, reusable capabilities. Given a user request,
produce a JSON specification for ONE capability that solves the core
operation. Respond with ONLY a JSON object:
{"name": "snake_case_verb_noun", "parameters": [{"name": "...", "type": "number|string|boolean", "description": "..."}], "returns": "number|string|boolean", "description": "one sentence"}
Name the capability for the general operation, not the literal request.`

// GenerateSpec derives a capability specification from a request.
func (g *GeminiService) GenerateSpec(ctx context.Context, requestText string) (*Spec, error) {
	var spec Spec
	if err := g.completeJSON(ctx, specSystemPrompt, fmt.Sprintf("Request: %s", requestText), &spec); err != nil {
		return nil, err
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("specification missing capability name")
	}
	return &spec, nil
}

const testSystemPrompt = `You write Go test functions for capabilities that run inside an
interpreter. The capability has this exact entry point:

    func Run(args string) (string, error)

where args is a JSON object of the parameters and the return value is a
JSON-encoded result. Write a single function:

    func RunTests() error

that calls Run with at least three cases including an edge case, and
returns a descriptive error on the first mismatch, nil when everything
passes. Use only the standard library (encoding/json, fmt, math,
strings, strconv). Declare the file as package main. Respond with ONLY
a Go code block.`

// GenerateTests writes the verification suite for a specification.
func (g *GeminiService) GenerateTests(ctx context.Context, spec *Spec) (string, error) {
	prompt := fmt.Sprintf("Capability: %s\nDescription: %s\nWrite RunTests for it.", spec.Signature(), spec.Description)
	resp, err := g.complete(ctx, testSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return ExtractCodeBlock(resp, "go"), nil
}

const implSystemPrompt = `You implement Go capabilities that run inside an interpreter.
Write a complete file: package main, imports, and

    func Run(args string) (string, error)

args is a JSON object of the declared parameters; the return value is
the JSON-encoded result. Unmarshal args into a struct, validate, and
compute. Use only the standard library (encoding/json, fmt, math,
strings, strconv, sort, unicode). Never import net, os/exec, or
unsafe. The implementation must pass the provided test suite. Respond
with ONLY a Go code block.`

// GenerateImplementation writes an implementation against a test suite.
func (g *GeminiService) GenerateImplementation(ctx context.Context, spec *Spec, testSource string) (string, error) {
	prompt := fmt.Sprintf("Capability: %s\nDescription: %s\n\nTest suite to satisfy:\n```go\n%s\n```",
		spec.Signature(), spec.Description, testSource)
	resp, err := g.complete(ctx, implSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return ExtractCodeBlock(resp, "go"), nil
}

// RegenerateWithFeedback retries an implementation with the verifier's
// failure output folded into the prompt.
func (g *GeminiService) RegenerateWithFeedback(ctx context.Context, spec *Spec, implSource, failureOutput string) (string, error) {
	prompt := fmt.Sprintf(`Capability: %s
Description: %s

This implementation failed verification:
`+"```go\n%s\n```"+`

Failure output:
%s

Fix the implementation. Respond with ONLY the corrected Go code block.`,
		spec.Signature(), spec.Description, implSource, failureOutput)
	resp, err := g.complete(ctx, implSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return ExtractCodeBlock(resp, "go"), nil
}

const extractSystemPrompt = `You extract argument values for a capability call from a user
request. Respond with ONLY a JSON object mapping parameter names to
values. Use numbers for number parameters, strings for string
parameters. If a value cannot be determined from the request or the
provided context, use the exact string "unknown" — never invent a
value.`

// ExtractArguments maps a request (plus optional prior-step context)
// onto a specification's parameters.
func (g *GeminiService) ExtractArguments(ctx context.Context, requestText string, spec *Spec, contextHint string) (map[string]interface{}, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Capability: %s\nParameters:\n", spec.Signature())
	for _, p := range spec.Params {
		fmt.Fprintf(&sb, "  - %s (%s): %s\n", p.Name, p.Type, p.Description)
	}
	fmt.Fprintf(&sb, "Request: %s\n", requestText)
	if contextHint != "" {
		fmt.Fprintf(&sb, "Result of the previous step: %s\n", contextHint)
	}
	args := make(map[string]interface{})
	if err := g.completeJSON(ctx, extractSystemPrompt, sb.String(), &args); err != nil {
		return nil, err
	}
	return args, nil
}

const decomposeSystemPrompt = `You classify user requests for an execution planner. Respond with
ONLY a JSON object:
{"kind": "single|sequential|composed", "sub_tasks": [{"index": 0, "text": "...", "depends_on": []}]}
"single" means one operation; "sequential" means ordered steps where a
later step consumes an earlier result (depends_on lists those
indexes); "composed" means independent operations whose results are
combined. A request with one verb is single even when it mentions
several values.`

// DecomposeQuery classifies a request and splits it into sub-tasks.
func (g *GeminiService) DecomposeQuery(ctx context.Context, requestText string) (*Decomposition, error) {
	var d Decomposition
	if err := g.completeJSON(ctx, decomposeSystemPrompt, fmt.Sprintf("Request: %s", requestText), &d); err != nil {
		return nil, err
	}
	if d.Kind == "" {
		d.Kind = "single"
	}
	return &d, nil
}

const diagnoseSystemPrompt = `You analyze capability execution failures. Classifications:
argument_mismatch, type_error, value_error, arithmetic_error,
data_access_error, performance_degradation, execution_error.
Respond with ONLY a JSON object:
{"classification": "...", "root_cause": "one sentence", "patch": "complete corrected Go source, or empty string if the code is not at fault"}`

// DiagnoseFailure classifies a failure and proposes a patch.
func (g *GeminiService) DiagnoseFailure(ctx context.Context, capability, implSource, errorText, inputsJSON string) (*Diagnosis, error) {
	prompt := fmt.Sprintf("Capability: %s\nInputs: %s\nError: %s\n\nSource:\n```go\n%s\n```",
		capability, inputsJSON, errorText, implSource)
	var d Diagnosis
	if err := g.completeJSON(ctx, diagnoseSystemPrompt, prompt, &d); err != nil {
		return nil, err
	}
	if d.Patch != "" {
		d.Patch = ExtractCodeBlock(d.Patch, "go")
	}
	return &d, nil
}

// GenerateRegressionTest writes a test case reproducing a failure.
func (g *GeminiService) GenerateRegressionTest(ctx context.Context, spec *Spec, errorText, inputsJSON string) (string, error) {
	prompt := fmt.Sprintf(`Capability: %s
Description: %s

A previous version failed on inputs %s with error: %s

Extend the verification suite: write a single Go function

    func RunTests() error

(package main, standard library only) that includes the failing inputs
as a case along with two normal cases. Respond with ONLY a Go code
block.`, spec.Signature(), spec.Description, inputsJSON, errorText)
	resp, err := g.complete(ctx, testSystemPrompt, prompt)
	if err != nil {
		return "", err
	}
	return ExtractCodeBlock(resp, "go"), nil
}

// SynthesizeReply phrases a result as a natural-language answer.
func (g *GeminiService) SynthesizeReply(ctx context.Context, requestText string, result interface{}) (string, error) {
	prompt := fmt.Sprintf("The user asked: %s\nThe computed result is: %v\nReply in one short sentence that states the result.",
		requestText, result)
	resp, err := g.complete(ctx, "", prompt)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}
