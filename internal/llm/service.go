// Package llm is the client for the code-generation service: capability
// specifications, test suites, implementations, argument extraction,
// query decomposition, failure diagnosis, and reply synthesis. The
// service is an external collaborator with a fixed contract; this
// package ships a Gemini-backed client and a deterministic heuristic
// client that needs no credentials.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Param describes one capability parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // number, string, boolean
	Description string `json:"description"`
}

// Spec is a derived capability specification.
type Spec struct {
	Name        string  `json:"name"`
	Params      []Param `json:"parameters"`
	Returns     string  `json:"returns"`
	Description string  `json:"description"`
}

// Signature renders the call signature used in extraction prompts.
func (s *Spec) Signature() string {
	parts := make([]string, len(s.Params))
	for i, p := range s.Params {
		parts[i] = fmt.Sprintf("%s %s", p.Name, p.Type)
	}
	return fmt.Sprintf("%s(%s) %s", s.Name, strings.Join(parts, ", "), s.Returns)
}

// SubTask is one step of a decomposed request.
type SubTask struct {
	Index     int    `json:"index"`
	Text      string `json:"text"`
	DependsOn []int  `json:"depends_on"`
}

// Decomposition classifies a request and orders its sub-tasks.
type Decomposition struct {
	Kind     string    `json:"kind"` // single, sequential, composed
	SubTasks []SubTask `json:"sub_tasks"`
}

// Diagnosis is a failure root-cause analysis with a proposed patch.
type Diagnosis struct {
	Classification string `json:"classification"`
	RootCause      string `json:"root_cause"`
	Patch          string `json:"patch"`
}

// Unresolved marks an argument the service could not determine. It is
// never guessed; callers fail fast on it.
const Unresolved = "unknown"

// Service is the code-generation contract. Every method is a
// timeout-bound suspension point; callers pass a context with deadline.
type Service interface {
	GenerateSpec(ctx context.Context, requestText string) (*Spec, error)
	GenerateTests(ctx context.Context, spec *Spec) (string, error)
	GenerateImplementation(ctx context.Context, spec *Spec, testSource string) (string, error)
	RegenerateWithFeedback(ctx context.Context, spec *Spec, implSource, failureOutput string) (string, error)
	ExtractArguments(ctx context.Context, requestText string, spec *Spec, contextHint string) (map[string]interface{}, error)
	DecomposeQuery(ctx context.Context, requestText string) (*Decomposition, error)
	DiagnoseFailure(ctx context.Context, capability, implSource, errorText, inputsJSON string) (*Diagnosis, error)
	GenerateRegressionTest(ctx context.Context, spec *Spec, errorText, inputsJSON string) (string, error)
	SynthesizeReply(ctx context.Context, requestText string, result interface{}) (string, error)
}

// Options configures service construction.
type Options struct {
	Provider string // gemini, heuristic
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NewService builds a Service from options. The heuristic provider is
// also the implicit fallback when no credentials are configured.
func NewService(opts Options) (Service, error) {
	switch opts.Provider {
	case "gemini":
		if opts.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		return NewGeminiService(opts.APIKey, opts.Model, opts.Timeout)
	case "heuristic", "":
		return NewHeuristicService(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", opts.Provider)
	}
}

// ExtractCodeBlock pulls the first fenced code block of the given
// language out of a response. Returns the trimmed response when no
// fences are present.
func ExtractCodeBlock(response, lang string) string {
	marker := "```" + lang
	if idx := strings.Index(response, marker); idx >= 0 {
		rest := response[idx+len(marker):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(response, "```"); idx >= 0 {
		rest := response[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return strings.TrimSpace(response)
}

// ExtractJSONObject pulls the outermost JSON object out of a response
// that may be wrapped in prose or markdown fences.
func ExtractJSONObject(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return response[start : end+1], nil
}
