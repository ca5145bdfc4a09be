package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// HeuristicService is a deterministic Service that recognizes a small
// set of operations by keyword and carries template implementations
// for them. It needs no network or credentials, which makes it the
// offline default and the fixture for tests.
type HeuristicService struct{}

// NewHeuristicService creates the deterministic service.
func NewHeuristicService() *HeuristicService {
	return &HeuristicService{}
}

type template struct {
	spec  Spec
	tests string
	impl  string
}

var templates = map[string]template{
	"calculate_percentage": {
		spec: Spec{
			Name: "calculate_percentage",
			Params: []Param{
				{Name: "base", Type: "number", Description: "the base value"},
				{Name: "percentage", Type: "number", Description: "the percentage to take of the base"},
			},
			Returns:     "number",
			Description: "Computes percentage percent of base.",
		},
		tests: `package main

import "fmt"

func RunTests() error {
	cases := []struct {
		args string
		want string
	}{
		{` + "`" + `{"base": 100, "percentage": 25}` + "`" + `, "25"},
		{` + "`" + `{"base": 80, "percentage": 50}` + "`" + `, "40"},
		{` + "`" + `{"base": 200, "percentage": 0}` + "`" + `, "0"},
	}
	for _, c := range cases {
		got, err := Run(c.args)
		if err != nil {
			return fmt.Errorf("Run(%s): %v", c.args, err)
		}
		if got != c.want {
			return fmt.Errorf("Run(%s) = %s, want %s", c.args, got, c.want)
		}
	}
	return nil
}
`,
		impl: `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args string) (string, error) {
	var in struct {
		Base       float64 ` + "`json:\"base\"`" + `
		Percentage float64 ` + "`json:\"percentage\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	result := in.Base * in.Percentage / 100
	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`,
	},
	"reverse_string": {
		spec: Spec{
			Name: "reverse_string",
			Params: []Param{
				{Name: "text", Type: "string", Description: "the text to reverse"},
			},
			Returns:     "string",
			Description: "Reverses the characters of a string.",
		},
		tests: `package main

import "fmt"

func RunTests() error {
	cases := []struct {
		args string
		want string
	}{
		{` + "`" + `{"text": "hello"}` + "`" + `, ` + "`" + `"olleh"` + "`" + `},
		{` + "`" + `{"text": "ab"}` + "`" + `, ` + "`" + `"ba"` + "`" + `},
		{` + "`" + `{"text": ""}` + "`" + `, ` + "`" + `""` + "`" + `},
	}
	for _, c := range cases {
		got, err := Run(c.args)
		if err != nil {
			return fmt.Errorf("Run(%s): %v", c.args, err)
		}
		if got != c.want {
			return fmt.Errorf("Run(%s) = %s, want %s", c.args, got, c.want)
		}
	}
	return nil
}
`,
		impl: `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args string) (string, error) {
	var in struct {
		Text string ` + "`json:\"text\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	runes := []rune(in.Text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	out, err := json.Marshal(string(runes))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`,
	},
	"is_prime": {
		spec: Spec{
			Name: "is_prime",
			Params: []Param{
				{Name: "number", Type: "number", Description: "the integer to test"},
			},
			Returns:     "boolean",
			Description: "Reports whether an integer is prime.",
		},
		tests: `package main

import "fmt"

func RunTests() error {
	cases := []struct {
		args string
		want string
	}{
		{` + "`" + `{"number": 7}` + "`" + `, "true"},
		{` + "`" + `{"number": 8}` + "`" + `, "false"},
		{` + "`" + `{"number": 1}` + "`" + `, "false"},
		{` + "`" + `{"number": 2}` + "`" + `, "true"},
	}
	for _, c := range cases {
		got, err := Run(c.args)
		if err != nil {
			return fmt.Errorf("Run(%s): %v", c.args, err)
		}
		if got != c.want {
			return fmt.Errorf("Run(%s) = %s, want %s", c.args, got, c.want)
		}
	}
	return nil
}
`,
		impl: `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args string) (string, error) {
	var in struct {
		Number float64 ` + "`json:\"number\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	n := int64(in.Number)
	prime := n >= 2
	for d := int64(2); d*d <= n; d++ {
		if n%d == 0 {
			prime = false
			break
		}
	}
	out, err := json.Marshal(prime)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`,
	},
	"count_words": {
		spec: Spec{
			Name: "count_words",
			Params: []Param{
				{Name: "text", Type: "string", Description: "the text to count words in"},
			},
			Returns:     "number",
			Description: "Counts whitespace-separated words in a string.",
		},
		tests: `package main

import "fmt"

func RunTests() error {
	cases := []struct {
		args string
		want string
	}{
		{` + "`" + `{"text": "one two three"}` + "`" + `, "3"},
		{` + "`" + `{"text": "solo"}` + "`" + `, "1"},
		{` + "`" + `{"text": ""}` + "`" + `, "0"},
	}
	for _, c := range cases {
		got, err := Run(c.args)
		if err != nil {
			return fmt.Errorf("Run(%s): %v", c.args, err)
		}
		if got != c.want {
			return fmt.Errorf("Run(%s) = %s, want %s", c.args, got, c.want)
		}
	}
	return nil
}
`,
		impl: `package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

func Run(args string) (string, error) {
	var in struct {
		Text string ` + "`json:\"text\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	out, err := json.Marshal(len(strings.Fields(in.Text)))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`,
	},
	"sum_numbers": {
		spec: Spec{
			Name: "sum_numbers",
			Params: []Param{
				{Name: "a", Type: "number", Description: "first addend"},
				{Name: "b", Type: "number", Description: "second addend"},
			},
			Returns:     "number",
			Description: "Adds two numbers.",
		},
		tests: `package main

import "fmt"

func RunTests() error {
	cases := []struct {
		args string
		want string
	}{
		{` + "`" + `{"a": 2, "b": 3}` + "`" + `, "5"},
		{` + "`" + `{"a": -1, "b": 1}` + "`" + `, "0"},
		{` + "`" + `{"a": 0.5, "b": 0.25}` + "`" + `, "0.75"},
	}
	for _, c := range cases {
		got, err := Run(c.args)
		if err != nil {
			return fmt.Errorf("Run(%s): %v", c.args, err)
		}
		if got != c.want {
			return fmt.Errorf("Run(%s) = %s, want %s", c.args, got, c.want)
		}
	}
	return nil
}
`,
		impl: `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args string) (string, error) {
	var in struct {
		A float64 ` + "`json:\"a\"`" + `
		B float64 ` + "`json:\"b\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	out, err := json.Marshal(in.A + in.B)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`,
	},
}

// classify maps request text onto a template name.
func classify(requestText string) string {
	lower := strings.ToLower(requestText)
	switch {
	case strings.Contains(lower, "percent") || strings.Contains(lower, "%"):
		return "calculate_percentage"
	case strings.Contains(lower, "reverse"):
		return "reverse_string"
	case strings.Contains(lower, "prime"):
		return "is_prime"
	case strings.Contains(lower, "count") && strings.Contains(lower, "word"):
		return "count_words"
	case strings.Contains(lower, "add") || strings.Contains(lower, "sum") || strings.Contains(lower, "plus"):
		return "sum_numbers"
	}
	return ""
}

func (h *HeuristicService) GenerateSpec(_ context.Context, requestText string) (*Spec, error) {
	name := classify(requestText)
	if name == "" {
		return nil, fmt.Errorf("heuristic service does not recognize request: %s", requestText)
	}
	spec := templates[name].spec
	return &spec, nil
}

func (h *HeuristicService) GenerateTests(_ context.Context, spec *Spec) (string, error) {
	t, ok := templates[spec.Name]
	if !ok {
		return "", fmt.Errorf("heuristic service has no test template for %s", spec.Name)
	}
	return t.tests, nil
}

func (h *HeuristicService) GenerateImplementation(_ context.Context, spec *Spec, _ string) (string, error) {
	t, ok := templates[spec.Name]
	if !ok {
		return "", fmt.Errorf("heuristic service has no implementation template for %s", spec.Name)
	}
	return t.impl, nil
}

// RegenerateWithFeedback returns the template again; the templates are
// already correct, so a repair pass cannot improve on them.
func (h *HeuristicService) RegenerateWithFeedback(ctx context.Context, spec *Spec, _, _ string) (string, error) {
	return h.GenerateImplementation(ctx, spec, "")
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
var percentPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*(?:%|percent)`)
var quotedPattern = regexp.MustCompile(`['"]([^'"]+)['"]`)

// ExtractArguments resolves parameters from literal values in the
// request. A number directly attached to a percent sign binds to a
// parameter named "percentage"; remaining numbers fill the remaining
// number parameters in order. String parameters take quoted text, then
// the prior-step context, then Unresolved.
func (h *HeuristicService) ExtractArguments(_ context.Context, requestText string, spec *Spec, contextHint string) (map[string]interface{}, error) {
	args := make(map[string]interface{}, len(spec.Params))

	numbers := []float64{}
	for _, m := range numberPattern.FindAllString(requestText, -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			numbers = append(numbers, v)
		}
	}
	var percentVal *float64
	if m := percentPattern.FindStringSubmatch(requestText); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			percentVal = &v
		}
	}
	if len(numbers) == 0 && contextHint != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(contextHint), 64); err == nil {
			numbers = append(numbers, v)
		}
	}

	// Consumption is tracked per occurrence, not per value, so
	// duplicate literals each fill their own parameter.
	consumed := make([]bool, len(numbers))
	next := func() (float64, bool) {
		for i, n := range numbers {
			if !consumed[i] {
				consumed[i] = true
				return n, true
			}
		}
		return 0, false
	}

	// The percent-attached number is spoken for before the in-order
	// fill; an earlier-declared parameter must not swallow it.
	if percentVal != nil && hasNumberParam(spec, "percentage") {
		for i, n := range numbers {
			if !consumed[i] && n == *percentVal {
				consumed[i] = true
				break
			}
		}
	}

	for _, p := range spec.Params {
		switch p.Type {
		case "number":
			if p.Name == "percentage" && percentVal != nil {
				args[p.Name] = *percentVal
				continue
			}
			if v, ok := next(); ok {
				args[p.Name] = v
			} else {
				args[p.Name] = Unresolved
			}
		case "string":
			if m := quotedPattern.FindStringSubmatch(requestText); m != nil {
				args[p.Name] = m[1]
			} else if contextHint != "" {
				args[p.Name] = strings.Trim(strings.TrimSpace(contextHint), `"`)
			} else {
				args[p.Name] = Unresolved
			}
		default:
			args[p.Name] = Unresolved
		}
	}
	return args, nil
}

func hasNumberParam(spec *Spec, name string) bool {
	for _, p := range spec.Params {
		if p.Name == name && p.Type == "number" {
			return true
		}
	}
	return false
}

var stepSplitter = regexp.MustCompile(`(?i)\s*(?:,\s*then\s+|\s+then\s+|;\s*)`)

// DecomposeQuery splits on explicit sequencing words. Steps after the
// first depend on their predecessor.
func (h *HeuristicService) DecomposeQuery(_ context.Context, requestText string) (*Decomposition, error) {
	parts := stepSplitter.Split(requestText, -1)
	cleaned := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) <= 1 {
		return &Decomposition{Kind: "single", SubTasks: []SubTask{{Index: 0, Text: requestText}}}, nil
	}
	d := &Decomposition{Kind: "sequential"}
	for i, text := range cleaned {
		st := SubTask{Index: i, Text: text}
		if i > 0 {
			st.DependsOn = []int{i - 1}
		}
		d.SubTasks = append(d.SubTasks, st)
	}
	return d, nil
}

// DiagnoseFailure classifies by error text. It never proposes a patch;
// the templates are the fix of last resort and reflection falls back
// to them through RegenerateWithFeedback.
func (h *HeuristicService) DiagnoseFailure(_ context.Context, capability, _, errorText, _ string) (*Diagnosis, error) {
	lower := strings.ToLower(errorText)
	classification := "execution_error"
	switch {
	case strings.Contains(lower, "invalid arguments") || strings.Contains(lower, "unknown"):
		classification = "argument_mismatch"
	case strings.Contains(lower, "cannot unmarshal") || strings.Contains(lower, "type"):
		classification = "type_error"
	case strings.Contains(lower, "divide by zero") || strings.Contains(lower, "division by zero") || strings.Contains(lower, "overflow"):
		classification = "arithmetic_error"
	case strings.Contains(lower, "out of range") || strings.Contains(lower, "index"):
		classification = "data_access_error"
	case strings.Contains(lower, "invalid value") || strings.Contains(lower, "negative"):
		classification = "value_error"
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		classification = "performance_degradation"
	}
	return &Diagnosis{
		Classification: classification,
		RootCause:      fmt.Sprintf("%s failed: %s", capability, errorText),
	}, nil
}

func (h *HeuristicService) GenerateRegressionTest(_ context.Context, spec *Spec, _, _ string) (string, error) {
	return h.GenerateTests(context.Background(), spec)
}

// SynthesizeReply states the result plainly.
func (h *HeuristicService) SynthesizeReply(_ context.Context, _ string, result interface{}) (string, error) {
	return fmt.Sprintf("Result: %v", result), nil
}
