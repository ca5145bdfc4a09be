package composite

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"skillforge/internal/llm"
)

// assemble merges the member implementations into one source file. Each
// member's Run is renamed to a numbered step function, imports are
// deduplicated, and a new Run chains the steps: the first step receives
// the composite arguments, every later step receives the previous
// step's output bound to its single parameter.
func assemble(members []member) (string, error) {
	imports := map[string]bool{"encoding/json": true, "fmt": true, "strconv": true}
	var bodies []string

	for i, m := range members {
		if i > 0 && len(m.spec.Params) > 1 {
			return "", fmt.Errorf("step %s takes %d arguments; a chain supplies one", m.spec.Name, len(m.spec.Params))
		}
		for _, path := range extractImports(m.impl) {
			imports[path] = true
		}
		body := stripDirectives(m.impl)
		renamed := strings.Replace(body, "func Run(", fmt.Sprintf("func runStep%d(", i), 1)
		if renamed == body {
			return "", fmt.Errorf("step %s has no Run entry point", m.spec.Name)
		}
		bodies = append(bodies, strings.TrimSpace(renamed))
	}

	paths := make([]string, 0, len(imports))
	for p := range imports {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	b.WriteString("package main\n\nimport (\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "\t%q\n", p)
	}
	b.WriteString(")\n\n")
	for _, body := range bodies {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString(coerceHelper)
	b.WriteString("\n")
	writeChain(&b, members)
	return b.String(), nil
}

// writeChain emits the composite Run.
func writeChain(b *strings.Builder, members []member) {
	b.WriteString("func Run(args string) (string, error) {\n")
	b.WriteString("\tout, err := runStep0(args)\n")
	fmt.Fprintf(b, "\tif err != nil {\n\t\treturn \"\", fmt.Errorf(\"step %s: %%v\", err)\n\t}\n", members[0].spec.Name)

	for i := 1; i < len(members); i++ {
		m := members[i]
		if len(m.spec.Params) == 0 {
			fmt.Fprintf(b, "\tout, err = runStep%d(\"{}\")\n", i)
		} else {
			p := m.spec.Params[0]
			fmt.Fprintf(b, "\tvar v%d interface{}\n", i)
			fmt.Fprintf(b, "\tif err := json.Unmarshal([]byte(out), &v%d); err != nil {\n\t\treturn \"\", fmt.Errorf(\"step %s input: %%v\", err)\n\t}\n", i, m.spec.Name)
			fmt.Fprintf(b, "\tnext%d, err := json.Marshal(map[string]interface{}{%q: coerce(v%d, %q)})\n", i, p.Name, i, p.Type)
			b.WriteString("\tif err != nil {\n\t\treturn \"\", err\n\t}\n")
			fmt.Fprintf(b, "\tout, err = runStep%d(string(next%d))\n", i, i)
		}
		fmt.Fprintf(b, "\tif err != nil {\n\t\treturn \"\", fmt.Errorf(\"step %s: %%v\", err)\n\t}\n", m.spec.Name)
	}
	b.WriteString("\treturn out, nil\n}\n")
}

// coerce bridges type mismatches between a step's output and the next
// step's declared parameter type.
const coerceHelper = `func coerce(v interface{}, typ string) interface{} {
	switch typ {
	case "string":
		if s, ok := v.(string); ok {
			return s
		}
		if f, ok := v.(float64); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return fmt.Sprintf("%v", v)
	case "number":
		if f, ok := v.(float64); ok {
			return f
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	}
	return v
}
`

// smokeTests exercises the assembled chain end to end with synthetic
// arguments. Composites carry no behavioral oracle of their own; the
// members were each verified against generated tests at synthesis
// time, so the chain only needs to prove its plumbing.
func smokeTests(spec *llm.Spec) string {
	return fmt.Sprintf(`package main

import "fmt"

func RunTests() error {
	out, err := Run(%q)
	if err != nil {
		return fmt.Errorf("composite run: %%v", err)
	}
	if out == "" {
		return fmt.Errorf("composite run produced no output")
	}
	return nil
}
`, sampleArgs(spec.Params))
}

// sampleArgs builds a synthetic argument payload from a parameter list.
func sampleArgs(params []llm.Param) string {
	args := make(map[string]interface{}, len(params))
	for _, p := range params {
		switch p.Type {
		case "number":
			args[p.Name] = 10
		case "boolean":
			args[p.Name] = true
		default:
			args[p.Name] = "sample"
		}
	}
	out, _ := json.Marshal(args)
	return string(out)
}

// extractImports pulls import paths from both grouped and single-line
// import declarations.
func extractImports(src string) []string {
	var paths []string
	inBlock := false
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			if trimmed == ")" {
				inBlock = false
				continue
			}
			if p := quotedPath(trimmed); p != "" {
				paths = append(paths, p)
			}
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case strings.HasPrefix(trimmed, "import "):
			if p := quotedPath(strings.TrimPrefix(trimmed, "import ")); p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// stripDirectives removes the package clause and import declarations,
// leaving only top-level definitions.
func stripDirectives(src string) string {
	var kept []string
	inBlock := false
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			if trimmed == ")" {
				inBlock = false
			}
		case strings.HasPrefix(trimmed, "package "):
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case strings.HasPrefix(trimmed, "import "):
		default:
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func quotedPath(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, `"`); i >= 0 {
		if j := strings.LastIndex(s, `"`); j > i {
			return s[i+1 : j]
		}
	}
	return ""
}
