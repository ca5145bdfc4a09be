// Package sandbox runs generated capability code in an isolated
// interpreter. Interpreting instead of compiling avoids toolchain
// hangs and dependency resolution entirely: the code gets a fresh
// interpreter per run, a whitelisted slice of the standard library,
// a bounded output buffer, and a deadline. Nothing it does can touch
// the process, the network, or the filesystem outside its staging
// directory.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"golang.org/x/sync/singleflight"

	"skillforge/internal/logging"
)

// ErrTimeout reports that the code ran past its deadline. The
// interpreter goroutine cannot be killed; it is abandoned and its
// result discarded.
var ErrTimeout = fmt.Errorf("sandbox: execution timed out")

const defaultMaxOutput = 64 * 1024

// Packages capability code may import. Everything else is rejected
// before the interpreter sees the code. os, os/exec, net, net/http,
// syscall, plugin, and unsafe stay out.
var allowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/csv":    true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/bits":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// Report is the outcome of one verification run.
type Report struct {
	Passed   bool
	Failure  string // test or evaluation error, empty when Passed
	Output   string // captured stdout/stderr, truncated at the cap
	Duration time.Duration
}

// Sandbox verifies and invokes capability code. Safe for concurrent
// use; every run gets its own interpreter.
type Sandbox struct {
	timeout   time.Duration
	maxOutput int

	// Concurrent verifications of identical sources share one run.
	verifyGroup singleflight.Group
}

// New builds a sandbox with the given per-run deadline and output cap.
func New(timeout time.Duration, maxOutput int) *Sandbox {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &Sandbox{timeout: timeout, maxOutput: maxOutput}
}

// Verify evaluates an implementation together with its test suite and
// runs RunTests. The implementation must define
// `func Run(args string) (string, error)` and the suite
// `func RunTests() error`.
func (s *Sandbox) Verify(ctx context.Context, implSource, testSource string) (*Report, error) {
	key := verifyKey(implSource, testSource)
	v, err, _ := s.verifyGroup.Do(key, func() (interface{}, error) {
		return s.verify(ctx, implSource, testSource)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (s *Sandbox) verify(ctx context.Context, implSource, testSource string) (*Report, error) {
	log := logging.Get(logging.CategorySandbox)
	start := time.Now()

	if err := ValidateImports(implSource); err != nil {
		return &Report{Failure: err.Error(), Duration: time.Since(start)}, nil
	}
	if err := ValidateImports(testSource); err != nil {
		return &Report{Failure: err.Error(), Duration: time.Since(start)}, nil
	}

	// Staged sources make failures inspectable while the run lasts.
	stage, err := os.MkdirTemp("", "skillforge-verify-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage sources: %w", err)
	}
	defer os.RemoveAll(stage)
	_ = os.WriteFile(filepath.Join(stage, "impl.go"), []byte(implSource), 0o600)
	_ = os.WriteFile(filepath.Join(stage, "tests.go"), []byte(testSource), 0o600)

	out := newCappedBuffer(s.maxOutput)
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load interpreter symbols: %w", err)
	}

	// Impl and tests almost always share imports (fmt at minimum), and
	// evaluating them as two units would redeclare those. One merged
	// unit with a single deduplicated import block evaluates cleanly.
	if _, err := i.Eval(MergeSources(implSource, testSource)); err != nil {
		return &Report{Failure: fmt.Sprintf("source does not evaluate: %v", err), Output: out.String(), Duration: time.Since(start)}, nil
	}

	v, err := i.Eval("main.RunTests")
	if err != nil {
		return &Report{Failure: "test suite does not define RunTests", Output: out.String(), Duration: time.Since(start)}, nil
	}
	runTests, ok := v.Interface().(func() error)
	if !ok {
		return &Report{Failure: "RunTests must have signature func() error", Output: out.String(), Duration: time.Since(start)}, nil
	}

	runErr, err := s.callWithDeadline(ctx, func() error { return runTests() })
	if err != nil {
		return nil, err
	}
	report := &Report{Output: out.String(), Duration: time.Since(start)}
	if runErr != nil {
		report.Failure = runErr.Error()
		log.Debug("verification failed in %v: %s", report.Duration, report.Failure)
	} else {
		report.Passed = true
		log.Debug("verification passed in %v", report.Duration)
	}
	return report, nil
}

// Invoke runs a verified implementation's Run entry point with the
// given JSON-encoded arguments and returns its JSON-encoded result.
func (s *Sandbox) Invoke(ctx context.Context, implSource, argsJSON string) (string, error) {
	if err := ValidateImports(implSource); err != nil {
		return "", err
	}

	out := newCappedBuffer(s.maxOutput)
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("failed to load interpreter symbols: %w", err)
	}
	if _, err := i.Eval(implSource); err != nil {
		return "", fmt.Errorf("implementation does not evaluate: %w", err)
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return "", fmt.Errorf("implementation does not define Run: %w", err)
	}
	run, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", fmt.Errorf("Run must have signature func(string) (string, error)")
	}

	var result string
	runErr, err := s.callWithDeadline(ctx, func() error {
		var callErr error
		result, callErr = run(argsJSON)
		return callErr
	})
	if err != nil {
		return "", err
	}
	if runErr != nil {
		return "", runErr
	}
	return result, nil
}

// callWithDeadline runs fn under the sandbox deadline. The outer error
// is infrastructure (timeout, cancellation); the inner one is the
// code's own result.
func (s *Sandbox) callWithDeadline(ctx context.Context, fn func() error) (inner error, outer error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// ValidateImports rejects source that imports anything outside the
// whitelist. Line-based on purpose: it runs before any parse, so even
// source that will not evaluate gets its imports checked.
func ValidateImports(source string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := importPath(trimmed); pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := importPath(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("sandbox: forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// importPath extracts the quoted path from an import line, skipping
// aliases and comments.
func importPath(line string) string {
	start := strings.Index(line, `"`)
	if start == -1 {
		return ""
	}
	rest := line[start+1:]
	end := strings.Index(rest, `"`)
	if end == -1 {
		return ""
	}
	return rest[:end]
}

// MergeSources combines two main-package sources into one evaluable
// unit: a single package clause and one deduplicated import
// declaration followed by both bodies. Shared imports keep the first
// form seen.
func MergeSources(first, second string) string {
	var imports []string
	seen := map[string]bool{}
	for _, src := range []string{first, second} {
		for _, spec := range importSpecs(src) {
			path := importPath(spec)
			if seen[path] {
				continue
			}
			seen[path] = true
			imports = append(imports, spec)
		}
	}
	sort.Strings(imports)

	var b strings.Builder
	b.WriteString("package main\n\n")
	if len(imports) > 0 {
		b.WriteString("import (\n")
		for _, spec := range imports {
			b.WriteString("\t" + spec + "\n")
		}
		b.WriteString(")\n")
	}
	b.WriteString(stripDirectives(first))
	b.WriteString("\n")
	b.WriteString(stripDirectives(second))
	return b.String()
}

// importSpecs collects the import specs of a source file, one per
// line, grouped or not.
func importSpecs(source string) []string {
	var specs []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if importPath(trimmed) != "" {
				specs = append(specs, trimmed)
			}
		case strings.HasPrefix(trimmed, "import "):
			if spec := strings.TrimSpace(strings.TrimPrefix(trimmed, "import ")); importPath(spec) != "" {
				specs = append(specs, spec)
			}
		}
	}
	return specs
}

// stripDirectives drops the package clause and every import
// declaration, leaving only the body declarations.
func stripDirectives(source string) string {
	var kept []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "package "):
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock:
			if strings.HasPrefix(trimmed, ")") {
				inBlock = false
			}
		case strings.HasPrefix(trimmed, "import "):
		default:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func verifyKey(implSource, testSource string) string {
	h := sha256.Sum256([]byte(implSource + "\x00" + testSource))
	return hex.EncodeToString(h[:])
}

// cappedBuffer is an io.Writer that stops growing at max bytes and
// marks the cut.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
