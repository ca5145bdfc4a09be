package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const doubleImpl = `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args string) (string, error) {
	var in struct {
		N float64 ` + "`json:\"n\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	out, err := json.Marshal(in.N * 2)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`

const doubleTests = `package main

import "fmt"

func RunTests() error {
	got, err := Run(` + "`" + `{"n": 21}` + "`" + `)
	if err != nil {
		return err
	}
	if got != "42" {
		return fmt.Errorf("Run(21) = %s, want 42", got)
	}
	return nil
}
`

func TestVerifyPasses(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(5*time.Second, 0)
	report, err := s.Verify(context.Background(), doubleImpl, doubleTests)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Failure)
	assert.Greater(t, report.Duration, time.Duration(0))
}

func TestVerifyFailsOnWrongBehavior(t *testing.T) {
	brokenImpl := strings.Replace(doubleImpl, "in.N * 2", "in.N * 3", 1)

	s := New(5*time.Second, 0)
	report, err := s.Verify(context.Background(), brokenImpl, doubleTests)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Failure, "want 42")
}

func TestVerifyRejectsForbiddenImports(t *testing.T) {
	evil := `package main

import (
	"fmt"
	"os/exec"
)

func Run(args string) (string, error) {
	out, _ := exec.Command("ls").Output()
	return fmt.Sprint(string(out)), nil
}
`
	s := New(5*time.Second, 0)
	report, err := s.Verify(context.Background(), evil, doubleTests)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Failure, "os/exec")
}

func TestVerifyReportsEvaluationErrors(t *testing.T) {
	s := New(5*time.Second, 0)
	report, err := s.Verify(context.Background(), "package main\n\nfunc Run(", doubleTests)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Failure, "does not evaluate")
}

func TestVerifyRequiresRunTests(t *testing.T) {
	s := New(5*time.Second, 0)
	report, err := s.Verify(context.Background(), doubleImpl, "package main\n\nfunc NotTests() error { return nil }\n")
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Failure, "RunTests")
}

func TestVerifyTimeout(t *testing.T) {
	slowTests := `package main

import "time"

func RunTests() error {
	time.Sleep(300 * time.Millisecond)
	return nil
}
`
	s := New(30*time.Millisecond, 0)
	_, err := s.Verify(context.Background(), doubleImpl, slowTests)
	assert.ErrorIs(t, err, ErrTimeout)

	// Let the abandoned interpreter goroutine drain before other
	// tests check for leaks.
	time.Sleep(350 * time.Millisecond)
}

func TestInvoke(t *testing.T) {
	s := New(5*time.Second, 0)
	out, err := s.Invoke(context.Background(), doubleImpl, `{"n": 4}`)
	require.NoError(t, err)
	assert.Equal(t, "8", out)

	// Errors from the capability come back as-is.
	_, err = s.Invoke(context.Background(), doubleImpl, `{notjson`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid arguments")
}

func TestInvokeRecoversPanics(t *testing.T) {
	panicky := `package main

func Run(args string) (string, error) {
	xs := []int{}
	return string(rune(xs[3])), nil
}
`
	s := New(5*time.Second, 0)
	_, err := s.Invoke(context.Background(), panicky, "{}")
	require.Error(t, err)
}

func TestOutputCapture(t *testing.T) {
	noisy := `package main

import "fmt"

func RunTests() error {
	fmt.Println("probe output line")
	return nil
}
`
	s := New(5*time.Second, 0)
	report, err := s.Verify(context.Background(), doubleImpl, noisy)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Contains(t, report.Output, "probe output line")
}

func TestOutputTruncation(t *testing.T) {
	b := newCappedBuffer(10)
	n, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Contains(t, b.String(), "0123456789")
	assert.Contains(t, b.String(), "[output truncated]")
}

func TestMergeSourcesDeduplicatesSharedImports(t *testing.T) {
	// Impl and tests both import fmt; the merged unit must declare it
	// once or evaluation fails on redeclaration.
	merged := MergeSources(doubleImpl, doubleTests)
	assert.Equal(t, 1, strings.Count(merged, `"fmt"`))
	assert.Equal(t, 1, strings.Count(merged, `"encoding/json"`))
	assert.Equal(t, 1, strings.Count(merged, "package main"))
	assert.Contains(t, merged, "func Run(")
	assert.Contains(t, merged, "func RunTests(")
	assert.NotContains(t, merged, "import \"fmt\"")
}

func TestStagingDirRemoved(t *testing.T) {
	stale := func() int {
		matches, err := filepath.Glob(filepath.Join(os.TempDir(), "skillforge-verify-*"))
		require.NoError(t, err)
		return len(matches)
	}
	before := stale()

	s := New(5*time.Second, 0)
	_, err := s.Verify(context.Background(), doubleImpl, doubleTests)
	require.NoError(t, err)

	brokenImpl := strings.Replace(doubleImpl, "in.N * 2", "in.N * 3", 1)
	_, err = s.Verify(context.Background(), brokenImpl, doubleTests)
	require.NoError(t, err)

	assert.Equal(t, before, stale())
}

func TestConcurrentVerifiesDoNotInterfere(t *testing.T) {
	tripleImpl := strings.Replace(doubleImpl, "in.N * 2", "in.N * 3", 1)
	tripleTests := strings.Replace(doubleTests, `"42"`, `"63"`, 1)

	s := New(5*time.Second, 0)
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			impl, tests := doubleImpl, doubleTests
			if i%2 == 1 {
				impl, tests = tripleImpl, tripleTests
			}
			report, err := s.Verify(context.Background(), impl, tests)
			if err != nil {
				errs[i] = err
				return
			}
			if !report.Passed {
				errs[i] = fmt.Errorf("verification failed: %s", report.Failure)
			}
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "verify %d", i)
	}
}

func TestValidateImports(t *testing.T) {
	assert.NoError(t, ValidateImports(doubleImpl))
	assert.Error(t, ValidateImports(`package main

import "net/http"
`))
	assert.Error(t, ValidateImports(`package main

import osalias "os"
`))
}
