package tracker

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func runSession(t *testing.T, tr *Tracker, sessionID string, caps []string, success bool) []store.Pattern {
	t.Helper()
	tr.Begin(sessionID)
	for _, c := range caps {
		require.NoError(t, tr.Record(sessionID, Step{Capability: c, Success: success, LatencyMs: 10}))
	}
	mined, err := tr.End(sessionID)
	require.NoError(t, err)
	return mined
}

func TestSingleStepSessionsMineNothing(t *testing.T) {
	tr, st := newTestTracker(t)

	mined := runSession(t, tr, "s1", []string{"calculate_percentage"}, true)
	assert.Empty(t, mined)

	patterns, err := st.ListPatterns(false)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestMinesFullPatternAndSubsequences(t *testing.T) {
	tr, st := newTestTracker(t)

	seq := []string{"calculate_percentage", "reverse_string", "count_words"}
	runSession(t, tr, "s1", seq, true)

	full, err := st.GetPattern("calculate_percentage_to_reverse_string_to_count_words")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, store.PatternFull, full.Kind)
	assert.Equal(t, 1, full.Frequency)
	assert.Equal(t, 0.5, full.Confidence)
	assert.Equal(t, 3, full.Complexity)
	assert.Equal(t, seq, full.Sequence)

	// Both 2-grams exist as subsequences; the 3-gram equals the full
	// sequence and is not duplicated.
	sub, err := st.GetPattern("sub_calculate_percentage-reverse_string")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, store.PatternSubsequence, sub.Kind)
	assert.Equal(t, 0.3, sub.Confidence)

	dup, err := st.GetPattern("sub_calculate_percentage-reverse_string-count_words")
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestRepeatObservationsRaiseConfidence(t *testing.T) {
	tr, st := newTestTracker(t)

	seq := []string{"calculate_percentage", "reverse_string"}
	for i := 0; i < 10; i++ {
		runSession(t, tr, fmt.Sprintf("s%d", i), seq, true)
	}

	p, err := st.GetPattern("calculate_percentage_to_reverse_string")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 10, p.Frequency)
	assert.InDelta(t, 1.0, p.SuccessRate, 1e-9)
	assert.Equal(t, 0.95, p.Confidence) // capped
	assert.Len(t, p.SessionIDs, 10)
}

func TestFailuresDragSuccessRateDown(t *testing.T) {
	tr, st := newTestTracker(t)

	seq := []string{"a", "b"}
	runSession(t, tr, "good", seq, true)
	runSession(t, tr, "bad", seq, false)

	p, err := st.GetPattern("a_to_b")
	require.NoError(t, err)
	require.NotNil(t, p)
	// EMA with alpha 0.3: 0.3*0 + 0.7*1.0
	assert.InDelta(t, 0.7, p.SuccessRate, 1e-9)
	assert.Less(t, p.Confidence, 0.5)
}

func TestTransitionsCounted(t *testing.T) {
	tr, st := newTestTracker(t)

	runSession(t, tr, "s1", []string{"a", "b", "c"}, true)
	runSession(t, tr, "s2", []string{"a", "b"}, true)

	tr1, err := st.GetTransition("a", "b")
	require.NoError(t, err)
	require.NotNil(t, tr1)
	assert.Equal(t, 2, tr1.Count)

	tr2, err := st.GetTransition("b", "c")
	require.NoError(t, err)
	require.NotNil(t, tr2)
	assert.Equal(t, 1, tr2.Count)

	none, err := st.GetTransition("c", "a")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNgrams(t *testing.T) {
	grams := ngrams([]string{"a", "b", "c", "d"}, 3)
	require.Len(t, grams, 2)
	assert.Equal(t, []string{"a", "b", "c"}, grams[0])
	assert.Equal(t, []string{"b", "c", "d"}, grams[1])

	assert.Nil(t, ngrams([]string{"a"}, 2))
}
