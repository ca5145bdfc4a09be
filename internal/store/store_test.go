package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/embedding"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCapabilityUpsertGetDelete(t *testing.T) {
	s := newTestStore(t)

	cap := Capability{
		Name:        "calculate_percentage",
		Description: "Calculate a percentage of a base number",
		IsCurrent:   true,
		ImplPath:    "/caps/calculate_percentage.go",
		TestPath:    "/caps/calculate_percentage_tests.go",
		Embedding:   []float32{0.1, 0.2, 0.3},
	}
	require.NoError(t, s.UpsertCapability(cap))

	got, err := s.GetCapability("calculate_percentage")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, ProvenanceSynthesized, got.Provenance)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)

	// Idempotent overwrite keeps a single row.
	cap.Description = "updated"
	require.NoError(t, s.UpsertCapability(cap))
	caps, err := s.ListCurrentCapabilities()
	require.NoError(t, err)
	assert.Len(t, caps, 1)
	assert.Equal(t, "updated", caps[0].Description)

	require.NoError(t, s.DeleteCapability("calculate_percentage"))
	got, err = s.GetCapability("calculate_percentage")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteCapabilityRemovesArchivedVersions(t *testing.T) {
	s := newTestStore(t)

	cap := Capability{
		Name: "reverse_string", Description: "reverse text", IsCurrent: true,
		ImplPath: "/caps/reverse_string.go", TestPath: "/caps/reverse_string_tests.go",
	}
	require.NoError(t, s.UpsertCapability(cap))
	require.NoError(t, s.ArchiveCapabilityVersion("reverse_string"))
	require.NoError(t, s.PutCacheEntry(CacheEntry{
		Key: "k1", Capability: "reverse_string", CapabilityVersion: 1, Output: `"olleh"`,
	}))

	archived, err := s.GetCapability("reverse_string@v1")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.False(t, archived.IsCurrent)

	require.NoError(t, s.DeleteCapability("reverse_string"))
	archived, err = s.GetCapability("reverse_string@v1")
	require.NoError(t, err)
	assert.Nil(t, archived, "archives go with the capability")

	entry, err := s.GetCacheEntry("k1")
	require.NoError(t, err)
	assert.Nil(t, entry, "cached results go with the capability")
}

func TestSearchByEmbedding(t *testing.T) {
	s := newTestStore(t)
	engine := embedding.NewLocalEngine()
	ctx := context.Background()

	for _, c := range []struct{ name, desc string }{
		{"calculate_percentage", "calculate a percentage of a base number"},
		{"reverse_string", "reverse the characters of a text string"},
	} {
		vec, err := engine.Embed(ctx, c.desc)
		require.NoError(t, err)
		require.NoError(t, s.UpsertCapability(Capability{
			Name: c.name, Description: c.desc, IsCurrent: true,
			ImplPath: "/caps/" + c.name + ".go", TestPath: "/caps/" + c.name + "_tests.go",
			Embedding: vec,
		}))
	}

	query, err := engine.Embed(ctx, "what percentage of this number")
	require.NoError(t, err)
	matches, err := s.SearchByEmbedding(query, 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "calculate_percentage", matches[0].Capability.Name)
}

func TestExecutionStats(t *testing.T) {
	s := newTestStore(t)

	for i, success := range []bool{true, true, false, true} {
		require.NoError(t, s.InsertExecution(Execution{
			ID: string(rune('a' + i)), SessionID: "sess-1", Capability: "calculate_percentage",
			OrderIndex: i, Success: success, LatencyMs: 100,
		}))
	}

	stats, err := s.GetCapabilityStats("calculate_percentage")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Executions)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)

	execs, err := s.SessionExecutions("sess-1")
	require.NoError(t, err)
	require.Len(t, execs, 4)
	assert.Equal(t, 0, execs[0].OrderIndex, "session executions come back in order")

	m, err := s.GetMetrics(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, m.TotalExecutions)
	assert.InDelta(t, 0.75, m.SuccessRate, 1e-9)
}

func TestPatternsAndTransitions(t *testing.T) {
	s := newTestStore(t)

	p := Pattern{
		Name: "calculate_percentage_to_reverse_string",
		Sequence: []string{"calculate_percentage", "reverse_string"},
		Kind: PatternFull, Frequency: 1, SuccessRate: 1.0, Confidence: 0.5,
		SessionIDs: []string{"sess-1"}, Complexity: 2,
	}
	require.NoError(t, s.UpsertPattern(p))

	got, err := s.GetPattern(p.Name)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Sequence, got.Sequence)
	assert.False(t, got.Promoted)

	require.NoError(t, s.MarkPatternPromoted(p.Name, true, ""))
	got, err = s.GetPattern(p.Name)
	require.NoError(t, err)
	assert.True(t, got.Promoted)

	unpromoted, err := s.ListPatterns(true)
	require.NoError(t, err)
	assert.Empty(t, unpromoted)

	require.NoError(t, s.IncrementTransition("calculate_percentage", "reverse_string", true))
	require.NoError(t, s.IncrementTransition("calculate_percentage", "reverse_string", false))
	tr, err := s.GetTransition("calculate_percentage", "reverse_string")
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, 2, tr.Count)
	assert.Equal(t, 1, tr.SuccessCount)
}

func TestCacheEntryLifecycle(t *testing.T) {
	s := newTestStore(t)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.PutCacheEntry(CacheEntry{
		Key: "abc123", Capability: "calculate_percentage", CapabilityVersion: 1,
		Output: `25.0`, ExpiresAt: &expires,
	}))

	e, err := s.GetCacheEntry("abc123")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, `25.0`, e.Output)
	require.NotNil(t, e.ExpiresAt)

	require.NoError(t, s.TouchCacheEntry("abc123"))
	e, err = s.GetCacheEntry("abc123")
	require.NoError(t, err)
	assert.Equal(t, 1, e.HitCount)

	n, err := s.DeleteCapabilityCache("calculate_percentage")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err = s.GetCacheEntry("abc123")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestPurgeExpiredCache(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, s.PutCacheEntry(CacheEntry{
		Key: "stale", Capability: "x", CapabilityVersion: 1, Output: `1`, ExpiresAt: &past,
	}))
	require.NoError(t, s.PutCacheEntry(CacheEntry{
		Key: "fresh", Capability: "x", CapabilityVersion: 1, Output: `2`,
	}))

	n, err := s.PurgeExpiredCache()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	e, err := s.GetCacheEntry("fresh")
	require.NoError(t, err)
	assert.NotNil(t, e, "entries without expiry survive the purge")
}

func TestPolicySingleActiveVersion(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdatePolicy("retrieval_similarity_threshold", `{"threshold":0.4}`, "system", "")
	require.NoError(t, err)
	p2, err := s.UpdatePolicy("retrieval_similarity_threshold", `{"threshold":0.45}`, "auto_tuner", "")
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Version)

	active, err := s.ActivePolicy("retrieval_similarity_threshold")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 2, active.Version)
	assert.Equal(t, `{"threshold":0.45}`, active.Value)

	history, err := s.PolicyHistory("retrieval_similarity_threshold")
	require.NoError(t, err)
	require.Len(t, history, 2)

	activeCount := 0
	for _, p := range history {
		if p.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount, "exactly one active version per name")
}

func TestSkillGraphPath(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpdateSkillNode("a", true, 50, 0.2))
	require.NoError(t, s.UpdateSkillNode("a", false, 150, 0.2))
	node, err := s.GetSkillNode("a")
	require.NoError(t, err)
	require.NotNil(t, node)
	assert.Equal(t, 2, node.ExecCount)
	assert.InDelta(t, 0.8, node.SuccessRate, 1e-9, "EMA after one failure at alpha 0.2")

	require.NoError(t, s.UpdateSkillEdge("a", "b", true, 1.0, 0.2, 0.7, 0.3))
	require.NoError(t, s.UpdateSkillEdge("b", "c", true, 0.5, 0.2, 0.7, 0.3))

	path, err := s.FindSkillPath("a", "c", 5)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "a", path[0].FromCap)
	assert.Equal(t, "c", path[1].ToCap)

	none, err := s.FindSkillPath("c", "a", 5)
	require.NoError(t, err, "an unknown path is a normal answer")
	assert.Empty(t, none)
}

func TestSessionMessages(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendSessionMessage("sess-1", "user", "What is 25% of 100?"))
	require.NoError(t, s.AppendSessionMessage("sess-1", "assistant", "25% of 100 is 25."))
	require.NoError(t, s.AppendSessionMessage("sess-1", "user", "Now reverse it"))

	msgs, err := s.RecentSessionMessages("sess-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[0].Role, "oldest of the window first")
	assert.Equal(t, "Now reverse it", msgs[1].Content)
}
