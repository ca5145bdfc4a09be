package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	mgr, err := NewManager(st)
	require.NoError(t, err)
	return mgr, st
}

func TestManagerSeedsDefaults(t *testing.T) {
	mgr, _ := newTestManager(t)
	h := mgr.Handle()

	assert.Equal(t, 0.4, h.Retrieval.Threshold)
	assert.True(t, h.Retrieval.Rerank)
	assert.Equal(t, RerankWeights{Similarity: 0.7, SuccessRate: 0.2, Frequency: 0.1}, h.Rerank)
	assert.Equal(t, 3, h.Promotion.MinFrequency)
	assert.Equal(t, 0.8, h.Promotion.MinSuccessRate)
	assert.Equal(t, 3600.0, h.CacheTTL.Seconds())
	assert.Equal(t, 1, h.Versions[RetrievalThreshold])
}

func TestManagerUpdateVersionsAndReloads(t *testing.T) {
	mgr, _ := newTestManager(t)

	p, err := mgr.Update(RetrievalThreshold, RetrievalPolicy{Threshold: 0.5, Rerank: true}, "test", "")
	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)

	h := mgr.Handle()
	assert.Equal(t, 0.5, h.Retrieval.Threshold)
	assert.Equal(t, 2, h.Versions[RetrievalThreshold])

	history, err := mgr.History(RetrievalThreshold)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Active)
	assert.False(t, history[1].Active)
}

func TestHandleIsSnapshot(t *testing.T) {
	mgr, _ := newTestManager(t)
	before := mgr.Handle()

	_, err := mgr.Update(CacheTTLSeconds, 120, "test", "")
	require.NoError(t, err)

	// The earlier snapshot keeps the value it was taken with.
	assert.Equal(t, 3600.0, before.CacheTTL.Seconds())
	assert.Equal(t, 120.0, mgr.Handle().CacheTTL.Seconds())
}

func TestTunerImprovesThreshold(t *testing.T) {
	mgr, st := newTestManager(t)

	// Move the threshold away from the sweet spot; the tuner should
	// pull it back.
	_, err := mgr.Update(RetrievalThreshold, RetrievalPolicy{Threshold: 0.7, Rerank: true}, "test", "")
	require.NoError(t, err)

	tuner := NewTuner(st, mgr, 7, 21)
	tuner.Seed(1)
	recs, err := tuner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	var threshold *Recommendation
	for i := range recs {
		if recs[i].Policy == RetrievalThreshold {
			threshold = &recs[i]
		}
	}
	require.NotNil(t, threshold)
	assert.True(t, threshold.Applied)
	assert.Greater(t, threshold.Score, threshold.CurrentScore)

	got := mgr.Handle().Retrieval.Threshold
	assert.InDelta(t, 0.45, got, 0.03)
}

func TestTunerKeepsIncumbentWithinMargin(t *testing.T) {
	mgr, st := newTestManager(t)

	// Defaults already score well; reranking weights stay put unless a
	// random sample clearly beats them.
	tuner := NewTuner(st, mgr, 7, 5)
	tuner.Seed(42)
	recs, err := tuner.Run(context.Background())
	require.NoError(t, err)

	for _, rec := range recs {
		if !rec.Applied {
			assert.Equal(t, "incumbent within margin", rec.Reason)
		}
	}
	// Every write the tuner made is attributed to it.
	history, err := mgr.History(RetrievalThreshold)
	require.NoError(t, err)
	for _, p := range history[:len(history)-1] {
		assert.Equal(t, "auto_tuner", p.CreatedBy)
	}
}

func TestCompositeScoreShape(t *testing.T) {
	assert.Equal(t, 1.0, compositeScore(3))
	assert.Equal(t, 1.0, compositeScore(10))
	assert.Less(t, compositeScore(0), compositeScore(2))
	assert.Less(t, compositeScore(40), compositeScore(12))
}
