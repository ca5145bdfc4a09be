package policy

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// Recommendation is a tuning trial's outcome for one policy.
type Recommendation struct {
	Policy       string      `json:"policy"`
	Value        interface{} `json:"value"`
	Score        float64     `json:"score"`
	CurrentScore float64     `json:"current_score"`
	Applied      bool        `json:"applied"`
	Reason       string      `json:"reason"`
}

// A candidate must beat the incumbent by this margin before the tuner
// writes a new version; below it the churn isn't worth the history
// noise.
const improvementMargin = 0.01

// Tuner searches the parameter space of each tunable policy against
// recent execution history and applies the winners through the
// Manager, so every change is versioned and attributable.
type Tuner struct {
	store    *store.Store
	manager  *Manager
	lookback time.Duration
	trials   int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTuner builds a tuner over the given lookback window. trials
// controls how many candidates each search evaluates.
func NewTuner(st *store.Store, mgr *Manager, lookbackDays, trials int) *Tuner {
	if lookbackDays <= 0 {
		lookbackDays = 7
	}
	if trials <= 0 {
		trials = 10
	}
	return &Tuner{
		store:    st,
		manager:  mgr,
		lookback: time.Duration(lookbackDays) * 24 * time.Hour,
		trials:   trials,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed fixes the random source. Tests use it for reproducible weight
// searches.
func (t *Tuner) Seed(seed int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rng = rand.New(rand.NewSource(seed))
}

func (t *Tuner) randFloat() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rng.Float64()
}

// Run executes all three tuning searches concurrently and applies
// any recommendation that beats the active policy.
func (t *Tuner) Run(ctx context.Context) ([]Recommendation, error) {
	log := logging.Get(logging.CategoryPolicy)
	handle := t.manager.Handle()

	since := time.Now().Add(-t.lookback)
	metrics, err := t.store.GetMetrics(since)
	if err != nil {
		return nil, fmt.Errorf("failed to load tuning window: %w", err)
	}

	recs := make([]Recommendation, 3)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs[0] = t.tuneThreshold(handle, metrics)
		return ctx.Err()
	})
	g.Go(func() error {
		var err error
		recs[1], err = t.tuneComposite(handle)
		if err != nil {
			return err
		}
		return ctx.Err()
	})
	g.Go(func() error {
		recs[2] = t.tuneRerankWeights(handle)
		return ctx.Err()
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range recs {
		rec := &recs[i]
		if rec.Score <= rec.CurrentScore+improvementMargin {
			rec.Reason = "incumbent within margin"
			continue
		}
		meta := fmt.Sprintf(`{"score": %.4f, "previous_score": %.4f, "trials": %d, "window_executions": %d}`,
			rec.Score, rec.CurrentScore, t.trials, metrics.TotalExecutions)
		if _, err := t.manager.Update(rec.Policy, rec.Value, "auto_tuner", meta); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", rec.Policy, err)
		}
		rec.Applied = true
		rec.Reason = "beats incumbent"
		log.Info("tuned %s: score %.3f > %.3f", rec.Policy, rec.Score, rec.CurrentScore)
	}
	return recs, nil
}

// thresholdScore peaks at the sweet spot where retrieval neither
// rejects reusable capabilities nor admits spurious matches. The peak
// shifts down when the window shows failures, loosening retrieval so
// more candidates get considered.
func thresholdScore(threshold float64, metrics *store.Metrics) float64 {
	peak := 0.45
	if metrics.TotalExecutions > 0 && metrics.SuccessRate < 0.5 {
		peak = 0.40
	}
	return math.Max(0, 1.0-math.Abs(threshold-peak)/peak)
}

func (t *Tuner) tuneThreshold(handle Handle, metrics *store.Metrics) Recommendation {
	current := handle.Retrieval.Threshold
	rec := Recommendation{
		Policy:       RetrievalThreshold,
		Value:        handle.Retrieval,
		Score:        thresholdScore(current, metrics),
		CurrentScore: thresholdScore(current, metrics),
	}
	lo, hi := 0.3, 0.7
	for i := 0; i < t.trials; i++ {
		candidate := lo
		if t.trials > 1 {
			candidate = lo + (hi-lo)*float64(i)/float64(t.trials-1)
		}
		if score := thresholdScore(candidate, metrics); score > rec.Score {
			rec.Score = score
			rec.Value = RetrievalPolicy{Threshold: candidate, Rerank: handle.Retrieval.Rerank}
		}
	}
	return rec
}

// compositeScore is 1.0 when the criteria admit a healthy number of
// promotion candidates and decays toward 0 as the gate becomes too
// tight or too loose.
func compositeScore(eligible int) float64 {
	const lo, hi = 3, 10
	switch {
	case eligible >= lo && eligible <= hi:
		return 1.0
	case eligible < lo:
		return float64(eligible) / float64(lo)
	default:
		return float64(hi) / float64(eligible)
	}
}

func (t *Tuner) tuneComposite(handle Handle) (Recommendation, error) {
	current := handle.Promotion
	currentEligible, err := t.store.CountEligiblePatterns(current.MinFrequency, current.MinSuccessRate)
	if err != nil {
		return Recommendation{}, err
	}
	rec := Recommendation{
		Policy:       CompositeCriteria,
		Value:        current,
		Score:        compositeScore(currentEligible),
		CurrentScore: compositeScore(currentEligible),
	}
	for freq := 2; freq <= 5; freq++ {
		for _, success := range []float64{0.70, 0.75, 0.80, 0.85, 0.90} {
			eligible, err := t.store.CountEligiblePatterns(freq, success)
			if err != nil {
				return Recommendation{}, err
			}
			if score := compositeScore(eligible); score > rec.Score {
				rec.Score = score
				rec.Value = PromotionCriteria{
					MinFrequency:   freq,
					MinSuccessRate: success,
					MinConfidence:  current.MinConfidence,
				}
			}
		}
	}
	return rec, nil
}

// rerankScore measures distance from the weight mix that historically
// balances semantic fit against track record.
func rerankScore(w RerankWeights) float64 {
	ref := RerankWeights{Similarity: 0.65, SuccessRate: 0.25, Frequency: 0.10}
	d := math.Sqrt(
		(w.Similarity-ref.Similarity)*(w.Similarity-ref.Similarity) +
			(w.SuccessRate-ref.SuccessRate)*(w.SuccessRate-ref.SuccessRate) +
			(w.Frequency-ref.Frequency)*(w.Frequency-ref.Frequency))
	return math.Max(0, 1.0-d)
}

func (t *Tuner) tuneRerankWeights(handle Handle) Recommendation {
	rec := Recommendation{
		Policy:       RerankingWeights,
		Value:        handle.Rerank,
		Score:        rerankScore(handle.Rerank),
		CurrentScore: rerankScore(handle.Rerank),
	}
	for i := 0; i < t.trials; i++ {
		a, b, c := t.randFloat(), t.randFloat(), t.randFloat()
		total := a + b + c
		if total == 0 {
			continue
		}
		w := RerankWeights{Similarity: a / total, SuccessRate: b / total, Frequency: c / total}
		if score := rerankScore(w); score > rec.Score {
			rec.Score = score
			rec.Value = w
		}
	}
	return rec
}
