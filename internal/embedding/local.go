package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// localDimensions is the fixed dimensionality of the local engine.
const localDimensions = 256

// LocalEngine is a deterministic, dependency-free embedding engine. It
// hashes word unigrams and bigrams into a fixed-size vector and
// L2-normalizes the result. Quality is far below a learned model, but it
// is stable across runs, which makes it suitable for tests and for
// running the full pipeline without credentials.
type LocalEngine struct{}

// NewLocalEngine creates a deterministic local embedding engine.
func NewLocalEngine() *LocalEngine {
	return &LocalEngine{}
}

// Embed generates a deterministic embedding for the text.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, localDimensions)

	tokens := tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok, 1.0)
		if i+1 < len(tokens) {
			addFeature(vec, tok+"_"+tokens[i+1], 0.5)
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *LocalEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *LocalEngine) Dimensions() int {
	return localDimensions
}

// Name returns the engine name.
func (e *LocalEngine) Name() string {
	return "local:hash-ngram"
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New32a()
	h.Write([]byte(feature))
	sum := h.Sum32()
	idx := int(sum % localDimensions)
	// Second hash bit decides sign to reduce bucket collisions biasing
	// every feature in the same direction.
	sign := float32(1)
	if (sum>>16)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight
}

func normalize(vec []float32) {
	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(mag))
	for i := range vec {
		vec[i] *= inv
	}
}
