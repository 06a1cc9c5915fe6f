// Package fake registers the "fake" embedding provider: a local, deterministic
// feature-hashing embedder. Texts sharing words get similar vectors, which is
// enough for tests and offline demos.
package fake

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/wilhg/clinic-assist/pkg/adapters/embedding"
)

const defaultDim = 256

// Embedder hashes lowercase word tokens into a fixed number of buckets and
// L2-normalizes the result.
type Embedder struct {
	dim int
}

// New returns a fake embedder with the given dimension (at least 16).
func New(dim int) *Embedder {
	if dim < 16 {
		dim = 16
	}
	return &Embedder{dim: dim}
}

func (e *Embedder) Name() string { return "fake" }

func (e *Embedder) Embed(ctx context.Context, inputs []string) ([]embedding.Vector, error) {
	out := make([]embedding.Vector, len(inputs))
	for i, s := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(s)
	}
	return out, nil
}

func (e *Embedder) vector(s string) embedding.Vector {
	vec := make(embedding.Vector, e.dim)
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		sign := float32(1)
		if sum>>63 == 1 {
			sign = -1
		}
		vec[sum%uint64(e.dim)] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty text still needs a usable direction for cosine search.
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

func init() {
	_ = embedding.Register("fake", func(ctx context.Context, cfg embedding.Config) (embedding.Embedder, error) {
		d := cfg.Dimensions
		if d == 0 {
			d = defaultDim
		}
		return New(d), nil
	})
}
