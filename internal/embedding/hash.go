package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

const defaultHashDimension = 256

// HashProvider is a deterministic bag-of-words embedder using feature
// hashing. It needs no model and is what a deployment without an embedding
// endpoint runs on.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a HashProvider; dimension <= 0 selects 256.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = defaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, p.dimension)
		for _, w := range strings.FieldsFunc(strings.ToLower(t), isSeparator) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			sum := h.Sum32()
			sign := float32(1)
			if sum&1 == 1 {
				sign = -1
			}
			vec[int(sum>>1)%p.dimension] += sign
		}
		out[i] = Normalize(vec)
	}
	return out, nil
}

func (p *HashProvider) Dimension() int {
	return p.dimension
}

func isSeparator(r rune) bool {
	return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r > 127)
}
