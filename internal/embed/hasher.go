package embed

import (
	"context"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashDimensions is the vector length of a zero-configured Hasher.
const DefaultHashDimensions = 384

// Hasher is a deterministic, offline Embedder. Lowercased word unigrams and
// bigrams are hashed into a fixed number of buckets with a sign bit, then
// the vector is normalized. Texts sharing vocabulary land close together;
// nothing semantic beyond that.
type Hasher struct {
	dims int
}

// NewHasher returns a Hasher producing vectors of length dims.
func NewHasher(dims int) *Hasher {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &Hasher{dims: dims}
}

// Dimensions returns the configured vector length.
func (h *Hasher) Dimensions() int { return h.dims }

// Embed hashes text into a unit vector. Text with no words is ErrEmptyText.
func (h *Hasher) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, ErrEmptyText
	}

	vec := make([]float32, h.dims)
	add := func(feature string, weight float32) {
		sum := xxhash.Sum64String(feature)
		idx := sum % uint64(h.dims)
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}
	if out := Normalize(vec); out != nil {
		return out, nil
	}
	return nil, ErrEmptyText
}
