package embed

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/intake/internal/intake"
)

// MaxBodyChars bounds the body portion of the embedding text.
const MaxBodyChars = 2000

// Normalize returns a unit-length copy of v, or nil when v has no direction.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Cosine is the dot product of two unit vectors. Vectors of different
// length are unrelated and score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// Text renders the item as the string that gets embedded: labelled subject,
// sender and source lines, the body truncated to MaxBodyChars, then the
// thread context when there is one.
func Text(it *intake.Item) string {
	var parts []string
	if s := strings.TrimSpace(it.Subject); s != "" {
		parts = append(parts, "Subject: "+s)
	}
	sender := strings.TrimSpace(it.FromName)
	if sender == "" {
		sender = strings.TrimSpace(it.FromAddress)
	}
	if sender != "" {
		parts = append(parts, "From: "+sender)
	}
	if it.Source != "" {
		parts = append(parts, "Source: "+it.Source)
	}
	if b := strings.TrimSpace(it.Body); b != "" {
		parts = append(parts, truncateRunes(b, MaxBodyChars))
	}
	if tc := strings.TrimSpace(it.ThreadContext); tc != "" {
		parts = append(parts, tc)
	}
	return strings.Join(parts, "\n")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
