// Package similarity classifies an item by nearest-neighbour voting over
// previously triaged items with stored embeddings.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/intake/internal/embed"
	"github.com/linnemanlabs/intake/internal/intake"
)

const (
	DefaultTopK          = 5
	DefaultVoteTopK      = 10
	DefaultMinSimilarity = 0.5
	DefaultPoolSize      = 500

	// StrongSimilarity marks a near-duplicate neighbour.
	StrongSimilarity = 0.8
	// ModerateSimilarity is the bar at least one neighbour must clear for
	// similarity evidence to exist at all.
	ModerateSimilarity = 0.65

	// MaxConfidence caps similarity-derived confidence.
	MaxConfidence = 0.95

	maxStrongBonus    = 0.2
	strongBonusEach   = 0.05
	maxAgreementBonus = 0.2
)

// Store is the slice of the item store the classifier needs.
type Store interface {
	Candidates(ctx context.Context, q intake.CandidateQuery) ([]intake.Candidate, error)
	SetEmbedding(ctx context.Context, id string, vec []float32) error
}

// Options narrows a similarity search. Zero values take the defaults.
type Options struct {
	Zone          intake.Zone
	TopK          int
	MinSimilarity float64
	RequireTriage bool
	ExcludeIDs    []string
}

// Match is one neighbour.
type Match struct {
	ID         string               `json:"id"`
	Zone       intake.Zone          `json:"zone"`
	Subject    string               `json:"subject"`
	Similarity float64              `json:"similarity"`
	Triage     *intake.TriageRecord `json:"triage,omitempty"`
}

// Suggestion is the outcome of a weighted vote among triaged neighbours.
type Suggestion struct {
	Category          intake.Category `json:"category"`
	Priority          intake.Priority `json:"priority"`
	QuickWin          bool            `json:"quick_win"`
	Confidence        float64         `json:"confidence"`
	Reasoning         string          `json:"reasoning"`
	Matches           []Match         `json:"matches"`
	StrongMatches     int             `json:"strong_matches"`
	CategoryAgreement float64         `json:"category_agreement"`
	PriorityAgreement float64         `json:"priority_agreement"`
}

// Top returns the most similar neighbour.
func (s *Suggestion) Top() Match {
	return s.Matches[0]
}

// Classifier finds neighbours and proposes classifications.
type Classifier struct {
	store    Store
	embedder embed.Embedder
	poolSize int
}

// New returns a Classifier scanning at most poolSize recent candidates.
func New(store Store, embedder embed.Embedder, poolSize int) *Classifier {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Classifier{store: store, embedder: embedder, poolSize: poolSize}
}

// Vector returns the item's embedding, computing and persisting it when the
// item has none for its current content. Items without an ID (ad hoc
// queries) are embedded but not persisted.
func (c *Classifier) Vector(ctx context.Context, it *intake.Item) ([]float32, error) {
	if len(it.Embedding) > 0 {
		return it.Embedding, nil
	}
	vec, err := c.embedder.Embed(ctx, embed.Text(it))
	if err != nil {
		return nil, fmt.Errorf("embedding item: %w", err)
	}
	vec = embed.Normalize(vec)
	if vec == nil {
		return nil, errors.New("embedding item: zero vector")
	}
	if it.ID != "" {
		if err := c.store.SetEmbedding(ctx, it.ID, vec); err != nil {
			return nil, fmt.Errorf("storing embedding: %w", err)
		}
	}
	it.Embedding = vec
	return vec, nil
}

// FindSimilar returns up to TopK neighbours at or above MinSimilarity,
// most similar first. The item itself and ExcludeIDs are skipped.
func (c *Classifier) FindSimilar(ctx context.Context, it *intake.Item, opts Options) ([]Match, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = DefaultMinSimilarity
	}

	vec, err := c.Vector(ctx, it)
	if err != nil {
		return nil, err
	}

	pool, err := c.store.Candidates(ctx, intake.CandidateQuery{
		Zone:          opts.Zone,
		Limit:         c.poolSize,
		RequireTriage: opts.RequireTriage,
	})
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}

	skip := make(map[string]bool, len(opts.ExcludeIDs)+1)
	if it.ID != "" {
		skip[it.ID] = true
	}
	for _, id := range opts.ExcludeIDs {
		skip[id] = true
	}

	var matches []Match
	for _, cand := range pool {
		if skip[cand.ID] {
			continue
		}
		if opts.RequireTriage && cand.Triage == nil {
			continue
		}
		sim := embed.Cosine(vec, cand.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		matches = append(matches, Match{
			ID:         cand.ID,
			Zone:       cand.Zone,
			Subject:    cand.Subject,
			Similarity: sim,
			Triage:     cand.Triage,
		})
	}

	// Stable so equal scores keep the pool's recency order.
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > opts.TopK {
		matches = matches[:opts.TopK]
	}
	return matches, nil
}

// Suggest votes among triaged neighbours. The boolean is false when no
// neighbour reaches ModerateSimilarity, in which case there is no evidence.
func (c *Classifier) Suggest(ctx context.Context, it *intake.Item, opts Options) (*Suggestion, bool, error) {
	opts.RequireTriage = true
	if opts.TopK <= 0 {
		opts.TopK = DefaultVoteTopK
	}
	matches, err := c.FindSimilar(ctx, it, opts)
	if err != nil {
		return nil, false, err
	}
	s, ok := Vote(matches)
	return s, ok, nil
}

// Vote tallies similarity-weighted votes over triaged matches sorted by
// descending similarity. Matches without a triage record are ignored.
func Vote(matches []Match) (*Suggestion, bool) {
	var voters []Match
	for _, m := range matches {
		if m.Triage != nil {
			voters = append(voters, m)
		}
	}
	if len(voters) == 0 || voters[0].Similarity < ModerateSimilarity {
		return nil, false
	}

	cats := newTally[intake.Category]()
	pris := newTally[intake.Priority]()
	var (
		simSum float64
		strong int
		qwYes  float64
		qwNo   float64
	)
	for _, m := range voters {
		simSum += m.Similarity
		if m.Similarity >= StrongSimilarity {
			strong++
		}
		cats.add(m.Triage.Category, m.Similarity)
		pris.add(m.Triage.Priority, m.Similarity)
		if m.Triage.QuickWin {
			qwYes += m.Similarity
		} else {
			qwNo += m.Similarity
		}
	}

	n := float64(len(voters))
	s := &Suggestion{
		Category:          cats.winner(),
		Priority:          pris.winner(),
		QuickWin:          qwYes > qwNo,
		Matches:           voters,
		StrongMatches:     strong,
		CategoryAgreement: float64(cats.count[cats.winner()]) / n,
		PriorityAgreement: float64(pris.count[pris.winner()]) / n,
	}
	s.Confidence = confidence(simSum/n, strong, s.CategoryAgreement, s.PriorityAgreement)
	s.Reasoning = reasoning(s, cats, pris)
	return s, true
}

func confidence(meanSim float64, strong int, catAgree, priAgree float64) float64 {
	conf := meanSim +
		min(maxStrongBonus, strongBonusEach*float64(strong)) +
		maxAgreementBonus*(catAgree+priAgree)/2
	return min(conf, MaxConfidence)
}

// tally accumulates weighted votes. Ties on weight go to the value whose
// best single vote was higher, then to the value seen first.
type tally[T ~string] struct {
	order  []T
	weight map[T]float64
	best   map[T]float64
	count  map[T]int
}

func newTally[T ~string]() *tally[T] {
	return &tally[T]{weight: map[T]float64{}, best: map[T]float64{}, count: map[T]int{}}
}

func (t *tally[T]) add(v T, sim float64) {
	if _, ok := t.weight[v]; !ok {
		t.order = append(t.order, v)
	}
	t.weight[v] += sim
	t.best[v] = max(t.best[v], sim)
	t.count[v]++
}

func (t *tally[T]) winner() T {
	var win T
	for i, v := range t.order {
		if i == 0 || t.weight[v] > t.weight[win] ||
			(t.weight[v] == t.weight[win] && t.best[v] > t.best[win]) {
			win = v
		}
	}
	return win
}

// summary renders "A 1.70, B 0.50" in descending weight.
func (t *tally[T]) summary() string {
	vals := append([]T(nil), t.order...)
	sort.SliceStable(vals, func(i, j int) bool { return t.weight[vals[i]] > t.weight[vals[j]] })
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%s %.2f", v, t.weight[v])
	}
	return strings.Join(parts, ", ")
}

func reasoning(s *Suggestion, cats *tally[intake.Category], pris *tally[intake.Priority]) string {
	strength := "moderate"
	if s.StrongMatches > 0 {
		strength = "strong"
	}
	top := s.Top()
	return fmt.Sprintf("%s match: %d similar triaged items (%d strong); category votes: %s; priority votes: %s; most similar: %q (%.0f%%)",
		strength, len(s.Matches), s.StrongMatches, cats.summary(), pris.summary(), top.Subject, top.Similarity*100)
}
