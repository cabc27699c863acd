package entities

import (
	"regexp"
	"sort"
	"strings"
)

type urgencyPattern struct {
	re     *regexp.Regexp
	class  UrgencyClass
	weight int
}

var urgencyPatterns = []urgencyPattern{
	{regexp.MustCompile(`(?i)\burgent\b`), UrgencyExplicit, 10},
	{regexp.MustCompile(`(?i)\bemergency\b`), UrgencyExplicit, 10},
	{regexp.MustCompile(`(?i)\basap\b`), UrgencyExplicit, 9},
	{regexp.MustCompile(`(?i)\bcritical\b`), UrgencyExplicit, 9},
	{regexp.MustCompile(`(?i)\bimmediately\b`), UrgencyExplicit, 8},
	{regexp.MustCompile(`(?i)\bhigh\s+priority\b`), UrgencyExplicit, 8},

	{regexp.MustCompile(`(?i)\btime.?sensitive\b`), UrgencyImplied, 8},
	{regexp.MustCompile(`(?i)\beod\b`), UrgencyImplied, 7},
	{regexp.MustCompile(`(?i)\bend\s+of\s+(?:the\s+)?day\b`), UrgencyImplied, 7},
	{regexp.MustCompile(`(?i)\bright\s+away\b`), UrgencyImplied, 7},
	{regexp.MustCompile(`(?i)\btoday\b`), UrgencyImplied, 5},
	{regexp.MustCompile(`(?i)\bthis\s+morning\b`), UrgencyImplied, 5},
	{regexp.MustCompile(`(?i)\bthis\s+afternoon\b`), UrgencyImplied, 5},

	{regexp.MustCompile(`(?i)\bdeadline\b`), UrgencyDeadline, 7},
	{regexp.MustCompile(`(?i)\bdue\s+(?:by|date)\b`), UrgencyDeadline, 6},
	{regexp.MustCompile(`(?i)\bexpir(?:es|ing|e)\b`), UrgencyDeadline, 6},
}

// extractUrgency returns each distinct cue once, strongest first. Cues of
// equal weight keep their order of first appearance in the text.
func extractUrgency(text string) []UrgencyCue {
	type hit struct {
		cue UrgencyCue
		pos int
	}
	var (
		hits []hit
		seen = map[string]bool{}
	)
	for _, p := range urgencyPatterns {
		for _, idx := range p.re.FindAllStringIndex(text, -1) {
			phrase := strings.Join(strings.Fields(strings.ToLower(text[idx[0]:idx[1]])), " ")
			if seen[phrase] {
				continue
			}
			seen[phrase] = true
			hits = append(hits, hit{cue: UrgencyCue{Text: phrase, Class: p.class, Weight: p.weight}, pos: idx[0]})
		}
	}
	if len(hits) == 0 {
		return nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].cue.Weight != hits[j].cue.Weight {
			return hits[i].cue.Weight > hits[j].cue.Weight
		}
		return hits[i].pos < hits[j].pos
	})
	out := make([]UrgencyCue, len(hits))
	for i, h := range hits {
		out[i] = h.cue
	}
	return out
}
