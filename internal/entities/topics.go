package entities

import (
	"strings"
	"unicode"
)

// maxPhraseWords caps the length of one topic phrase.
const maxPhraseWords = 3

var stopwords = toSet(`a about above after again against all also am an and any are as at
	be because been before being below between both but by can could did do does doing done
	down during each either else ever every few for from further get gets got had has have
	having he her here hers herself him himself his how however i if in into is it its itself
	just let like made make many me might more most much must my myself need no nor not now
	of off on once one only or other our ours ourselves out over own per please re same see
	she should so some such than that the their theirs them themselves then there these they
	this those through thus to too under until up upon us very via want was we well were what
	when where whether which while who whom whose why will with within without would yet you
	your yours yourself yourselves hi hello hey dear thanks thank regards best cheers sincerely
	fw fwd subject sent wrote today tomorrow tonight yesterday week month day morning afternoon
	evening urgent asap eod immediately critical emergency quick quickly soon still already
	going know think sure okay ok yes yeah thing things something anything everything someone
	anyone everyone lot bit way back next last new`)

func toSet(words string) map[string]bool {
	m := map[string]bool{}
	for _, w := range strings.Fields(words) {
		m[w] = true
	}
	return m
}

// extractTopics returns up to limit distinct lowercase phrases built from
// runs of content words, in order of first appearance. Runs break at
// punctuation and stopwords and are split into phrases of at most
// maxPhraseWords words.
func extractTopics(text string, limit int) []string {
	toks := tokenize(text)

	var (
		out  []string
		seen = map[string]bool{}
		run  []string
	)
	emit := func() {
		for len(run) > 0 && len(out) < limit {
			n := min(len(run), maxPhraseWords)
			phrase := strings.Join(run[:n], " ")
			run = run[n:]
			if !seen[phrase] {
				seen[phrase] = true
				out = append(out, phrase)
			}
		}
		run = nil
	}

	prevEnd := -1
	for _, t := range toks {
		if len(out) >= limit {
			break
		}
		if prevEnd >= 0 && strings.TrimFunc(text[prevEnd:t.start], unicode.IsSpace) != "" {
			emit()
		}
		prevEnd = t.end

		w := strings.ToLower(strings.Trim(t.text, "'’-"))
		if !contentWord(w) {
			emit()
			continue
		}
		run = append(run, w)
	}
	emit()
	return out
}

func contentWord(w string) bool {
	if len([]rune(w)) < 3 || stopwords[w] || notNames[w] {
		return false
	}
	for _, r := range w {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
