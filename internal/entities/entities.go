// Package entities extracts dates, people, organizations, urgency cues and
// topics from free text. Pattern tables cover the common phrasings; the when
// parser resolves the remaining relative dates and the prose tagger adds
// person names the patterns miss.
//
// Extract is pure: the same text and reference time always produce the same
// result, and nothing is loaded from disk or the network.
package entities

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// MaxTopics bounds the number of topics returned.
const MaxTopics = 10

// Date is a date phrase resolved against the reference time.
type Date struct {
	Text       string    `json:"text"`
	Time       time.Time `json:"time"`
	IsDeadline bool      `json:"is_deadline"`
	Start      int       `json:"start"`
	End        int       `json:"end"`
}

// UrgencyClass groups urgency cues by how directly they signal urgency.
type UrgencyClass string

const (
	UrgencyExplicit UrgencyClass = "explicit"
	UrgencyImplied  UrgencyClass = "implied"
	UrgencyDeadline UrgencyClass = "deadline"
)

// UrgencyCue is one urgency phrase found in the text.
type UrgencyCue struct {
	Text   string       `json:"text"`
	Class  UrgencyClass `json:"class"`
	Weight int          `json:"weight"`
}

// Entities is the structured result of one extraction.
type Entities struct {
	Dates         []Date       `json:"dates,omitempty"`
	Times         []string     `json:"times,omitempty"`
	People        []string     `json:"people,omitempty"`
	Organizations []string     `json:"organizations,omitempty"`
	UrgencyCues   []UrgencyCue `json:"urgency_cues,omitempty"`
	Topics        []string     `json:"topics,omitempty"`
}

// Empty reports whether nothing was extracted.
func (e Entities) Empty() bool {
	return len(e.Dates) == 0 && len(e.Times) == 0 && len(e.People) == 0 &&
		len(e.Organizations) == 0 && len(e.UrgencyCues) == 0 && len(e.Topics) == 0
}

// MaxUrgency returns the weight of the strongest cue, or 0.
func (e Entities) MaxUrgency() int {
	if len(e.UrgencyCues) == 0 {
		return 0
	}
	return e.UrgencyCues[0].Weight
}

// HasDeadline reports whether any date sits in deadline context.
func (e Entities) HasDeadline() bool {
	for _, d := range e.Dates {
		if d.IsDeadline {
			return true
		}
	}
	return false
}

// CueTexts returns the cue phrases in weight order.
func (e Entities) CueTexts() []string {
	out := make([]string, len(e.UrgencyCues))
	for i, c := range e.UrgencyCues {
		out[i] = c.Text
	}
	return out
}

// Extract runs every extractor over text. Relative dates resolve against ref
// in ref's location.
func Extract(text string, ref time.Time) Entities {
	text = norm.NFKC.String(text)
	if strings.TrimSpace(text) == "" {
		return Entities{}
	}

	orgs := extractOrganizations(text)
	return Entities{
		Dates:         extractDates(text, ref),
		Times:         extractTimes(text),
		People:        extractPeople(text, orgs),
		Organizations: orgs,
		UrgencyCues:   extractUrgency(text),
		Topics:        extractTopics(text, MaxTopics),
	}
}

// appendUnique appends s unless an equal string (case-insensitive) is present.
func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return list
		}
	}
	return append(list, s)
}
