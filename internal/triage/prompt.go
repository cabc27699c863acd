package triage

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/intake/internal/intake"
)

const (
	promptBodyChars   = 500
	promptMaxMatches  = 3
	promptCorrections = 5
)

var categoryGuide = []struct {
	Category intake.Category
	Meaning  string
}{
	{intake.CategoryActionRequired, "the user has to respond or do something"},
	{intake.CategoryFYI, "worth knowing, nothing to do"},
	{intake.CategoryAwaitingReply, "the user is waiting on someone else"},
	{intake.CategoryDelegated, "handed off to another person"},
	{intake.CategoryScheduled, "tied to a specific date or time"},
	{intake.CategoryReference, "keep for later lookup"},
}

var priorityGuide = []struct {
	Priority intake.Priority
	Meaning  string
}{
	{intake.PriorityP0, "emergency, act immediately"},
	{intake.PriorityP1, "important, handle today"},
	{intake.PriorityP2, "normal, handle this week"},
	{intake.PriorityP3, "low, whenever convenient"},
}

// systemPrompt frames the oracle as a reviewer of a proposal rather than a
// classifier working from scratch.
func systemPrompt() string {
	var b strings.Builder
	b.WriteString(`You review triage decisions for a personal inbox that merges email, chat, calendar and messages.

A deterministic pipeline has already analysed the item and proposed a category and priority. Your job is to check that proposal, not to start over. Keep it when the evidence supports it, adjust it when one field is off, and override it only when the proposal is clearly wrong.

Categories:
`)
	for _, c := range categoryGuide {
		fmt.Fprintf(&b, "- %s: %s\n", c.Category, c.Meaning)
	}
	b.WriteString("\nPriorities:\n")
	for _, p := range priorityGuide {
		fmt.Fprintf(&b, "- %s: %s\n", p.Priority, p.Meaning)
	}
	fmt.Fprintf(&b, `
You may call lookup_thread to read more of the conversation and recent_corrections to see how the user has corrected earlier decisions. Use them only when the summary below leaves real doubt.

Always finish by calling %s exactly once. Keep the reasoning to one or two sentences.`, recordTriageTool)
	return b.String()
}

// verificationPrompt renders the item, the deterministic analysis and the
// proposal as the oracle's first user turn.
func verificationPrompt(it *intake.Item, dc *DeterministicContext, corrections []intake.Correction) string {
	var b strings.Builder

	b.WriteString("ITEM\n")
	fmt.Fprintf(&b, "ID: %s\n", it.ID)
	fmt.Fprintf(&b, "Source: %s", it.Source)
	if it.Type != "" {
		fmt.Fprintf(&b, " (%s)", it.Type)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Zone: %s\n", it.Zone)
	fmt.Fprintf(&b, "From: %s\n", sender(it))
	fmt.Fprintf(&b, "Subject: %s\n", it.Subject)
	fmt.Fprintf(&b, "Body: %s\n", clip(it.Body, promptBodyChars))
	if it.MessageCount > 1 {
		fmt.Fprintf(&b, "Messages in thread: %d\n", it.MessageCount)
	}

	b.WriteString("\nANALYSIS\n")
	writeEntities(&b, dc)
	writeMatches(&b, dc)
	if dc.Rules != nil {
		fmt.Fprintf(&b, "Rules fired: %s (%s)\n", strings.Join(dc.Rules.Fired, ", "), dc.Rules.Reasoning)
	} else {
		b.WriteString("Rules fired: none\n")
	}

	p := dc.Proposal
	b.WriteString("\nPROPOSAL\n")
	fmt.Fprintf(&b, "Category: %s\n", p.Category)
	fmt.Fprintf(&b, "Priority: %s\n", p.Priority)
	fmt.Fprintf(&b, "Quick win: %t\n", p.QuickWin)
	fmt.Fprintf(&b, "Confidence: %.0f%% (from %s)\n", p.Confidence*100, p.Source)
	if p.Reasoning != "" {
		fmt.Fprintf(&b, "Basis: %s\n", p.Reasoning)
	}

	if len(corrections) > 0 {
		b.WriteString("\nRECENT CORRECTIONS BY THE USER\n")
		for i, c := range corrections {
			if i == promptCorrections {
				break
			}
			fmt.Fprintf(&b, "- %q: %s/%s became %s/%s", c.Subject,
				orUnknown(string(c.OriginalCategory)), orUnknown(string(c.OriginalPriority)),
				c.CorrectedCategory, c.CorrectedPriority)
			if c.Reason != "" {
				fmt.Fprintf(&b, " because %s", c.Reason)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "\nCheck the proposal and record your decision with %s.", recordTriageTool)
	return b.String()
}

func writeEntities(b *strings.Builder, dc *DeterministicContext) {
	e := dc.Entities
	if e.Empty() {
		b.WriteString("Entities: none\n")
		return
	}
	if len(e.People) > 0 {
		fmt.Fprintf(b, "People: %s\n", strings.Join(e.People, ", "))
	}
	if len(e.Organizations) > 0 {
		fmt.Fprintf(b, "Organizations: %s\n", strings.Join(e.Organizations, ", "))
	}
	if len(e.Dates) > 0 {
		dates := make([]string, len(e.Dates))
		for i, d := range e.Dates {
			dates[i] = d.Text
			if d.IsDeadline {
				dates[i] += " (deadline)"
			}
		}
		fmt.Fprintf(b, "Dates: %s\n", strings.Join(dates, ", "))
	}
	if len(e.Times) > 0 {
		fmt.Fprintf(b, "Times: %s\n", strings.Join(e.Times, ", "))
	}
	if len(e.UrgencyCues) > 0 {
		fmt.Fprintf(b, "Urgency cues: %s\n", strings.Join(e.CueTexts(), ", "))
	}
}

func writeMatches(b *strings.Builder, dc *DeterministicContext) {
	if dc.Similarity == nil || len(dc.Similarity.Matches) == 0 {
		b.WriteString("Similar items: none with enough evidence\n")
		return
	}
	b.WriteString("Similar items:\n")
	for i, m := range dc.Similarity.Matches {
		if i == promptMaxMatches {
			break
		}
		fmt.Fprintf(b, "- %q (%.0f%% similar)", m.Subject, m.Similarity*100)
		if m.Triage != nil {
			fmt.Fprintf(b, " was %s/%s", m.Triage.Category, m.Triage.Priority)
		}
		b.WriteString("\n")
	}
}

func sender(it *intake.Item) string {
	switch {
	case it.FromName != "" && it.FromAddress != "":
		return fmt.Sprintf("%s <%s>", it.FromName, it.FromAddress)
	case it.FromName != "":
		return it.FromName
	case it.FromAddress != "":
		return it.FromAddress
	}
	return "unknown"
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
