// Package rules is the deterministic first-pass classifier. A fixed set of
// weighted rules is evaluated against facts derived from an item; every rule
// whose condition holds fires and the payloads of all firings are merged.
//
// Merge semantics: rules are evaluated in descending weight order (ties keep
// declaration order). For category, priority, quick win, quick win reason
// and estimated effort, the last firing rule that sets the field wins, so a
// lower-weight rule overrides a higher-weight one on a contested field.
// Confidence is the maximum across firings and reasoning strings are joined
// with "; ".
package rules

import (
	"sort"
	"strings"

	"github.com/linnemanlabs/intake/internal/intake"
)

// MaxConfidence is the top of the rule confidence scale.
const MaxConfidence = 10

// Facts are the boolean and numeric features rules are evaluated against.
type Facts struct {
	IsVIPSender      bool
	HasUrgentKeyword bool
	BodyLength       int
	ContainsQuestion bool
	IsNewsletter     bool
	IsNotification   bool
	IsCalendar       bool
	MentionsMeeting  bool
	HasDeadline      bool
	MaxUrgency       int
}

// Event is the payload a rule contributes when it fires. Zero-valued fields
// are left unset so earlier firings keep their values.
type Event struct {
	Category       intake.Category
	Priority       intake.Priority
	QuickWin       *bool
	QuickWinReason string
	EstimatedTime  intake.Effort
	Confidence     float64 // 0-10
	Reasoning      string
}

// Rule is one named condition and its payload.
type Rule struct {
	Name   string
	Weight int
	When   func(Facts) bool
	Event  Event
}

// Outcome is the merged result of all firing rules.
type Outcome struct {
	Category       intake.Category `json:"category,omitempty"`
	Priority       intake.Priority `json:"priority,omitempty"`
	QuickWin       bool            `json:"quick_win"`
	QuickWinReason string          `json:"quick_win_reason,omitempty"`
	EstimatedTime  intake.Effort   `json:"estimated_time,omitempty"`
	Confidence     float64         `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
	Fired          []string        `json:"fired"`
}

// NormalizedConfidence maps the 0-10 rule scale onto 0-1.
func (o Outcome) NormalizedConfidence() float64 {
	return o.Confidence / MaxConfidence
}

// Engine evaluates a fixed rule set.
type Engine struct {
	rules []Rule
}

// NewEngine orders rules by descending weight, keeping declaration order
// among equal weights. The slice is copied.
func NewEngine(rules []Rule) *Engine {
	rs := make([]Rule, len(rules))
	copy(rs, rules)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Weight > rs[j].Weight })
	return &Engine{rules: rs}
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate fires every matching rule and merges the payloads. The boolean is
// false when no rule fired; the caller should then escalate rather than
// treat the zero Outcome as a classification.
func (e *Engine) Evaluate(f Facts) (Outcome, bool) {
	var (
		out     Outcome
		reasons []string
	)
	for _, r := range e.rules {
		if r.When == nil || !r.When(f) {
			continue
		}
		out.Fired = append(out.Fired, r.Name)

		ev := r.Event
		if ev.Category != "" {
			out.Category = ev.Category
		}
		if ev.Priority != "" {
			out.Priority = ev.Priority
		}
		if ev.QuickWin != nil {
			out.QuickWin = *ev.QuickWin
		}
		if ev.QuickWinReason != "" {
			out.QuickWinReason = ev.QuickWinReason
		}
		if ev.EstimatedTime != "" {
			out.EstimatedTime = ev.EstimatedTime
		}
		out.Confidence = max(out.Confidence, ev.Confidence)
		if ev.Reasoning != "" {
			reasons = append(reasons, ev.Reasoning)
		}
	}
	if len(out.Fired) == 0 {
		return Outcome{}, false
	}
	out.Reasoning = strings.Join(reasons, "; ")
	return out, true
}

func boolPtr(b bool) *bool { return &b }

// DefaultRules is the built-in rule set. shortQuestionMax bounds the body
// length for the short-question rule.
func DefaultRules(shortQuestionMax int) []Rule {
	if shortQuestionMax <= 0 {
		shortQuestionMax = DefaultShortQuestionMaxLength
	}
	return []Rule{
		{
			Name:   "vip-sender",
			Weight: 100,
			When:   func(f Facts) bool { return f.IsVIPSender },
			Event: Event{
				Category:   intake.CategoryActionRequired,
				Priority:   intake.PriorityP1,
				Confidence: 9,
				Reasoning:  "sender is on the VIP list",
			},
		},
		{
			Name:   "urgent-keywords",
			Weight: 90,
			When:   func(f Facts) bool { return f.HasUrgentKeyword },
			Event: Event{
				Category:   intake.CategoryActionRequired,
				Priority:   intake.PriorityP1,
				Confidence: 7,
				Reasoning:  "contains urgent keywords",
			},
		},
		{
			Name:   "short-question",
			Weight: 60,
			When:   func(f Facts) bool { return f.ContainsQuestion && f.BodyLength < shortQuestionMax },
			Event: Event{
				Category:       intake.CategoryActionRequired,
				Priority:       intake.PriorityP2,
				QuickWin:       boolPtr(true),
				QuickWinReason: "short direct question",
				EstimatedTime:  intake.Effort5Min,
				Confidence:     5,
				Reasoning:      "short question awaiting an answer",
			},
		},
		{
			Name:   "meeting-indicator",
			Weight: 50,
			When:   func(f Facts) bool { return f.IsCalendar || f.MentionsMeeting },
			Event: Event{
				Category:   intake.CategoryScheduled,
				Priority:   intake.PriorityP2,
				Confidence: 6,
				Reasoning:  "calendar event or meeting reference",
			},
		},
		{
			Name:   "newsletter",
			Weight: 40,
			When:   func(f Facts) bool { return f.IsNewsletter },
			Event: Event{
				Category:   intake.CategoryFYI,
				Priority:   intake.PriorityP3,
				QuickWin:   boolPtr(false),
				Confidence: 8,
				Reasoning:  "newsletter or bulk sender",
			},
		},
		{
			Name:   "notification",
			Weight: 30,
			When:   func(f Facts) bool { return f.IsNotification },
			Event: Event{
				Category:   intake.CategoryFYI,
				Priority:   intake.PriorityP3,
				Confidence: 7,
				Reasoning:  "automated notification",
			},
		},
	}
}
