package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/intake/internal/entities"
	"github.com/linnemanlabs/intake/internal/intake"
)

// DefaultShortQuestionMaxLength is the body length below which a question
// counts as a quick win.
const DefaultShortQuestionMaxLength = 500

// Config holds the vocabularies facts are derived from. Patterns are
// case-insensitive regular expressions.
type Config struct {
	VIPSenders             []string `yaml:"vip_senders"`
	UrgentKeywords         []string `yaml:"urgent_keywords"`
	NewsletterPatterns     []string `yaml:"newsletter_patterns"`
	NotificationPatterns   []string `yaml:"notification_patterns"`
	MeetingKeywords        []string `yaml:"meeting_keywords"`
	ShortQuestionMaxLength int      `yaml:"short_question_max_length"`
}

// DefaultConfig returns the built-in vocabularies. The VIP list is empty.
func DefaultConfig() Config {
	return Config{
		UrgentKeywords: []string{"urgent", "asap", "immediately", "emergency", "critical", "deadline", "today", "eod"},
		NewsletterPatterns: []string{
			`noreply@`, `no-reply@`, `newsletter@`, `digest@`, `\bunsubscribe\b`,
		},
		NotificationPatterns: []string{
			`notifications?@`, `alerts?@`, `mailer-daemon@`, `\bnotification\b`,
			`\[(?:jira|github|gitlab|confluence)\]`, `password reset`, `verification code`,
		},
		MeetingKeywords:        []string{"meeting", "call", "invite", "standup", "sync-up"},
		ShortQuestionMaxLength: DefaultShortQuestionMaxLength,
	}
}

// LoadConfig reads a YAML file over the defaults. A list present in the
// file replaces the default list; absent keys keep their defaults. An empty
// path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading rules config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing rules config %s: %w", path, err)
	}
	if cfg.ShortQuestionMaxLength <= 0 {
		cfg.ShortQuestionMaxLength = DefaultShortQuestionMaxLength
	}
	return cfg, nil
}

// Deriver turns an item and its extracted entities into Facts.
type Deriver struct {
	vip          []*regexp.Regexp
	urgent       *regexp.Regexp
	newsletter   []*regexp.Regexp
	notification []*regexp.Regexp
	meeting      *regexp.Regexp
}

// NewDeriver compiles the vocabularies in cfg.
func NewDeriver(cfg Config) (*Deriver, error) {
	var errs []error
	compile := func(kind string, patterns []string) []*regexp.Regexp {
		var out []*regexp.Regexp
		for _, p := range patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s pattern %q: %w", kind, p, err))
				continue
			}
			out = append(out, re)
		}
		return out
	}

	d := &Deriver{
		vip:          compile("vip", cfg.VIPSenders),
		newsletter:   compile("newsletter", cfg.NewsletterPatterns),
		notification: compile("notification", cfg.NotificationPatterns),
		urgent:       wordAlternation(cfg.UrgentKeywords),
		meeting:      wordAlternation(cfg.MeetingKeywords),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}

// wordAlternation builds a case-insensitive whole-word matcher for literal
// keywords. Nil when there are none.
func wordAlternation(words []string) *regexp.Regexp {
	var quoted []string
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			quoted = append(quoted, regexp.QuoteMeta(w))
		}
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Derive computes facts for an item. Text facts look at subject and body.
func (d *Deriver) Derive(it *intake.Item, ents entities.Entities) Facts {
	text := it.Subject + "\n" + it.Body
	from := strings.ToLower(it.FromAddress)

	f := Facts{
		BodyLength:       utf8.RuneCountInString(it.Body),
		ContainsQuestion: strings.Contains(text, "?"),
		IsCalendar:       strings.EqualFold(it.Type, "calendar") || strings.EqualFold(it.Source, "gcal"),
		HasDeadline:      ents.HasDeadline(),
		MaxUrgency:       ents.MaxUrgency(),
	}
	f.IsVIPSender = from != "" && anyMatch(d.vip, from)
	f.HasUrgentKeyword = d.urgent != nil && d.urgent.MatchString(text)
	for _, c := range ents.UrgencyCues {
		if c.Class == entities.UrgencyExplicit {
			f.HasUrgentKeyword = true
			break
		}
	}
	f.IsNewsletter = anyMatch(d.newsletter, from) || anyMatch(d.newsletter, text)
	f.IsNotification = anyMatch(d.notification, from) || anyMatch(d.notification, it.Subject)
	f.MentionsMeeting = d.meeting != nil && d.meeting.MatchString(text)
	return f
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	if s == "" {
		return false
	}
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
