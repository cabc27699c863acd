package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/intake/internal/intake"
)

const (
	defaultCorrectionLimit = 5
	maxCorrectionLimit     = 20
)

// CorrectionReader is the store slice RecentCorrections reads from.
type CorrectionReader interface {
	RecentCorrections(ctx context.Context, zone intake.Zone, limit int) ([]intake.Correction, error)
}

// RecentCorrections lists the latest user overrides of triage results, so
// the oracle can follow the user's preferences.
type RecentCorrections struct {
	store CorrectionReader
}

// NewRecentCorrections creates the recent_corrections tool.
func NewRecentCorrections(s CorrectionReader) *RecentCorrections {
	return &RecentCorrections{store: s}
}

type correctionsInput struct {
	Zone  string `json:"zone,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type correctionLine struct {
	Subject string `json:"subject,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
}

func (t *RecentCorrections) Name() string { return "recent_corrections" }

func (t *RecentCorrections) Description() string {
	return "List the user's most recent corrections of triage results (original and corrected " +
		"category/priority with the stated reason), optionally limited to one zone."
}

func (t *RecentCorrections) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"zone": {"type": "string", "enum": ["work", "home"], "description": "Only corrections in this zone"},
			"limit": {"type": "integer", "description": "Max corrections to return (default 5, max 20)"}
		}
	}`)
}

func (t *RecentCorrections) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in correctionsInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	zone := intake.Zone(in.Zone)
	if zone != "" && !zone.Valid() {
		return nil, fmt.Errorf("unknown zone %q", in.Zone)
	}
	switch {
	case in.Limit <= 0:
		in.Limit = defaultCorrectionLimit
	case in.Limit > maxCorrectionLimit:
		in.Limit = maxCorrectionLimit
	}

	cs, err := t.store.RecentCorrections(ctx, zone, in.Limit)
	if err != nil {
		return nil, fmt.Errorf("recent corrections: %w", err)
	}
	out := make([]correctionLine, 0, len(cs))
	for _, c := range cs {
		out = append(out, correctionLine{
			Subject: c.Subject,
			From:    fmt.Sprintf("%s/%s", orUnknown(string(c.OriginalCategory)), orUnknown(string(c.OriginalPriority))),
			To:      fmt.Sprintf("%s/%s", c.CorrectedCategory, c.CorrectedPriority),
			Reason:  c.Reason,
		})
	}
	return json.Marshal(out)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
