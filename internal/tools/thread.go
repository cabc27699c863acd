package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/linnemanlabs/intake/internal/intake"
)

const (
	defaultThreadLimit = 20
	maxThreadLimit     = 50
)

// LookupThread returns the stored messages of an item's conversation.
type LookupThread struct {
	messages intake.MessageReader
}

// NewLookupThread creates the lookup_thread tool.
func NewLookupThread(r intake.MessageReader) *LookupThread {
	return &LookupThread{messages: r}
}

type threadInput struct {
	IntakeID string `json:"intake_id"`
	Limit    int    `json:"limit,omitempty"`
}

type threadOutput struct {
	IntakeID string `json:"intake_id"`
	Total    int    `json:"total"`
	Shown    int    `json:"shown"`
	Thread   string `json:"thread"`
}

func (t *LookupThread) Name() string { return "lookup_thread" }

func (t *LookupThread) Description() string {
	return "Fetch the most recent messages of the conversation an item belongs to, oldest first. " +
		"Use when the item body alone does not show who is waiting on whom."
}

func (t *LookupThread) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"intake_id": {"type": "string", "description": "ID of the item whose thread to fetch"},
			"limit": {"type": "integer", "description": "Max messages to return (default 20, max 50)"}
		},
		"required": ["intake_id"]
	}`)
}

func (t *LookupThread) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in threadInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if in.IntakeID == "" {
		return nil, errors.New("intake_id is required")
	}
	switch {
	case in.Limit <= 0:
		in.Limit = defaultThreadLimit
	case in.Limit > maxThreadLimit:
		in.Limit = maxThreadLimit
	}

	msgs, total, err := t.messages.RecentMessages(ctx, in.IntakeID, in.Limit)
	if err != nil {
		return nil, fmt.Errorf("lookup thread %s: %w", in.IntakeID, err)
	}
	return json.Marshal(threadOutput{
		IntakeID: in.IntakeID,
		Total:    total,
		Shown:    len(msgs),
		Thread:   intake.FormatThread(msgs, total),
	})
}
