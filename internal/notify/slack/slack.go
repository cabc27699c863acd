// Package slack posts high-priority triage results to a Slack incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/intake/internal/intake"
)

const (
	maxReasoningLen = 3000
	maxBodyLen      = 500
	httpTimeout     = 10 * time.Second
)

// Notifier sends triage results to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. With an empty webhookURL, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Notify posts one item and its triage record.
func (n *Notifier) Notify(ctx context.Context, it *intake.Item, rec *intake.TriageRecord) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(it, rec))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "intake_id", it.ID, "priority", rec.Priority)
	return nil
}

func buildMessage(it *intake.Item, rec *intake.TriageRecord) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s %s: %s", rec.Priority, rec.Category, subject(it)),
		"blocks": []map[string]any{
			headerBlock(it, rec),
			fieldsBlock(it, rec),
			excerptBlock(it),
			reasoningBlock(rec),
			contextBlock(it, rec),
		},
	}
}

func headerBlock(it *intake.Item, rec *intake.TriageRecord) map[string]any {
	text := fmt.Sprintf("%s %s %s: %s", priorityEmoji(rec.Priority), rec.Priority, rec.Category, subject(it))
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(it *intake.Item, rec *intake.TriageRecord) map[string]any {
	from := it.FromName
	if it.FromAddress != "" {
		if from != "" {
			from += " <" + it.FromAddress + ">"
		} else {
			from = it.FromAddress
		}
	}
	if from == "" {
		from = "unknown"
	}

	fields := []map[string]any{
		mrkdwn(fmt.Sprintf("*From:* %s", from)),
		mrkdwn(fmt.Sprintf("*Source:* %s (%s)", it.Source, it.Zone)),
		mrkdwn(fmt.Sprintf("*Decided by:* %s", rec.Layer)),
		mrkdwn(fmt.Sprintf("*Confidence:* %.0f%%", rec.Confidence*100)),
	}
	if rec.EstimatedTime != "" {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Effort:* %s", rec.EstimatedTime)))
	}
	if rec.QuickWin {
		fields = append(fields, mrkdwn(fmt.Sprintf("*Quick win:* %s", rec.QuickWinReason)))
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func excerptBlock(it *intake.Item) map[string]any {
	text := strings.TrimSpace(it.Body)
	if text == "" {
		text = "_No content._"
	}
	return map[string]any{
		"type": "section",
		"text": mrkdwn(">" + strings.ReplaceAll(truncate(text, maxBodyLen), "\n", "\n>")),
	}
}

func reasoningBlock(rec *intake.TriageRecord) map[string]any {
	text := truncate(rec.Reasoning, maxReasoningLen)
	if text == "" {
		text = "_No reasoning recorded._"
	}
	return map[string]any{
		"type": "section",
		"text": mrkdwn(fmt.Sprintf("*Why*\n%s", text)),
	}
}

func contextBlock(it *intake.Item, rec *intake.TriageRecord) map[string]any {
	ts := rec.TriagedAt
	if ts.IsZero() {
		ts = it.UpdatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn(fmt.Sprintf("intake • %s • %s • %s", it.ID, rec.TriagedBy, ts.UTC().Format("2006-01-02 15:04 UTC"))),
		},
	}
}

func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func subject(it *intake.Item) string {
	if s := strings.TrimSpace(it.Subject); s != "" {
		return s
	}
	return "(no subject)"
}

func priorityEmoji(p intake.Priority) string {
	switch p {
	case intake.PriorityP0:
		return "\U0001f534" // red circle
	case intake.PriorityP1:
		return "\U0001f7e0" // orange circle
	case intake.PriorityP2:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
