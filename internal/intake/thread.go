package intake

import (
	"context"
	"fmt"
	"strings"
)

const (
	// DefaultThreadWindow is the number of messages folded into thread context.
	DefaultThreadWindow = 10

	// maxMessageRunes bounds each message's contribution to thread context.
	maxMessageRunes = 500
)

// BuildThreadContext assembles a bounded summary of the most recent
// windowSize messages of an item, oldest first. The oldest messages are
// dropped first when the thread is longer than the window. The output is a
// pure function of the stored messages.
func BuildThreadContext(ctx context.Context, r MessageReader, intakeID string, windowSize int) (string, error) {
	if windowSize <= 0 {
		windowSize = DefaultThreadWindow
	}
	msgs, total, err := r.RecentMessages(ctx, intakeID, windowSize)
	if err != nil {
		return "", fmt.Errorf("recent messages for %s: %w", intakeID, err)
	}
	return FormatThread(msgs, total), nil
}

// FormatThread renders messages one per line. total is the size of the full
// thread; when it exceeds len(msgs) a header notes the truncation.
func FormatThread(msgs []Message, total int) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	if total > len(msgs) {
		fmt.Fprintf(&b, "(showing %d of %d messages)\n", len(msgs), total)
	}
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(formatMessage(m))
	}
	return b.String()
}

func formatMessage(m Message) string {
	var b strings.Builder
	if !m.Timestamp.IsZero() {
		b.WriteString("[")
		b.WriteString(m.Timestamp.UTC().Format("2006-01-02 15:04"))
		b.WriteString("] ")
	}
	switch {
	case m.FromName != "" && m.FromAddress != "":
		fmt.Fprintf(&b, "%s <%s>", m.FromName, m.FromAddress)
	case m.FromName != "":
		b.WriteString(m.FromName)
	case m.FromAddress != "":
		b.WriteString(m.FromAddress)
	default:
		b.WriteString("unknown")
	}
	b.WriteString(": ")
	b.WriteString(truncateRunes(collapseSpace(m.Content), maxMessageRunes))
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
