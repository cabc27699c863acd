package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/intake/internal/intake"
)

func testItem() *intake.Item {
	return &intake.Item{
		ID:          "01JN123",
		Zone:        intake.ZoneWork,
		Source:      "gmail",
		SourceID:    "thread-9",
		Subject:     "URGENT: sign the renewal",
		Body:        "Legal is waiting on the signed copy.\nPlease send today.",
		FromName:    "Chris",
		FromAddress: "ceo@acme.com",
	}
}

func testRecord() *intake.TriageRecord {
	return &intake.TriageRecord{
		IntakeID:       "01JN123",
		Category:       intake.CategoryActionRequired,
		Priority:       intake.PriorityP1,
		QuickWin:       true,
		QuickWinReason: "one signature",
		EstimatedTime:  intake.Effort5Min,
		Confidence:     0.9,
		Layer:          intake.LayerRules,
		Reasoning:      "VIP sender; urgent language",
		TriagedAt:      time.Date(2026, 3, 4, 14, 23, 0, 0, time.UTC),
		TriagedBy:      intake.TriagedByDeterministic,
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), testItem(), testRecord()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if got["text"] != "P1 Action-Required: URGENT: sign the renewal" {
		t.Errorf("fallback text = %v", got["text"])
	}
	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, fields, excerpt, reasoning, context
	if len(blocks) != 5 {
		t.Fatalf("blocks count = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)["text"].(map[string]any)["text"].(string)
	if !strings.HasPrefix(header, "\U0001f7e0 P1 Action-Required") {
		t.Errorf("header = %q", header)
	}

	fields := blocks[1].(map[string]any)["fields"].([]any)
	var texts []string
	for _, f := range fields {
		texts = append(texts, f.(map[string]any)["text"].(string))
	}
	joined := strings.Join(texts, "|")
	for _, want := range []string{"Chris <ceo@acme.com>", "gmail (work)", "*Confidence:* 90%", "*Effort:* 5min", "one signature"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields %q missing %q", joined, want)
		}
	}

	excerpt := blocks[2].(map[string]any)["text"].(map[string]any)["text"].(string)
	if excerpt != ">Legal is waiting on the signed copy.\n>Please send today." {
		t.Errorf("excerpt = %q", excerpt)
	}

	ctxText := blocks[4].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "01JN123") || !strings.Contains(ctxText, "2026-03-04 14:23 UTC") {
		t.Errorf("context = %q", ctxText)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), testItem(), testRecord()); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	err := New(srv.URL, log.Nop()).Notify(context.Background(), testItem(), testRecord())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

func TestBuildMessage_Truncates(t *testing.T) {
	t.Parallel()

	it := testItem()
	it.Subject = ""
	it.Body = strings.Repeat("ü", 2000)
	rec := testRecord()
	rec.Reasoning = strings.Repeat("x", 4000)

	blocks := buildMessage(it, rec)["blocks"].([]map[string]any)

	header := blocks[0]["text"].(map[string]any)["text"].(string)
	if !strings.Contains(header, "(no subject)") {
		t.Errorf("header = %q", header)
	}
	excerpt := blocks[2]["text"].(map[string]any)["text"].(string)
	if n := len([]rune(excerpt)); n != maxBodyLen+1 {
		t.Errorf("excerpt runes = %d, want %d", n, maxBodyLen+1)
	}
	reasoning := blocks[3]["text"].(map[string]any)["text"].(string)
	if len(reasoning) > maxReasoningLen+len("*Why*\n") || !strings.HasSuffix(reasoning, "...") {
		t.Errorf("reasoning length = %d", len(reasoning))
	}
}

func TestPriorityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p    intake.Priority
		want string
	}{
		{intake.PriorityP0, "\U0001f534"},
		{intake.PriorityP1, "\U0001f7e0"},
		{intake.PriorityP2, "\U0001f7e1"},
		{intake.PriorityP3, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}
	for _, tt := range tests {
		if got := priorityEmoji(tt.p); got != tt.want {
			t.Errorf("priorityEmoji(%q) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func FuzzBuildMessage(f *testing.F) {
	f.Add("Quarterly numbers", "Body text", "reasoning", "P1")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "```code```", "P0")
	f.Add("subj\x00\x01", "body\nline", "why\ttab", "P9")
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), strings.Repeat("y", 10000), "P3")

	f.Fuzz(func(t *testing.T, subj, body, reasoning, prio string) {
		it := testItem()
		it.Subject, it.Body = subj, body
		rec := testRecord()
		rec.Reasoning, rec.Priority = reasoning, intake.Priority(prio)

		data, err := json.Marshal(buildMessage(it, rec))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		if blocks, ok := decoded["blocks"].([]any); !ok || len(blocks) != 5 {
			t.Fatalf("blocks = %v", decoded["blocks"])
		}
	})
}
