package intake

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func baseItem() *Item {
	it := &Item{
		Zone:         ZoneWork,
		Source:       "gmail",
		SourceID:     "thread-1",
		Type:         "email",
		Subject:      "Quarterly numbers",
		Body:         "Please review the attached deck.",
		FromName:     "Dana Reyes",
		FromAddress:  "dana@example.com",
		Participants: []string{"b@example.com", "a@example.com", "a@example.com"},
		CreatedAt:    time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC),
		Metadata:     map[string]any{"labels": []any{"INBOX"}, "size": 3},
	}
	Normalize(it)
	return NewForInsert(it, "01TEST", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
}

func TestContentHash_Stable(t *testing.T) {
	t.Parallel()

	a := ContentHash("subject", "body")
	b := ContentHash("subject", "body")
	if a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if a == ContentHash("subjectb", "ody") {
		t.Error("subject/body boundary must be part of the hash")
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64 hex chars", len(a))
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		item    Item
		wantErr string
	}{
		{"valid", Item{Source: "slack", SourceID: "C1"}, ""},
		{"missing source", Item{SourceID: "x"}, "source is required"},
		{"missing source id", Item{Source: "slack"}, "source_id is required"},
		{"bad zone", Item{Source: "s", SourceID: "x", Zone: "office"}, "invalid zone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tt.item)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidItem) {
				t.Errorf("error = %v, want ErrInvalidItem", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	it := baseItem()
	if len(it.Participants) != 2 || it.Participants[0] != "a@example.com" {
		t.Errorf("participants = %v, want sorted unique", it.Participants)
	}
	if it.CreatedAt.Nanosecond()%1000 != 0 {
		t.Errorf("created_at not truncated to microseconds: %v", it.CreatedAt)
	}
	if !it.UpdatedAt.Equal(it.CreatedAt) {
		t.Errorf("updated_at = %v, want created_at", it.UpdatedAt)
	}
	if it.Status != StatusUntriaged {
		t.Errorf("status = %q, want %q", it.Status, StatusUntriaged)
	}
}

func TestMerge_IdenticalIsUnchanged(t *testing.T) {
	t.Parallel()

	existing := baseItem()
	incoming := existing.Clone()
	incoming.ID = ""
	incoming.Metadata = map[string]any{"labels": []any{"INBOX"}, "size": float64(3)}

	merged, changed := Merge(existing, incoming)
	if changed {
		t.Fatal("identical content reported as changed")
	}
	if merged.ID != existing.ID {
		t.Errorf("ID = %q, want %q", merged.ID, existing.ID)
	}
}

func TestMerge_OmittedTimestampsAreUnchanged(t *testing.T) {
	t.Parallel()

	existing := baseItem()
	incoming := &Item{
		Source: existing.Source, SourceID: existing.SourceID,
		Subject: existing.Subject, Body: existing.Body,
	}
	Normalize(incoming)

	if _, changed := Merge(existing, incoming); changed {
		t.Fatal("re-sync without timestamps must not count as a change")
	}
}

func TestMerge_BodyChange(t *testing.T) {
	t.Parallel()

	existing := baseItem()
	existing.Embedding = []float32{1, 0}
	existing.Status = StatusTriaged

	incoming := &Item{Body: "New reply: numbers look off.", UpdatedAt: existing.UpdatedAt.Add(time.Hour)}
	Normalize(incoming)

	merged, changed := Merge(existing, incoming)
	if !changed {
		t.Fatal("body change not detected")
	}
	if merged.Subject != existing.Subject {
		t.Errorf("empty incoming subject overwrote stored one: %q", merged.Subject)
	}
	if merged.Embedding != nil {
		t.Error("embedding should be cleared when content changes")
	}
	if merged.Status != StatusUntriaged {
		t.Errorf("status = %q, want %q", merged.Status, StatusUntriaged)
	}
	if !merged.UpdatedAt.Equal(incoming.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", merged.UpdatedAt, incoming.UpdatedAt)
	}
}

func TestMerge_ParticipantsUnionAndMetadata(t *testing.T) {
	t.Parallel()

	existing := baseItem()
	incoming := &Item{
		Participants: []string{"c@example.com", "a@example.com"},
		Metadata:     map[string]any{"starred": true},
	}
	Normalize(incoming)

	merged, changed := Merge(existing, incoming)
	if !changed {
		t.Fatal("participant and metadata changes not detected")
	}
	want := []string{"a@example.com", "b@example.com", "c@example.com"}
	if strings.Join(merged.Participants, ",") != strings.Join(want, ",") {
		t.Errorf("participants = %v, want %v", merged.Participants, want)
	}
	if merged.Metadata["starred"] != true || merged.Metadata["size"] == nil {
		t.Errorf("metadata = %v, want shallow merge", merged.Metadata)
	}
	if merged.ContentHash != existing.ContentHash {
		t.Error("content hash must not change for metadata-only updates")
	}
}

func TestMerge_CreatedAtKeepsEarliest(t *testing.T) {
	t.Parallel()

	existing := baseItem()
	earlier := existing.CreatedAt.Add(-24 * time.Hour)
	incoming := &Item{CreatedAt: earlier}
	Normalize(incoming)

	merged, _ := Merge(existing, incoming)
	if !merged.CreatedAt.Equal(earlier) {
		t.Errorf("created_at = %v, want %v", merged.CreatedAt, earlier)
	}
}
