// Package storetest holds behavioural tests shared by every intake.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/intake/internal/intake"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) intake.Store

// Run exercises the full Store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s intake.Store)
	}{
		{"UpsertCreatesThenUnchanged", testUpsertIdempotent},
		{"UpsertUpdatedOnBodyChange", testUpsertUpdated},
		{"UpsertRejectsMissingKey", testUpsertInvalid},
		{"GetBySourceAndMissing", testGetBySource},
		{"AddMessageDedupAndCount", testAddMessage},
		{"AddMessageUnknownItem", testAddMessageUnknown},
		{"RecentMessagesWindow", testRecentMessages},
		{"ThreadContextAndEmbedding", testThreadContextAndEmbedding},
		{"CandidatesZoneAndTriage", testCandidates},
		{"TriageUpsertSingleRecord", testTriageUpsert},
		{"ListFilters", testList},
		{"Corrections", testCorrections},
		{"SyncState", testSyncState},
		{"ConcurrentUpsertSameKey", testConcurrentUpsert},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var seq struct {
	mu sync.Mutex
	n  int
}

// uniq returns a source id unique within the test binary, so backends that
// share one database across subtests do not collide.
func uniq(prefix string) string {
	seq.mu.Lock()
	defer seq.mu.Unlock()
	seq.n++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.n)
}

func newItem(source, sourceID string) *intake.Item {
	return &intake.Item{
		Zone:         intake.ZoneWork,
		Source:       source,
		SourceID:     sourceID,
		Type:         "email",
		Subject:      "Budget review",
		Body:         "Can you look at the Q3 budget before Thursday?",
		FromName:     "Priya Shah",
		FromAddress:  "priya@example.com",
		Participants: []string{"priya@example.com", "me@example.com"},
		CreatedAt:    time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC),
		Metadata:     map[string]any{"labels": []any{"INBOX"}},
	}
}

func mustUpsert(t *testing.T, s intake.Store, it *intake.Item) string {
	t.Helper()
	id, _, err := s.Upsert(context.Background(), it)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	return id
}

func testUpsertIdempotent(t *testing.T, s intake.Store) {
	ctx := context.Background()
	source := uniq("gmail")
	it := newItem(source, "thr-1")

	id1, out1, err := s.Upsert(ctx, it)
	if err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if out1 != intake.Created {
		t.Errorf("first outcome = %q, want %q", out1, intake.Created)
	}

	id2, out2, err := s.Upsert(ctx, newItem(source, it.SourceID))
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if id2 != id1 {
		t.Errorf("id changed on re-upsert: %q -> %q", id1, id2)
	}
	if out2 != intake.Unchanged {
		t.Errorf("second outcome = %q, want %q", out2, intake.Unchanged)
	}

	items, err := s.List(ctx, intake.Filter{Source: source})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("rows for source = %d, want 1", len(items))
	}
}

func testUpsertUpdated(t *testing.T, s intake.Store) {
	ctx := context.Background()
	it := newItem("slack", uniq("chan"))
	id := mustUpsert(t, s, it)
	if err := s.SetEmbedding(ctx, id, []float32{0.6, 0.8}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	changed := newItem("slack", it.SourceID)
	changed.Body = "Actually, can we move it to Friday?"
	changed.UpdatedAt = it.CreatedAt.Add(time.Hour)

	gotID, out, err := s.Upsert(ctx, changed)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if gotID != id || out != intake.Updated {
		t.Fatalf("Upsert = (%q, %q), want (%q, %q)", gotID, out, id, intake.Updated)
	}

	got, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Body != changed.Body {
		t.Errorf("Body = %q, want %q", got.Body, changed.Body)
	}
	if got.ContentHash != intake.ContentHash(changed.Subject, changed.Body) {
		t.Error("content hash not recomputed")
	}
	if got.Embedding != nil {
		t.Error("embedding should be cleared after content change")
	}
}

func testUpsertInvalid(t *testing.T, s intake.Store) {
	if _, _, err := s.Upsert(context.Background(), &intake.Item{Source: "gmail"}); err == nil {
		t.Fatal("expected error for missing source_id")
	}
}

func testGetBySource(t *testing.T, s intake.Store) {
	ctx := context.Background()
	it := newItem("gcal", uniq("evt"))
	id := mustUpsert(t, s, it)

	got, ok, err := s.GetBySource(ctx, "gcal", it.SourceID)
	if err != nil || !ok {
		t.Fatalf("GetBySource: ok=%v err=%v", ok, err)
	}
	if got.ID != id {
		t.Errorf("ID = %q, want %q", got.ID, id)
	}
	if len(got.Participants) != 2 || got.Participants[0] != "me@example.com" {
		t.Errorf("Participants = %v, want sorted pair", got.Participants)
	}
	if got.Metadata["labels"] == nil {
		t.Errorf("Metadata = %v, want labels", got.Metadata)
	}
	if got.Status != intake.StatusUntriaged {
		t.Errorf("Status = %q, want %q", got.Status, intake.StatusUntriaged)
	}

	if _, ok, err := s.GetBySource(ctx, "gcal", "missing-"+it.SourceID); err != nil || ok {
		t.Errorf("missing GetBySource: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.Get(ctx, "01NOPE00000000000000000000"); err != nil || ok {
		t.Errorf("missing Get: ok=%v err=%v", ok, err)
	}
}

func testAddMessage(t *testing.T, s intake.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, newItem("imessage", uniq("chat")))

	msg := &intake.Message{
		IntakeID:        id,
		SourceMessageID: "m1",
		Timestamp:       time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
		FromName:        "Leo",
		Content:         "are we still on?",
	}
	added, err := s.AddMessage(ctx, msg)
	if err != nil || !added {
		t.Fatalf("AddMessage: added=%v err=%v", added, err)
	}
	added, err = s.AddMessage(ctx, msg)
	if err != nil {
		t.Fatalf("AddMessage repeat: %v", err)
	}
	if added {
		t.Error("repeated source message id should not be added")
	}

	got, _, _ := s.Get(ctx, id)
	if got.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", got.MessageCount)
	}
}

func testAddMessageUnknown(t *testing.T, s intake.Store) {
	_, err := s.AddMessage(context.Background(), &intake.Message{
		IntakeID: "01UNKNOWN0000000000000000", SourceMessageID: "m", Timestamp: time.Now(),
	})
	if !errors.Is(err, intake.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func testRecentMessages(t *testing.T, s intake.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, newItem("slack", uniq("thr")))
	base := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

	// insert out of order; RecentMessages orders by timestamp
	for _, i := range []int{3, 0, 4, 1, 2} {
		_, err := s.AddMessage(ctx, &intake.Message{
			IntakeID:        id,
			SourceMessageID: fmt.Sprintf("m%d", i),
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			Content:         fmt.Sprintf("msg %d", i),
		})
		if err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}

	msgs, total, err := s.RecentMessages(ctx, id, 3)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	for i, want := range []string{"msg 2", "msg 3", "msg 4"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func testThreadContextAndEmbedding(t *testing.T, s intake.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, newItem("gmail", uniq("thr")))

	if err := s.SetThreadContext(ctx, id, "[2026-04-01 10:00] Leo: hi"); err != nil {
		t.Fatalf("SetThreadContext: %v", err)
	}
	vec := []float32{0.28, 0.96}
	if err := s.SetEmbedding(ctx, id, vec); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	got, _, _ := s.Get(ctx, id)
	if got.ThreadContext != "[2026-04-01 10:00] Leo: hi" {
		t.Errorf("ThreadContext = %q", got.ThreadContext)
	}
	if len(got.Embedding) != 2 || got.Embedding[0] != vec[0] || got.Embedding[1] != vec[1] {
		t.Errorf("Embedding = %v, want %v", got.Embedding, vec)
	}

	if err := s.SetThreadContext(ctx, "01UNKNOWN0000000000000000", "x"); !errors.Is(err, intake.ErrNotFound) {
		t.Errorf("SetThreadContext unknown: err = %v, want ErrNotFound", err)
	}
}

func testCandidates(t *testing.T, s intake.Store) {
	ctx := context.Background()
	source := uniq("cand")

	home := newItem(source, "home")
	home.Zone = intake.ZoneHome
	homeID := mustUpsert(t, s, home)

	older := newItem(source, "older")
	older.UpdatedAt = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	olderID := mustUpsert(t, s, older)

	newer := newItem(source, "newer")
	newer.UpdatedAt = time.Date(2030, 4, 3, 0, 0, 0, 0, time.UTC)
	newerID := mustUpsert(t, s, newer)

	unembedded := mustUpsert(t, s, newItem(source, "bare"))

	for _, id := range []string{homeID, olderID, newerID} {
		if err := s.SetEmbedding(ctx, id, []float32{1, 0}); err != nil {
			t.Fatalf("SetEmbedding: %v", err)
		}
	}
	if err := s.PutTriage(ctx, &intake.TriageRecord{
		IntakeID: olderID, Category: intake.CategoryFYI, Priority: intake.PriorityP3,
		Layer: intake.LayerRules, TriagedAt: time.Now(), TriagedBy: intake.TriagedByDeterministic,
	}); err != nil {
		t.Fatalf("PutTriage: %v", err)
	}

	cands, err := s.Candidates(ctx, intake.CandidateQuery{Zone: intake.ZoneWork, Limit: 10000})
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	pos := map[string]int{}
	for i, c := range cands {
		pos[c.ID] = i
		if c.Zone != intake.ZoneWork {
			t.Errorf("candidate %s zone = %q, want work", c.ID, c.Zone)
		}
	}
	if _, ok := pos[homeID]; ok {
		t.Error("home-zone item leaked into work candidates")
	}
	if _, ok := pos[unembedded]; ok {
		t.Error("item without embedding returned as candidate")
	}
	pn, okN := pos[newerID]
	po, okO := pos[olderID]
	if !okN || !okO {
		t.Fatalf("missing candidates: newer=%v older=%v", okN, okO)
	}
	if pn > po {
		t.Error("candidates not ordered by recency")
	}
	if cands[po].Triage == nil || cands[po].Triage.Category != intake.CategoryFYI {
		t.Errorf("triaged candidate missing triage record: %+v", cands[po].Triage)
	}

	triagedOnly, err := s.Candidates(ctx, intake.CandidateQuery{Zone: intake.ZoneWork, Limit: 10000, RequireTriage: true})
	if err != nil {
		t.Fatalf("Candidates triaged: %v", err)
	}
	for _, c := range triagedOnly {
		if c.Triage == nil {
			t.Errorf("candidate %s has no triage but RequireTriage was set", c.ID)
		}
		if c.ID == newerID {
			t.Error("untriaged item returned with RequireTriage")
		}
	}
}

func testTriageUpsert(t *testing.T, s intake.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, newItem("gmail", uniq("thr")))
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := &intake.TriageRecord{
		IntakeID: id, Category: intake.CategoryFYI, Priority: intake.PriorityP3,
		Confidence: 0.6, Layer: intake.LayerSimilarity, Action: intake.ActionConfirmed,
		Reasoning: "similar items", TriagedAt: now, TriagedBy: intake.TriagedByDeterministic,
	}
	if err := s.PutTriage(ctx, first); err != nil {
		t.Fatalf("PutTriage: %v", err)
	}
	second := *first
	second.Category = intake.CategoryActionRequired
	second.Priority = intake.PriorityP1
	second.QuickWin = true
	second.QuickWinReason = "one-line answer"
	second.EstimatedTime = intake.Effort5Min
	second.Layer = intake.LayerOracle
	second.Action = intake.ActionAdjusted
	second.TriagedBy = intake.TriagedByOracle
	if err := s.PutTriage(ctx, &second); err != nil {
		t.Fatalf("PutTriage second: %v", err)
	}

	got, ok, err := s.GetTriage(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetTriage: ok=%v err=%v", ok, err)
	}
	if got.Category != intake.CategoryActionRequired || got.Priority != intake.PriorityP1 {
		t.Errorf("triage = %s/%s, want Action-Required/P1", got.Category, got.Priority)
	}
	if !got.QuickWin || got.EstimatedTime != intake.Effort5Min || got.Action != intake.ActionAdjusted {
		t.Errorf("triage fields not replaced: %+v", got)
	}
	if !got.TriagedAt.Equal(now) {
		t.Errorf("TriagedAt = %v, want %v", got.TriagedAt, now)
	}

	item, _, _ := s.Get(ctx, id)
	if item.Status != intake.StatusTriaged {
		t.Errorf("item status = %q, want %q", item.Status, intake.StatusTriaged)
	}

	if _, ok, err := s.GetTriage(ctx, "01UNKNOWN0000000000000000"); err != nil || ok {
		t.Errorf("missing GetTriage: ok=%v err=%v", ok, err)
	}
}

func testList(t *testing.T, s intake.Store) {
	ctx := context.Background()
	source := uniq("list")

	a := mustUpsert(t, s, newItem(source, "a"))
	b := newItem(source, "b")
	b.Zone = intake.ZoneHome
	bID := mustUpsert(t, s, b)
	_ = mustUpsert(t, s, newItem(source, "c"))

	if err := s.PutTriage(ctx, &intake.TriageRecord{
		IntakeID: a, Category: intake.CategoryActionRequired, Priority: intake.PriorityP0,
		Layer: intake.LayerRules, TriagedAt: time.Now(), TriagedBy: intake.TriagedByDeterministic,
	}); err != nil {
		t.Fatalf("PutTriage: %v", err)
	}

	tests := []struct {
		name   string
		filter intake.Filter
		want   int
	}{
		{"by source", intake.Filter{Source: source}, 3},
		{"limit", intake.Filter{Source: source, Limit: 2}, 2},
		{"zone home", intake.Filter{Source: source, Zone: intake.ZoneHome}, 1},
		{"priority P0", intake.Filter{Source: source, Priority: intake.PriorityP0}, 1},
		{"untriaged", intake.Filter{Source: source, Status: intake.StatusUntriaged}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}

	home, _ := s.List(ctx, intake.Filter{Source: source, Zone: intake.ZoneHome})
	if len(home) == 1 && home[0].ID != bID {
		t.Errorf("home item = %q, want %q", home[0].ID, bID)
	}
}

func testCorrections(t *testing.T, s intake.Store) {
	ctx := context.Background()
	id := mustUpsert(t, s, newItem("gmail", uniq("thr")))

	for i, cat := range []intake.Category{intake.CategoryFYI, intake.CategoryReference} {
		_, err := s.RecordCorrection(ctx, &intake.Correction{
			IntakeID:          id,
			Zone:              intake.ZoneWork,
			Subject:           "Budget review",
			OriginalCategory:  intake.CategoryActionRequired,
			OriginalPriority:  intake.PriorityP1,
			CorrectedCategory: cat,
			CorrectedPriority: intake.PriorityP3,
			Reason:            fmt.Sprintf("correction %d", i),
			CorrectedAt:       time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("RecordCorrection: %v", err)
		}
	}

	got, err := s.RecentCorrections(ctx, intake.ZoneWork, 1)
	if err != nil {
		t.Fatalf("RecentCorrections: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].CorrectedCategory != intake.CategoryReference {
		t.Errorf("newest correction = %q, want %q", got[0].CorrectedCategory, intake.CategoryReference)
	}
	if got[0].ID == 0 {
		t.Error("correction ID not assigned")
	}

	if _, err := s.RecordCorrection(ctx, &intake.Correction{IntakeID: "01UNKNOWN0000000000000000"}); !errors.Is(err, intake.ErrNotFound) {
		t.Errorf("unknown item: err = %v, want ErrNotFound", err)
	}
}

func testSyncState(t *testing.T, s intake.Store) {
	ctx := context.Background()
	source := uniq("src")

	if _, ok, err := s.GetSyncState(ctx, source); err != nil || ok {
		t.Fatalf("GetSyncState empty: ok=%v err=%v", ok, err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	st := &intake.SyncState{
		Source: source, Cursor: "page-2", LastSyncAt: now, Status: "error",
		ItemsSynced: 42, ConsecutiveFailures: 2, LastError: "rate limited",
	}
	if err := s.PutSyncState(ctx, st); err != nil {
		t.Fatalf("PutSyncState: %v", err)
	}
	st.ConsecutiveFailures = 0
	st.Status = "ok"
	st.LastSuccessAt = now
	st.LastError = ""
	if err := s.PutSyncState(ctx, st); err != nil {
		t.Fatalf("PutSyncState overwrite: %v", err)
	}

	got, ok, err := s.GetSyncState(ctx, source)
	if err != nil || !ok {
		t.Fatalf("GetSyncState: ok=%v err=%v", ok, err)
	}
	if got.Cursor != "page-2" || got.ItemsSynced != 42 || got.ConsecutiveFailures != 0 || got.Status != "ok" {
		t.Errorf("state = %+v", got)
	}
	if !got.LastSuccessAt.Equal(now) {
		t.Errorf("LastSuccessAt = %v, want %v", got.LastSuccessAt, now)
	}

	all, err := s.ListSyncStates(ctx)
	if err != nil {
		t.Fatalf("ListSyncStates: %v", err)
	}
	found := false
	for _, x := range all {
		found = found || x.Source == source
	}
	if !found {
		t.Error("ListSyncStates missing source")
	}
}

func testConcurrentUpsert(t *testing.T, s intake.Store) {
	ctx := context.Background()
	sourceID := uniq("race")
	const n = 8

	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], _, errs[i] = s.Upsert(ctx, newItem("slack", sourceID))
		}()
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Upsert %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("concurrent upserts produced different ids: %q vs %q", ids[i], ids[0])
		}
	}
}
