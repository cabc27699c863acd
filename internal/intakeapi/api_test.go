package intakeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/intake/internal/embed"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/intake/memstore"
	"github.com/linnemanlabs/intake/internal/rules"
	"github.com/linnemanlabs/intake/internal/similarity"
	"github.com/linnemanlabs/intake/internal/syncer"
	"github.com/linnemanlabs/intake/internal/triage"
)

// fakeSyncer returns canned results per source.
type fakeSyncer struct {
	reports map[syncer.Source]*syncer.Report
	errs    map[syncer.Source]error
	states  []intake.SyncState
}

func (f *fakeSyncer) Sources() []syncer.Source {
	return []syncer.Source{syncer.SourceGmail, syncer.SourceSpool}
}

func (f *fakeSyncer) States(context.Context) ([]intake.SyncState, error) {
	return f.states, nil
}

func (f *fakeSyncer) Run(_ context.Context, src syncer.Source) (*syncer.Report, error) {
	return f.reports[src], f.errs[src]
}

type testEnv struct {
	router chi.Router
	store  *memstore.Store
}

func newTestEnv(t testing.TB, sync Syncer) *testEnv {
	t.Helper()
	s := memstore.New()
	d, err := rules.NewDeriver(rules.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	cls := similarity.New(s, embed.NewHasher(128), 0)
	eng, err := triage.NewEngine(triage.Deps{
		Store:      s,
		Deriver:    d,
		Rules:      rules.NewEngine(rules.DefaultRules(0)),
		Similarity: cls,
	}, log.Nop(), triage.EngineHooks{})
	if err != nil {
		t.Fatal(err)
	}
	svc := triage.NewService(s, eng, nil, log.Nop(), triage.ServiceConfig{})

	r := chi.NewRouter()
	New(log.Nop(), svc, cls, sync).RegisterRoutes(r)
	return &testEnv{router: r, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

const renewalEnvelope = `{
	"item": {
		"source": "gmail",
		"source_id": "thread-1",
		"zone": "work",
		"type": "email",
		"subject": "Contract renewal",
		"body": "Can you review the renewal terms before Friday?",
		"from_name": "Dana",
		"from_address": "dana@acme.com"
	},
	"messages": [
		{"source_message_id": "m1", "from_name": "Dana", "content": "Can you review the renewal terms before Friday?"}
	]
}`

func (e *testEnv) ingest(t *testing.T, body string) triage.IngestResult {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/items", body)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("ingest status = %d body=%s", rec.Code, rec.Body)
	}
	return decodeBody[triage.IngestResult](t, rec)
}

// New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &triage.Service{}, nil, nil)
	if api.logger == nil {
		t.Fatal("New left logger nil; expected Nop logger")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New without a service did not panic")
		}
	}()
	New(nil, nil, nil, nil)
}

// Routing

func TestRegisterRoutes_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPut, "/api/v1/items"},
		{http.MethodDelete, "/api/v1/items/abc"},
		{http.MethodGet, "/api/v1/items/abc/triage"},
		{http.MethodGet, "/api/v1/triage/batch"},
		{http.MethodGet, "/api/v1/corrections"},
		{http.MethodGet, "/api/v1/entities"},
		{http.MethodPost, "/api/v1/sync"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()
			if rec := env.do(t, tt.method, tt.path, ""); rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", rec.Code)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	for _, path := range []string{"/api/v2/items", "/api/v1/alerts", "/"} {
		if rec := env.do(t, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

// Items

func TestIngest(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/items", renewalEnvelope)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q", ct)
	}
	res := decodeBody[triage.IngestResult](t, rec)
	if res.ID == "" || res.Outcome != intake.Created || res.MessagesAdded != 1 || !res.Triaged {
		t.Errorf("result = %+v", res)
	}
	if res.Result == nil || res.Result.Record.IntakeID != res.ID {
		t.Errorf("triage result missing: %+v", res.Result)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/items", renewalEnvelope)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	again := decodeBody[triage.IngestResult](t, rec)
	if again.ID != res.ID || again.Outcome != intake.Unchanged || again.Triaged {
		t.Errorf("replay = %+v", again)
	}
}

func TestIngest_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{bad`},
		{"empty body", ``},
		{"missing source id", `{"item":{"source":"gmail","subject":"x"}}`},
		{"bad zone", `{"item":{"source":"gmail","source_id":"1","zone":"office"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := env.do(t, http.MethodPost, "/api/v1/items", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 body=%s", rec.Code, rec.Body)
			}
		})
	}
}

func TestGetItem(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	res := env.ingest(t, renewalEnvelope)

	rec := env.do(t, http.MethodGet, "/api/v1/items/"+res.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	view := decodeBody[triage.ItemView](t, rec)
	if view.Item.Subject != "Contract renewal" || view.Triage == nil {
		t.Errorf("view = %+v", view)
	}
	if view.Item.Status != intake.StatusTriaged {
		t.Errorf("status = %s", view.Item.Status)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/items/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown item = %d, want 404", rec.Code)
	}
}

func TestListItems(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	env.ingest(t, renewalEnvelope)
	env.ingest(t, `{"item":{"source":"slack","source_id":"C1:1","zone":"home","subject":"dinner","body":"pizza tonight?"}}`)

	tests := []struct {
		query string
		code  int
		count int
	}{
		{"", http.StatusOK, 2},
		{"?zone=home", http.StatusOK, 1},
		{"?source=gmail", http.StatusOK, 1},
		{"?status=untriaged", http.StatusOK, 0},
		{"?limit=1", http.StatusOK, 1},
		{"?zone=office", http.StatusBadRequest, 0},
		{"?status=done", http.StatusBadRequest, 0},
		{"?priority=P9", http.StatusBadRequest, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()
			rec := env.do(t, http.MethodGet, "/api/v1/items"+tt.query, "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			body := decodeBody[struct {
				Items []*intake.Item `json:"items"`
				Count int            `json:"count"`
			}](t, rec)
			if body.Count != tt.count || len(body.Items) != tt.count {
				t.Errorf("count = %d items = %d, want %d", body.Count, len(body.Items), tt.count)
			}
		})
	}
}

func TestTriageItem(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	res := env.ingest(t, renewalEnvelope)

	rec := env.do(t, http.MethodPost, "/api/v1/items/"+res.ID+"/triage?skip_oracle=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	out := decodeBody[triage.Result](t, rec)
	if out.IntakeID != res.ID || !out.OracleSkipped {
		t.Errorf("result = %+v", out)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/items/nope/triage", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown item = %d, want 404", rec.Code)
	}
}

func TestTriageBatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := env.store.Upsert(ctx, &intake.Item{Source: "gmail", SourceID: id, Zone: intake.ZoneWork, Subject: "note " + id}); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(t, http.MethodPost, "/api/v1/triage/batch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	rep := decodeBody[triage.BatchReport](t, rec)
	if rep.Processed != 2 || rep.Failed != 0 {
		t.Errorf("report = %+v", rep)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/triage/batch", `{"zone":"office"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad zone = %d, want 400", rec.Code)
	}
}

func TestCorrection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	res := env.ingest(t, renewalEnvelope)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"valid", `{"intake_id":"` + res.ID + `","category":"FYI","priority":"P3","reason":"already handled"}`, http.StatusOK},
		{"bad category", `{"intake_id":"` + res.ID + `","category":"Spam","priority":"P3"}`, http.StatusBadRequest},
		{"bad priority", `{"intake_id":"` + res.ID + `","category":"FYI","priority":"P5"}`, http.StatusBadRequest},
		{"missing id", `{"category":"FYI","priority":"P3"}`, http.StatusBadRequest},
		{"unknown item", `{"intake_id":"nope","category":"FYI","priority":"P3"}`, http.StatusNotFound},
		{"invalid json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/corrections", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tt.code, rec.Body)
			}
		})
	}

	rec := env.do(t, http.MethodGet, "/api/v1/items/"+res.ID, "")
	view := decodeBody[triage.ItemView](t, rec)
	if view.Triage.Layer != intake.LayerUser || view.Triage.Category != intake.CategoryFYI {
		t.Errorf("triage after correction = %+v", view.Triage)
	}
}

// Analysis

func TestEntities(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/entities",
		`{"text":"URGENT: please send the contract by Friday","reference":"2026-03-04T09:00:00Z"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	body := decodeBody[struct {
		UrgencyCues []struct {
			Text string `json:"text"`
		} `json:"urgency_cues"`
	}](t, rec)
	if len(body.UrgencyCues) == 0 || body.UrgencyCues[0].Text != "urgent" {
		t.Errorf("urgency cues = %+v", body.UrgencyCues)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/entities", `{"text":"   "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank text = %d, want 400", rec.Code)
	}
}

func TestSimilar(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	first := env.ingest(t, renewalEnvelope)
	env.ingest(t, `{"item":{"source":"slack","source_id":"C9:1","zone":"home","subject":"garden","body":"tomatoes are ripe"}}`)

	rec := env.do(t, http.MethodPost, "/api/v1/similar",
		`{"min_similarity":0.2,"item":{"zone":"work","subject":"Contract renewal","body":"Can you review the renewal terms before Friday?"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	resp := decodeBody[similarResponse](t, rec)
	if len(resp.Matches) != 1 || resp.Matches[0].ID != first.ID {
		t.Fatalf("matches = %+v", resp.Matches)
	}
	if resp.Matches[0].Triage == nil {
		t.Error("stored neighbour should carry its triage record")
	}

	rec = env.do(t, http.MethodPost, "/api/v1/similar", `{"min_similarity":0.2,"id":"`+first.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("by id status = %d", rec.Code)
	}
	if resp := decodeBody[similarResponse](t, rec); len(resp.Matches) != 0 {
		t.Errorf("an item must not match itself: %+v", resp.Matches)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown id", `{"id":"nope"}`, http.StatusNotFound},
		{"empty item", `{"item":{"zone":"work"}}`, http.StatusBadRequest},
		{"nothing", `{}`, http.StatusBadRequest},
		{"bad zone", `{"zone":"office","item":{"subject":"x"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, http.MethodPost, "/api/v1/similar", tt.body); rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestSimilar_NotConfigured(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(log.Nop(), &triage.Service{}, nil, nil).RegisterRoutes(r)
	for _, path := range []string{"/api/v1/similar", "/api/v1/sync/gmail"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("POST %s = %d, want 503", path, rec.Code)
		}
	}
}

// Sync

func TestSync(t *testing.T) {
	t.Parallel()

	fs := &fakeSyncer{
		reports: map[syncer.Source]*syncer.Report{
			syncer.SourceSpool: {Source: syncer.SourceSpool, Processed: 3, Created: 2, Unchanged: 1},
			syncer.SourceSlack: {Source: syncer.SourceSlack},
		},
		errs: map[syncer.Source]error{
			syncer.SourceGmail:    syncer.ErrLocked,
			syncer.SourceSlack:    &syncer.SyncError{Source: syncer.SourceSlack, Err: errors.New("rate limited")},
			syncer.SourceIMessage: errors.New("database is down"),
			syncer.SourceGCal:     syncer.ErrUnknownSource,
		},
		states: []intake.SyncState{{Source: "spool", Status: syncer.StatusOK, ItemsSynced: 3}},
	}
	env := newTestEnv(t, fs)

	rec := env.do(t, http.MethodGet, "/api/v1/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	st := decodeBody[syncStatus](t, rec)
	if len(st.Sources) != 2 || len(st.States) != 1 || st.States[0].ItemsSynced != 3 {
		t.Errorf("status = %+v", st)
	}

	tests := []struct {
		source string
		code   int
	}{
		{"spool", http.StatusOK},
		{"gmail", http.StatusConflict},
		{"slack", http.StatusBadGateway},
		{"imessage", http.StatusInternalServerError},
		{"gcal", http.StatusNotFound},
		{"fax", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			t.Parallel()
			rec := env.do(t, http.MethodPost, "/api/v1/sync/"+tt.source, "")
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tt.code, rec.Body)
			}
			if tt.source == "spool" {
				out := decodeBody[syncRunResponse](t, rec)
				if out.Report == nil || out.Report.Processed != 3 {
					t.Errorf("report = %+v", out.Report)
				}
			}
			if tt.source == "slack" {
				out := decodeBody[syncRunResponse](t, rec)
				if !strings.Contains(out.Error, "rate limited") || out.Report == nil {
					t.Errorf("response = %+v", out)
				}
			}
		})
	}
}

// Fuzz

func FuzzIngest(f *testing.F) {
	f.Add([]byte(renewalEnvelope))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"item":null}`))
	f.Add([]byte(`{"item":{"source":"x","source_id":"y","participants":["a","a"],"metadata":{"k":[1,2]}}}`))
	f.Add([]byte(`{"item":{"source":"x","source_id":"y"},"messages":[{},{},{"source_message_id":"1"}]}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{0xff, 0xfe})

	env := newTestEnv(f, nil)
	f.Fuzz(func(t *testing.T, body []byte) {
		rec := env.do(t, http.MethodPost, "/api/v1/items", string(body))
		switch rec.Code {
		case http.StatusOK, http.StatusCreated, http.StatusBadRequest:
		default:
			t.Fatalf("unexpected status %d for %q: %s", rec.Code, body, rec.Body)
		}
	})
}
