package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	vc "github.com/linnemanlabs/intake/internal/cfg"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/intakeapi"
	"github.com/linnemanlabs/intake/internal/syncer"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func pipelineConfig(t *testing.T) vc.Config {
	t.Helper()
	spool := filepath.Join(t.TempDir(), "spool.jsonl")
	lines := `{"item":{"source":"gmail","source_id":"m-1","zone":"work","subject":"Quarterly report due today","body":"Can you send the report?"}}
{"item":{"source":"gmail","source_id":"m-2","zone":"home","subject":"Weekly digest","from_address":"newsletter@example.com","body":"unsubscribe"}}
`
	if err := os.WriteFile(spool, []byte(lines), 0o600); err != nil {
		t.Fatal(err)
	}
	return vc.Config{
		SkipOracle:      true,
		OracleTimeout:   time.Second,
		EmbedDimensions: 64,
		ThreadWindow:    10,
		SimilarityPool:  100,
		SpoolFile:       spool,
	}
}

func TestBuildPipeline_MemoryStoreSync(t *testing.T) {
	ctx := context.Background()
	c := pipelineConfig(t)

	p, err := buildPipeline(ctx, &c, log.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	defer p.close(ctx, log.Nop())

	if got := p.runner.Sources(); !slices.Equal(got, []syncer.Source{syncer.SourceSpool}) {
		t.Fatalf("Sources = %v, want [spool]", got)
	}
	rep, err := p.runner.Run(ctx, syncer.SourceSpool)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Processed != 2 || rep.Created != 2 || rep.Triaged != 2 {
		t.Errorf("report = %+v, want 2 processed, created and triaged", rep)
	}

	items, err := p.service.List(ctx, intake.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("List returned %d items, want 2", len(items))
	}
	for _, it := range items {
		view, ok, err := p.service.Get(ctx, it.ID)
		if err != nil || !ok {
			t.Fatalf("Get(%s) = %v, %v", it.ID, ok, err)
		}
		if view.Triage == nil {
			t.Errorf("item %s has no triage record", it.SourceID)
		}
	}
}

func TestBuildPipeline_SQLite(t *testing.T) {
	ctx := context.Background()
	c := pipelineConfig(t)
	c.SQLitePath = filepath.Join(t.TempDir(), "intake.db")

	p, err := buildPipeline(ctx, &c, log.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	if len(p.stops) != 1 || p.stops[0].name != "sqlite store" {
		t.Fatalf("stops = %+v, want the sqlite store", p.stops)
	}
	if _, err := p.runner.Run(ctx, syncer.SourceSpool); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p.close(ctx, log.Nop())
	if len(p.stops) != 0 {
		t.Error("close should drop the stop list")
	}

	// state survives a restart on the same file
	p, err = buildPipeline(ctx, &c, log.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.close(ctx, log.Nop())
	states, err := p.runner.States(ctx)
	if err != nil {
		t.Fatalf("States: %v", err)
	}
	if len(states) != 1 || states[0].Cursor != "2" {
		t.Errorf("states = %+v, want spool cursor 2", states)
	}
}

func TestBuildPipeline_BadRulesFile(t *testing.T) {
	c := pipelineConfig(t)
	c.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := buildPipeline(context.Background(), &c, log.Nop(), prometheus.NewRegistry()); err == nil {
		t.Fatal("expected error for a missing rules file")
	}
}

func TestStoreKind(t *testing.T) {
	tests := []struct {
		cfg  vc.Config
		want string
	}{
		{vc.Config{}, "memory"},
		{vc.Config{SQLitePath: "/tmp/x.db"}, "sqlite"},
		{vc.Config{DatabaseURL: "postgres://x"}, "postgres"},
	}
	for _, tt := range tests {
		if got := storeKind(&tt.cfg); got != tt.want {
			t.Errorf("storeKind(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestNewHandler_AuthBoundary(t *testing.T) {
	c := pipelineConfig(t)
	c.APIToken = "secret"
	p, err := buildPipeline(context.Background(), &c, log.Nop(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("buildPipeline: %v", err)
	}
	defer p.close(context.Background(), log.Nop())

	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	passthrough := func(next http.Handler) http.Handler { return next }
	h := newHandler(log.Nop(), &c, httpmw.Config{}, passthrough, ok, ok,
		intakeapi.New(log.Nop(), p.service, p.classifier, p.runner))

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"health is open", "/-/healthy", "", http.StatusOK},
		{"ready is open", "/-/ready", "", http.StatusOK},
		{"api without token", "/api/v1/items", "", http.StatusUnauthorized},
		{"api wrong token", "/api/v1/items", "Bearer nope", http.StatusUnauthorized},
		{"api with token", "/api/v1/items", "Bearer secret", http.StatusOK},
		{"sync status", "/api/v1/sync", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("GET %s = %d, want %d (body %s)", tt.path, rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}
