package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"github.com/linnemanlabs/intake/internal/intake/pgstore.(*Store).Upsert", "(*Store).Upsert"},
		{"github.com/linnemanlabs/intake/internal/triage.(*Service).Ingest", "(*Service).Ingest"},
		{"pgstore.(*Store).Candidates", "(*Store).Candidates"},
		{"(*Store).Get", "Get"},
		{"main", "main"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := shortenFuncName(tt.in); got != tt.want {
			t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsTracerNoise(t *testing.T) {
	t.Parallel()

	tests := []struct {
		fn   string
		want bool
	}{
		{"runtime.goexit", true},
		{"github.com/jackc/pgx/v5.(*Conn).Query", true},
		{"github.com/exaring/otelpgx.(*Tracer).TraceQueryStart", true},
		{"github.com/linnemanlabs/intake/internal/postgres.loggingTracer.TraceQueryStart", true},
		{"github.com/linnemanlabs/intake/internal/intake/pgstore.(*Store).Get", false},
		{"github.com/linnemanlabs/intake/internal/syncer.(*Runner).Run", false},
	}
	for _, tt := range tests {
		if got := isTracerNoise(tt.fn); got != tt.want {
			t.Errorf("isTracerNoise(%q) = %v, want %v", tt.fn, got, tt.want)
		}
	}
}

func TestReqDBStats(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Fatal("plain context should carry no stats")
	}

	ctx := NewReqDBStatsContext(context.Background())
	s, ok := ReqDBStatsFromContext(ctx)
	if !ok || s == nil {
		t.Fatal("stats missing from context")
	}
	s.AddQuery(2*time.Millisecond, nil)
	s.AddQuery(3*time.Millisecond, errors.New("conn reset"))

	again, _ := ReqDBStatsFromContext(ctx)
	if again.QueryCount != 2 || again.ErrorCount != 1 || again.TotalDuration != 5*time.Millisecond {
		t.Errorf("stats = %+v, want 2 queries, 1 error, 5ms", again)
	}
	if got := again.String(); got != "queries=2 errors=1 db_time=5ms" {
		t.Errorf("String = %q", got)
	}
}

func TestLabels(t *testing.T) {
	t.Parallel()

	rc := chi.NewRouteContext()
	rc.RoutePatterns = []string{"/api/v1/items/{id}"}
	routed := context.WithValue(context.Background(), chi.RouteCtxKey, rc)

	tests := []struct {
		name       string
		ctx        context.Context
		wantMethod string
		wantRoute  string
	}{
		{"background sync", context.Background(), "", "background"},
		{"empty method is not stored", WithHTTPMethod(context.Background(), ""), "", "background"},
		{"api request", WithHTTPMethod(routed, "POST"), "POST", "/api/v1/items/{id}"},
	}
	for _, tt := range tests {
		if got := httpMethodFromContext(tt.ctx); got != tt.wantMethod {
			t.Errorf("%s: method = %q, want %q", tt.name, got, tt.wantMethod)
		}
		if got := routeLabel(tt.ctx); got != tt.wantRoute {
			t.Errorf("%s: route = %q, want %q", tt.name, got, tt.wantRoute)
		}
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("SELECT id\n\t  FROM intake_items\n WHERE id = $1")
	if got != "SELECT id FROM intake_items WHERE id = $1" {
		t.Errorf("compactSQL = %q", got)
	}
}

// Not parallel: the tests below swap the package-level observer.

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	var calls int
	SetQueryObserver(QueryObserverFunc(func(context.Context, string, string, string, time.Duration) {
		calls++
	}))
	obs := getQueryObserver()
	if obs == nil {
		t.Fatal("observer not installed")
	}
	obs.ObserveQuery(context.Background(), "GET", "/api/v1/items", "ok", time.Millisecond)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	SetQueryObserver(nil)
	if obs := getQueryObserver(); obs != nil {
		t.Errorf("observer after reset = %v, want nil", obs)
	}
}

func TestLoggingTracer_ObservesWithoutInner(t *testing.T) {
	defer SetQueryObserver(nil)

	var gotMethod, gotRoute, gotOutcome string
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, method, route, outcome string, _ time.Duration) {
		gotMethod, gotRoute, gotOutcome = method, route, outcome
	}))

	tr := wrapQueryTracer(nil)
	ctx := NewReqDBStatsContext(context.Background())
	ctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1", Args: []any{"secret body"}})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("conn reset")})

	if gotMethod != "NONE" || gotRoute != "background" || gotOutcome != "error" {
		t.Errorf("observed (%q, %q, %q), want (NONE, background, error)", gotMethod, gotRoute, gotOutcome)
	}
	stats, _ := ReqDBStatsFromContext(ctx)
	if stats.QueryCount != 1 || stats.ErrorCount != 1 {
		t.Errorf("stats = %+v, want one failed query", stats)
	}
}
