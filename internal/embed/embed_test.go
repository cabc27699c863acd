package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/intake/internal/intake"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: url, Model: "test-model", APIKey: "k", MaxRetries: 2, RetryWait: time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientEmbed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q", got)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "test-model" || len(req.Input) != 1 || req.Input[0] != "hello" {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[3,4]}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("vec = %v, want normalized [0.6 0.8]", vec)
	}
	if c.Dimensions() != 2 {
		t.Errorf("Dimensions = %d, want 2", c.Dimensions())
	}
}

func TestClientRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).Embed(context.Background(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Embed(context.Background(), "x")
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTPError 400", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", calls.Load())
	}
}

func TestClientRejectsZeroVectorAndEmptyText(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0,0]}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Error("expected error for zero vector")
	}
	if _, err := c.Embed(context.Background(), "  "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no endpoint", Config{Model: "m"}},
		{"no model", Config{Endpoint: "http://x"}},
		{"negative retries", Config{Endpoint: "http://x", Model: "m", MaxRetries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewClient(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHasherSelfSimilarity(t *testing.T) {
	t.Parallel()

	h := NewHasher(0)
	ctx := context.Background()
	a, err := h.Embed(ctx, "Quarterly budget review for the marketing team")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := h.Embed(ctx, "Quarterly budget review for the marketing team")
	if len(a) != DefaultHashDimensions {
		t.Fatalf("len = %d", len(a))
	}
	if s := Cosine(a, b); math.Abs(s-1) > 1e-6 {
		t.Errorf("self similarity = %v, want 1", s)
	}

	near, _ := h.Embed(ctx, "Budget review for the marketing team next quarter")
	far, _ := h.Embed(ctx, "Your package has shipped and will arrive Tuesday")
	if Cosine(a, near) <= Cosine(a, far) {
		t.Errorf("related text %.3f not closer than unrelated %.3f", Cosine(a, near), Cosine(a, far))
	}

	if _, err := h.Embed(ctx, "!!! ---"); !errors.Is(err, ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestNormalizeAndCosine(t *testing.T) {
	t.Parallel()

	if Normalize([]float32{0, 0, 0}) != nil {
		t.Error("zero vector should not normalize")
	}
	if Cosine([]float32{1, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("mismatched lengths should score 0")
	}
	v := Normalize([]float32{1, 2, 2})
	if s := Cosine(v, v); math.Abs(s-1) > 1e-6 {
		t.Errorf("Cosine(v, v) = %v", s)
	}
}

func TestText(t *testing.T) {
	t.Parallel()

	it := &intake.Item{
		Subject:       "Renewal",
		FromAddress:   "ceo@acme.com",
		Source:        "gmail",
		Body:          strings.Repeat("é", MaxBodyChars+50),
		ThreadContext: "[2026-03-01 09:00] A: hi",
	}
	got := Text(it)
	lines := strings.Split(got, "\n")
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5:\n%s", len(lines), got)
	}
	if lines[0] != "Subject: Renewal" || lines[1] != "From: ceo@acme.com" || lines[2] != "Source: gmail" {
		t.Errorf("header lines = %q", lines[:3])
	}
	if n := len([]rune(lines[3])); n != MaxBodyChars {
		t.Errorf("body runes = %d, want %d", n, MaxBodyChars)
	}
	if lines[4] != it.ThreadContext {
		t.Errorf("thread line = %q", lines[4])
	}

	it.FromName = "Dana Ceo"
	if !strings.Contains(Text(it), "From: Dana Ceo\n") {
		t.Error("from name should be preferred over address")
	}
}
