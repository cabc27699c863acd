package tools

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
)

type fixedTool struct {
	name, desc string
}

func (f fixedTool) Name() string                { return f.name }
func (f fixedTool) Description() string         { return f.desc }
func (f fixedTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f fixedTool) Execute(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestRegistry_OracleTools(t *testing.T) {
	t.Parallel()

	r := NewRegistry(NewRecentCorrections(nil), NewLookupThread(nil))

	for _, name := range []string{"lookup_thread", "recent_corrections"} {
		tool, ok := r.Get(name)
		if !ok {
			t.Fatalf("Get(%q) missing", name)
		}
		if tool.Description() == "" {
			t.Errorf("%s has no description", name)
		}
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters(), &schema); err != nil {
			t.Errorf("%s parameters are not JSON: %v", name, err)
		}
		if schema["type"] != "object" {
			t.Errorf("%s schema type = %v, want object", name, schema["type"])
		}
	}
	if _, ok := r.Get("query_metrics"); ok {
		t.Error("unexpected tool query_metrics")
	}
}

func TestRegistry_ToToolDefs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		tools []Tool
		want  []string
		descs map[string]string
	}{
		{
			name: "empty",
		},
		{
			name:  "sorted by name",
			tools: []Tool{fixedTool{name: "zeta"}, fixedTool{name: "alpha"}, fixedTool{name: "mid"}},
			want:  []string{"alpha", "mid", "zeta"},
		},
		{
			name:  "later registration replaces earlier",
			tools: []Tool{fixedTool{name: "dup", desc: "first"}, fixedTool{name: "dup", desc: "second"}},
			want:  []string{"dup"},
			descs: map[string]string{"dup": "second"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			defs := NewRegistry(tt.tools...).ToToolDefs()
			var names []string
			for _, d := range defs {
				names = append(names, d.Name)
				if len(d.InputSchema) == 0 {
					t.Errorf("%s has empty input schema", d.Name)
				}
				if want, ok := tt.descs[d.Name]; ok && d.Description != want {
					t.Errorf("%s description = %q, want %q", d.Name, d.Description, want)
				}
			}
			if !slices.Equal(names, tt.want) {
				t.Errorf("names = %v, want %v", names, tt.want)
			}
		})
	}
}

func TestRegistry_RegisterAfterConstruction(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(NewLookupThread(nil))
	if _, ok := r.Get("lookup_thread"); !ok {
		t.Fatal("registered tool not found")
	}
	if got := len(r.ToToolDefs()); got != 1 {
		t.Errorf("len(defs) = %d, want 1", got)
	}
}
