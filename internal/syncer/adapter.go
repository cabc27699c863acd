// Package syncer drives source adapters: it pages through each source from
// its stored cursor, ingests every conversation through the triage service
// and records a SyncState after every attempt.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/linnemanlabs/intake/internal/intake"
)

// Source names one of the supported adapters.
type Source string

const (
	SourceGmail    Source = "gmail"
	SourceSlack    Source = "slack"
	SourceGCal     Source = "gcal"
	SourceIMessage Source = "imessage"
	SourceSpool    Source = "spool"
)

// Sources lists every known source.
var Sources = []Source{SourceGmail, SourceSlack, SourceGCal, SourceIMessage, SourceSpool}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// ErrUnknownSource is returned for a source with no registered adapter.
var ErrUnknownSource = errors.New("syncer: unknown source")

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	src := Source(s)
	if !src.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, s)
	}
	return src, nil
}

// Conversation is one raw source payload, opaque to the runner.
type Conversation struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Page is one batch of conversations. NextCursor resumes after the page.
type Page struct {
	Conversations []Conversation
	NextCursor    string
	More          bool
}

// Adapter is the capability set every source implements.
type Adapter interface {
	Source() Source
	// Validate checks credentials and configuration before a run.
	Validate(ctx context.Context) error
	// Sync fetches the page after cursor. An empty cursor starts over.
	Sync(ctx context.Context, cursor string) (*Page, error)
	TransformItem(c Conversation) (*intake.Item, error)
	TransformMessages(c Conversation) ([]intake.Message, error)
}

// Registry maps sources to adapters. It is built once at startup.
type Registry struct {
	adapters map[Source]Adapter
}

// NewRegistry registers adapters, rejecting unknown and duplicate sources.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[Source]Adapter, len(adapters))}
	var errs []error
	for _, a := range adapters {
		src := a.Source()
		if !src.Valid() {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownSource, src))
			continue
		}
		if _, dup := r.adapters[src]; dup {
			errs = append(errs, fmt.Errorf("syncer: duplicate adapter for %s", src))
			continue
		}
		r.adapters[src] = a
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the adapter for src.
func (r *Registry) Get(src Source) (Adapter, bool) {
	a, ok := r.adapters[src]
	return a, ok
}

// Sources returns the registered sources in name order.
func (r *Registry) Sources() []Source {
	out := make([]Source, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
