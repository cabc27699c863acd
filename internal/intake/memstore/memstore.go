// Package memstore provides an in-memory implementation of intake.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/intake/internal/intake"
)

type sourceKey struct{ source, sourceID string }

type messageKey struct{ intakeID, sourceMessageID string }

// Store holds items, messages and triage state in memory. Suitable for dev/testing.
type Store struct {
	mu          sync.RWMutex
	items       map[string]*intake.Item     // intake ID -> item
	bySource    map[sourceKey]string        // (source, source_id) -> intake ID (dedup)
	messages    map[string][]intake.Message // intake ID -> messages in insertion order
	seenMsgs    map[messageKey]struct{}     // message dedup
	triage      map[string]*intake.TriageRecord
	corrections []intake.Correction
	syncStates  map[string]*intake.SyncState
	now         func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		items:      make(map[string]*intake.Item),
		bySource:   make(map[sourceKey]string),
		messages:   make(map[string][]intake.Message),
		seenMsgs:   make(map[messageKey]struct{}),
		triage:     make(map[string]*intake.TriageRecord),
		syncStates: make(map[string]*intake.SyncState),
		now:        time.Now,
	}
}

// Upsert inserts or merges an item keyed by (source, source_id).
func (s *Store) Upsert(_ context.Context, item *intake.Item) (string, intake.UpsertOutcome, error) {
	if err := intake.Validate(item); err != nil {
		return "", "", fmt.Errorf("upsert: %w", err)
	}
	in := item.Clone()
	intake.Normalize(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey{in.Source, in.SourceID}
	id, ok := s.bySource[key]
	if !ok {
		row := intake.NewForInsert(in, ulid.Make().String(), s.now())
		s.items[row.ID] = row
		s.bySource[key] = row.ID
		return row.ID, intake.Created, nil
	}

	merged, changed := intake.Merge(s.items[id], in)
	if !changed {
		return id, intake.Unchanged, nil
	}
	s.items[id] = merged
	return id, intake.Updated, nil
}

// Get retrieves an item by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*intake.Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false, nil
	}
	return it.Clone(), true, nil
}

// GetBySource retrieves an item by its dedup key. Returns a copy.
func (s *Store) GetBySource(_ context.Context, source, sourceID string) (*intake.Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySource[sourceKey{source, sourceID}]
	if !ok {
		return nil, false, nil
	}
	return s.items[id].Clone(), true, nil
}

// List returns items matching the filter, most recently updated first.
func (s *Store) List(_ context.Context, f intake.Filter) ([]*intake.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = intake.DefaultListLimit
	}

	var out []*intake.Item
	for _, it := range s.items {
		if f.Zone != "" && it.Zone != f.Zone {
			continue
		}
		if f.Source != "" && it.Source != f.Source {
			continue
		}
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.Priority != "" {
			rec, ok := s.triage[it.ID]
			if !ok || rec.Priority != f.Priority {
				continue
			}
		}
		out = append(out, it.Clone())
	}
	sortByRecency(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddMessage appends a message to an item's log, ignoring repeats.
func (s *Store) AddMessage(_ context.Context, msg *intake.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[msg.IntakeID]
	if !ok {
		return false, fmt.Errorf("add message to %s: %w", msg.IntakeID, intake.ErrNotFound)
	}
	key := messageKey{msg.IntakeID, msg.SourceMessageID}
	if _, dup := s.seenMsgs[key]; dup {
		return false, nil
	}

	cp := *msg
	if cp.ID == "" {
		cp.ID = ulid.Make().String()
	}
	cp.Timestamp = cp.Timestamp.UTC().Truncate(time.Microsecond)
	s.seenMsgs[key] = struct{}{}
	s.messages[msg.IntakeID] = append(s.messages[msg.IntakeID], cp)
	it.MessageCount++
	return true, nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(_ context.Context, intakeID string, limit int) ([]intake.Message, int, error) {
	s.mu.RLock()
	all := append([]intake.Message(nil), s.messages[intakeID]...)
	s.mu.RUnlock()

	// stable: equal timestamps keep insertion order
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	total := len(all)
	if limit > 0 && total > limit {
		all = all[total-limit:]
	}
	return all, total, nil
}

// SetThreadContext stores the rebuilt thread context text.
func (s *Store) SetThreadContext(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("set thread context %s: %w", id, intake.ErrNotFound)
	}
	it.ThreadContext = text
	return nil
}

// SetEmbedding stores a copy of the item's embedding vector.
func (s *Store) SetEmbedding(_ context.Context, id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("set embedding %s: %w", id, intake.ErrNotFound)
	}
	it.Embedding = append([]float32(nil), vec...)
	return nil
}

// Candidates returns embedded items, most recently updated first.
func (s *Store) Candidates(_ context.Context, q intake.CandidateQuery) ([]intake.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*intake.Item
	for _, it := range s.items {
		if len(it.Embedding) == 0 {
			continue
		}
		if q.Zone != "" && it.Zone != q.Zone {
			continue
		}
		if _, triaged := s.triage[it.ID]; q.RequireTriage && !triaged {
			continue
		}
		items = append(items, it)
	}
	sortByRecency(items)
	if q.Limit > 0 && len(items) > q.Limit {
		items = items[:q.Limit]
	}

	out := make([]intake.Candidate, 0, len(items))
	for _, it := range items {
		c := intake.Candidate{
			ID:        it.ID,
			Zone:      it.Zone,
			Subject:   it.Subject,
			UpdatedAt: it.UpdatedAt,
			Embedding: append([]float32(nil), it.Embedding...),
		}
		if rec, ok := s.triage[it.ID]; ok {
			cp := *rec
			c.Triage = &cp
		}
		out = append(out, c)
	}
	return out, nil
}

// PutTriage replaces the item's triage record and marks the item triaged
// (or corrected when the record came from a user).
func (s *Store) PutTriage(_ context.Context, rec *intake.TriageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[rec.IntakeID]
	if !ok {
		return fmt.Errorf("put triage %s: %w", rec.IntakeID, intake.ErrNotFound)
	}
	cp := *rec
	s.triage[rec.IntakeID] = &cp
	it.Status = intake.StatusTriaged
	if rec.TriagedBy == intake.TriagedByUser {
		it.Status = intake.StatusCorrected
	}
	return nil
}

// GetTriage returns a copy of the item's triage record.
func (s *Store) GetTriage(_ context.Context, intakeID string) (*intake.TriageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.triage[intakeID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// RecordCorrection appends a correction audit row and returns its ID.
func (s *Store) RecordCorrection(_ context.Context, c *intake.Correction) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[c.IntakeID]; !ok {
		return 0, fmt.Errorf("record correction %s: %w", c.IntakeID, intake.ErrNotFound)
	}
	cp := *c
	cp.ID = int64(len(s.corrections) + 1)
	s.corrections = append(s.corrections, cp)
	return cp.ID, nil
}

// RecentCorrections returns the newest corrections first, optionally zone-scoped.
func (s *Store) RecentCorrections(_ context.Context, zone intake.Zone, limit int) ([]intake.Correction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []intake.Correction
	for i := len(s.corrections) - 1; i >= 0; i-- {
		c := s.corrections[i]
		if zone != "" && c.Zone != zone {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetSyncState returns a copy of a source's sync state.
func (s *Store) GetSyncState(_ context.Context, source string) (*intake.SyncState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.syncStates[source]
	if !ok {
		return nil, false, nil
	}
	cp := *st
	return &cp, true, nil
}

// PutSyncState stores a copy of a source's sync state.
func (s *Store) PutSyncState(_ context.Context, st *intake.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.syncStates[st.Source] = &cp
	return nil
}

// ListSyncStates returns all sync states ordered by source.
func (s *Store) ListSyncStates(_ context.Context) ([]intake.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]intake.SyncState, 0, len(s.syncStates))
	for _, st := range s.syncStates {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// sortByRecency orders items by UpdatedAt descending, ID descending on ties.
func sortByRecency(items []*intake.Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID > items[j].ID
	})
}
