package intake

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ContentHash fingerprints the user-visible content of an item. Two upserts
// with the same subject and body hash identically regardless of metadata.
func ContentHash(subject, body string) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// ErrInvalidItem wraps every Validate failure.
var ErrInvalidItem = errors.New("intake: invalid item")

// Validate checks the fields every upsert needs.
func Validate(it *Item) error {
	var errs []error
	if strings.TrimSpace(it.Source) == "" {
		errs = append(errs, errors.New("source is required"))
	}
	if strings.TrimSpace(it.SourceID) == "" {
		errs = append(errs, errors.New("source_id is required"))
	}
	if it.Zone != "" && !it.Zone.Valid() {
		errs = append(errs, fmt.Errorf("invalid zone %q", it.Zone))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidItem, err)
	}
	return nil
}

// Normalize canonicalizes an incoming item in place: participants are
// deduplicated and sorted, timestamps are UTC at microsecond precision, and
// the content hash is recomputed. Stores call it before comparing or writing.
func Normalize(it *Item) {
	it.Participants = normalizeSet(it.Participants)
	if !it.CreatedAt.IsZero() {
		it.CreatedAt = canonicalTime(it.CreatedAt)
	}
	if !it.UpdatedAt.IsZero() {
		it.UpdatedAt = canonicalTime(it.UpdatedAt)
	}
	it.ContentHash = ContentHash(it.Subject, it.Body)
}

// NewForInsert prepares a normalized incoming item as a fresh row.
// Missing timestamps default to now.
func NewForInsert(in *Item, id string, now time.Time) *Item {
	it := in.Clone()
	it.ID = id
	if it.CreatedAt.IsZero() {
		it.CreatedAt = canonicalTime(now)
	}
	if it.UpdatedAt.IsZero() {
		it.UpdatedAt = it.CreatedAt
	}
	if it.Zone == "" {
		it.Zone = ZoneWork
	}
	it.Status = StatusUntriaged
	it.MessageCount = 0
	it.ThreadContext = ""
	it.Embedding = nil
	return it
}

// Merge folds a normalized incoming item into the stored row. Non-empty
// scalars replace stored ones, participants are unioned, metadata keys are
// shallow-merged, created-at keeps the earliest and updated-at the latest.
// It reports whether the merged row differs from the stored one. When the
// content hash changes the embedding is dropped and status resets.
func Merge(existing, incoming *Item) (*Item, bool) {
	m := existing.Clone()

	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&m.Type, incoming.Type)
	setIf(&m.Subject, incoming.Subject)
	setIf(&m.Body, incoming.Body)
	setIf(&m.FromName, incoming.FromName)
	setIf(&m.FromAddress, incoming.FromAddress)
	if incoming.Zone != "" {
		m.Zone = incoming.Zone
	}
	m.IsRead = incoming.IsRead
	m.Participants = normalizeSet(append(m.Participants, incoming.Participants...))

	if len(incoming.Metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any, len(incoming.Metadata))
		}
		for k, v := range incoming.Metadata {
			m.Metadata[k] = v
		}
	}

	if !incoming.CreatedAt.IsZero() && (m.CreatedAt.IsZero() || incoming.CreatedAt.Before(m.CreatedAt)) {
		m.CreatedAt = incoming.CreatedAt
	}
	if incoming.UpdatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = incoming.UpdatedAt
	}

	m.ContentHash = ContentHash(m.Subject, m.Body)
	if m.ContentHash != existing.ContentHash {
		m.Embedding = nil
		m.Status = StatusUntriaged
	}

	changed := m.ContentHash != existing.ContentHash ||
		m.Zone != existing.Zone ||
		m.Type != existing.Type ||
		m.FromName != existing.FromName ||
		m.FromAddress != existing.FromAddress ||
		m.IsRead != existing.IsRead ||
		!m.CreatedAt.Equal(existing.CreatedAt) ||
		!m.UpdatedAt.Equal(existing.UpdatedAt) ||
		!slices.Equal(m.Participants, normalizeSet(existing.Participants)) ||
		!sameJSON(m.Metadata, existing.Metadata)

	return m, changed
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// sameJSON compares metadata by its JSON encoding, so values that went
// through a database round trip (ints as float64) still compare equal.
func sameJSON(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
