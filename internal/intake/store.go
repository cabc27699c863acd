package intake

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an operation references an item that does not exist.
var ErrNotFound = errors.New("intake: not found")

// MessageReader is the read side of the message log used by the thread context builder.
type MessageReader interface {
	// RecentMessages returns up to limit of the newest messages of an item,
	// ordered oldest to newest, plus the total number of messages stored.
	RecentMessages(ctx context.Context, intakeID string, limit int) ([]Message, int, error)
}

// Store is the persistence interface for items, messages, triage records,
// corrections and sync state.
type Store interface {
	MessageReader

	// Upsert inserts or merges an item keyed by (Source, SourceID) and
	// returns its stable ID and what happened to the row.
	Upsert(ctx context.Context, item *Item) (string, UpsertOutcome, error)
	Get(ctx context.Context, id string) (*Item, bool, error)
	GetBySource(ctx context.Context, source, sourceID string) (*Item, bool, error)
	List(ctx context.Context, f Filter) ([]*Item, error)

	// AddMessage appends a message; a repeated (IntakeID, SourceMessageID)
	// is ignored and reported with added=false.
	AddMessage(ctx context.Context, msg *Message) (added bool, err error)

	SetThreadContext(ctx context.Context, id, text string) error
	SetEmbedding(ctx context.Context, id string, vec []float32) error
	Candidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)

	PutTriage(ctx context.Context, rec *TriageRecord) error
	GetTriage(ctx context.Context, intakeID string) (*TriageRecord, bool, error)

	RecordCorrection(ctx context.Context, c *Correction) (int64, error)
	RecentCorrections(ctx context.Context, zone Zone, limit int) ([]Correction, error)

	GetSyncState(ctx context.Context, source string) (*SyncState, bool, error)
	PutSyncState(ctx context.Context, st *SyncState) error
	ListSyncStates(ctx context.Context) ([]SyncState, error)
}

// DefaultListLimit caps List results when the filter does not set a limit.
const DefaultListLimit = 100
