package triage

import (
	"context"

	"github.com/linnemanlabs/intake/internal/intake"
)

// TriageWriter persists the single triage record of an item.
type TriageWriter interface {
	PutTriage(ctx context.Context, rec *intake.TriageRecord) error
}

// Store is what the Service needs from the item store.
type Store interface {
	intake.MessageReader
	TriageWriter

	Upsert(ctx context.Context, item *intake.Item) (string, intake.UpsertOutcome, error)
	Get(ctx context.Context, id string) (*intake.Item, bool, error)
	List(ctx context.Context, f intake.Filter) ([]*intake.Item, error)
	AddMessage(ctx context.Context, msg *intake.Message) (bool, error)
	SetThreadContext(ctx context.Context, id, text string) error
	GetTriage(ctx context.Context, intakeID string) (*intake.TriageRecord, bool, error)
	RecordCorrection(ctx context.Context, c *intake.Correction) (int64, error)
}
