package intake

import (
	"time"
)

// Zone partitions items into independent work and home spaces.
type Zone string

const (
	ZoneWork Zone = "work"
	ZoneHome Zone = "home"
)

// Valid reports whether z is a known zone.
func (z Zone) Valid() bool {
	return z == ZoneWork || z == ZoneHome
}

// Status tracks where an item is in its triage lifecycle.
type Status string

const (
	// StatusUntriaged means the item has no triage result for its current content.
	StatusUntriaged Status = "untriaged"

	// StatusTriaged means the orchestrator produced a result.
	StatusTriaged Status = "triaged"

	// StatusCorrected means a user overrode the triage result.
	StatusCorrected Status = "corrected"
)

// Category is the triage bucket an item lands in.
type Category string

const (
	CategoryActionRequired Category = "Action-Required"
	CategoryFYI            Category = "FYI"
	CategoryAwaitingReply  Category = "Awaiting-Reply"
	CategoryDelegated      Category = "Delegated"
	CategoryScheduled      Category = "Scheduled"
	CategoryReference      Category = "Reference"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryActionRequired,
	CategoryFYI,
	CategoryAwaitingReply,
	CategoryDelegated,
	CategoryScheduled,
	CategoryReference,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Priority ranks urgency, P0 being the most urgent.
type Priority string

const (
	PriorityP0 Priority = "P0" // emergency, act now
	PriorityP1 Priority = "P1" // today
	PriorityP2 Priority = "P2" // this week
	PriorityP3 Priority = "P3" // when convenient
)

// Priorities lists every valid priority, most urgent first.
var Priorities = []Priority{PriorityP0, PriorityP1, PriorityP2, PriorityP3}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
		return true
	}
	return false
}

// Effort is the estimated time to handle an item.
type Effort string

const (
	Effort5Min  Effort = "5min"
	Effort15Min Effort = "15min"
	Effort30Min Effort = "30min"
	Effort1Hr   Effort = "1hr"
	Effort2HrPl Effort = "2hr+"
)

// Valid reports whether e is a known effort bucket.
func (e Effort) Valid() bool {
	switch e {
	case Effort5Min, Effort15Min, Effort30Min, Effort1Hr, Effort2HrPl:
		return true
	}
	return false
}

// Action is the verification oracle's verdict on the proposed classification.
type Action string

const (
	ActionConfirmed  Action = "confirmed"
	ActionAdjusted   Action = "adjusted"
	ActionOverridden Action = "overridden"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionConfirmed || a == ActionAdjusted || a == ActionOverridden
}

// Layer names the pipeline stage that produced a final decision.
type Layer string

const (
	LayerRules      Layer = "rules"
	LayerSimilarity Layer = "similarity"
	LayerOracle     Layer = "oracle"
	LayerDefault    Layer = "default"
	LayerUser       Layer = "user"
)

// TriagedBy records who is accountable for a triage record.
type TriagedBy string

const (
	TriagedByOracle        TriagedBy = "ai-verified"
	TriagedByDeterministic TriagedBy = "deterministic"
	TriagedByUser          TriagedBy = "user"
)

// UpsertOutcome reports what an upsert did to the stored row.
type UpsertOutcome string

const (
	Created   UpsertOutcome = "created"
	Updated   UpsertOutcome = "updated"
	Unchanged UpsertOutcome = "unchanged"
)

// Item is one logical conversation or event, deduplicated by (Source, SourceID).
type Item struct {
	ID            string         `json:"id"`
	Zone          Zone           `json:"zone"`
	Source        string         `json:"source"`
	SourceID      string         `json:"source_id"`
	Type          string         `json:"type"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	FromName      string         `json:"from_name,omitempty"`
	FromAddress   string         `json:"from_address,omitempty"`
	Participants  []string       `json:"participants,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ContentHash   string         `json:"content_hash"`
	IsRead        bool           `json:"is_read"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ThreadContext string         `json:"thread_context,omitempty"`
	MessageCount  int            `json:"message_count"`
	Status        Status         `json:"status"`
	Embedding     []float32      `json:"-"`
}

// Clone returns a deep copy of the item.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	cp := *it
	if it.Participants != nil {
		cp.Participants = append([]string(nil), it.Participants...)
	}
	if it.Metadata != nil {
		cp.Metadata = make(map[string]any, len(it.Metadata))
		for k, v := range it.Metadata {
			cp.Metadata[k] = v
		}
	}
	if it.Embedding != nil {
		cp.Embedding = append([]float32(nil), it.Embedding...)
	}
	return &cp
}

// Message is one raw event inside a conversation. Messages are append-only.
type Message struct {
	ID              string         `json:"id"`
	IntakeID        string         `json:"intake_id"`
	SourceMessageID string         `json:"source_message_id"`
	Timestamp       time.Time      `json:"timestamp"`
	FromName        string         `json:"from_name,omitempty"`
	FromAddress     string         `json:"from_address,omitempty"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TriageRecord is the persisted classification of an item. At most one per item.
type TriageRecord struct {
	IntakeID       string    `json:"intake_id"`
	Category       Category  `json:"category"`
	Priority       Priority  `json:"priority"`
	QuickWin       bool      `json:"quick_win"`
	QuickWinReason string    `json:"quick_win_reason,omitempty"`
	EstimatedTime  Effort    `json:"estimated_time,omitempty"`
	Confidence     float64   `json:"confidence"`
	Layer          Layer     `json:"layer"`
	Action         Action    `json:"action,omitempty"`
	Reasoning      string    `json:"reasoning"`
	TriagedAt      time.Time `json:"triaged_at"`
	TriagedBy      TriagedBy `json:"triaged_by"`
}

// SyncState is the per-source synchronization bookkeeping.
type SyncState struct {
	Source              string    `json:"source"`
	Cursor              string    `json:"cursor,omitempty"`
	LastSyncAt          time.Time `json:"last_sync_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	Status              string    `json:"status"`
	ItemsSynced         int64     `json:"items_synced"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Correction is an audit row for a user override of a triage result.
type Correction struct {
	ID                int64     `json:"id"`
	IntakeID          string    `json:"intake_id"`
	Zone              Zone      `json:"zone,omitempty"`
	Subject           string    `json:"subject,omitempty"`
	OriginalCategory  Category  `json:"original_category,omitempty"`
	OriginalPriority  Priority  `json:"original_priority,omitempty"`
	CorrectedCategory Category  `json:"corrected_category"`
	CorrectedPriority Priority  `json:"corrected_priority"`
	Reason            string    `json:"reason,omitempty"`
	CorrectedAt       time.Time `json:"corrected_at"`
}

// Filter narrows List queries. Zero values mean "any".
type Filter struct {
	Zone     Zone
	Source   string
	Status   Status
	Priority Priority
	Limit    int
}

// Candidate is an embedded item offered to the similarity classifier,
// together with its triage record if it has one.
type Candidate struct {
	ID        string
	Zone      Zone
	Subject   string
	UpdatedAt time.Time
	Embedding []float32
	Triage    *TriageRecord
}

// CandidateQuery bounds the similarity candidate pool.
type CandidateQuery struct {
	Zone          Zone
	Limit         int
	RequireTriage bool
}
