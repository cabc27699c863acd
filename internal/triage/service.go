package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/intake/internal/intake"
)

// ErrInvalidCorrection is returned for a correction with unknown values.
var ErrInvalidCorrection = errors.New("triage: invalid correction")

// Notifier is told about items that landed at high priority.
type Notifier interface {
	Notify(ctx context.Context, it *intake.Item, rec *intake.TriageRecord) error
}

// Envelope is one normalised conversation as delivered by an adapter or the
// API: the item plus any raw messages belonging to it.
type Envelope struct {
	Item     intake.Item      `json:"item"`
	Messages []intake.Message `json:"messages,omitempty"`
}

// IngestResult reports what Ingest did with one envelope.
type IngestResult struct {
	ID            string               `json:"id"`
	Outcome       intake.UpsertOutcome `json:"outcome"`
	MessagesAdded int                  `json:"messages_added"`
	Triaged       bool                 `json:"triaged"`
	Result        *Result              `json:"result,omitempty"`
}

// ItemView is an item with its current triage record, if any.
type ItemView struct {
	Item   *intake.Item         `json:"item"`
	Triage *intake.TriageRecord `json:"triage,omitempty"`
}

// CorrectionRequest is a user override of an item's classification.
type CorrectionRequest struct {
	IntakeID string          `json:"intake_id"`
	Category intake.Category `json:"category"`
	Priority intake.Priority `json:"priority"`
	Reason   string          `json:"reason,omitempty"`
}

// BatchOptions select untriaged items for TriageBatch.
type BatchOptions struct {
	Zone       intake.Zone `json:"zone,omitempty"`
	Limit      int         `json:"limit,omitempty"`
	SkipOracle bool        `json:"skip_oracle,omitempty"`
}

// BatchReport summarises a batch run.
type BatchReport struct {
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Results   []*Result `json:"results"`
	Errors    []string  `json:"errors,omitempty"`
}

// ServiceConfig tunes the Service.
type ServiceConfig struct {
	ThreadWindow int
	SkipOracle   bool
}

// Service is the business boundary: ingest, triage, corrections and reads.
type Service struct {
	store        Store
	engine       *Engine
	notifier     Notifier
	logger       log.Logger
	threadWindow int
	skipOracle   bool
	now          func() time.Time
}

// NewService creates a Service. notifier may be nil.
func NewService(store Store, engine *Engine, notifier Notifier, logger log.Logger, cfg ServiceConfig) *Service {
	if cfg.ThreadWindow <= 0 {
		cfg.ThreadWindow = intake.DefaultThreadWindow
	}
	return &Service{
		store:        store,
		engine:       engine,
		notifier:     notifier,
		logger:       logger,
		threadWindow: cfg.ThreadWindow,
		skipOracle:   cfg.SkipOracle,
		now:          time.Now,
	}
}

// Ingest upserts an envelope, appends its messages, refreshes the thread
// context and triages the item once. An unchanged item with no new messages
// is not triaged again. Only persistence failures are returned.
func (s *Service) Ingest(ctx context.Context, env *Envelope, opts RunOptions) (*IngestResult, error) {
	id, outcome, err := s.store.Upsert(ctx, &env.Item)
	if err != nil {
		return nil, fmt.Errorf("upserting %s/%s: %w", env.Item.Source, env.Item.SourceID, err)
	}
	res := &IngestResult{ID: id, Outcome: outcome}

	for i := range env.Messages {
		m := env.Messages[i]
		m.IntakeID = id
		added, err := s.store.AddMessage(ctx, &m)
		if err != nil {
			return res, fmt.Errorf("adding message %s to %s: %w", m.SourceMessageID, id, err)
		}
		if added {
			res.MessagesAdded++
		}
	}

	if res.MessagesAdded > 0 {
		text, err := intake.BuildThreadContext(ctx, s.store, id, s.threadWindow)
		if err != nil {
			return res, err
		}
		if err := s.store.SetThreadContext(ctx, id, text); err != nil {
			return res, fmt.Errorf("setting thread context for %s: %w", id, err)
		}
	}

	if outcome == intake.Unchanged && res.MessagesAdded == 0 {
		return res, nil
	}

	it, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return res, fmt.Errorf("loading %s: %w", id, err)
	}
	if !ok {
		return res, fmt.Errorf("loading %s: %w", id, intake.ErrNotFound)
	}
	if res.MessagesAdded > 0 {
		// Thread context changed, so the stored vector is stale.
		it.Embedding = nil
	}

	r, err := s.run(ctx, it, opts)
	if err != nil {
		return res, err
	}
	res.Triaged = true
	res.Result = r
	return res, nil
}

// Triage re-runs the pipeline for a stored item.
func (s *Service) Triage(ctx context.Context, id string, opts RunOptions) (*Result, error) {
	it, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("triage %s: %w", id, intake.ErrNotFound)
	}
	return s.run(ctx, it, opts)
}

// TriageBatch triages untriaged items one at a time. A failing item is
// reported and the batch moves on; cancellation stops it.
func (s *Service) TriageBatch(ctx context.Context, opts BatchOptions) (*BatchReport, error) {
	items, err := s.store.List(ctx, intake.Filter{
		Zone:   opts.Zone,
		Status: intake.StatusUntriaged,
		Limit:  opts.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing untriaged items: %w", err)
	}

	rep := &BatchReport{Results: make([]*Result, 0, len(items))}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		r, err := s.run(ctx, it, RunOptions{SkipOracle: opts.SkipOracle})
		rep.Processed++
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", it.ID, err))
			continue
		}
		rep.Results = append(rep.Results, r)
	}

	s.logger.Info(ctx, "batch triage complete",
		"processed", rep.Processed,
		"failed", rep.Failed,
		"zone", opts.Zone,
	)
	return rep, nil
}

// Correct records a user override and replaces the item's triage record.
func (s *Service) Correct(ctx context.Context, req *CorrectionRequest) (*intake.TriageRecord, error) {
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidCorrection, req.Category)
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidCorrection, req.Priority)
	}

	it, ok, err := s.store.Get(ctx, req.IntakeID)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", req.IntakeID, err)
	}
	if !ok {
		return nil, fmt.Errorf("correct %s: %w", req.IntakeID, intake.ErrNotFound)
	}
	prev, _, err := s.store.GetTriage(ctx, req.IntakeID)
	if err != nil {
		return nil, fmt.Errorf("loading triage for %s: %w", req.IntakeID, err)
	}

	now := s.now()
	c := &intake.Correction{
		IntakeID:          it.ID,
		Zone:              it.Zone,
		Subject:           it.Subject,
		CorrectedCategory: req.Category,
		CorrectedPriority: req.Priority,
		Reason:            strings.TrimSpace(req.Reason),
		CorrectedAt:       now,
	}
	rec := &intake.TriageRecord{
		IntakeID:   it.ID,
		Category:   req.Category,
		Priority:   req.Priority,
		Confidence: 1,
		Layer:      intake.LayerUser,
		Reasoning:  "corrected by user",
		TriagedAt:  now,
		TriagedBy:  intake.TriagedByUser,
	}
	if c.Reason != "" {
		rec.Reasoning = "corrected by user: " + c.Reason
	}
	if prev != nil {
		c.OriginalCategory = prev.Category
		c.OriginalPriority = prev.Priority
		rec.QuickWin = prev.QuickWin
		rec.QuickWinReason = prev.QuickWinReason
		rec.EstimatedTime = prev.EstimatedTime
	}

	if _, err := s.store.RecordCorrection(ctx, c); err != nil {
		return nil, fmt.Errorf("recording correction for %s: %w", it.ID, err)
	}
	if err := s.store.PutTriage(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting correction for %s: %w", it.ID, err)
	}

	s.logger.Info(ctx, "triage corrected",
		"intake_id", it.ID,
		"from", fmt.Sprintf("%s/%s", c.OriginalCategory, c.OriginalPriority),
		"to", fmt.Sprintf("%s/%s", c.CorrectedCategory, c.CorrectedPriority),
	)
	return rec, nil
}

// Get returns an item and its triage record.
func (s *Service) Get(ctx context.Context, id string) (*ItemView, bool, error) {
	it, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	rec, _, err := s.store.GetTriage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return &ItemView{Item: it, Triage: rec}, true, nil
}

// List returns items matching the filter.
func (s *Service) List(ctx context.Context, f intake.Filter) ([]*intake.Item, error) {
	return s.store.List(ctx, f)
}

func (s *Service) run(ctx context.Context, it *intake.Item, opts RunOptions) (*Result, error) {
	if s.skipOracle {
		opts.SkipOracle = true
	}
	r, err := s.engine.Triage(ctx, it, opts)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, it, &r.Record)
	return r, nil
}

func (s *Service) notify(ctx context.Context, it *intake.Item, rec *intake.TriageRecord) {
	if s.notifier == nil {
		return
	}
	if rec.Priority != intake.PriorityP0 && rec.Priority != intake.PriorityP1 {
		return
	}
	if err := s.notifier.Notify(ctx, it, rec); err != nil {
		s.logger.Error(ctx, err, "notification failed", "intake_id", it.ID, "priority", rec.Priority)
	}
}
