package triage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/intake/internal/entities"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/rules"
	"github.com/linnemanlabs/intake/internal/similarity"
)

const (
	// agreementSimilarity is the neighbour similarity above which agreement
	// with the rules category raises the rules confidence.
	agreementSimilarity = 0.7
	agreementBoost      = 0.2
	maxProposalConf     = 0.95
)

// Suggester proposes a classification from similar, already triaged items.
type Suggester interface {
	Suggest(ctx context.Context, it *intake.Item, opts similarity.Options) (*similarity.Suggestion, bool, error)
}

// EngineHooks are optional callbacks for metrics. Nil fields are skipped.
type EngineHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnLayer    func(stage string, duration float64, err error)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarises a finished pipeline run.
type CompleteEvent struct {
	Final        State
	Layer        intake.Layer
	Action       intake.Action
	TriagedBy    intake.TriagedBy
	Category     intake.Category
	Priority     intake.Priority
	Model        string
	Duration     float64
	LayerErrors  int
	OracleFailed bool
}

// Deps are the engine's collaborators. Similarity and Oracle are optional;
// without them those layers are always absent or skipped.
type Deps struct {
	Store      TriageWriter
	Deriver    *rules.Deriver
	Rules      *rules.Engine
	Similarity Suggester
	Oracle     Oracle
	Now        func() time.Time
}

// RunOptions tune a single pipeline run.
type RunOptions struct {
	SkipOracle bool
}

// Engine runs the four triage layers in order and persists the outcome.
type Engine struct {
	store      TriageWriter
	deriver    *rules.Deriver
	rules      *rules.Engine
	similarity Suggester
	oracle     Oracle
	now        func() time.Time
	logger     log.Logger
	hooks      EngineHooks
}

// NewEngine creates a triage engine. Store, Deriver and Rules are required.
func NewEngine(deps Deps, logger log.Logger, hooks EngineHooks) (*Engine, error) {
	var errs []error
	if deps.Store == nil {
		errs = append(errs, errors.New("triage: store is required"))
	}
	if deps.Deriver == nil {
		errs = append(errs, errors.New("triage: fact deriver is required"))
	}
	if deps.Rules == nil {
		errs = append(errs, errors.New("triage: rules engine is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		store:      deps.Store,
		deriver:    deps.Deriver,
		rules:      deps.Rules,
		similarity: deps.Similarity,
		oracle:     deps.Oracle,
		now:        deps.Now,
		logger:     logger,
		hooks:      hooks,
	}, nil
}

// Triage classifies one item and writes its triage record. Layer failures
// are absorbed; only a failure to persist the record is returned.
func (e *Engine) Triage(ctx context.Context, it *intake.Item, opts RunOptions) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("intake.id", it.ID),
		attribute.String("intake.source", it.Source),
		attribute.String("intake.zone", string(it.Zone)),
	))
	defer span.End()

	L := e.logger.With("intake_id", it.ID, "source", it.Source, "zone", it.Zone)
	res := &Result{IntakeID: it.ID, States: []State{StateUntriaged}}
	dc := &res.Context

	// Entities. The body is the latest message, so relative dates resolve
	// against the last update rather than when the thread started.
	ref := it.UpdatedAt
	if ref.IsZero() {
		ref = it.CreatedAt
	}
	if ref.IsZero() {
		ref = e.now()
	}
	ents, _ := runLayer(ctx, e, L, res, StageEntities, func(context.Context) (entities.Entities, error) {
		return entities.Extract(it.Subject+"\n"+it.Body, ref), nil
	})
	dc.Entities = ents

	// Rules
	outcome, err := runLayer(ctx, e, L, res, StageRules, func(context.Context) (*rules.Outcome, error) {
		out, fired := e.rules.Evaluate(e.deriver.Derive(it, ents))
		if !fired {
			return nil, nil
		}
		return &out, nil
	})
	if err == nil && outcome != nil {
		dc.Rules = outcome
		res.States = append(res.States, StateRulesMatched)
	} else {
		res.States = append(res.States, StateRulesSilent)
	}

	// Similarity
	if e.similarity != nil {
		sug, err := runLayer(ctx, e, L, res, StageSimilarity, func(ctx context.Context) (*similarity.Suggestion, error) {
			s, ok, err := e.similarity.Suggest(ctx, it, similarity.Options{Zone: it.Zone})
			if err != nil || !ok {
				return nil, err
			}
			return s, nil
		})
		if err == nil && sug != nil {
			dc.Similarity = sug
		}
	}
	if dc.Similarity != nil {
		res.States = append(res.States, StateSimilarityProposed)
	} else {
		res.States = append(res.States, StateSimilarityAbsent)
	}

	dc.Proposal = propose(dc)

	// Oracle
	switch {
	case opts.SkipOracle || e.oracle == nil:
		res.OracleSkipped = true
		res.Record = recordFromProposal(it.ID, dc.Proposal)
	default:
		v, err := runLayer(ctx, e, L, res, StageOracle, func(ctx context.Context) (*Verdict, error) {
			return e.oracle.Verify(ctx, it, dc)
		})
		if err == nil && v == nil {
			err = ErrNoVerdict
		}
		if err != nil {
			res.OracleError = err.Error()
			res.Record = recordFromProposal(it.ID, dc.Proposal)
			res.Record.Reasoning = joinReasons(dc.Proposal.Reasoning, "verification unavailable, kept deterministic result: "+err.Error())
		} else {
			res.Verdict = v
			res.Record = recordFromVerdict(it.ID, v)
		}
		res.States = append(res.States, StateVerified)
	}
	res.Record.TriagedAt = e.now()

	if err := e.store.PutTriage(ctx, &res.Record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		L.Error(ctx, err, "persisting triage record failed")
		return nil, fmt.Errorf("persisting triage for %s: %w", it.ID, err)
	}
	res.Duration = time.Since(start).Seconds()

	span.SetAttributes(
		attribute.String("intake.triage.state", string(res.Final())),
		attribute.String("intake.triage.layer", string(res.Record.Layer)),
		attribute.String("intake.triage.category", string(res.Record.Category)),
		attribute.String("intake.triage.priority", string(res.Record.Priority)),
	)

	if e.hooks.OnComplete != nil {
		ev := &CompleteEvent{
			Final:        res.Final(),
			Layer:        res.Record.Layer,
			Action:       res.Record.Action,
			TriagedBy:    res.Record.TriagedBy,
			Category:     res.Record.Category,
			Priority:     res.Record.Priority,
			Duration:     res.Duration,
			LayerErrors:  len(res.LayerErrors),
			OracleFailed: res.OracleError != "",
		}
		if res.Verdict != nil {
			ev.Model = res.Verdict.Model
		}
		e.hooks.OnComplete(ev)
	}

	L.Info(ctx, "triage complete",
		"category", res.Record.Category,
		"priority", res.Record.Priority,
		"layer", res.Record.Layer,
		"action", res.Record.Action,
		"state", res.Final(),
		"duration", res.Duration,
	)
	return res, nil
}

// runLayer executes one stage under its own span, turning errors and panics
// into a LayerError recorded on the result.
func runLayer[T any](ctx context.Context, e *Engine, L log.Logger, res *Result, stage string, fn func(context.Context) (T, error)) (out T, err error) {
	ctx, span := tracer.Start(ctx, "triage.layer."+stage)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			L.Error(ctx, err, "triage layer panicked", "stage", stage, "stack", string(debug.Stack()))
		}
		if err != nil {
			var zero T
			out = zero
			lerr := &LayerError{Stage: stage, Err: err}
			res.LayerErrors = append(res.LayerErrors, lerr.Error())
			span.RecordError(lerr)
			span.SetStatus(codes.Error, lerr.Error())
			L.Warn(ctx, "triage layer failed", "stage", stage, "err", err)
			err = lerr
		}
		if e.hooks.OnLayer != nil {
			e.hooks.OnLayer(stage, time.Since(start).Seconds(), err)
		}
		span.End()
	}()

	return fn(ctx)
}

// propose picks the best deterministic classification: rules, then
// similarity, then the default. Fields a firing rule leaves unset are filled
// from similarity or the default.
func propose(dc *DeterministicContext) Proposal {
	p := Proposal{
		Source:     intake.LayerDefault,
		Category:   DefaultCategory,
		Priority:   DefaultPriority,
		Confidence: DefaultConfidence,
		Reasoning:  "no rule fired and no similar triaged items",
	}

	sim := dc.Similarity
	if sim != nil {
		p = Proposal{
			Source:     intake.LayerSimilarity,
			Category:   sim.Category,
			Priority:   sim.Priority,
			QuickWin:   sim.QuickWin,
			Confidence: sim.Confidence,
			Reasoning:  sim.Reasoning,
		}
	}

	r := dc.Rules
	if r == nil {
		return p
	}
	rp := Proposal{
		Source:         intake.LayerRules,
		Category:       r.Category,
		Priority:       r.Priority,
		QuickWin:       r.QuickWin,
		QuickWinReason: r.QuickWinReason,
		EstimatedTime:  r.EstimatedTime,
		Confidence:     r.NormalizedConfidence(),
		Reasoning:      r.Reasoning,
	}
	if rp.Category == "" {
		rp.Category = p.Category
	}
	if rp.Priority == "" {
		rp.Priority = p.Priority
	}
	if sim != nil {
		top := sim.Top()
		if top.Triage != nil && top.Triage.Category == rp.Category && top.Similarity > agreementSimilarity {
			rp.Confidence = min(maxProposalConf, rp.Confidence+agreementBoost)
			rp.Reasoning = joinReasons(rp.Reasoning, fmt.Sprintf("similar item %q agrees (%.0f%%)", top.Subject, top.Similarity*100))
		}
	}
	return rp
}

func recordFromProposal(id string, p Proposal) intake.TriageRecord {
	return intake.TriageRecord{
		IntakeID:       id,
		Category:       p.Category,
		Priority:       p.Priority,
		QuickWin:       p.QuickWin,
		QuickWinReason: p.QuickWinReason,
		EstimatedTime:  p.EstimatedTime,
		Confidence:     p.Confidence,
		Layer:          p.Source,
		Action:         intake.ActionConfirmed,
		Reasoning:      p.Reasoning,
		TriagedBy:      intake.TriagedByDeterministic,
	}
}

func recordFromVerdict(id string, v *Verdict) intake.TriageRecord {
	return intake.TriageRecord{
		IntakeID:       id,
		Category:       v.Category,
		Priority:       v.Priority,
		QuickWin:       v.QuickWin,
		QuickWinReason: v.QuickWinReason,
		EstimatedTime:  v.EstimatedTime,
		Confidence:     v.Confidence,
		Layer:          intake.LayerOracle,
		Action:         v.Action,
		Reasoning:      v.Reasoning,
		TriagedBy:      intake.TriagedByOracle,
	}
}

func joinReasons(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}
