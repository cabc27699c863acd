package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/tools"
)

const (
	// MaxToolRounds is how many model turns may call read-only tools. The
	// turn after that must call record_triage.
	MaxToolRounds = 3

	// ResponseTokens caps each model response.
	ResponseTokens = 500

	DefaultOracleTimeout = 30 * time.Second

	recordTriageTool = "record_triage"
)

// ErrNoVerdict is returned when the model never records a decision.
var ErrNoVerdict = errors.New("triage: oracle returned no verdict")

// ErrInvalidVerdict wraps a record_triage call that fails validation.
var ErrInvalidVerdict = errors.New("triage: invalid verdict")

var tracer = otel.Tracer("github.com/linnemanlabs/intake/internal/triage")

// Oracle verifies a deterministic proposal. A returned error makes the
// engine fall back to the proposal.
type Oracle interface {
	Verify(ctx context.Context, it *intake.Item, dc *DeterministicContext) (*Verdict, error)
}

// OracleConfig tunes an LLMOracle. Corrections, when set, seeds the prompt
// with the zone's most recent user corrections.
type OracleConfig struct {
	Timeout     time.Duration
	Corrections tools.CorrectionReader
}

// LLMOracle verifies proposals with a tool-using language model.
type LLMOracle struct {
	provider    Provider
	registry    *tools.Registry
	logger      log.Logger
	hooks       EngineHooks
	timeout     time.Duration
	corrections tools.CorrectionReader
}

// NewLLMOracle builds an oracle over provider. registry holds the read-only
// tools the model may call; it may be nil.
func NewLLMOracle(provider Provider, registry *tools.Registry, logger log.Logger, hooks EngineHooks, cfg OracleConfig) *LLMOracle {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOracleTimeout
	}
	return &LLMOracle{
		provider:    provider,
		registry:    registry,
		logger:      logger,
		hooks:       hooks,
		timeout:     cfg.Timeout,
		corrections: cfg.Corrections,
	}
}

// Verify runs the bounded tool loop until the model records a verdict.
func (o *LLMOracle) Verify(ctx context.Context, it *intake.Item, dc *DeterministicContext) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	L := o.logger.With("intake_id", it.ID)

	var corrections []intake.Correction
	if o.corrections != nil {
		cs, err := o.corrections.RecentCorrections(ctx, it.Zone, promptCorrections)
		if err != nil {
			L.Warn(ctx, "loading recent corrections failed, continuing without", "err", err)
		} else {
			corrections = cs
		}
	}

	messages := []Message{{
		Role:    "user",
		Content: []ContentBlock{{Type: "text", Text: verificationPrompt(it, dc, corrections)}},
	}}
	defs := append(o.registry.ToToolDefs(), recordTriageDef())
	system := systemPrompt()

	var (
		inTokens, outTokens int
		toolCalls           int
		model               string
		force               bool
	)
	for round := 0; round <= MaxToolRounds; round++ {
		req := &LLMRequest{
			MaxTokens: ResponseTokens,
			System:    system,
			Messages:  messages,
			Tools:     defs,
		}
		if force || round == MaxToolRounds {
			req.ForceTool = recordTriageTool
		}

		resp, err := o.call(ctx, it.ID, round, req)
		if err != nil {
			return nil, err
		}
		inTokens += resp.Usage.InputTokens
		outTokens += resp.Usage.OutputTokens
		if resp.Model != "" {
			model = resp.Model
		}

		messages = append(messages, Message{Role: "assistant", Content: resp.Content})

		var results []ContentBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			if block.Name == recordTriageTool {
				v, err := parseVerdict(block.Input, dc.Proposal)
				if err != nil {
					return nil, err
				}
				v.Model = model
				v.InputTokens = inTokens
				v.OutputTokens = outTokens
				v.ToolCalls = toolCalls
				L.Info(ctx, "oracle verdict",
					"action", v.Action,
					"category", v.Category,
					"priority", v.Priority,
					"rounds", round+1,
					"tool_calls", toolCalls,
				)
				return v, nil
			}
			toolCalls++
			results = append(results, o.executeTool(ctx, L, it.ID, block))
		}

		if len(results) == 0 {
			// Answered in prose; the next turn must use the tool.
			force = true
			messages = append(messages, Message{Role: "user", Content: []ContentBlock{{
				Type: "text",
				Text: "Record your decision by calling " + recordTriageTool + ".",
			}}})
			continue
		}
		messages = append(messages, Message{Role: "user", Content: results})
	}

	return nil, ErrNoVerdict
}

func (o *LLMOracle) call(ctx context.Context, intakeID string, seq int, req *LLMRequest) (*LLMResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "llm.call"),
		attribute.String("intake.id", intakeID),
		attribute.Int("intake.chat.seq", seq),
		attribute.String("intake.llm.force_tool", req.ForceTool),
	))
	defer span.End()

	span.AddEvent("llm.request", trace.WithAttributes(
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Int("llm.request.tools", len(req.Tools)),
	))

	start := time.Now()
	resp, err := o.provider.Send(ctx, req)
	dur := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("oracle call %d: %w", seq, err)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	span.AddEvent("llm.response", trace.WithAttributes(
		attribute.String("llm.response.stop_reason", string(resp.StopReason)),
		attribute.Int("llm.response.blocks", len(resp.Content)),
	))

	if o.hooks.OnLLMCall != nil {
		o.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur)
	}
	return resp, nil
}

func (o *LLMOracle) executeTool(ctx context.Context, L log.Logger, intakeID string, block ContentBlock) ContentBlock {
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("gen_ai.operation.name", "tool.execute"),
		attribute.String("gen_ai.tool.name", block.Name),
		attribute.String("intake.id", intakeID),
		attribute.String("intake.tool.input", string(block.Input)),
	))
	defer span.End()
	span.AddEvent("tool.request", trace.WithAttributes(
		attribute.String("tool.request.body", string(block.Input)),
	))

	start := time.Now()
	var (
		content string
		isErr   bool
	)
	if tool, ok := o.registry.Get(block.Name); !ok {
		content = fmt.Sprintf("unknown tool: %s", block.Name)
		isErr = true
	} else if out, err := tool.Execute(ctx, block.Input); err != nil {
		L.Warn(ctx, "tool execution failed", "tool", block.Name, "err", err)
		content = fmt.Sprintf("tool error: %v", err)
		isErr = true
	} else {
		content = string(out)
	}
	dur := time.Since(start).Seconds()

	span.SetAttributes(attribute.Bool("intake.tool.is_error", isErr))
	span.AddEvent("tool.result", trace.WithAttributes(
		attribute.String("tool.result.body", content),
	))
	if isErr {
		span.SetStatus(codes.Error, content)
	}
	if o.hooks.OnToolCall != nil {
		o.hooks.OnToolCall(block.Name, dur, len(block.Input), len(content), isErr)
	}

	return ContentBlock{
		Type:      "tool_result",
		ToolUseID: block.ID,
		Content:   content,
		IsError:   isErr,
	}
}

func recordTriageDef() tools.ToolDef {
	cats := make([]string, len(intake.Categories))
	for i, c := range intake.Categories {
		cats[i] = string(c)
	}
	pris := make([]string, len(intake.Priorities))
	for i, p := range intake.Priorities {
		pris[i] = string(p)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{string(intake.ActionConfirmed), string(intake.ActionAdjusted), string(intake.ActionOverridden)},
				"description": "confirmed keeps the proposal, adjusted changes some fields, overridden replaces it",
			},
			"category":         map[string]any{"type": "string", "enum": cats},
			"priority":         map[string]any{"type": "string", "enum": pris},
			"quick_win":        map[string]any{"type": "boolean"},
			"quick_win_reason": map[string]any{"type": "string"},
			"estimated_time": map[string]any{
				"type": "string",
				"enum": []string{string(intake.Effort5Min), string(intake.Effort15Min), string(intake.Effort30Min), string(intake.Effort1Hr), string(intake.Effort2HrPl)},
			},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 100, "description": "0-100"},
			"reasoning":  map[string]any{"type": "string"},
		},
		"required": []string{"action", "confidence", "reasoning"},
	}
	raw, _ := json.Marshal(schema)
	return tools.ToolDef{
		Name:        recordTriageTool,
		Description: "Record the final triage decision for the item. Call exactly once.",
		InputSchema: raw,
	}
}

type recordTriageInput struct {
	Action         intake.Action   `json:"action"`
	Category       intake.Category `json:"category"`
	Priority       intake.Priority `json:"priority"`
	QuickWin       *bool           `json:"quick_win"`
	QuickWinReason string          `json:"quick_win_reason"`
	EstimatedTime  intake.Effort   `json:"estimated_time"`
	Confidence     *float64        `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
}

// parseVerdict validates a record_triage call against the proposal. Fields
// the model leaves out are taken from the proposal.
func parseVerdict(raw json.RawMessage, p Proposal) (*Verdict, error) {
	var in recordTriageInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerdict, err)
	}

	if !in.Action.Valid() {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidVerdict, in.Action)
	}
	if in.Category != "" && !in.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidVerdict, in.Category)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidVerdict, in.Priority)
	}
	if in.EstimatedTime != "" && !in.EstimatedTime.Valid() {
		return nil, fmt.Errorf("%w: unknown estimated_time %q", ErrInvalidVerdict, in.EstimatedTime)
	}
	if in.Confidence == nil || *in.Confidence < 0 || *in.Confidence > 100 {
		return nil, fmt.Errorf("%w: confidence must be within 0-100", ErrInvalidVerdict)
	}
	if strings.TrimSpace(in.Reasoning) == "" {
		return nil, fmt.Errorf("%w: reasoning is required", ErrInvalidVerdict)
	}

	switch in.Action {
	case intake.ActionConfirmed:
		if (in.Category != "" && in.Category != p.Category) || (in.Priority != "" && in.Priority != p.Priority) {
			return nil, fmt.Errorf("%w: confirmed verdict changes the proposal", ErrInvalidVerdict)
		}
	case intake.ActionOverridden:
		if in.Category == "" || in.Priority == "" {
			return nil, fmt.Errorf("%w: overridden verdict needs category and priority", ErrInvalidVerdict)
		}
	}

	v := &Verdict{
		Action:         in.Action,
		Category:       p.Category,
		Priority:       p.Priority,
		QuickWin:       p.QuickWin,
		QuickWinReason: p.QuickWinReason,
		EstimatedTime:  p.EstimatedTime,
		Confidence:     *in.Confidence / 100,
		Reasoning:      strings.TrimSpace(in.Reasoning),
	}
	if in.Category != "" {
		v.Category = in.Category
	}
	if in.Priority != "" {
		v.Priority = in.Priority
	}
	if in.QuickWin != nil {
		v.QuickWin = *in.QuickWin
		if !v.QuickWin {
			v.QuickWinReason = ""
		}
	}
	if in.QuickWinReason != "" {
		v.QuickWinReason = in.QuickWinReason
	}
	if in.EstimatedTime != "" {
		v.EstimatedTime = in.EstimatedTime
	}
	return v, nil
}
