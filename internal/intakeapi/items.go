package intakeapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/triage"
)

func runOptions(r *http.Request) triage.RunOptions {
	skip, _ := strconv.ParseBool(r.URL.Query().Get("skip_oracle"))
	return triage.RunOptions{SkipOracle: skip}
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	var env triage.Envelope
	if err := decode(w, r, &env, maxIngestBody, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("intake.source", env.Item.Source),
		attribute.Int("intake.messages", len(env.Messages)),
	)

	res, err := a.svc.Ingest(r.Context(), &env, runOptions(r))
	if err != nil {
		a.fail(w, r, err, "ingest failed", "source", env.Item.Source, "source_id", env.Item.SourceID)
		return
	}
	span.SetAttributes(
		attribute.String("intake.id", res.ID),
		attribute.String("intake.upsert", string(res.Outcome)),
	)

	status := http.StatusOK
	if res.Outcome == intake.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (a *API) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := intake.Filter{
		Zone:     intake.Zone(q.Get("zone")),
		Source:   q.Get("source"),
		Status:   intake.Status(q.Get("status")),
		Priority: intake.Priority(q.Get("priority")),
	}
	if f.Zone != "" && !f.Zone.Valid() {
		writeError(w, http.StatusBadRequest, "invalid zone")
		return
	}
	switch f.Status {
	case "", intake.StatusUntriaged, intake.StatusTriaged, intake.StatusCorrected:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if f.Priority != "" && !f.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "invalid priority")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	items, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.fail(w, r, err, "listing items failed")
		return
	}
	if items == nil {
		items = []*intake.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("intake.id", id))

	view, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err, "failed to get item", "intake_id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleTriageItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("intake.id", id))

	res, err := a.svc.Triage(r.Context(), id, runOptions(r))
	if err != nil {
		a.fail(w, r, err, "triage failed", "intake_id", id)
		return
	}
	span.SetAttributes(attribute.String("intake.triage.layer", string(res.Record.Layer)))
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleTriageBatch(w http.ResponseWriter, r *http.Request) {
	var opts triage.BatchOptions
	if err := decode(w, r, &opts, maxSmallBody, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if opts.Zone != "" && !opts.Zone.Valid() {
		writeError(w, http.StatusBadRequest, "invalid zone")
		return
	}

	rep, err := a.svc.TriageBatch(r.Context(), opts)
	if err != nil {
		a.fail(w, r, err, "batch triage failed", "zone", opts.Zone)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req triage.CorrectionRequest
	if err := decode(w, r, &req, maxSmallBody, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IntakeID == "" {
		writeError(w, http.StatusBadRequest, "intake_id is required")
		return
	}

	rec, err := a.svc.Correct(r.Context(), &req)
	if err != nil {
		a.fail(w, r, err, "correction failed", "intake_id", req.IntakeID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
