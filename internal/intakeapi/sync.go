package intakeapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/syncer"
)

type syncStatus struct {
	Sources []syncer.Source    `json:"sources"`
	States  []intake.SyncState `json:"states"`
}

type syncRunResponse struct {
	Report *syncer.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	states, err := a.sync.States(r.Context())
	if err != nil {
		a.fail(w, r, err, "listing sync states failed")
		return
	}
	if states == nil {
		states = []intake.SyncState{}
	}
	writeJSON(w, http.StatusOK, syncStatus{Sources: a.sync.Sources(), States: states})
}

func (a *API) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if a.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not configured")
		return
	}
	src, err := syncer.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("intake.source", string(src)))

	rep, err := a.sync.Run(r.Context(), src)
	var se *syncer.SyncError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, syncRunResponse{Report: rep})
	case errors.As(err, &se):
		// the failure is already recorded in the source's sync state
		writeJSON(w, http.StatusBadGateway, syncRunResponse{Report: rep, Error: se.Error()})
	default:
		a.fail(w, r, err, "sync failed", "source", src)
	}
}
