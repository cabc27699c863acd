// Package intakeapi exposes the triage service over HTTP under /api/v1.
package intakeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/similarity"
	"github.com/linnemanlabs/intake/internal/syncer"
	"github.com/linnemanlabs/intake/internal/triage"
)

const (
	maxIngestBody = 4 << 20
	maxSmallBody  = 1 << 20
)

// Service defines the business operations the API needs.
type Service interface {
	Ingest(ctx context.Context, env *triage.Envelope, opts triage.RunOptions) (*triage.IngestResult, error)
	Triage(ctx context.Context, id string, opts triage.RunOptions) (*triage.Result, error)
	TriageBatch(ctx context.Context, opts triage.BatchOptions) (*triage.BatchReport, error)
	Correct(ctx context.Context, req *triage.CorrectionRequest) (*intake.TriageRecord, error)
	Get(ctx context.Context, id string) (*triage.ItemView, bool, error)
	List(ctx context.Context, f intake.Filter) ([]*intake.Item, error)
}

// Similarity finds neighbours for an item.
type Similarity interface {
	FindSimilar(ctx context.Context, it *intake.Item, opts similarity.Options) ([]similarity.Match, error)
}

// Syncer runs source syncs on demand.
type Syncer interface {
	Sources() []syncer.Source
	States(ctx context.Context) ([]intake.SyncState, error)
	Run(ctx context.Context, src syncer.Source) (*syncer.Report, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
	sim    Similarity
	sync   Syncer
}

// New creates the API. sim and sync may be nil, in which case their
// endpoints answer 503.
func New(logger log.Logger, svc Service, sim Similarity, sync Syncer) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		sim:    sim,
		sync:   sync,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Post("/", a.handleIngest)
			r.Get("/", a.handleListItems)
			r.Get("/{id}", a.handleGetItem)
			r.Post("/{id}/triage", a.handleTriageItem)
		})
		r.Post("/triage/batch", a.handleTriageBatch)
		r.Post("/corrections", a.handleCorrection)
		r.Post("/entities", a.handleEntities)
		r.Post("/similar", a.handleSimilar)
		r.Get("/sync", a.handleSyncStatus)
		r.Post("/sync/{source}", a.handleSyncRun)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decode reads a JSON body of at most limit bytes. An empty body leaves v
// untouched when allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v any, limit int64, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	if allowEmpty && errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid payload: %w", err)
}

// fail maps service errors onto status codes. Anything unrecognised is an
// internal error and gets logged.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, intake.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, intake.ErrInvalidItem), errors.Is(err, triage.ErrInvalidCorrection):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncer.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, syncer.ErrLocked), errors.Is(err, syncer.ErrLockLost):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
