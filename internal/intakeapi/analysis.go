package intakeapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/intake/internal/entities"
	"github.com/linnemanlabs/intake/internal/intake"
	"github.com/linnemanlabs/intake/internal/similarity"
)

type entitiesRequest struct {
	Text string `json:"text"`
	// Reference anchors relative dates; defaults to now.
	Reference time.Time `json:"reference,omitzero"`
}

func (a *API) handleEntities(w http.ResponseWriter, r *http.Request) {
	var req entitiesRequest
	if err := decode(w, r, &req, maxSmallBody, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ref := req.Reference
	if ref.IsZero() {
		ref = time.Now()
	}
	writeJSON(w, http.StatusOK, entities.Extract(req.Text, ref))
}

type similarRequest struct {
	// ID selects a stored item; otherwise Item is embedded ad hoc.
	ID            string       `json:"id,omitempty"`
	Item          *intake.Item `json:"item,omitempty"`
	Zone          intake.Zone  `json:"zone,omitempty"`
	TopK          int          `json:"top_k,omitempty"`
	MinSimilarity float64      `json:"min_similarity,omitempty"`
	TriagedOnly   bool         `json:"triaged_only,omitempty"`
}

type similarResponse struct {
	Matches    []similarity.Match     `json:"matches"`
	Suggestion *similarity.Suggestion `json:"suggestion,omitempty"`
}

func (a *API) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if a.sim == nil {
		writeError(w, http.StatusServiceUnavailable, "similarity is not configured")
		return
	}
	var req similarRequest
	if err := decode(w, r, &req, maxSmallBody, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var it *intake.Item
	switch {
	case req.ID != "":
		view, ok, err := a.svc.Get(r.Context(), req.ID)
		if err != nil {
			a.fail(w, r, err, "failed to get item", "intake_id", req.ID)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		it = view.Item
	case req.Item != nil && strings.TrimSpace(req.Item.Subject+req.Item.Body) != "":
		it = req.Item
		// ad hoc queries must not be persisted or excluded as a stored row
		it.ID = ""
		it.Embedding = nil
	default:
		writeError(w, http.StatusBadRequest, "id or item with subject/body is required")
		return
	}

	zone := req.Zone
	if zone == "" {
		zone = it.Zone
	}
	if zone != "" && !zone.Valid() {
		writeError(w, http.StatusBadRequest, "invalid zone")
		return
	}

	matches, err := a.sim.FindSimilar(r.Context(), it, similarity.Options{
		Zone:          zone,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
		RequireTriage: req.TriagedOnly,
	})
	if err != nil {
		a.fail(w, r, err, "similarity search failed", "intake_id", it.ID)
		return
	}
	resp := similarResponse{Matches: matches}
	if resp.Matches == nil {
		resp.Matches = []similarity.Match{}
	}
	if s, ok := similarity.Vote(matches); ok {
		resp.Suggestion = s
	}
	writeJSON(w, http.StatusOK, resp)
}
