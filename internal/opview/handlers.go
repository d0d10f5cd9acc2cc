package opview

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sentinel-hq/sentinel/internal/audit"
	"github.com/sentinel-hq/sentinel/internal/errs"
	"github.com/sentinel-hq/sentinel/internal/model"
)

// Store is the read surface opview needs from the persistence layer.
// *store.Store satisfies it. It embeds audit.Store so HandleAuditVerify
// can run the chain check without a type assertion.
type Store interface {
	audit.Store

	ListActiveSessions(ctx context.Context) ([]model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListPendingPrompts(ctx context.Context) ([]model.Prompt, error)
	GetPrompt(ctx context.Context, id string) (model.Prompt, error)
}

// Handler serves the read-only observability endpoints.
type Handler struct {
	store Store
}

// NewHandler builds a Handler backed by store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// HandleListSessions returns every ACTIVE session.
func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListActiveSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// HandleGetSession returns one session by ID.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// HandleSessionPrompts returns every ROUTED/AWAITING_REPLY prompt bound
// to the named session.
func (h *Handler) HandleSessionPrompts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["session_id"]

	pending, err := h.store.ListPendingPrompts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	filtered := make([]model.Prompt, 0, len(pending))
	for _, p := range pending {
		if p.SessionID == id {
			filtered = append(filtered, p)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// HandleGetPrompt returns one prompt by ID, regardless of status.
func (h *Handler) HandleGetPrompt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["prompt_id"]
	p, err := h.store.GetPrompt(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errs.ErrNoSuchPrompt) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// auditVerifyResponse is the JSON shape for GET /audit/verify.
type auditVerifyResponse struct {
	EventsChecked int    `json:"events_checked"`
	Intact        bool   `json:"intact"`
	BrokenAtSeq   uint64 `json:"broken_at_seq,omitempty"`
}

// HandleAuditVerify recomputes the hash chain over every audit event and
// reports whether it is intact.
func (h *Handler) HandleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := audit.Verify(r.Context(), h.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, auditVerifyResponse{
		EventsChecked: result.EventsChecked,
		Intact:        !result.Broken,
		BrokenAtSeq:   result.BrokenAtSeq,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
