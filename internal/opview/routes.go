package opview

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter builds the opview HTTP surface. Every route is GET-only: this
// listener reports state, it never changes it.
func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()

	router.Use(LoggingMiddleware)
	router.Use(RecoveryMiddleware)

	router.HandleFunc("/sessions", handler.HandleListSessions).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{session_id}", handler.HandleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{session_id}/prompts", handler.HandleSessionPrompts).Methods(http.MethodGet)
	router.HandleFunc("/prompts/{prompt_id}", handler.HandleGetPrompt).Methods(http.MethodGet)
	router.HandleFunc("/audit/verify", handler.HandleAuditVerify).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}
