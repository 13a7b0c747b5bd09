package bridge

import (
	"encoding/json"
	"net/http"

	"github.com/c360/streamkit/engine"
)

// Handler serves hydration snapshots and boundary listings over HTTP.
//
// Routes:
//
//	GET /hydration   hydration payload for SSR-eligible boundaries
//	GET /boundaries  full boundary listing for diagnostics
type Handler struct {
	engine *engine.Engine
	mux    *http.ServeMux
}

// NewHandler builds the HTTP surface for one engine.
func NewHandler(e *engine.Engine) *Handler {
	h := &Handler{engine: e, mux: http.NewServeMux()}
	h.mux.HandleFunc("/hydration", h.hydration)
	h.mux.HandleFunc("/boundaries", h.boundaries)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) hydration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, Capture(h.engine))
}

func (h *Handler) boundaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, CaptureAll(h.engine))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to send.
		return
	}
}
