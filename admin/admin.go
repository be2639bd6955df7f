// Package admin serves a small read-only HTTP API over the authorization
// store and the follower state.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/follower"
	"github.com/rohankumardubey/sentry-core/store"
)

// Handlers holds the dependencies the admin endpoints read from
type Handlers struct {
	store    store.AuthorizationStore
	follower *follower.Follower
}

// NewHandlers creates admin handlers
func NewHandlers(s store.AuthorizationStore, f *follower.Follower) *Handlers {
	return &Handlers{store: s, follower: f}
}

// RegisterRoutes registers the admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()

	r.Get("/status", handlers.handleStatus)
	r.Get("/privileges", handlers.handlePrivileges)
	r.Get("/paths/{obj}", handlers.handlePaths)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// handleStatus reports follower state and the persisted watermark
func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.follower.Status(r.Context()))
}

// privilegeResponse is the wire form of one privilege
type privilegeResponse struct {
	Role      string   `json:"role"`
	Action    string   `json:"action"`
	Server    string   `json:"server"`
	Db        string   `json:"db,omitempty"`
	Table     string   `json:"table,omitempty"`
	Partition []string `json:"partition,omitempty"`
}

// handlePrivileges lists privileges, optionally narrowed by db and table
// query parameters
func (h *Handlers) handlePrivileges(w http.ResponseWriter, r *http.Request) {
	privs, err := h.store.ListPrivileges(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	dbFilter := r.URL.Query().Get("db")
	tableFilter := r.URL.Query().Get("table")

	out := make([]privilegeResponse, 0, len(privs))
	for _, p := range privs {
		if dbFilter != "" && p.Resource.Db != dbFilter {
			continue
		}
		if tableFilter != "" && p.Resource.Table != tableFilter {
			continue
		}
		out = append(out, privilegeResponse{
			Role:      p.Role,
			Action:    p.Action,
			Server:    p.Resource.Server,
			Db:        p.Resource.Db,
			Table:     p.Resource.Table,
			Partition: p.Resource.Partition,
		})
	}
	writeJSONResponse(w, out)
}

// handlePaths returns the path mappings of one authz object name, like
// "db1" or "db1.table1"
func (h *Handlers) handlePaths(w http.ResponseWriter, r *http.Request) {
	obj := chi.URLParam(r, "obj")
	if obj == "" {
		writeErrorResponse(w, http.StatusBadRequest, "object name is required")
		return
	}

	paths, found, err := h.store.GetPathsMapping(r.Context(), obj)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "no paths mapped to "+obj)
		return
	}
	writeJSONResponse(w, map[string]interface{}{
		"obj":   obj,
		"paths": paths,
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
