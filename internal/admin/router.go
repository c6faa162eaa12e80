// Package admin provides vmtapd's introspection HTTP surface: liveness and
// a read-only dump of the loaded Module's programs, maps, and attachment
// state.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vmtap/loader/internal/vm"
)

// Server backs the admin HTTP routes with a reference to the running
// Module.
type Server struct {
	module *vm.Module
}

// NewServer returns a Server reporting on module.
func NewServer(module *vm.Module) *Server {
	return &Server{module: module}
}

// NewRouter returns a configured chi.Router for vmtapd's admin surface.
//
// Route layout:
//
//	GET /healthz     – liveness probe
//	GET /debug/vars  – loaded programs, maps, and their attach/load state
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/debug/vars", srv.handleDebugVars)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// programStatus and mapStatus are the handleDebugVars wire shapes, kept
// separate from vm.Program/vm.Map so the admin surface never needs to
// reach into their unexported fields.
type programStatus struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Loaded   bool   `json:"loaded"`
	Attached bool   `json:"attached"`
}

type mapStatus struct {
	Name       string `json:"name"`
	Type       uint32 `json:"type"`
	MaxEntries uint32 `json:"max_entries"`
}

func (s *Server) handleDebugVars(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		License  string          `json:"license"`
		Programs []programStatus `json:"programs"`
		Maps     []mapStatus     `json:"maps"`
	}{}

	if s.module != nil {
		resp.License = s.module.License
		for _, p := range s.module.Programs {
			resp.Programs = append(resp.Programs, programStatus{
				Name:     p.Name,
				Kind:     p.Kind.String(),
				Loaded:   p.Loaded(),
				Attached: p.Attached(),
			})
		}
		for _, mp := range s.module.Maps {
			resp.Maps = append(resp.Maps, mapStatus{
				Name:       mp.Name,
				Type:       uint32(mp.Type),
				MaxEntries: mp.MaxEntries,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
