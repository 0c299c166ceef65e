package main

import (
	"encoding/json"
	"net/http"

	"github.com/apexdata/lapreport/internal/db"
	"github.com/apexdata/lapreport/internal/saver"
	"github.com/apexdata/lapreport/internal/version"
)

// Server exposes the operator endpoints: pipeline status, recent laps, and
// the database debug routes.
type Server struct {
	pipeline *Pipeline
	db       *db.DB
}

func NewServer(pipeline *Pipeline, database *db.DB) *Server {
	return &Server{
		pipeline: pipeline,
		db:       database,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/api/sessions", s.sessionsHandler)
	mux.HandleFunc("/api/laps", s.lapsHandler)
	s.db.AttachAdminRoutes(mux)
	return mux
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, struct {
		saver.Report
		Version string `json:"version"`
	}{s.pipeline.Report(), version.Version})
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessions, err := s.db.Sessions(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) lapsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session query parameter is required", http.StatusBadRequest)
		return
	}
	laps, err := s.db.SessionLaps(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, laps)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
