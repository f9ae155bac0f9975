package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/mkarls/chat-backup-search/internal/backup"
)

// Server is the thin presentation collaborator over the job manager. It
// parses requests and renders JSON; all pipeline logic lives in the manager.
type Server struct {
	manager *backup.Manager

	mux    *http.ServeMux
	server *http.Server
}

func NewServer(manager *backup.Manager) *Server {
	s := &Server{
		manager: manager,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}
